package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/admit/gateway"
	"github.com/nhalm/admit/ratelimit"
	"github.com/nhalm/admit/retry"
	"github.com/nhalm/admit/store"
)

func Example() {
	st := store.NewMemory()
	defer st.Close()

	g := gateway.New(ratelimit.New(st))
	policy := retry.MustPolicy(retry.Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2,
	})

	attempts := 0
	res, err := gateway.Run(context.Background(), g, "user:42", ratelimit.PerMinute(5),
		func(context.Context) (string, error) {
			attempts++
			if attempts == 1 {
				return "", retry.Transient(errors.New("connection reset"))
			}
			return "stored", nil
		}, policy)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println(res.Value, attempts, res.Decision.Remaining)
	// Output: stored 2 4
}
