package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nhalm/admit/ratelimit"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	checkIdentity string
	checkCount    int
	checkCost     int64
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Issue admission checks against the configured backend",
	Example: `  admitd check --identity user:42 --count 6
  RATE_LIMIT_BACKEND=remote REDIS_URL=localhost:6379 admitd check --identity ip:10.0.0.1`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		identity := strings.TrimSpace(checkIdentity)
		if identity == "" {
			return fmt.Errorf("--identity is required")
		}
		if checkCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync() // nolint:errcheck // best-effort flush

		b, err := newBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close() // nolint:errcheck // best-effort cleanup

		rows, err := runChecks(cmd.Context(), b.Limiter, identity, cfg.Limit(), checkCount, checkCost)
		if err != nil {
			logger.Error("admission check failed", zap.String("identity", identity), zap.Error(err))
			return err
		}
		renderChecks(cmd.OutOrStdout(), rows, time.Now())
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkIdentity, "identity", "", "Identity to check (e.g. user:42, ip:10.0.0.1)")
	checkCmd.Flags().IntVar(&checkCount, "count", 1, "Number of checks to issue")
	checkCmd.Flags().Int64Var(&checkCost, "cost", 1, "Units consumed per check")
}

type checkRow struct {
	N        int
	Decision ratelimit.Decision
}

func runChecks(ctx context.Context, l *ratelimit.Limiter, identity string, limit ratelimit.Limit, count int, cost int64) ([]checkRow, error) {
	rows := make([]checkRow, 0, count)
	for i := 1; i <= count; i++ {
		dec, err := l.Check(ctx, identity, limit, cost)
		if err != nil {
			return rows, err
		}
		rows = append(rows, checkRow{N: i, Decision: dec})
	}
	return rows, nil
}

func renderChecks(w io.Writer, rows []checkRow, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"#", "Allowed", "Remaining", "Limit", "Reset At", "Retry After", "Degraded"})
	for _, row := range rows {
		retryAfter := "-"
		if !row.Decision.Allowed {
			retryAfter = fmt.Sprintf("%ds", ratelimit.RetryAfterSeconds(row.Decision, now))
		}
		t.AppendRow(table.Row{
			row.N,
			row.Decision.Allowed,
			row.Decision.Remaining,
			row.Decision.Limit,
			row.Decision.ResetAt.UTC().Format(time.RFC3339),
			retryAfter,
			row.Decision.Degraded,
		})
	}
	t.Render()
}
