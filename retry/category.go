package retry

import (
	"context"
	"errors"
	"net"
)

// Category classifies an operation failure. The set is closed: policies retry
// only the categories they list, so an error nobody classified is Unknown and
// surfaces immediately.
type Category string

const (
	// CategoryTransient covers short-lived faults such as a dropped
	// connection or a locked resource.
	CategoryTransient Category = "transient"
	// CategoryTimeout covers deadlines and I/O timeouts.
	CategoryTimeout Category = "timeout"
	// CategoryUnavailable covers a dependency that refused or could not be reached.
	CategoryUnavailable Category = "unavailable"
	// CategoryConflict covers optimistic concurrency and uniqueness conflicts.
	CategoryConflict Category = "conflict"
	// CategoryValidation covers bad input. Repeating the call cannot succeed.
	CategoryValidation Category = "validation"
	// CategoryInternal covers programming and logic errors.
	CategoryInternal Category = "internal"
	// CategoryUnknown is assigned to errors that carry no category.
	CategoryUnknown Category = "unknown"
)

// DefaultRetryable is the allow-list used when a Config names none.
var DefaultRetryable = []Category{CategoryTransient, CategoryTimeout, CategoryUnavailable}

// Valid reports whether c is one of the defined categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryTransient, CategoryTimeout, CategoryUnavailable, CategoryConflict,
		CategoryValidation, CategoryInternal, CategoryUnknown:
		return true
	}
	return false
}

func (c Category) String() string {
	return string(c)
}

// Error attaches a Category to an error.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Mark tags err with category c. Mark returns nil for a nil err.
func Mark(c Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: c, Err: err}
}

// Transient marks err as retryable under the default policy.
func Transient(err error) error {
	return Mark(CategoryTransient, err)
}

// Fatal marks err as a validation failure that is never worth repeating.
func Fatal(err error) error {
	return Mark(CategoryValidation, err)
}

// CategoryOf returns the category of err. The outermost *Error in the chain
// wins. Deadline and network timeout errors without an explicit category are
// CategoryTimeout; everything else is CategoryUnknown.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}

	var ce *Error
	if errors.As(err, &ce) && ce.Category.Valid() {
		return ce.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CategoryTimeout
	}
	return CategoryUnknown
}
