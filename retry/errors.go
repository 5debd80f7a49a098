package retry

import (
	"fmt"
	"time"
)

// Outcome is the result of a single attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable_failure"
	OutcomeFatal     Outcome = "fatal_failure"
)

// Attempt records one invocation of the operation.
type Attempt struct {
	// Number is 1 for the initial attempt.
	Number int
	// Delay is the wait that preceded this attempt.
	Delay    time.Duration
	Outcome  Outcome
	Category Category
	Err      error
}

// ExhaustedError is returned when every allowed attempt failed with a
// retryable error.
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts: %v", len(e.Attempts), e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// FatalError is returned when an attempt fails with a category the policy does
// not retry.
type FatalError struct {
	Attempts []Attempt
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("retry: fatal error on attempt %d: %v", len(e.Attempts), e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// AbortedError is returned when the context ends before the operation
// succeeds. It matches both the context error and the last attempt error.
type AbortedError struct {
	Attempts []Attempt
	// Last is the error of the most recent attempt, nil if none ran.
	Last  error
	Cause error
}

func (e *AbortedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("retry: aborted before first attempt: %v", e.Cause)
	}
	return fmt.Sprintf("retry: aborted after %d attempts: %v (last error: %v)", len(e.Attempts), e.Cause, e.Last)
}

func (e *AbortedError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	return errs
}
