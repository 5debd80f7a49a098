package wrapper

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Error is a client-facing API error. Status and RetryAfter shape the HTTP
// response; only the remaining fields are rendered in the JSON body.
type Error struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
	Status  int          `json:"-"`
	// RetryAfter is sent as the Retry-After header in whole seconds, rounded
	// up. A 429 always carries the header, even when RetryAfter is zero.
	RetryAfter time.Duration `json:"-"`
}

// FieldError describes one invalid request field.
type FieldError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var (
	ErrBadRequest         = &Error{Type: "request_error", Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrNotFound           = &Error{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrMethodNotAllowed   = &Error{Type: "request_error", Code: "method_not_allowed", Message: "Method not allowed", Status: http.StatusMethodNotAllowed}
	ErrConflict           = &Error{Type: "request_error", Code: "conflict", Message: "Conflict", Status: http.StatusConflict}
	ErrPayloadTooLarge    = &Error{Type: "request_error", Code: "payload_too_large", Message: "Payload too large", Status: http.StatusRequestEntityTooLarge}
	ErrRateLimited        = &Error{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Rate limit exceeded", Status: http.StatusTooManyRequests}
	ErrInternal           = &Error{Type: "api_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrServiceUnavailable = &Error{Type: "api_error", Code: "service_unavailable", Message: "Service temporarily unavailable, please retry later", Status: http.StatusServiceUnavailable}
)

func (e *Error) Error() string {
	return e.Message
}

// Is matches errors with the same type and code, so a customized copy still
// matches its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e == nil || t == nil {
		return e == t
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy carrying message.
func (e *Error) With(message string) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// WithRetryAfter returns a copy telling the client to wait d before retrying.
// Negative durations are treated as zero.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.RetryAfter = max(0, d)
	return &dup
}

// NewValidationError wraps field errors in a 400 validation_error.
func NewValidationError(fields []FieldError) *Error {
	return &Error{
		Type:    "validation_error",
		Code:    "invalid_request",
		Message: "Validation failed",
		Errors:  fields,
		Status:  http.StatusBadRequest,
	}
}

// retryAfterHeader returns the Retry-After value for e, if it has one.
func (e *Error) retryAfterHeader() (string, bool) {
	if e.RetryAfter <= 0 && e.Status != http.StatusTooManyRequests {
		return "", false
	}
	secs := int64(math.Ceil(max(0, e.RetryAfter).Seconds()))
	return strconv.FormatInt(secs, 10), true
}
