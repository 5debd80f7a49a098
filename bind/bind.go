// Package bind decodes and validates JSON request bodies.
//
// Validation uses go-playground/validator/v10 struct tags. Field errors are
// reported with their JSON names through the wrapper package.
//
//	r.Use(wrapper.New())
//	r.Use(bind.New(bind.WithMaxBodySize(1 << 20)))
//
//	r.Post("/v1/documents", func(w http.ResponseWriter, r *http.Request) {
//	    var req CreateDocumentRequest
//	    if !bind.JSON(r, &req) {
//	        return
//	    }
//	    ...
//	})
package bind

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/nhalm/admit/wrapper"
)

type contextKey string

const configKey contextKey = "bind_config"

var (
	validate      *validator.Validate
	validateMu    sync.RWMutex
	defaultConfig = &config{formatter: defaultFormatter}
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
}

// MessageFormatter generates a human-readable message from a validation error.
// Parameters: field name, validation tag, tag parameter (e.g., "10" from "min=10")
type MessageFormatter func(field, tag, param string) string

type config struct {
	formatter   MessageFormatter
	maxBodySize int64
}

// Option configures the bind middleware.
type Option func(*config)

// WithFormatter sets a custom message formatter for validation errors.
func WithFormatter(fn MessageFormatter) Option {
	return func(c *config) {
		c.formatter = fn
	}
}

// WithMaxBodySize caps request bodies at n bytes. Larger bodies fail to bind
// with ErrPayloadTooLarge.
func WithMaxBodySize(n int64) Option {
	return func(c *config) {
		c.maxBodySize = n
	}
}

// New returns middleware that installs the bind configuration in the request
// context.
func New(opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{formatter: defaultFormatter}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.maxBodySize > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, cfg.maxBodySize)
			}
			ctx := context.WithValue(r.Context(), configKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getConfig(ctx context.Context) *config {
	if cfg, ok := ctx.Value(configKey).(*config); ok {
		return cfg
	}
	return defaultConfig
}

func defaultFormatter(_, tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "min":
		return "must be at least " + param + " characters"
	case "max":
		return "must be at most " + param + " characters"
	case "oneof":
		return "must be one of: " + param
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}

// JSON decodes the request body into dest and validates it.
// Returns true if binding and validation succeeded. On failure the error is
// set in the wrapper context, when present, and false is returned.
func JSON(r *http.Request, dest any) bool {
	ctx := r.Context()

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if wrapper.HasState(ctx) {
			var maxBytesErr *http.MaxBytesError
			switch {
			case errors.As(err, &maxBytesErr):
				wrapper.SetError(r, wrapper.ErrPayloadTooLarge.With("Request body too large"))
			case errors.Is(err, io.EOF):
				wrapper.SetError(r, wrapper.ErrBadRequest.With("Request body is empty"))
			default:
				wrapper.SetError(r, wrapper.ErrBadRequest.With("Invalid JSON request body"))
			}
		}
		return false
	}

	if fieldErrs := Validate(ctx, dest); fieldErrs != nil {
		if wrapper.HasState(ctx) {
			wrapper.SetError(r, wrapper.NewValidationError(fieldErrs))
		}
		return false
	}

	return true
}

// Validate checks v against its struct tags and returns the field errors, or
// nil when v is valid.
func Validate(ctx context.Context, v any) []wrapper.FieldError {
	validateMu.RLock()
	err := validate.Struct(v)
	validateMu.RUnlock()

	if err == nil {
		return nil
	}
	return translateErrors(err, getConfig(ctx).formatter)
}

// RegisterValidation registers a custom validation function.
// Must be called at startup before handling requests.
func RegisterValidation(tag string, fn validator.Func) error {
	validateMu.Lock()
	defer validateMu.Unlock()
	return validate.RegisterValidation(tag, fn)
}

func translateErrors(err error, formatter MessageFormatter) []wrapper.FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []wrapper.FieldError{{
			Code:    "validation",
			Message: err.Error(),
		}}
	}
	result := make([]wrapper.FieldError, len(errs))
	for i, e := range errs {
		result[i] = wrapper.FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: formatter(e.Field(), e.Tag(), e.Param()),
		}
	}
	return result
}
