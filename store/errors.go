package store

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable is returned (wrapped in *UnavailableError) when the
// counter backend cannot be reached. It is distinct from other store failures so
// that the limiter can apply its fail-open or fail-closed policy.
var ErrBackendUnavailable = errors.New("store: backend unavailable")

// UnavailableError describes a failed round trip to a counter backend.
type UnavailableError struct {
	Backend string
	Op      string
	Err     error
}

func (e *UnavailableError) Error() string {
	return e.Backend + " " + e.Op + ": backend unavailable: " + e.Err.Error()
}

// Is reports ErrBackendUnavailable as a match.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err signals an unreachable backend.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// isConnectivityError classifies errors returned by the Redis client.
// Timeouts, refused or reset connections, and a closed client all count as the
// backend being unavailable. Script errors and type mismatches do not.
func isConnectivityError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, redis.ErrPoolTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

var errMemoryClosed = errors.New("memory store closed")
