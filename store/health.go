package store

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// HealthState is the process-wide view of a counter backend.
type HealthState int32

const (
	// HealthUnknown is the state before the first operation completes.
	HealthUnknown HealthState = iota
	// HealthHealthy means the last operation succeeded.
	HealthHealthy
	// HealthDegraded means the last operation found the backend unavailable.
	HealthDegraded
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// health tracks transitions and logs them once per change.
type health struct {
	state   atomic.Int32
	backend string
	logger  *zap.Logger
}

func newHealth(backend string, logger *zap.Logger) *health {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &health{backend: backend, logger: logger}
}

func (h *health) load() HealthState {
	return HealthState(h.state.Load())
}

// observe records the outcome of a backend operation. Only unavailability moves
// the state to degraded; other errors mean the backend answered.
func (h *health) observe(err error) {
	next := HealthHealthy
	if IsUnavailable(err) {
		next = HealthDegraded
	}
	prev := HealthState(h.state.Swap(int32(next)))
	if prev == next {
		return
	}
	if next == HealthDegraded {
		h.logger.Warn("counter store degraded",
			zap.String("event", "store.degraded"),
			zap.String("backend", h.backend),
			zap.Error(err))
		return
	}
	h.logger.Info("counter store healthy",
		zap.String("event", "store.healthy"),
		zap.String("backend", h.backend),
		zap.Stringer("previous", prev))
}
