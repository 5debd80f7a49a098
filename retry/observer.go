package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventKind names an observable point in a retry loop.
type EventKind string

const (
	EventAttemptFailed EventKind = "retry.attempt_failed"
	EventSucceeded     EventKind = "retry.succeeded"
	EventExhausted     EventKind = "retry.exhausted"
	EventFatal         EventKind = "retry.fatal"
	EventAborted       EventKind = "retry.aborted"
)

// Event is delivered to an Observer once per failed attempt and once when the
// loop terminates.
type Event struct {
	Kind EventKind
	// Attempt is the attempt that triggered the event.
	Attempt Attempt
	// NextDelay is the wait scheduled after a failed attempt, zero if no
	// retry follows.
	NextDelay time.Duration
	// History holds every attempt so far. Set on terminal events.
	History []Attempt
}

// Observer receives retry events. Implementations must be safe for concurrent use.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// LogObserver logs events with logger. A nil logger discards them.
func LogObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logObserver{logger: logger}
}

type logObserver struct {
	logger *zap.Logger
}

func (o *logObserver) Observe(_ context.Context, ev Event) {
	a := ev.Attempt
	switch ev.Kind {
	case EventAttemptFailed:
		o.logger.Info("attempt failed",
			zap.String("event", string(ev.Kind)),
			zap.Int("attempt", a.Number),
			zap.String("category", string(a.Category)),
			zap.Duration("delay", ev.NextDelay),
			zap.Error(a.Err))
	case EventSucceeded:
		if a.Number == 1 {
			return
		}
		o.logger.Info("operation succeeded after retries",
			zap.String("event", string(ev.Kind)),
			zap.Int("attempts", a.Number))
	case EventExhausted:
		o.logger.Error("retries exhausted",
			zap.String("event", string(ev.Kind)),
			zap.Int("attempts", len(ev.History)),
			zap.Array("history", attemptsMarshaler(ev.History)),
			zap.Error(a.Err))
	case EventFatal:
		o.logger.Warn("operation failed with non-retryable error",
			zap.String("event", string(ev.Kind)),
			zap.Int("attempt", a.Number),
			zap.String("category", string(a.Category)),
			zap.Error(a.Err))
	case EventAborted:
		o.logger.Warn("retry loop cancelled",
			zap.String("event", string(ev.Kind)),
			zap.Int("attempts", len(ev.History)),
			zap.Error(a.Err))
	}
}

type attemptsMarshaler []Attempt

func (as attemptsMarshaler) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, a := range as {
		if err := enc.AppendObject(a); err != nil {
			return err
		}
	}
	return nil
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (a Attempt) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("number", a.Number)
	enc.AddDuration("delay", a.Delay)
	enc.AddString("outcome", string(a.Outcome))
	if a.Category != "" {
		enc.AddString("category", string(a.Category))
	}
	if a.Err != nil {
		enc.AddString("error", a.Err.Error())
	}
	return nil
}
