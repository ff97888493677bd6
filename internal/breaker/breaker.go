// Package breaker guards calls to failing dependencies (MQTT publish, DB
// session) with a CLOSED/OPEN/HALF_OPEN circuit breaker. It
// wraps sony/gobreaker, giving each protected dependency its own named
// instance with stock defaults (5 consecutive failures to trip, 30s
// reset timeout, 2 half-open probes).
package breaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State mirrors gobreaker's three states under snake_case names.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls the trip/reset/probe thresholds for one breaker
// instance.
type Config struct {
	// Name identifies the protected dependency in logs and metrics
	// (e.g. "mqtt_publish", "db_session").
	Name string
	// FailureThreshold is the number of consecutive failures in CLOSED
	// that trips the breaker to OPEN. Default 5.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays OPEN before allowing
	// probes through in HALF_OPEN. Default 30s.
	ResetTimeout time.Duration
	// HalfOpenProbes is the number of trial requests allowed through in
	// HALF_OPEN before the breaker decides CLOSED or OPEN. Default 2.
	HalfOpenProbes uint32
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenProbes == 0 {
		c.HalfOpenProbes = 2
	}
	return c
}

// Breaker protects a single dependency. T is the result type of the
// protected call (use struct{} when the call has no meaningful result).
type Breaker[T any] struct {
	cb     *gobreaker.CircuitBreaker[T]
	logger *slog.Logger
}

// New creates a Breaker with the given configuration. A nil logger is
// replaced with slog.Default.
func New[T any](cfg Config, logger *slog.Logger) *Breaker[T] {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				"breaker", name,
				"from", stateName(from),
				"to", stateName(to),
			)
		},
	}

	return &Breaker[T]{
		cb:     gobreaker.NewCircuitBreaker[T](settings),
		logger: logger,
	}
}

// Execute runs fn if the breaker allows the call, recording success or
// failure. When the breaker is OPEN, fn is not called and
// gobreaker.ErrOpenState is returned — callers use this to decide whether
// to enqueue into an offline buffer instead.
func (b *Breaker[T]) Execute(_ context.Context, fn func() (T, error)) (T, error) {
	return b.cb.Execute(fn)
}

// Allow reports whether a call would currently be let through, without
// performing it. Useful for O(1) pre-checks before expensive work such as
// building a publish payload.
func (b *Breaker[T]) Allow() bool {
	return State(b.State()) != StateOpen
}

// State returns the breaker's current state.
func (b *Breaker[T]) State() State {
	return State(stateName(b.cb.State()))
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return string(StateClosed)
	case gobreaker.StateHalfOpen:
		return string(StateHalfOpen)
	case gobreaker.StateOpen:
		return string(StateOpen)
	default:
		return "unknown"
	}
}
