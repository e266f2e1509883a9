package engine

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker"
)

// newStoreBreaker builds the circuit breaker that guards store operations
// issued from the scheduler tick. A persistently failing store trips the
// breaker, ticks become no-ops, and the loop resumes from current truth
// once the cool-down elapses and a probe succeeds.
func newStoreBreaker(log hclog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("store breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Shutdown is not a store failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}
