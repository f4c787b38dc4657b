package risk

import (
	"time"

	"fundarb/internal/core"
	"fundarb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// NewExecutionBreaker builds the circuit breaker the execution engine wraps
// around order placement. Tuned tighter than the request-policy breaker:
// two consecutive failures open it, it half-opens after 30 seconds, and one
// success closes it again.
func NewExecutionBreaker(logger core.ILogger) circuitbreaker.CircuitBreaker[any] {
	log := logger.WithField("component", "execution_breaker")
	return circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(2).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnOpen(func(e circuitbreaker.StateChangedEvent) {
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("execution", true)
			log.Warn("execution breaker opened", "from", e.OldState.String())
		}).
		OnClose(func(e circuitbreaker.StateChangedEvent) {
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("execution", false)
			log.Info("execution breaker closed", "from", e.OldState.String())
		}).
		Build()
}
