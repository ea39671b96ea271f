// Package reliability bounds failure propagation between services.
//
// This package implements:
//   - CircuitBreaker: fails fast once a dependency is judged unhealthy
//   - Retry and RetryValue: bounded attempts with exponential backoff and jitter
//   - Race: races an operation against a timer, abandoning the loser
//   - DeadLetterRelay: logs and drains a service's dead-letter queue
//
// All state is process local. Two instances of a service each hold their own
// breakers.
//
// Example usage:
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithName("broker"),
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithTimeout(time.Minute),
//	)
//
//	err := reliability.Retry(ctx, reliability.DefaultBackoff(), func() error {
//	    return cb.Execute(ctx, publish)
//	})
package reliability
