// Package resilience holds the circuit breaker and retry policy used
// around calls to the global capabilities directory.
//
//	cb := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("consul"))
//	err := cb.Execute(func() error { return put(ctx) })
package resilience
