// Package interceptors wraps consumer handlers with cross-cutting behavior.
//
// A Chain runs interceptors in the order they were added, each deciding
// whether and how to call the next one. The built-in interceptors cover
// logging, metrics, bounded in-handler retry and a processing timeout.
//
// Example usage:
//
//	chain := interceptors.NewChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewMetricsInterceptor(collector)).
//		Add(interceptors.NewRetryInterceptor(reliability.DefaultBackoff())).
//		Add(interceptors.NewTimeoutInterceptor(30 * time.Second))
//
//	err := chain.Execute(ctx, envelope, handler)
package interceptors
