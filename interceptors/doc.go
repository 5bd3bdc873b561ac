// Package interceptors wraps messaging handlers with cross-cutting behaviour.
//
// Built-in interceptors:
//   - LoggingInterceptor: Logs each delivery with its processing time
//   - RecoveryInterceptor: Converts handler panics into errors so the delivery is requeued
//   - TimeoutInterceptor: Fails handlers that run longer than a limit
//   - FilteringInterceptor: Skips deliveries by routing key pattern or attributes
//   - ConditionalInterceptor: Applies another interceptor only to matching deliveries
//
// Example usage:
//
//	chain := interceptors.NewChain(logger).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewLoggingInterceptor(logger))
//
//	subscriber.Subscribe(ctx, "logs", routing.Topic, "auditor", routing.Key("#"), chain.Then(handler))
//
// Interceptors run in the order they were added, with the final handler last.
// Returning an error from any of them rejects the delivery with requeue.
package interceptors
