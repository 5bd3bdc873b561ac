// Package health reports broker and work queue health.
//
// A Registry runs every registered Checker concurrently and folds the
// results into one Report whose status is the worst individual status.
// NewHandler, ReadinessHandler and LivenessHandler expose a Registry over HTTP.
package health
