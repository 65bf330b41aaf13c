// Package scheduler owns job execution for the market core.
// It handles:
// - Due-job selection on a fixed tick, bounded by the concurrency cap
// - The fetch, score and fuse pipeline for each execution
// - Adaptive rescheduling from execution time and market conditions
// - Retry with exponential backoff and cool-down on repeated failure
// - Lifecycle event fan-out to subscribers
//
// The core loop is implemented in core.go and execution.go; periodic
// maintenance runs from jobs.go.
package scheduler
