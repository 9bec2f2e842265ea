// Package progress carries run milestones from the pipeline to observers.
// Events are batched on a background goroutine and fanned out to sinks such
// as Prometheus metrics or structured logs; emitting never blocks a worker.
package progress
