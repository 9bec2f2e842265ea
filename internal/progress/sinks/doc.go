// Package sinks implements progress consumers: Prometheus metrics and
// structured logging.
package sinks
