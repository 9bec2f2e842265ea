// Package crawler holds the shared vocabulary of a d2ilite run: the run
// configuration, the records each stage produces, checkpoint and backoff
// state, the error taxonomy, and the interfaces implemented by fetchers,
// checkpoint stores, selector evaluators and metadata writers.
package crawler
