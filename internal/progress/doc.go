// Package progress carries lease and delivery lifecycle events from the
// coordinator and the delivery worker to pluggable sinks (logs, Prometheus).
// Emitters never block; events are batched by size or age before fan-out.
package progress
