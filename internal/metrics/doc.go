// Package metrics defines the Prometheus metrics exported by the listener.
package metrics
