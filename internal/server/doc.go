// Package server exposes the listener's health, configuration, statistics
// and Prometheus metrics over HTTP.
package server
