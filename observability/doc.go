// Package observability provides logging, Prometheus metrics and health
// checks for processes running interceptor chains.
package observability
