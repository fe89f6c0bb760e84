// Package otel reserves the observer slot for an OpenTelemetry exporter.
// Only the no-op implementation exists today; it keeps callers compiling
// until span-event support lands.
package otel
