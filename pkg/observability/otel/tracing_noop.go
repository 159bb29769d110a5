//go:build !otelotlp

package otelobs

import "context"

// InitTracer is a no-op by default to keep builds lightweight. Build with
// -tags otelotlp for a real OTLP exporter.
func InitTracer(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}
