// Package observability sets up OpenTelemetry export and holds the
// instruments the rest of capdir records into.
//
// Instruments are always created through Meter and Tracer. Until Setup
// runs with an enabled Config they are backed by the otel no-op globals.
package observability
