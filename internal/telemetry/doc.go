// Package telemetry wires OpenTelemetry tracing and metrics for the installer.
//
// Components obtain tracers and instruments from the global providers through
// Tracer and Int64Counter; until Init installs an SDK those are no-ops, so
// library code and tests never need telemetry configured.
package telemetry
