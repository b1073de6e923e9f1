package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

// TestConfigValidate covers accepted exporters and missing endpoints.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Config{}.Validate())
	require.NoError(t, Config{Exporter: ExporterNone}.Validate())
	require.NoError(t, Config{Exporter: ExporterStdout}.Validate())
	require.NoError(t, Config{Exporter: ExporterOTLP, OTLPEndpoint: "localhost:4317"}.Validate())
	require.ErrorIs(t, Config{Exporter: ExporterOTLP}.Validate(), errNoEndpoint)
	require.ErrorIs(t, Config{Exporter: "zipkin"}.Validate(), errUnknownExporter)
}

// TestInit_None keeps the no-op providers and returns a harmless shutdown.
func TestInit_None(t *testing.T) {
	t.Parallel()

	shutdown, err := Init(context.Background(), "snipvault-installer", "test", Config{Exporter: ExporterNone})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), "snipvault-installer", "test", Config{Exporter: "zipkin"})
	require.Error(t, err)
}

// TestInstruments verifies the helpers are usable without an SDK.
func TestInstruments(t *testing.T) {
	t.Parallel()

	ctx, span := Tracer().Start(context.Background(), "test")
	defer span.End()

	counter := Int64Counter("installer.test.count", "test counter")
	require.NotNil(t, counter)
	counter.Add(ctx, 1, metric.WithAttributes())
}
