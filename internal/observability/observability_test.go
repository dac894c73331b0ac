package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/getyourguide/extproc-basicauth/internal/config"
	"github.com/getyourguide/extproc-basicauth/internal/observability"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestInitSlog(t *testing.T) {
	var buf bytes.Buffer
	logger, err := observability.InitSlog(config.LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	log := observability.Logr(logger)
	log.Info("hello", "user", "thomas")
	log.V(1).Info("hidden at info level")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "thomas", entry["user"])
}

func TestInitSlogDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := observability.InitSlog(config.LogConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)

	observability.Logr(logger).V(1).Info("visible at debug level")
	require.Contains(t, buf.String(), "visible at debug level")
}

func TestInitSlogErrors(t *testing.T) {
	_, err := observability.InitSlog(config.LogConfig{Level: "loud", Format: "json"}, &bytes.Buffer{})
	require.Error(t, err)
	_, err = observability.InitSlog(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestInitTracingDisabled(t *testing.T) {
	tp, shutdown, err := observability.InitTracing(context.Background(), config.TracingConfig{})
	require.NoError(t, err)
	require.IsType(t, noop.TracerProvider{}, tp)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracing(t *testing.T) {
	// the exporter connects lazily, so no collector is needed
	tp, shutdown, err := observability.InitTracing(context.Background(), config.TracingConfig{
		Endpoint:    "127.0.0.1:4317",
		Insecure:    true,
		SampleRatio: 1,
	})
	require.NoError(t, err)
	_, span := tp.Tracer("test").Start(context.Background(), "span")
	require.True(t, span.SpanContext().IsSampled())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx) // nolint:errcheck
}
