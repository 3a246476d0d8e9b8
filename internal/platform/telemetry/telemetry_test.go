package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := NewProvider(TelemetryConfig{}, sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestTelemetryConfig_Defaults(t *testing.T) {
	cfg := TelemetryConfig{SampleRate: 5}
	cfg.applyDefaults()
	assert.Equal(t, "assistant-server", cfg.ServiceName)
	assert.Equal(t, "0.0.0", cfg.ServiceVersion)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), TelemetryConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracingMiddleware_RecordsSpan(t *testing.T) {
	rec := installRecorder(t)

	e := echo.New()
	e.Use(TracingMiddleware())
	e.GET("/api/v1/assistant/conversations/:id", func(c echo.Context) error {
		c.Set("tenant_id", "clinic_a")
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "gateway down")
	})

	for _, path := range []string{"/api/v1/assistant/conversations/123", "/boom"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "HTTP GET /api/v1/assistant/conversations/:id", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestRecordError(t *testing.T) {
	rec := installRecorder(t)

	_, span := Tracer("test").Start(context.Background(), "op")
	RecordError(span, nil)
	RecordError(span, errors.New("failed"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
}
