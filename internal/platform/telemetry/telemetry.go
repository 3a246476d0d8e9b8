// Package telemetry wires OpenTelemetry tracing for the assistant service:
// an OTLP/HTTP exporter when a collector endpoint is configured, and an echo
// middleware that opens one server span per request.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ehr/assistant/internal/platform/telemetry"

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is an OTLP/HTTP collector URL. Empty disables export.
	OTLPEndpoint string
	Environment  string
	SampleRate   float64
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "assistant-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// Setup installs the global tracer provider and propagator. The returned
// shutdown flushes pending spans and must be called on exit.
func Setup(ctx context.Context, cfg TelemetryConfig) (shutdown func(context.Context) error, err error) {
	cfg.applyDefaults()
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := NewProvider(cfg, sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// NewProvider builds a tracer provider carrying the service resource.
// Extra options attach exporters or span processors.
func NewProvider(cfg TelemetryConfig, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	cfg.applyDefaults()
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...)
}

// Tracer returns a tracer for the given package.
func Tracer(pkg string) trace.Tracer {
	return otel.Tracer(pkg)
}

// RecordError marks span as failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TracingMiddleware opens a server span per request named after the route
// pattern, continuing any incoming trace context.
func TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := Tracer(tracerName).Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
				))
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if tenant, ok := c.Get("tenant_id").(string); ok && tenant != "" {
				span.SetAttributes(attribute.String("tenant.id", tenant))
			}
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return err
		}
	}
}
