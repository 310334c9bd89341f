// Package telemetry wires OpenTelemetry tracing for the bridge's HTTP
// surface.
package telemetry

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"issuebridge/pkg/logging"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

const DefaultServiceName = "issuebridge"

type Config struct {
	ServiceName string
	// Endpoint is the OTLP/HTTP collector host. Empty keeps spans local.
	Endpoint   string
	Headers    map[string]string
	Insecure   bool
	Required   bool
	Timeout    time.Duration
	Sampler    string
	SamplerArg string
}

// ConfigFromEnv reads the standard OTEL_* exporter variables.
func ConfigFromEnv(serviceName string) Config {
	timeout := 5 * time.Second
	if v, err := strconv.Atoi(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC")); err == nil && v > 0 {
		timeout = time.Duration(v) * time.Second
	}
	return Config{
		ServiceName: serviceName,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Timeout:     timeout,
		Sampler:     os.Getenv("OTEL_TRACES_SAMPLER"),
		SamplerArg:  os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
	}
}

func serviceName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultServiceName
	}
	return name
}

// Init installs the global tracer provider. An exporter that cannot start is
// fatal only when cfg.Required is set; otherwise spans stay local.
func Init(ctx context.Context, cfg Config, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Nop{}
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName(cfg.ServiceName)),
	))
	sampler := parseSampler(cfg.Sampler, cfg.SamplerArg)
	install := func(opts ...trace.TracerProviderOption) func(context.Context) error {
		opts = append([]trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(sampler)}, opts...)
		tp := trace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		return tp.Shutdown
	}
	if cfg.Endpoint == "" {
		return install(), nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if cfg.Required {
			return nil, err
		}
		log.Error("otel exporter disabled", "error", err)
		return install(), nil
	}
	return install(trace.WithBatcher(exporter)), nil
}

func parseSampler(name, arg string) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware opens a server span per request.
func HTTPMiddleware(name string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceName(name))
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
