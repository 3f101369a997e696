package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/protocol"
)

const (
	tracerName       = "github.com/signalsfoundry/seedlink"
	serviceNamespace = "seedlink"
	defaultOTLP      = "localhost:4317"
)

// Resource and span attribute keys.
const (
	AttrComponent       = attribute.Key("seedlink.component")
	AttrProtocolVersion = attribute.Key("seedlink.protocol.version")
	AttrRound           = attribute.Key("seedlink.round")
	AttrRoundKind       = attribute.Key("seedlink.round.kind")
	AttrRequesters      = attribute.Key("seedlink.round.requesters")
	AttrSeed            = attribute.Key("seedlink.seed")
)

// TracingConfig selects the exporter and identifies the process in traces.
type TracingConfig struct {
	Enabled bool
	// Component is the subcommand running, serve or motor. It suffixes the
	// default service name.
	Component   string
	ServiceName string
	Version     string
	Environment string // deployment.environment, omitted when empty
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	SampleRatio float64
}

// TracingConfigFromEnv reads the SEEDLINK_TRACING_* variables through
// lookup. A nil lookup reads the process environment.
func TracingConfigFromEnv(component string, lookup func(string) (string, bool)) TracingConfig {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := TracingConfig{
		Enabled:     strings.EqualFold(get("SEEDLINK_TRACING_ENABLED"), "true"),
		Component:   component,
		ServiceName: get("SEEDLINK_TRACING_SERVICE_NAME"),
		Environment: get("SEEDLINK_ENV"),
		Exporter:    strings.ToLower(get("SEEDLINK_TRACING_EXPORTER")),
		Endpoint:    get("SEEDLINK_OTLP_ENDPOINT"),
		SampleRatio: 1,
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceName(component)
	}
	if cfg.Exporter == "" {
		cfg.Exporter = "stdout"
	}
	if raw := get("SEEDLINK_TRACING_SAMPLE_RATIO"); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

func serviceName(component string) string {
	if component == "" {
		return serviceNamespace
	}
	return serviceNamespace + "-" + component
}

// ResourceAttributes describes the process: service identity, the wire
// protocol it speaks and where it is deployed.
func (cfg TracingConfig) ResourceAttributes() []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = serviceName(cfg.Component)
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", name),
		attribute.String("service.namespace", serviceNamespace),
		AttrProtocolVersion.Int(int(protocol.Version)),
	}
	if cfg.Version != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.Version))
	}
	if cfg.Component != "" {
		attrs = append(attrs, AttrComponent.String(cfg.Component))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	return attrs
}

// InitTracing installs the global tracer provider and propagators. The
// returned function flushes pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled", logging.String("component", cfg.Component))
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(cfg.ResourceAttributes()...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("service_name", cfg.ServiceName),
		logging.String("component", cfg.Component),
		logging.String("exporter", cfg.Exporter),
		logging.String("sample_ratio", strconv.FormatFloat(cfg.SampleRatio, 'f', 2, 64)),
	)
	return tp.Shutdown, nil
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stdout),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLP
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes spans for at most five seconds. Errors are
// logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

// StartSpan starts a span on the seedlink tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRoundSpan starts the span covering one completed barrier round.
func StartRoundSpan(ctx context.Context, kind string, round uint64, requesters int) (context.Context, trace.Span) {
	return StartSpan(ctx, RoundSpanName(kind),
		AttrRoundKind.String(kind),
		AttrRound.Int64(int64(round)),
		AttrRequesters.Int(requesters),
	)
}

// RoundSpanName names the span of a step or reset round.
func RoundSpanName(kind string) string {
	switch kind {
	case "reset":
		return "Seed/ResetRound"
	case "step":
		return "Seed/StepRound"
	default:
		return "Seed/Round"
	}
}
