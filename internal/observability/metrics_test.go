package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/seedlink/internal/protocol"
)

func TestSeedCollectorRecordsCommandsAndRounds(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSeedCollector(reg)
	if err != nil {
		t.Fatalf("NewSeedCollector: %v", err)
	}

	collector.ObserveCommand("NEXT_SIMULATION_STEP")
	collector.ObserveCommand("NEXT_SIMULATION_STEP")
	collector.ObserveBarrierRound("step", 3*time.Millisecond)
	collector.IncConfirmationFailure("reset")

	if got := testutil.ToFloat64(collector.Commands.WithLabelValues("NEXT_SIMULATION_STEP")); got != 2 {
		t.Fatalf("seed_commands_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.BarrierRounds.WithLabelValues("step")); got != 1 {
		t.Fatalf("seed_barrier_rounds_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.ConfirmationFailures.WithLabelValues("reset")); got != 1 {
		t.Fatalf("seed_confirmation_failures_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "seed_barrier_wait_seconds", map[string]string{"kind": "step"}); count != 1 {
		t.Fatalf("seed_barrier_wait_seconds sample_count = %d, want 1", count)
	}
}

func TestSeedCollectorReRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSeedCollector(reg)
	if err != nil {
		t.Fatalf("NewSeedCollector: %v", err)
	}
	second, err := NewSeedCollector(reg)
	if err != nil {
		t.Fatalf("second NewSeedCollector: %v", err)
	}
	first.ObserveMotorCommand("SET_MOTORS")
	if got := testutil.ToFloat64(second.MotorCommands.WithLabelValues("SET_MOTORS")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *SeedCollector
	c.ObserveCommand("x")
	c.ObserveBarrierRound("step", time.Millisecond)
	c.SetConnectedClients(3)
	c.SetControlledGroups(1)
	c.IncConfirmationFailure("step")
	c.ObserveMotorCommand("GET_MOTORS")
}

func TestMetricsHandlerExposesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSeedCollector(reg)
	if err != nil {
		t.Fatalf("NewSeedCollector: %v", err)
	}
	collector.SetConnectedClients(3)
	collector.SetControlledGroups(2)
	collector.ObserveCommand("INIT_COMMUNICATION")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"seed_connected_clients 3",
		"seed_controlled_groups 2",
		`seed_commands_total{command="INIT_COMMUNICATION"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in /metrics output:\n%s", want, body)
		}
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	ctx, span := StartRoundSpan(context.Background(), "step", 1, 2)
	span.End()
	if ctx == nil {
		t.Fatalf("StartSpan returned nil context")
	}
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func TestTracingConfigFromEnvNamesComponent(t *testing.T) {
	env := map[string]string{
		"SEEDLINK_TRACING_ENABLED":      "TRUE",
		"SEEDLINK_TRACING_SAMPLE_RATIO": "0.25",
		"SEEDLINK_ENV":                  "staging",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := TracingConfigFromEnv("motor", lookup)
	if !cfg.Enabled || cfg.ServiceName != "seedlink-motor" || cfg.Exporter != "stdout" || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	env["SEEDLINK_TRACING_SERVICE_NAME"] = "lab-arena"
	env["SEEDLINK_TRACING_SAMPLE_RATIO"] = "7"
	cfg = TracingConfigFromEnv("serve", lookup)
	if cfg.ServiceName != "lab-arena" || cfg.SampleRatio != 1 {
		t.Fatalf("explicit service name or ratio fallback lost: %+v", cfg)
	}
}

func TestTracingResourceAttributes(t *testing.T) {
	cfg := TracingConfig{Component: "serve", Version: "1.2.0", Environment: "staging"}
	got := make(map[attribute.Key]attribute.Value)
	for _, kv := range cfg.ResourceAttributes() {
		got[kv.Key] = kv.Value
	}

	for key, want := range map[attribute.Key]string{
		"service.name":           "seedlink-serve",
		"service.namespace":      "seedlink",
		"service.version":        "1.2.0",
		"deployment.environment": "staging",
		AttrComponent:            "serve",
	} {
		if v, ok := got[key]; !ok || v.AsString() != want {
			t.Fatalf("%s = %v, want %q", key, v.Emit(), want)
		}
	}
	if v := got[AttrProtocolVersion]; v.AsInt64() != int64(protocol.Version) {
		t.Fatalf("protocol version = %v, want %d", v.Emit(), protocol.Version)
	}

	bare := TracingConfig{}.ResourceAttributes()
	for _, kv := range bare {
		if kv.Key == "deployment.environment" || kv.Key == "service.version" {
			t.Fatalf("unset %s must be omitted", kv.Key)
		}
	}
}

func TestRoundSpanName(t *testing.T) {
	for kind, want := range map[string]string{"step": "Seed/StepRound", "reset": "Seed/ResetRound", "other": "Seed/Round"} {
		if got := RoundSpanName(kind); got != want {
			t.Fatalf("RoundSpanName(%q) = %q, want %q", kind, got, want)
		}
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
