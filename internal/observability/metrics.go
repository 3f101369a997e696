package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SeedCollector bundles Prometheus metrics for the UDP control protocol and
// provides a /metrics handler.
type SeedCollector struct {
	gatherer prometheus.Gatherer

	Commands             *prometheus.CounterVec
	BarrierRounds        *prometheus.CounterVec
	BarrierWait          *prometheus.HistogramVec
	ConfirmationFailures *prometheus.CounterVec
	MotorCommands        *prometheus.CounterVec

	ConnectedClients prometheus.Gauge
	ControlledGroups prometheus.Gauge
}

// NewSeedCollector registers protocol metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSeedCollector(reg prometheus.Registerer) (*SeedCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seed_commands_total",
		Help: "Total number of protocol commands handled, labeled by command name.",
	}, []string{"command"}), "seed_commands_total")
	if err != nil {
		return nil, err
	}

	rounds, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seed_barrier_rounds_total",
		Help: "Completed step/reset barrier rounds, labeled by kind.",
	}, []string{"kind"}), "seed_barrier_rounds_total")
	if err != nil {
		return nil, err
	}

	wait, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seed_barrier_wait_seconds",
		Help:    "Time between the first demand of a barrier round and its completion.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"kind"}), "seed_barrier_wait_seconds")
	if err != nil {
		return nil, err
	}

	confirmations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seed_confirmation_failures_total",
		Help: "Server push messages whose client confirmation never arrived, labeled by kind.",
	}, []string{"kind"}), "seed_confirmation_failures_total")
	if err != nil {
		return nil, err
	}

	motor, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seed_motor_commands_total",
		Help: "Commands handled by the simple motor interface, labeled by command name.",
	}, []string{"command"}), "seed_motor_commands_total")
	if err != nil {
		return nil, err
	}

	clients, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seed_connected_clients",
		Help: "Current number of connected client handlers.",
	}), "seed_connected_clients")
	if err != nil {
		return nil, err
	}
	groups, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seed_controlled_groups",
		Help: "Current number of agent groups owned by a client handler.",
	}), "seed_controlled_groups")
	if err != nil {
		return nil, err
	}

	return &SeedCollector{
		gatherer:             gatherer,
		Commands:             commands,
		BarrierRounds:        rounds,
		BarrierWait:          wait,
		ConfirmationFailures: confirmations,
		MotorCommands:        motor,
		ConnectedClients:     clients,
		ControlledGroups:     groups,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SeedCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveCommand counts one handled protocol command.
func (c *SeedCollector) ObserveCommand(command string) {
	if c == nil || c.Commands == nil {
		return
	}
	c.Commands.WithLabelValues(command).Inc()
}

// ObserveBarrierRound records a completed barrier round of the given kind.
func (c *SeedCollector) ObserveBarrierRound(kind string, wait time.Duration) {
	if c == nil {
		return
	}
	if c.BarrierRounds != nil {
		c.BarrierRounds.WithLabelValues(kind).Inc()
	}
	if c.BarrierWait != nil {
		c.BarrierWait.WithLabelValues(kind).Observe(wait.Seconds())
	}
}

// IncConfirmationFailure counts a push message whose confirmation failed.
func (c *SeedCollector) IncConfirmationFailure(kind string) {
	if c == nil || c.ConfirmationFailures == nil {
		return
	}
	c.ConfirmationFailures.WithLabelValues(kind).Inc()
}

// SetConnectedClients satisfies the coordinator's metrics recorder.
func (c *SeedCollector) SetConnectedClients(n int) {
	if c == nil || c.ConnectedClients == nil {
		return
	}
	c.ConnectedClients.Set(float64(n))
}

// SetControlledGroups satisfies the coordinator's metrics recorder.
func (c *SeedCollector) SetControlledGroups(n int) {
	if c == nil || c.ControlledGroups == nil {
		return
	}
	c.ControlledGroups.Set(float64(n))
}

// ObserveMotorCommand counts one motor interface command.
func (c *SeedCollector) ObserveMotorCommand(command string) {
	if c == nil || c.MotorCommands == nil {
		return
	}
	c.MotorCommands.WithLabelValues(command).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
