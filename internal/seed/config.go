// Package seed implements the multi-client UDP simulation control protocol: a
// Coordinator that owns the listening socket and serialises step/reset
// requests from every connected client into lock-step barrier rounds, and one
// ClientHandler per client that speaks the command protocol over its own
// socket.
package seed

import (
	"errors"
	"time"

	"github.com/signalsfoundry/seedlink/internal/sim"
)

var (
	// ErrServerStart indicates the listening socket could not be bound.
	ErrServerStart = errors.New("seed server could not start")
	// ErrNoSimulation indicates the coordinator was built without a simulation.
	ErrNoSimulation = errors.New("no simulation configured")
	// ErrUnknownHandler indicates a handler that is not connected to the coordinator.
	ErrUnknownHandler = errors.New("client handler not connected")
	// ErrInputCountMismatch indicates a step payload with the wrong number of inputs.
	ErrInputCountMismatch = errors.New("input count mismatch")
)

// DefaultPort is the UDP port the coordinator listens on when none is configured.
const DefaultPort = 45454

// Config controls socket and timing behaviour of the coordinator and its
// handlers.
type Config struct {
	// Address is the UDP address of the listening socket, e.g. ":45454".
	Address string

	// PollInterval bounds every blocking wait so handlers notice push
	// notifications and shutdown. Default: 25ms
	PollInterval time.Duration

	// ConfirmationTimeout bounds how long a handler waits for the client to
	// acknowledge a push message. Default: 2s
	ConfirmationTimeout time.Duration

	// MaxReadFailures is the number of consecutive socket errors or malformed
	// datagrams after which a handler gives up. Default: 16
	MaxReadFailures int

	// MaxConfirmationTimeouts is the number of consecutive unacknowledged
	// push messages after which a handler treats its client as gone.
	// Default: 3
	MaxConfirmationTimeouts int

	// QueueSize bounds the per-handler inbound datagram queue. Default: 64
	QueueSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:                 ":45454",
		PollInterval:            25 * time.Millisecond,
		ConfirmationTimeout:     2 * time.Second,
		MaxReadFailures:         16,
		MaxConfirmationTimeouts: 3,
		QueueSize:               64,
	}
}

// ApplyDefaults fills zero or invalid fields from DefaultConfig.
func (c Config) ApplyDefaults() Config {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = def.ConfirmationTimeout
	}
	if c.MaxReadFailures <= 0 {
		c.MaxReadFailures = def.MaxReadFailures
	}
	if c.MaxConfirmationTimeouts <= 0 {
		c.MaxConfirmationTimeouts = def.MaxConfirmationTimeouts
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	return c
}

//go:generate mockgen -destination mock_simulation_test.go -package seed -write_package_comment=false github.com/signalsfoundry/seedlink/internal/seed Simulation

// Simulation is stepped and reset once per completed barrier round.
type Simulation interface {
	ResetSimulation(seed int64) error
	ExecuteSimulationStep() error
}

// ValueNamespace enumerates process-wide named values.
type ValueNamespace interface {
	Find(pattern string) ([]*sim.Value, error)
}

// EventNamespace looks up named observable events.
type EventNamespace interface {
	Get(name string) *sim.Event
	Find(pattern string) ([]*sim.Event, error)
}

// GroupRegistry lists the controllable groups currently in the simulation.
type GroupRegistry interface {
	List() []sim.ControllableGroup
}

// GroupWatcher is implemented by registries that report membership changes.
// The coordinator subscribes while it is running so ownership of a removed
// group is released immediately.
type GroupWatcher interface {
	Subscribe(fn func(sim.GroupEvent)) (unsubscribe func())
}

// Environment bundles the simulation collaborators shared by the coordinator
// and its handlers.
type Environment struct {
	Simulation Simulation
	Values     ValueNamespace
	Events     EventNamespace
	Groups     GroupRegistry

	// Lock runs fn while holding the simulation's execution lock. When nil,
	// fn runs directly.
	Lock func(fn func())
}

// EnvironmentFromEngine wires all collaborators to a sim.Engine.
func EnvironmentFromEngine(e *sim.Engine) Environment {
	return Environment{
		Simulation: e,
		Values:     e.Values(),
		Events:     e.Events(),
		Groups:     e.Groups(),
		Lock:       e.WithExecutionLock,
	}
}

func (env Environment) withLock(fn func()) {
	if env.Lock == nil {
		fn()
		return
	}
	env.Lock(fn)
}

// MetricsRecorder receives protocol activity for export.
type MetricsRecorder interface {
	ObserveCommand(command string)
	ObserveBarrierRound(kind string, wait time.Duration)
	IncConfirmationFailure(kind string)
	SetConnectedClients(n int)
	SetControlledGroups(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCommand(string)                      {}
func (noopMetrics) ObserveBarrierRound(string, time.Duration) {}
func (noopMetrics) IncConfirmationFailure(string)              {}
func (noopMetrics) SetConnectedClients(int)                    {}
func (noopMetrics) SetControlledGroups(int)                    {}
