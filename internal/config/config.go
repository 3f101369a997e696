// Package config loads seedlink settings from an INI file and the
// environment on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/signalsfoundry/seedlink/internal/seed"
	"github.com/signalsfoundry/seedlink/internal/sim"
	"github.com/signalsfoundry/seedlink/timectrl"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ServerConfig holds the [server] section.
type ServerConfig struct {
	Host                    string        `ini:"host"`
	Port                    int           `ini:"port"`
	PollInterval            time.Duration `ini:"poll_interval"`
	ConfirmationTimeout     time.Duration `ini:"confirmation_timeout"`
	MaxReadFailures         int           `ini:"max_read_failures"`
	MaxConfirmationTimeouts int           `ini:"max_confirmation_timeouts"`
	QueueSize               int           `ini:"queue_size"`
}

// SimulationConfig holds the [simulation] section.
type SimulationConfig struct {
	Agents      int           `ini:"agents"`
	ArenaSize   float64       `ini:"arena_size"`
	MaxSpeed    float64       `ini:"max_speed"`
	WheelBase   float64       `ini:"wheel_base"`
	SensorRange float64       `ini:"sensor_range"`
	Tick        time.Duration `ini:"tick"`
	Seed        int64         `ini:"seed"`
	Mode        string        `ini:"mode"` // realtime | accelerated, used by the motor command
}

// MotorConfig holds the [motor] section.
type MotorConfig struct {
	Host  string `ini:"host"`
	Port  int    `ini:"port"`
	Agent string `ini:"agent"`
}

// AdminConfig holds the [admin] section. An empty address disables that
// listener.
type AdminConfig struct {
	HTTPAddr string `ini:"http_addr"`
	GRPCAddr string `ini:"grpc_addr"`
}

// Config is the complete seedlink configuration.
type Config struct {
	Server     ServerConfig
	Simulation SimulationConfig
	Motor      MotorConfig
	Admin      AdminConfig
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	srv := seed.DefaultConfig()
	eng := sim.DefaultEngineConfig()
	return &Config{
		Server: ServerConfig{
			Port:                    seed.DefaultPort,
			PollInterval:            srv.PollInterval,
			ConfirmationTimeout:     srv.ConfirmationTimeout,
			MaxReadFailures:         srv.MaxReadFailures,
			MaxConfirmationTimeouts: srv.MaxConfirmationTimeouts,
			QueueSize:               srv.QueueSize,
		},
		Simulation: SimulationConfig{
			Agents:      eng.Agents,
			ArenaSize:   eng.ArenaSize,
			MaxSpeed:    eng.MaxSpeed,
			WheelBase:   eng.WheelBase,
			SensorRange: eng.SensorRange,
			Tick:        eng.Tick,
			Seed:        eng.Seed,
			Mode:        timectrl.RealTime.String(),
		},
		Motor: MotorConfig{
			Port:  seed.DefaultPort + 1,
			Agent: "Robot0",
		},
		Admin: AdminConfig{
			HTTPAddr: ":9090",
			GRPCAddr: ":50051",
		},
	}
}

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:         true,
		UnescapeValueCommentSymbols: true,
	}, path)
	if err != nil {
		return fmt.Errorf("failed to load config file '%s': %w", path, err)
	}

	sections := []struct {
		name   string
		target any
	}{
		{"server", &c.Server},
		{"simulation", &c.Simulation},
		{"motor", &c.Motor},
		{"admin", &c.Admin},
	}
	for _, s := range sections {
		if err := file.Section(s.name).MapTo(s.target); err != nil {
			return fmt.Errorf("failed to map [%s] section: %w", s.name, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from SEEDLINK_* variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err)
		}
		*dst = n
		return nil
	}

	str("SEEDLINK_HOST", &c.Server.Host)
	if err := integer("SEEDLINK_PORT", &c.Server.Port); err != nil {
		return err
	}
	if err := integer("SEEDLINK_AGENTS", &c.Simulation.Agents); err != nil {
		return err
	}
	if v, ok := lookup("SEEDLINK_SEED"); ok {
		seedVal, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: SEEDLINK_SEED=%q: %v", ErrInvalid, v, err)
		}
		c.Simulation.Seed = seedVal
	}
	str("SEEDLINK_MODE", &c.Simulation.Mode)
	if err := integer("SEEDLINK_MOTOR_PORT", &c.Motor.Port); err != nil {
		return err
	}
	str("SEEDLINK_MOTOR_AGENT", &c.Motor.Agent)
	str("SEEDLINK_ADMIN_HTTP_ADDR", &c.Admin.HTTPAddr)
	str("SEEDLINK_ADMIN_GRPC_ADDR", &c.Admin.GRPCAddr)
	return nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Motor.Port < 0 || c.Motor.Port > 65535 {
		return fmt.Errorf("%w: motor port %d out of range", ErrInvalid, c.Motor.Port)
	}
	if c.Simulation.Agents < 0 {
		return fmt.Errorf("%w: negative agent count %d", ErrInvalid, c.Simulation.Agents)
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	return nil
}

// Mode parses the simulation pacing mode.
func (c *Config) Mode() (timectrl.Mode, error) {
	switch strings.ToLower(c.Simulation.Mode) {
	case "", timectrl.RealTime.String():
		return timectrl.RealTime, nil
	case timectrl.Accelerated.String():
		return timectrl.Accelerated, nil
	default:
		return 0, fmt.Errorf("%w: unknown simulation mode %q", ErrInvalid, c.Simulation.Mode)
	}
}

// SeedConfig returns the coordinator settings.
func (c *Config) SeedConfig() seed.Config {
	return seed.Config{
		Address:                 net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port)),
		PollInterval:            c.Server.PollInterval,
		ConfirmationTimeout:     c.Server.ConfirmationTimeout,
		MaxReadFailures:         c.Server.MaxReadFailures,
		MaxConfirmationTimeouts: c.Server.MaxConfirmationTimeouts,
		QueueSize:               c.Server.QueueSize,
	}.ApplyDefaults()
}

// EngineConfig returns the arena settings.
func (c *Config) EngineConfig() sim.EngineConfig {
	return sim.EngineConfig{
		Agents:      c.Simulation.Agents,
		ArenaSize:   c.Simulation.ArenaSize,
		MaxSpeed:    c.Simulation.MaxSpeed,
		WheelBase:   c.Simulation.WheelBase,
		SensorRange: c.Simulation.SensorRange,
		Tick:        c.Simulation.Tick,
		Seed:        c.Simulation.Seed,
	}.ApplyDefaults()
}

// MotorAddress returns the UDP address of the motor interface.
func (c *Config) MotorAddress() string {
	return net.JoinHostPort(c.Motor.Host, strconv.Itoa(c.Motor.Port))
}
