package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/seedlink/timectrl"
)

func writeINI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seedlink.ini")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.SeedConfig().Address; got != ":45454" {
		t.Fatalf("server address = %q, want :45454", got)
	}
	if got := cfg.MotorAddress(); got != ":45455" {
		t.Fatalf("motor address = %q, want :45455", got)
	}
	if cfg.EngineConfig().Agents != 2 {
		t.Fatalf("agents = %d, want 2", cfg.EngineConfig().Agents)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeINI(t, `
[server]
host = 127.0.0.1
port = 5000
confirmation_timeout = 750ms
max_confirmation_timeouts = 5

[simulation]
agents = 4
seed = 99
mode = accelerated

[motor]
agent = Robot3

[admin]
http_addr =
`)
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		t.Fatalf("loadFile: %v", err)
	}

	sc := cfg.SeedConfig()
	if sc.Address != "127.0.0.1:5000" {
		t.Fatalf("address = %q", sc.Address)
	}
	if sc.ConfirmationTimeout != 750*time.Millisecond {
		t.Fatalf("confirmation timeout = %v", sc.ConfirmationTimeout)
	}
	if sc.MaxConfirmationTimeouts != 5 {
		t.Fatalf("max confirmation timeouts = %d", sc.MaxConfirmationTimeouts)
	}
	if sc.PollInterval != 25*time.Millisecond {
		t.Fatalf("poll interval lost its default: %v", sc.PollInterval)
	}
	if cfg.Simulation.Agents != 4 || cfg.Simulation.Seed != 99 || cfg.Motor.Agent != "Robot3" {
		t.Fatalf("unexpected simulation/motor section: %+v %+v", cfg.Simulation, cfg.Motor)
	}
	if cfg.Admin.HTTPAddr != "" {
		t.Fatalf("http admin should be disabled, got %q", cfg.Admin.HTTPAddr)
	}
	if cfg.Admin.GRPCAddr != ":50051" {
		t.Fatalf("grpc admin lost its default: %q", cfg.Admin.GRPCAddr)
	}
	mode, err := cfg.Mode()
	if err != nil || mode != timectrl.Accelerated {
		t.Fatalf("mode = %v, %v", mode, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.ini")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeINI(t, "[server]\nport = 5000\n")
	t.Setenv("SEEDLINK_PORT", "6000")
	t.Setenv("SEEDLINK_SEED", "7")
	t.Setenv("SEEDLINK_ADMIN_GRPC_ADDR", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Fatalf("port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.EngineConfig().Seed != 7 {
		t.Fatalf("seed = %d, want 7", cfg.EngineConfig().Seed)
	}
	if cfg.Admin.GRPCAddr != "" {
		t.Fatalf("grpc admin should be disabled, got %q", cfg.Admin.GRPCAddr)
	}
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	env := map[string]string{"SEEDLINK_PORT": "many"}
	err := Default().ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"server port", func(c *Config) { c.Server.Port = 70000 }},
		{"motor port", func(c *Config) { c.Motor.Port = -1 }},
		{"agents", func(c *Config) { c.Simulation.Agents = -2 }},
		{"mode", func(c *Config) { c.Simulation.Mode = "warp" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
