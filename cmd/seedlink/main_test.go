package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/seedlink/client"
	"github.com/signalsfoundry/seedlink/internal/config"
	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/motor"
	"github.com/signalsfoundry/seedlink/internal/protocol"
	"github.com/signalsfoundry/seedlink/internal/seed"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.PollInterval = 5 * time.Millisecond
	cfg.Motor.Host = "127.0.0.1"
	cfg.Motor.Port = 0
	cfg.Admin.HTTPAddr = "127.0.0.1:0"
	cfg.Admin.GRPCAddr = ""
	cfg.Simulation.Agents = 1
	return cfg
}

func TestServeStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := logging.New(logging.Config{Level: "warn", Format: "text"})
	stack, err := startServe(ctx, testConfig(), log)
	if err != nil {
		t.Fatalf("startServe: %v", err)
	}
	defer stack.stop(log)

	cl, err := client.Dial(ctx, stack.coord.Addr().String())
	if err != nil {
		t.Fatalf("client.Dial: %v", err)
	}
	defer cl.Close()

	res, err := cl.Step(ctx, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Round != 1 {
		t.Fatalf("round = %d, want 1", res.Round)
	}

	resp, err := http.Get("http://" + stack.admin.HTTPAddr().String() + "/api/clients")
	if err != nil {
		t.Fatalf("GET /api/clients: %v", err)
	}
	defer resp.Body.Close()
	var clients []seed.ClientStatus
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		t.Fatalf("decode clients: %v", err)
	}
	if len(clients) != 1 || clients[0].Session != cl.Session() {
		t.Fatalf("unexpected clients %+v, want session %s", clients, cl.Session())
	}

	metrics, err := http.Get("http://" + stack.admin.HTTPAddr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", metrics.StatusCode)
	}
}

func TestServeAdminCommunicationReset(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := logging.Noop()
	stack, err := startServe(ctx, testConfig(), log)
	if err != nil {
		t.Fatalf("startServe: %v", err)
	}
	defer stack.stop(log)

	cl, err := client.Dial(ctx, stack.coord.Addr().String())
	if err != nil {
		t.Fatalf("client.Dial: %v", err)
	}
	defer cl.Close()

	resp, err := http.Post("http://"+stack.admin.HTTPAddr().String()+"/api/communication-reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/communication-reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	if _, err := cl.AgentOverview(ctx); err != nil {
		t.Fatalf("AgentOverview: %v", err)
	}
	if got := cl.CommunicationResets(); got != 1 {
		t.Fatalf("communication resets seen by client = %d, want 1", got)
	}
}

func TestRunServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- runServe(ctx, testConfig(), logging.Noop())
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runServe returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runServe did not return after cancel")
	}
}

func TestMotorStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.Simulation.Mode = "accelerated"
	stack, err := startMotor(ctx, cfg, logging.Noop())
	if err != nil {
		t.Fatalf("startMotor: %v", err)
	}
	defer stack.stop()

	conn, err := net.DialUDP("udp", nil, stack.server.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(protocol.NewCommand(protocol.InitCommunication).Bytes()); err != nil {
		t.Fatalf("write INIT: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read INIT ack: %v", err)
	}
	if code := protocol.Parse(buf[:n]).NextByte(); code != protocol.InitCommunicationAck {
		t.Fatalf("reply code = %d, want %d", code, protocol.InitCommunicationAck)
	}

	deadline := time.Now().Add(2 * time.Second)
	for stack.engine.Clock().Steps() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("arena did not free-run")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMotorRejectsUnknownAgent(t *testing.T) {
	cfg := testConfig()
	cfg.Motor.Agent = "Robot9"
	_, err := startMotor(context.Background(), cfg, logging.Noop())
	if !errors.Is(err, motor.ErrNoGroup) || !strings.Contains(err.Error(), "Robot9") {
		t.Fatalf("expected ErrNoGroup naming Robot9, got %v", err)
	}
}

func TestServeFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seedlink.ini")
	if err := os.WriteFile(path, []byte("[server]\nport = 5000\n[simulation]\nagents = 3\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts := &globalOptions{configPath: path}
	cmd := serveCmd(opts)
	if err := cmd.Flags().Parse([]string{"--port", "6000"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	flags := cmd.Flags()
	cfg, err := loadConfig(opts, func(c *config.Config) {
		if flags.Changed("port") {
			c.Server.Port, _ = flags.GetInt("port")
		}
		if flags.Changed("agents") {
			c.Simulation.Agents, _ = flags.GetInt("agents")
		}
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Fatalf("port = %d, want flag value 6000", cfg.Server.Port)
	}
	if cfg.Simulation.Agents != 3 {
		t.Fatalf("agents = %d, want file value 3", cfg.Simulation.Agents)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "protocol:   2") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
