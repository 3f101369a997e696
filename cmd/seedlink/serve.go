package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/seedlink/internal/admin"
	"github.com/signalsfoundry/seedlink/internal/config"
	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/observability"
	"github.com/signalsfoundry/seedlink/internal/seed"
	"github.com/signalsfoundry/seedlink/internal/sim"
)

func serveCmd(opts *globalOptions) *cobra.Command {
	var (
		host      string
		port      int
		agents    int
		seedValue int64
		httpAddr  string
		grpcAddr  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the multi-client simulation control server",
		Long: `Run the arena behind the multi-client UDP protocol.

Every connected controller must demand each step and reset; the
simulation advances once all of them have. Operators can watch clients
and group ownership on the admin HTTP API, force a communication reset
with POST /api/communication-reset, and query the gRPC health service.

Examples:
  seedlink serve
  seedlink serve --port 45454 --agents 4
  seedlink serve --config seedlink.ini --admin-http ""`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			cfg, err := loadConfig(opts, func(c *config.Config) {
				if flags.Changed("host") {
					c.Server.Host = host
				}
				if flags.Changed("port") {
					c.Server.Port = port
				}
				if flags.Changed("agents") {
					c.Simulation.Agents = agents
				}
				if flags.Changed("seed") {
					c.Simulation.Seed = seedValue
				}
				if flags.Changed("admin-http") {
					c.Admin.HTTPAddr = httpAddr
				}
				if flags.Changed("admin-grpc") {
					c.Admin.GRPCAddr = grpcAddr
				}
			})
			if err != nil {
				return err
			}
			return withSignals("serve", func(ctx context.Context, log logging.Logger) error {
				return runServe(ctx, cfg, log)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&host, "host", "", "Host to bind the UDP socket to")
	f.IntVarP(&port, "port", "p", seed.DefaultPort, "UDP port for INIT_COMMUNICATION")
	f.IntVar(&agents, "agents", 2, "Number of robots in the arena")
	f.Int64Var(&seedValue, "seed", 1, "Initial simulation seed")
	f.StringVar(&httpAddr, "admin-http", ":9090", "Admin HTTP address (empty disables)")
	f.StringVar(&grpcAddr, "admin-grpc", ":50051", "Admin gRPC health address (empty disables)")
	return cmd
}

// serveStack is everything runServe starts, in start order.
type serveStack struct {
	engine *sim.Engine
	coord  *seed.Coordinator
	admin  *admin.Server
}

func startServe(ctx context.Context, cfg *config.Config, log logging.Logger) (*serveStack, error) {
	collector, err := observability.NewSeedCollector(nil)
	if err != nil {
		return nil, fmt.Errorf("metrics collector: %w", err)
	}

	engine, err := sim.NewEngine(cfg.EngineConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("build arena: %w", err)
	}

	coord, err := seed.NewCoordinator(
		cfg.SeedConfig(),
		seed.EnvironmentFromEngine(engine),
		log,
		seed.WithMetricsRecorder(collector),
	)
	if err != nil {
		return nil, err
	}
	if err := coord.Start(ctx); err != nil {
		return nil, err
	}

	adm := admin.NewServer(
		admin.Config{HTTPAddr: cfg.Admin.HTTPAddr, GRPCAddr: cfg.Admin.GRPCAddr},
		coord,
		log,
		admin.WithMetricsHandler(collector.Handler()),
	)
	if err := adm.Start(ctx); err != nil {
		coord.Stop()
		return nil, err
	}
	adm.SetServing(true)

	log.Info(ctx, "seedlink serving",
		logging.String("udp", coord.Addr().String()),
		logging.Int("agents", len(engine.Agents())),
	)
	return &serveStack{engine: engine, coord: coord, admin: adm}, nil
}

func (s *serveStack) stop(log logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.admin.SetServing(false)
	s.coord.Stop()
	s.admin.Stop(ctx)
	log.Info(ctx, "seedlink stopped")
}

func runServe(ctx context.Context, cfg *config.Config, log logging.Logger) error {
	stack, err := startServe(ctx, cfg, log)
	if err != nil {
		return err
	}
	<-ctx.Done()
	log.Info(context.Background(), "shutting down seedlink")
	stack.stop(log)
	return nil
}
