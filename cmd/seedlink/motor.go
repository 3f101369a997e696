package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/seedlink/internal/config"
	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/motor"
	"github.com/signalsfoundry/seedlink/internal/observability"
	"github.com/signalsfoundry/seedlink/internal/sim"
)

func motorCmd(opts *globalOptions) *cobra.Command {
	var (
		port  int
		agent string
		mode  string
	)

	cmd := &cobra.Command{
		Use:   "motor",
		Short: "Run the arena free-running behind the motor interface",
		Long: `Run the arena on its own clock and let a single client read and write
one robot's motors as raw integers in [0,1023].

Examples:
  seedlink motor
  seedlink motor --agent Robot1 --mode accelerated`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			cfg, err := loadConfig(opts, func(c *config.Config) {
				if flags.Changed("port") {
					c.Motor.Port = port
				}
				if flags.Changed("agent") {
					c.Motor.Agent = agent
				}
				if flags.Changed("mode") {
					c.Simulation.Mode = mode
				}
			})
			if err != nil {
				return err
			}
			return withSignals("motor", func(ctx context.Context, log logging.Logger) error {
				return runMotor(ctx, cfg, log)
			})
		},
	}

	f := cmd.Flags()
	f.IntVarP(&port, "port", "p", 45455, "UDP port of the motor interface")
	f.StringVar(&agent, "agent", "Robot0", "Robot whose motors are exposed")
	f.StringVar(&mode, "mode", "realtime", "Clock pacing: realtime or accelerated")
	return cmd
}

// motorStack is everything runMotor starts.
type motorStack struct {
	engine *sim.Engine
	server *motor.Server
	done   <-chan struct{}
	cancel context.CancelFunc
}

func startMotor(ctx context.Context, cfg *config.Config, log logging.Logger) (*motorStack, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	collector, err := observability.NewSeedCollector(nil)
	if err != nil {
		return nil, fmt.Errorf("metrics collector: %w", err)
	}

	engine, err := sim.NewEngine(cfg.EngineConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("build arena: %w", err)
	}
	group := engine.Groups().Get(cfg.Motor.Agent)
	if group == nil {
		return nil, fmt.Errorf("%w: %q", motor.ErrNoGroup, cfg.Motor.Agent)
	}

	server, err := motor.NewServer(cfg.MotorAddress(), group, log,
		motor.WithExecutionLock(engine.WithExecutionLock),
		motor.WithMetricsRecorder(collector),
	)
	if err != nil {
		return nil, err
	}
	if err := server.Start(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := engine.Run(runCtx, mode, 0)
	log.Info(ctx, "arena running",
		logging.String("mode", mode.String()),
		logging.String("agent", group.Name()),
	)
	return &motorStack{engine: engine, server: server, done: done, cancel: cancel}, nil
}

func (s *motorStack) stop() {
	s.cancel()
	<-s.done
	s.server.Stop()
}

func runMotor(ctx context.Context, cfg *config.Config, log logging.Logger) error {
	stack, err := startMotor(ctx, cfg, log)
	if err != nil {
		return err
	}
	<-ctx.Done()
	log.Info(context.Background(), "shutting down motor interface")
	stack.stop()
	return nil
}
