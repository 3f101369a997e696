package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/seedlink/internal/config"
	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/observability"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	envFiles   []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "seedlink: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "seedlink",
		Short: "UDP control server for a lock-step robot arena simulation",
		Long: `seedlink runs a small differential-drive robot arena and exposes it to
remote controllers over UDP.

  serve   multi-client protocol with lock-step step/reset barriers
  motor   reduced single-client protocol driving one robot's motors`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFiles(opts.envFiles)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to an INI configuration file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "Extra .env files to load (./.env is always tried)")

	root.AddCommand(
		serveCmd(opts),
		motorCmd(opts),
		versionCmd(),
	)
	return root
}

// loadEnvFiles loads ./.env when present plus any explicitly named files.
// Variables already set in the process environment win.
func loadEnvFiles(extra []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if len(extra) == 0 {
		return nil
	}
	if err := godotenv.Load(extra...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// loadConfig reads the config file and environment, then lets changed flags
// override both.
func loadConfig(opts *globalOptions, apply func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withSignals runs fn with a context cancelled on SIGINT or SIGTERM, tracing
// initialised from the environment for its duration. component names the
// subcommand in traces.
func withSignals(component string, fn func(ctx context.Context, log logging.Logger) error) error {
	log := logging.NewFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := observability.TracingConfigFromEnv(component, os.LookupEnv)
	tcfg.Version = version
	shutdown, err := observability.InitTracing(ctx, tcfg, log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	return fn(ctx, log)
}
