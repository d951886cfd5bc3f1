package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/config"
	"github.com/marmos91/dittoblk/pkg/server"
)

const usage = `DittoBLK - Deduplicating block storage engine

Usage:
  dittoblk <command> [flags]

Commands:
  start   Run the engine with the given configuration
  init    Write a default configuration file
  stats   Run a self-check workload on a RAM device and print statistics

Run 'dittoblk <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "init":
		err = runInit(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runStart loads the configuration, builds the engine and serves until
// SIGINT or SIGTERM.
func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/dittoblk/config.yaml)")
	statsInterval := fs.Duration("stats-interval", 5*time.Minute, "Interval for logging engine statistics (0 to disable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if err := configureLogging(&cfg.Logging); err != nil {
		return err
	}

	fmt.Println("DittoBLK - Deduplicating block storage engine")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Device: %s (%s, %s), metadata: %s", cfg.Device.Type, cfg.Device.Family, cfg.Device.Capacity, cfg.Metadata.Type)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsResult := config.InitializeMetrics(cfg)

	eng, err := config.CreateEngine(ctx, cfg, metricsResult)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv := server.New(eng, server.Config{StatsInterval: *statsInterval})
	if metricsResult.Server != nil {
		metricsResult.Server.SetStats(eng.Stats)
		if err := srv.AddService(server.ServiceFunc{
			ServiceName: "metrics",
			Fn:          metricsResult.Server.Start,
		}); err != nil {
			return err
		}
	}

	logger.Info("Engine is starting. Press Ctrl+C to stop.")

	report, err := srv.Serve(ctx)
	if report != nil {
		logger.Info("Shutdown took %v", report.Duration)
		if len(report.Lost) > 0 {
			logger.Error("%d cached writes could not be flushed: %v", len(report.Lost), report.Lost)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if report != nil && len(report.Lost) > 0 {
		return fmt.Errorf("%d writes lost at shutdown", len(report.Lost))
	}

	logger.Info("Engine stopped gracefully")
	return nil
}

// runInit writes the default configuration file.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configFile := fs.String("config", "", "Path of the config file to create (default: $XDG_CONFIG_HOME/dittoblk/config.yaml)")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *configFile
	if path == "" {
		var err error
		if path, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

// configureLogging applies the logging section.
func configureLogging(cfg *config.LoggingConfig) error {
	logger.SetLevel(cfg.Level)
	if err := logger.SetFormat(cfg.Format); err != nil {
		return err
	}
	return logger.SetOutput(cfg.Output)
}
