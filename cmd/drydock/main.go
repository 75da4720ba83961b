package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/drydock/common/environment"
	"github.com/bdobrica/drydock/common/version"
	"github.com/bdobrica/drydock/internal/drydock/app"
	"github.com/bdobrica/drydock/internal/drydock/config"
	"github.com/bdobrica/drydock/internal/drydock/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("DRYDOCK_CONFIG"), "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	cfg, err := config.Load(*configPath, environment.New(config.EnvPrefix))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := observability.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	slog.Info("drydock control plane", "version", version.Version, "commit", version.GitCommit, "build_time", version.BuildTime)

	drydock, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize drydock: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	runErr := drydock.Run(ctx)
	stop()
	if err := drydock.Close(); err != nil {
		slog.Warn("shutdown", "err", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error running drydock: %v\n", runErr)
		os.Exit(1)
	}
}
