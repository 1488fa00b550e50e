// Package main provides the pacsbridge gateway entrypoint.
//
// Usage:
//
//	pacsbridge serve --config pacsbridge.yaml
//	pacsbridge version
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/imagewire/pacsbridge/cluster"
	clusterredis "github.com/imagewire/pacsbridge/cluster/redis"
	"github.com/imagewire/pacsbridge/config"
	"github.com/imagewire/pacsbridge/gateway"
	"github.com/imagewire/pacsbridge/log"
	"github.com/imagewire/pacsbridge/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "pacsbridge",
		Usage:          "DICOMweb to websocket bridge gateway",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			serveCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to configuration file",
				Value:   "pacsbridge.yaml",
				EnvVars: []string{"PACSBRIDGE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides config)",
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for multi-process fan-out (overrides config)",
				EnvVars: []string{"PACSBRIDGE_REDIS_URL"},
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load config: %v", err), 1)
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if url := c.String("redis-url"); url != "" {
		cfg.Cluster.RedisURL = url
	}

	processID := uuid.NewString()
	logger := log.NewLogger(processID)
	defer func() { _ = logger.Sync() }()

	bus, err := buildBus(cfg, processID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to connect cluster bus: %v", err), 1)
	}
	logger.Info("starting pacsbridge",
		zap.String("version", types.Version),
		zap.Bool("clustered", cfg.Cluster.RedisURL != ""))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := gateway.New(cfg, logger, bus)
	if err := server.Run(ctx); err != nil {
		logger.Error("gateway exited with error", zap.Error(err))
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// buildBus selects the Redis bus when configured, and the in-process
// bus for single-gateway deployments.
func buildBus(cfg *config.Config, processID string) (cluster.Bus, error) {
	if cfg.Cluster.RedisURL == "" {
		return cluster.NewLocalBus(), nil
	}
	return clusterredis.New(clusterredis.Config{
		URL:           cfg.Cluster.RedisURL,
		ProcessID:     processID,
		MembershipTTL: cfg.Cluster.MembershipTTL.Duration,
	})
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(*cli.Context) error {
			fmt.Printf("pacsbridge %s (commit: %s)\n", types.Version, commit)
			return nil
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit while printing a
// single diagnostic line for anything unexpected.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
