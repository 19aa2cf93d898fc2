package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/atelierhq/atelier/pkg/cmd"
	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/log"
	"github.com/atelierhq/atelier/pkg/space"
	"github.com/atelierhq/atelier/pkg/tracing"
)

func main() {
	command := &cli.Command{
		Name:                  "atelierd",
		EnableShellCompletion: true,
		Usage:                 "Run the atelier space state engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Value:   "atelierd.yaml",
				Sources: cli.EnvVars("ATELIER_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Directory holding per-space databases and objects (overrides config)",
				Sources: cli.EnvVars("ATELIER_DATA_DIR"),
			},
			&cli.StringFlag{
				Name:    "instance-id",
				Aliases: []string{"id"},
				Usage:   "Custom instance ID for writer leases (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("ATELIER_INSTANCE_ID"),
			},
			&cli.StringSliceFlag{
				Name:    "space",
				Usage:   "Space IDs to open at startup",
				Sources: cli.EnvVars("ATELIER_SPACES"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			instanceID := command.String("instance-id")
			if instanceID == "" {
				instanceID = "atelierd-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("atelierd").With("instanceId", instanceID)

			cfg := config.LoadOrDefault(command.String("config"))
			if dataDir := command.String("data-dir"); dataDir != "" {
				cfg.DataDir = dataDir
			}

			logger.InfoContext(ctx, "Initializing atelier space engine")

			tracer, err := tracing.NewTracer(ctx, "atelierd")
			if err != nil {
				logger.WarnContext(ctx, "Tracing disabled", "error", err)
				tracer = nil
			}

			eventBus := cmd.NewEventBus(cfg.EventBus, logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			engine := space.NewEngine(cfg, instanceID, eventBus, tracer, logger)
			if err := engine.Start(ctx); err != nil {
				return err
			}

			for _, id := range command.StringSlice("space") {
				if _, err := engine.Open(ctx, id); err != nil {
					logger.ErrorContext(ctx, "Failed to open space", "space_id", id, "error", err)
				}
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			logger.InfoContext(ctx, "Shutting down")

			return engine.Stop(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
