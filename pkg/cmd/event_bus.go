// Package cmd holds shared bootstrap helpers for the atelier binaries.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/eventbus"
	"github.com/atelierhq/atelier/pkg/eventbus/gochannel"
	"github.com/atelierhq/atelier/pkg/eventbus/kafka"
)

// NewEventBus creates the broadcast bus selected by the configuration.
func NewEventBus(cfg config.EventBusConfig, logger *slog.Logger) eventbus.EventBus {
	wmLogger := watermill.NewSlogLogger(logger)

	switch cfg.Type {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, cfg.KafkaBrokers, "atelier")
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			panic(fmt.Errorf("failed to create in-process pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("unsupported event bus type: " + cfg.Type)
	}
}
