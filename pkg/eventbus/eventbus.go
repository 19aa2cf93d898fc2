// Package eventbus provides the broadcast sink for space state-change events.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/atelierhq/atelier/pkg/events"
)

// Broadcaster is the one-way sink lifecycle and scheduler operations use to
// announce state changes. Delivery is a transport concern.
type Broadcaster interface {
	Publish(ctx context.Context, event events.Event) error
}

type EventHandler func(ctx context.Context, event events.Event) error

type EventBus interface {
	Broadcaster
	Subscribe(ctx context.Context, handler EventHandler) error
	Close() error
	GenerateID() string
}

// WatermillEventBus broadcasts space events over a watermill publisher.
type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

// Subscribe consumes the event topic, decoding each message into its typed
// event by the event-type metadata. Messages with an unknown type are nacked.
func (eb *WatermillEventBus) Subscribe(ctx context.Context, handler EventHandler) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			event := newEvent(eventType)
			if event == nil {
				msg.Nack()
				continue
			}

			if err := json.Unmarshal(msg.Payload, event); err != nil {
				msg.Nack()
				continue
			}

			if err := handler(ctx, event); err != nil {
				msg.Nack()
				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}

	return eb.subscriber.Close()
}

// newEvent returns a zero value of the typed event for decoding, or nil for
// an unknown event type.
func newEvent(eventType events.EventType) events.Event {
	switch eventType {
	case events.AssetCreatedEvent:
		return &events.AssetCreated{}
	case events.AssetUpdatedEvent:
		return &events.AssetUpdated{}
	case events.AssetDeletedEvent:
		return &events.AssetDeleted{}
	case events.VariantCreatedEvent:
		return &events.VariantCreated{}
	case events.VariantUpdatedEvent:
		return &events.VariantUpdated{}
	case events.VariantCompletedEvent:
		return &events.VariantCompleted{}
	case events.VariantFailedEvent:
		return &events.VariantFailed{}
	case events.VariantDeletedEvent:
		return &events.VariantDeleted{}
	case events.LineageEdgeCreatedEvent:
		return &events.LineageEdgeCreated{}
	case events.LineageEdgeSeveredEvent:
		return &events.LineageEdgeSevered{}
	case events.PlanCreatedEvent:
		return &events.PlanCreated{}
	case events.PlanUpdatedEvent:
		return &events.PlanUpdated{}
	case events.PlanDeletedEvent:
		return &events.PlanDeleted{}
	case events.PlanStepUpdatedEvent:
		return &events.PlanStepUpdated{}
	default:
		return nil
	}
}
