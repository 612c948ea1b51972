// Package bus publishes run events for Kestrel.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the publisher selected by cfg.Type. "channel" and "nats"
// return a full domain.EventBus; "kafka" is publish-only; "none" discards
// events.
func New(ctx context.Context, cfg domain.EventBusConfig) (domain.EventPublisher, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(ctx, cfg)

	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers)

	case "none":
		return Discard{}, nil

	default:
		return nil, &domain.ConfigError{Field: "eventBus.type", Reason: "unsupported event bus type " + cfg.Type}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, string, string, []byte) error { return nil }
func (Discard) Close() error                                          { return nil }

func newMessage(namespace, topic string, payload []byte) (*domain.Message, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: event namespace is required", domain.ErrInvalidInput)
	}
	return &domain.Message{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{"source": "kestrel"},
		Timestamp: time.Now().UnixNano(),
	}, nil
}

// subject is the wire name of a namespaced topic.
func subject(namespace, topic string) string {
	return namespace + "." + topic
}

// LogHandler returns a handler that logs each message at Info.
func LogHandler(logger *slog.Logger) domain.MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, msg *domain.Message) error {
		logger.Info("event received",
			"topic", msg.Topic,
			"namespace", msg.Namespace,
			"message_id", msg.ID,
			"bytes", len(msg.Payload),
		)
		return nil
	}
}
