package domain

import (
	"context"
)

// EventPublisher is the publish-only side of event delivery.
type EventPublisher interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, namespace string, topic string, payload []byte) error

	// Lifecycle
	Close() error
}

// EventBus defines the interface for event-driven communication.
// Supports Go channels or NATS.
type EventBus interface {
	EventPublisher

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, namespace string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats", "kafka" or "none"
	Type string `json:"type"`

	// Namespace prefixes every subject/topic.
	Namespace string `json:"namespace"`

	// Channel settings
	ChannelBufferSize int `json:"channelBufferSize"`

	// NATS settings
	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds

	// Kafka settings
	KafkaBrokers []string `json:"kafkaBrokers"`
}

// Standard topic names for run events.
const (
	TopicAnomalyDetected = "kestrel.anomaly.detected"
	TopicRunCompleted    = "kestrel.run.completed"
)
