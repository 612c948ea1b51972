package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// KafkaPublisher publishes JSON envelopes to Kafka topics named
// <namespace>.<topic>. It implements domain.EventPublisher only.
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// ProducerConfig returns the sarama settings used by NewKafkaPublisher.
func ProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = "kestrel"
	config.Version = sarama.V2_8_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	return config
}

// NewKafkaPublisher connects a synchronous producer to brokers.
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, &domain.ConfigError{Field: "eventBus.kafkaBrokers", Reason: "at least one broker is required"}
	}
	producer, err := sarama.NewSyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: kafka brokers %v: %v", domain.ErrSourceUnavailable, brokers, err)
	}
	return NewKafkaPublisherFromProducer(producer), nil
}

// NewKafkaPublisherFromProducer wraps an existing producer.
func NewKafkaPublisherFromProducer(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

// Publish sends one message keyed by its ID and waits for the broker ack.
func (p *KafkaPublisher) Publish(ctx context.Context, namespace string, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := newMessage(namespace, topic, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: subject(namespace, topic),
		Key:   sarama.StringEncoder(msg.ID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", subject(namespace, topic), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
