package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var errBusClosed = errors.New("bus is closed")

// ChannelBus is an in-process EventBus. Each subscription owns a buffered
// channel drained by its own goroutine; a full buffer drops the message for
// that subscriber only.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	subs       map[string]map[string]*channelSubscription // subject -> id -> sub
	closed     bool
	dropped    int64
}

type channelSubscription struct {
	bus     *ChannelBus
	id      string
	subject string
	topic   string
	msgCh   chan *domain.Message
	cancel  context.CancelFunc
}

// NewChannelBus creates an in-process bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		subs:       make(map[string]map[string]*channelSubscription),
	}
}

// Publish delivers to current subscribers without blocking.
func (b *ChannelBus) Publish(_ context.Context, namespace string, topic string, payload []byte) error {
	msg, err := newMessage(namespace, topic, payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBusClosed
	}

	for _, sub := range b.subs[subject(namespace, topic)] {
		select {
		case sub.msgCh <- msg:
		default:
			b.dropped++
			slog.Warn("event dropped, subscriber buffer full",
				"topic", topic,
				"subscription_id", sub.id,
			)
		}
	}
	return nil
}

// Subscribe starts a goroutine running handler for each message until the
// subscription, ctx, or the bus is closed.
func (b *ChannelBus) Subscribe(ctx context.Context, namespace string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: event namespace is required", domain.ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		id:      uuid.NewString(),
		subject: subject(namespace, topic),
		topic:   topic,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		cancel:  cancel,
	}
	if b.subs[sub.subject] == nil {
		b.subs[sub.subject] = make(map[string]*channelSubscription)
	}
	b.subs[sub.subject][sub.id] = sub

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-sub.msgCh:
				if err := handler(subCtx, msg); err != nil {
					slog.Warn("event handler failed", "topic", msg.Topic, "message_id", msg.ID, "error", err)
				}
			}
		}
	}()

	return sub, nil
}

// Dropped returns how many messages were discarded on full buffers.
func (b *ChannelBus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close stops every subscription. Further publishes fail.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, byID := range b.subs {
		for _, sub := range byID {
			sub.cancel()
		}
	}
	b.subs = nil
	return nil
}

func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if byID := s.bus.subs[s.subject]; byID != nil {
		delete(byID, s.id)
	}
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.topic
}
