// Package dispatch delivers composed alerts to email, Microsoft Teams and
// Slack. Channels are independent: a failure on one never blocks the others.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Channel is one alert delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, p domain.AlertPayload) domain.Delivery
}

// Dispatcher fans an alert out to every enabled channel.
type Dispatcher struct {
	channels []Channel
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over channels.
func NewDispatcher(logger *slog.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{channels: channels, logger: logger}
}

// New builds the channels enabled in cfg. The webhook client is shared by
// the chat channels.
func New(cfg domain.ChannelsConfig, company string, logger *slog.Logger) *Dispatcher {
	client := NewWebhookClient(WebhookOptions{
		Timeout:        cfg.WebhookTimeout,
		RequestsPerSec: cfg.RatePerSecond,
	})

	var channels []Channel
	if cfg.Email.Enabled {
		channels = append(channels, NewEmail(cfg.Email, company))
	}
	if cfg.Teams.Enabled {
		channels = append(channels, NewTeams(cfg.Teams.URL, client))
	}
	if cfg.Slack.Enabled {
		channels = append(channels, NewSlack(cfg.Slack.URL, client))
	}
	return NewDispatcher(logger, channels...)
}

// Channels returns the names of the configured channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name()
	}
	return names
}

// Dispatch attempts every channel exactly once and returns one delivery per
// channel in configuration order. Failures are logged and returned, never
// raised.
func (d *Dispatcher) Dispatch(ctx context.Context, p domain.AlertPayload) []domain.Delivery {
	deliveries := make([]domain.Delivery, 0, len(d.channels))
	for _, c := range d.channels {
		del := d.send(ctx, c, p)
		if del.Channel == "" {
			del.Channel = c.Name()
		}
		if !del.OK {
			d.logger.Warn("alert delivery failed",
				"channel", del.Channel,
				"account_number", p.AlertData[domain.AlertKeyAccountNumber],
				"date", p.AlertData[domain.AlertKeyDate],
				"status_code", del.StatusCode,
				"error", del.Err,
			)
		} else {
			d.logger.Debug("alert delivered", "channel", del.Channel)
		}
		deliveries = append(deliveries, del)
	}
	return deliveries
}

// send isolates a misbehaving channel so a panic counts as a failed delivery.
func (d *Dispatcher) send(ctx context.Context, c Channel, p domain.AlertPayload) (del domain.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			del = domain.Delivery{Channel: c.Name(), Err: &channelPanic{value: r}}
		}
	}()
	return c.Send(ctx, p)
}

type channelPanic struct {
	value any
}

func (p *channelPanic) Error() string {
	return "channel panicked: " + slog.AnyValue(p.value).String()
}
