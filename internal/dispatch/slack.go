package dispatch

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Slack posts Block Kit alerts to a Slack incoming webhook.
type Slack struct {
	url    string
	client *WebhookClient
}

// NewSlack creates a Slack channel.
func NewSlack(url string, client *WebhookClient) *Slack {
	return &Slack{url: url, client: client}
}

// Name returns "slack".
func (s *Slack) Name() string { return "slack" }

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// Send posts one Block Kit message.
func (s *Slack) Send(ctx context.Context, p domain.AlertPayload) domain.Delivery {
	d := p.AlertData
	msg := slackMessage{
		Text: "Anomaly Alert Detected",
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: "Anomaly Alert"}},
			{Type: "section", Fields: []slackText{
				{Type: "mrkdwn", Text: "*Account:*\n" + d[domain.AlertKeyAccountNumber] + " - " + d[domain.AlertKeyAccountName]},
				{Type: "mrkdwn", Text: "*Date:*\n" + d[domain.AlertKeyDate]},
				{Type: "mrkdwn", Text: "*Amount:*\n$" + d[domain.AlertKeyAmount]},
				{Type: "mrkdwn", Text: "*Ratio:*\n" + ratioText(d)},
			}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "```" + p.Message + "```"}},
		},
	}

	status, err := s.client.PostJSON(ctx, s.url, msg)
	return domain.Delivery{Channel: s.Name(), OK: err == nil, StatusCode: status, Err: err}
}
