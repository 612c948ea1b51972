package dispatch

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Teams posts MessageCard alerts to a Microsoft Teams incoming webhook.
type Teams struct {
	url    string
	client *WebhookClient
}

// NewTeams creates a Teams channel.
func NewTeams(url string, client *WebhookClient) *Teams {
	return &Teams{url: url, client: client}
}

// Name returns "teams".
func (t *Teams) Name() string { return "teams" }

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type teamsSection struct {
	ActivityTitle string      `json:"activityTitle"`
	Facts         []teamsFact `json:"facts"`
	Text          string      `json:"text"`
}

type teamsCard struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary"`
	ThemeColor string         `json:"themeColor"`
	Title      string         `json:"title"`
	Sections   []teamsSection `json:"sections"`
}

// Send posts one MessageCard.
func (t *Teams) Send(ctx context.Context, p domain.AlertPayload) domain.Delivery {
	d := p.AlertData
	card := teamsCard{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		Summary:    "Anomaly Alert - Account " + d[domain.AlertKeyAccountNumber],
		ThemeColor: "FF0000",
		Title:      "Anomaly Alert Detected",
		Sections: []teamsSection{{
			ActivityTitle: "Account: " + d[domain.AlertKeyAccountNumber] + " - " + d[domain.AlertKeyAccountName],
			Facts: []teamsFact{
				{Name: "Date:", Value: d[domain.AlertKeyDate]},
				{Name: "Amount:", Value: "$" + d[domain.AlertKeyAmount]},
				{Name: "Yearly Average:", Value: "$" + d[domain.AlertKeyAverage]},
				{Name: "Ratio:", Value: ratioText(d)},
				{Name: "Method:", Value: methodText(d)},
			},
			Text: p.Message,
		}},
	}

	status, err := t.client.PostJSON(ctx, t.url, card)
	return domain.Delivery{Channel: t.Name(), OK: err == nil, StatusCode: status, Err: err}
}

func ratioText(d map[string]string) string {
	if r := d[domain.AlertKeyRatio]; r != "" {
		return r + "x"
	}
	return "n/a"
}

func methodText(d map[string]string) string {
	return domain.DetectionMethod(d[domain.AlertKeyDetectionMethod]).Describe()
}
