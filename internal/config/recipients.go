package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Recipients is the recipients.json layout: people to email, chat webhooks
// and SMTP settings.
type Recipients struct {
	People        []Person      `json:"people"`
	Channels      ChatChannels  `json:"channels"`
	EmailSettings EmailSettings `json:"email_settings"`
}

// Person is one alert recipient. Enabled defaults to true when absent.
type Person struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// ChatChannels holds the chat webhook URLs.
type ChatChannels struct {
	TeamsWebhook string `json:"teams_webhook"`
	SlackWebhook string `json:"slack_webhook"`
}

// EmailSettings holds the SMTP settings of the recipients file.
type EmailSettings struct {
	SMTPServer        string `json:"smtp_server"`
	SMTPPort          int    `json:"smtp_port"`
	UseTLS            *bool  `json:"use_tls,omitempty"`
	UseAuthentication *bool  `json:"use_authentication,omitempty"`
	SMTPUsername      string `json:"smtp_username"`
	SMTPPassword      string `json:"smtp_password"`
	FromEmail         string `json:"from_email"`
	FromName          string `json:"from_name"`
	AttachReport      bool   `json:"attach_report"`
}

// EnabledEmails returns the addresses of enabled people.
func (r *Recipients) EnabledEmails() []string {
	var out []string
	for _, p := range r.People {
		if p.Enabled != nil && !*p.Enabled {
			continue
		}
		if email := strings.TrimSpace(p.Email); email != "" {
			out = append(out, email)
		}
	}
	return out
}

// LoadRecipients parses a recipients file.
func LoadRecipients(path string) (*Recipients, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Recipients
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &domain.ConfigError{Field: "recipients", Reason: "invalid JSON in " + path + ": " + err.Error()}
	}
	return &r, nil
}

// Apply copies the recipients into the channel configuration. Email is
// enabled when at least one person is enabled; webhooks when a URL is set.
func (r *Recipients) Apply(ch *domain.ChannelsConfig) {
	if emails := r.EnabledEmails(); len(emails) > 0 {
		ch.Email.Recipients = emails
		ch.Email.Enabled = true
	}
	if url := strings.TrimSpace(r.Channels.TeamsWebhook); url != "" {
		ch.Teams = domain.WebhookConfig{Enabled: true, URL: url}
	}
	if url := strings.TrimSpace(r.Channels.SlackWebhook); url != "" {
		ch.Slack = domain.WebhookConfig{Enabled: true, URL: url}
	}

	s := r.EmailSettings
	e := &ch.Email
	if s.SMTPServer != "" {
		e.SMTPHost = s.SMTPServer
	}
	if s.SMTPPort != 0 {
		e.SMTPPort = s.SMTPPort
	}
	if s.UseTLS != nil {
		e.UseTLS = *s.UseTLS
	}
	if s.UseAuthentication != nil {
		e.UseAuth = *s.UseAuthentication
	}
	if s.SMTPUsername != "" {
		e.Username = s.SMTPUsername
	}
	if s.SMTPPassword != "" {
		e.Password = s.SMTPPassword
	}
	if s.FromEmail != "" {
		e.FromEmail = s.FromEmail
	}
	if s.FromName != "" {
		e.FromName = s.FromName
	}
	e.AttachReport = e.AttachReport || s.AttachReport
}

func applyRecipientsFile(path string, required bool, cfg *domain.Config) error {
	r, err := LoadRecipients(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if errors.Is(err, domain.ErrConfiguration) {
			return err
		}
		return &domain.ConfigError{Field: "KESTREL_RECIPIENTS_FILE", Reason: err.Error()}
	}
	r.Apply(&cfg.Channels)
	return nil
}
