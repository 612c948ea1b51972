package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func mapEnv(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(mapEnv(nil))
	require.NoError(t, err)

	assert.Equal(t, 365, cfg.Detection.LookbackDays)
	assert.Equal(t, 0.02, cfg.Detection.Contamination)
	assert.Equal(t, 100, cfg.Detection.TreeCount)
	assert.Equal(t, int64(42), cfg.Detection.RandomSeed)
	assert.Equal(t, domain.ModeUnion, cfg.Detection.ReconciliationMode)
	assert.Equal(t, "amount > 0.0", cfg.Detection.StatisticalUniverse)
	assert.Nil(t, cfg.Detection.PercentageThreshold)
	assert.Equal(t, 30*time.Second, cfg.Narrative.Timeout)
	assert.False(t, cfg.Channels.Email.Enabled)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(mapEnv(map[string]string{
		"KESTREL_LOOKBACK_DAYS":        "90",
		"KESTREL_PERCENTAGE_THRESHOLD": "75.5",
		"KESTREL_CONTAMINATION":        "0.05",
		"KESTREL_RANDOM_SEED":          "7",
		"KESTREL_RECONCILIATION_MODE":  "outlier_only",
		"KESTREL_SOURCE":               "csv",
		"KESTREL_CSV_PATH":             "/data/ledger.csv",
		"KESTREL_NARRATIVE_TIMEOUT":    "45",
		"KESTREL_SLACK_WEBHOOK":        "https://hooks.slack.test/x",
		"KESTREL_REPORT_SINKS":         "file, repository",
		"KESTREL_KAFKA_BROKERS":        "k1:9092,k2:9092",
		"KESTREL_DEBUG":                "true",
	}))
	require.NoError(t, err)

	require.NotNil(t, cfg.Detection.PercentageThreshold)
	assert.Equal(t, 75.5, *cfg.Detection.PercentageThreshold)
	assert.Equal(t, 90, cfg.Detection.LookbackDays)
	assert.Equal(t, 0.05, cfg.Detection.Contamination)
	assert.Equal(t, int64(7), cfg.Detection.RandomSeed)
	assert.Equal(t, domain.ModeOutlierOnly, cfg.Detection.ReconciliationMode)
	assert.Equal(t, "csv", cfg.Source.Type)
	assert.Equal(t, 45*time.Second, cfg.Narrative.Timeout)
	assert.True(t, cfg.Channels.Slack.Enabled)
	assert.Equal(t, []string{"file", "repository"}, cfg.Report.Sinks)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.EventBus.KafkaBrokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad integer", map[string]string{"KESTREL_LOOKBACK_DAYS": "a year"}},
		{"bad mode", map[string]string{"KESTREL_RECONCILIATION_MODE": "intersection"}},
		{"contamination out of range", map[string]string{"KESTREL_CONTAMINATION": "0.9"}},
		{"csv without path", map[string]string{"KESTREL_SOURCE": "csv", "KESTREL_PERCENTAGE_THRESHOLD": "50"}},
		{"csv without threshold", map[string]string{"KESTREL_SOURCE": "csv", "KESTREL_CSV_PATH": "x.csv"}},
		{"auth without credentials", map[string]string{
			"KESTREL_EMAIL_ENABLED":    "true",
			"KESTREL_SMTP_AUTH":        "true",
			"KESTREL_EMAIL_RECIPIENTS": "a@example.com",
		}},
		{"missing config file", map[string]string{"KESTREL_CONFIG_FILE": "/nonexistent/kestrel.json"}},
		{"missing recipients file", map[string]string{"KESTREL_RECIPIENTS_FILE": "/nonexistent/recipients.json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(mapEnv(tt.env))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestFromEnv_ConfigFile(t *testing.T) {
	path := writeFile(t, "kestrel.json", `{
		"companyName": "Acme",
		"detection": {"lookbackDays": 180, "percentageThreshold": 60},
		"report": {"sinks": ["file"], "dir": "/tmp/reports"}
	}`)

	cfg, err := FromEnv(mapEnv(map[string]string{
		"KESTREL_CONFIG_FILE":   path,
		"KESTREL_LOOKBACK_DAYS": "30",
	}))
	require.NoError(t, err)

	assert.Equal(t, "Acme", cfg.CompanyName)
	assert.Equal(t, 30, cfg.Detection.LookbackDays, "environment wins over file")
	require.NotNil(t, cfg.Detection.PercentageThreshold)
	assert.Equal(t, 60.0, *cfg.Detection.PercentageThreshold)
	assert.Equal(t, 100, cfg.Detection.TreeCount, "defaults survive partial files")
	assert.Equal(t, []string{"file"}, cfg.Report.Sinks)
}

func TestRecipients(t *testing.T) {
	path := writeFile(t, "recipients.json", `{
		"people": [
			{"name": "Ana", "email": "ana@example.com", "role": "Controller"},
			{"name": "Luis", "email": "luis@example.com", "enabled": false},
			{"name": "Eva", "email": "eva@example.com", "enabled": true}
		],
		"channels": {"teams_webhook": "https://teams.test/hook", "slack_webhook": ""},
		"email_settings": {
			"smtp_server": "smtp.example.com",
			"smtp_port": 587,
			"use_tls": true,
			"use_authentication": true,
			"smtp_username": "bot",
			"smtp_password": "secret",
			"from_email": "alerts@example.com"
		}
	}`)

	r, err := LoadRecipients(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ana@example.com", "eva@example.com"}, r.EnabledEmails())

	cfg, err := FromEnv(mapEnv(map[string]string{"KESTREL_RECIPIENTS_FILE": path}))
	require.NoError(t, err)

	email := cfg.Channels.Email
	assert.True(t, email.Enabled)
	assert.Equal(t, "smtp.example.com", email.SMTPHost)
	assert.Equal(t, 587, email.SMTPPort)
	assert.True(t, email.UseTLS)
	assert.True(t, email.UseAuth)
	assert.Equal(t, "secret", email.Password)
	assert.Equal(t, "alerts@example.com", email.FromEmail)
	assert.Equal(t, "Anomaly Detection System", email.FromName)

	assert.True(t, cfg.Channels.Teams.Enabled)
	assert.Equal(t, "https://teams.test/hook", cfg.Channels.Teams.URL)
	assert.False(t, cfg.Channels.Slack.Enabled)
}

func TestRecipients_InvalidJSON(t *testing.T) {
	path := writeFile(t, "recipients.json", `{"people": [`)
	_, err := FromEnv(mapEnv(map[string]string{"KESTREL_RECIPIENTS_FILE": path}))
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestNewLogger(t *testing.T) {
	assert.True(t, NewLogger(domain.LoggingConfig{Level: "debug"}).Enabled(t.Context(), -4))
	assert.False(t, NewLogger(domain.LoggingConfig{Level: "warn", Format: "text"}).Enabled(t.Context(), 0))
}
