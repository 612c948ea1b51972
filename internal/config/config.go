// Package config assembles the Kestrel configuration from defaults, an
// optional JSON file, the recipients file and KESTREL_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultRecipientsFile is read when KESTREL_RECIPIENTS_FILE is unset.
const DefaultRecipientsFile = "recipients.json"

// Load builds and validates the configuration. A missing .env file is not an
// error. Later sources override earlier ones: defaults, KESTREL_CONFIG_FILE,
// the recipients file, then the environment.
func Load() (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration using getenv for every lookup.
func FromEnv(getenv func(string) string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()

	if path := getenv("KESTREL_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	recipientsPath := getenv("KESTREL_RECIPIENTS_FILE")
	required := recipientsPath != ""
	if !required {
		recipientsPath = DefaultRecipientsFile
	}
	if err := applyRecipientsFile(recipientsPath, required, cfg); err != nil {
		return nil, err
	}

	if err := applyEnv(getenv, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *domain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &domain.ConfigError{Field: "KESTREL_CONFIG_FILE", Reason: err.Error()}
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return &domain.ConfigError{Field: "KESTREL_CONFIG_FILE", Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}

// env reads typed values and remembers the first parse failure.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) fail(key, reason string) {
	if e.err == nil {
		e.err = &domain.ConfigError{Field: key, Reason: reason}
	}
}

func (e *env) str(key string, dst *string) {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		*dst = v
	}
}

func (e *env) integer(key string, dst *int) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, "not an integer: "+v)
		return
	}
	*dst = n
}

func (e *env) integer64(key string, dst *int64) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, "not an integer: "+v)
		return
	}
	*dst = n
}

func (e *env) float(key string, dst *float64) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, "not a number: "+v)
		return
	}
	*dst = f
}

func (e *env) boolean(key string, dst *bool) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, "not a boolean: "+v)
		return
	}
	*dst = b
}

// duration accepts Go durations ("45s") or plain seconds ("45").
func (e *env) duration(key string, dst *time.Duration) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, "not a duration: "+v)
		return
	}
	*dst = d
}

func (e *env) list(key string, dst *[]string) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func applyEnv(getenv func(string) string, cfg *domain.Config) error {
	e := &env{getenv: getenv}

	e.str("KESTREL_COMPANY_NAME", &cfg.CompanyName)

	// Detection
	d := &cfg.Detection
	e.integer("KESTREL_LOOKBACK_DAYS", &d.LookbackDays)
	if v := strings.TrimSpace(getenv("KESTREL_PERCENTAGE_THRESHOLD")); v != "" {
		var t float64
		e.float("KESTREL_PERCENTAGE_THRESHOLD", &t)
		d.PercentageThreshold = &t
	}
	e.str("KESTREL_THRESHOLD_SETTING_KEY", &d.ThresholdSettingKey)
	e.float("KESTREL_CONTAMINATION", &d.Contamination)
	e.integer("KESTREL_TREE_COUNT", &d.TreeCount)
	e.integer64("KESTREL_RANDOM_SEED", &d.RandomSeed)
	if v := strings.TrimSpace(getenv("KESTREL_RECONCILIATION_MODE")); v != "" {
		mode, err := domain.ParseReconciliationMode(v)
		if err != nil {
			e.fail("KESTREL_RECONCILIATION_MODE", err.Error())
		}
		d.ReconciliationMode = mode
	}
	e.str("KESTREL_STATISTICAL_UNIVERSE", &d.StatisticalUniverse)

	// Source and pipeline
	e.str("KESTREL_SOURCE", &cfg.Source.Type)
	e.str("KESTREL_CSV_PATH", &cfg.Source.CSVPath)
	e.integer("KESTREL_ALERT_WORKERS", &cfg.Pipeline.AlertWorkers)

	// Server
	e.str("KESTREL_HOST", &cfg.Server.Host)
	e.integer("KESTREL_PORT", &cfg.Server.Port)

	// Repository
	r := &cfg.Repository
	e.str("KESTREL_DB_DRIVER", &r.Driver)
	e.str("KESTREL_SQLITE_PATH", &r.SQLitePath)
	e.str("KESTREL_POSTGRES_HOST", &r.PostgresHost)
	e.integer("KESTREL_POSTGRES_PORT", &r.PostgresPort)
	e.str("KESTREL_POSTGRES_USER", &r.PostgresUser)
	e.str("KESTREL_POSTGRES_PASSWORD", &r.PostgresPassword)
	e.str("KESTREL_POSTGRES_DB", &r.PostgresDB)
	e.str("KESTREL_POSTGRES_SSLMODE", &r.PostgresSSLMode)
	e.duration("KESTREL_DB_CONNECT_TIMEOUT", &r.ConnectTimeout)

	// Cache
	e.str("KESTREL_CACHE", &cfg.Cache.Type)
	e.str("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("KESTREL_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.integer("KESTREL_REDIS_DB", &cfg.Cache.RedisDB)
	e.boolean("KESTREL_CACHE_TWO_PHASE", &cfg.Cache.EnableTwoPhase)

	// Event bus
	e.str("KESTREL_EVENT_BUS", &cfg.EventBus.Type)
	e.str("KESTREL_EVENT_NAMESPACE", &cfg.EventBus.Namespace)
	e.str("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("KESTREL_NATS_TOKEN", &cfg.EventBus.NATSToken)
	e.list("KESTREL_KAFKA_BROKERS", &cfg.EventBus.KafkaBrokers)

	// Narrative
	n := &cfg.Narrative
	e.str("KESTREL_NARRATIVE_BACKEND", &n.Backend)
	e.str("KESTREL_NARRATIVE_URL", &n.BaseURL)
	e.str("KESTREL_NARRATIVE_MODEL", &n.Model)
	e.str("KESTREL_NARRATIVE_API_KEY", &n.APIKey)
	e.str("GEMINI_API_KEY", &n.APIKey)
	e.duration("KESTREL_NARRATIVE_TIMEOUT", &n.Timeout)
	e.integer("KESTREL_NARRATIVE_MAX_WORDS", &n.MaxWords)
	e.duration("KESTREL_NARRATIVE_CACHE_TTL", &n.CacheTTL)

	// Channels
	ch := &cfg.Channels
	e.boolean("KESTREL_EMAIL_ENABLED", &ch.Email.Enabled)
	e.str("KESTREL_SMTP_SERVER", &ch.Email.SMTPHost)
	e.integer("KESTREL_SMTP_PORT", &ch.Email.SMTPPort)
	e.boolean("KESTREL_SMTP_TLS", &ch.Email.UseTLS)
	e.boolean("KESTREL_SMTP_AUTH", &ch.Email.UseAuth)
	e.str("KESTREL_SMTP_USERNAME", &ch.Email.Username)
	e.str("KESTREL_SMTP_PASSWORD", &ch.Email.Password)
	e.str("KESTREL_EMAIL_FROM", &ch.Email.FromEmail)
	e.list("KESTREL_EMAIL_RECIPIENTS", &ch.Email.Recipients)
	e.boolean("KESTREL_EMAIL_ATTACH_REPORT", &ch.Email.AttachReport)
	if v := strings.TrimSpace(getenv("KESTREL_TEAMS_WEBHOOK")); v != "" {
		ch.Teams = domain.WebhookConfig{Enabled: true, URL: v}
	}
	if v := strings.TrimSpace(getenv("KESTREL_SLACK_WEBHOOK")); v != "" {
		ch.Slack = domain.WebhookConfig{Enabled: true, URL: v}
	}
	e.boolean("KESTREL_TEAMS_ENABLED", &ch.Teams.Enabled)
	e.boolean("KESTREL_SLACK_ENABLED", &ch.Slack.Enabled)
	e.duration("KESTREL_WEBHOOK_TIMEOUT", &ch.WebhookTimeout)
	e.float("KESTREL_WEBHOOK_RATE", &ch.RatePerSecond)

	// Report
	rep := &cfg.Report
	e.list("KESTREL_REPORT_SINKS", &rep.Sinks)
	e.str("KESTREL_REPORT_DIR", &rep.Dir)
	e.str("KESTREL_GCS_BUCKET", &rep.GCSBucket)
	e.str("KESTREL_GCS_PREFIX", &rep.GCSPrefix)
	e.str("KESTREL_BIGQUERY_PROJECT", &rep.BigQueryProject)
	e.str("KESTREL_BIGQUERY_DATASET", &rep.BigQueryDataset)
	e.str("KESTREL_BIGQUERY_TABLE", &rep.BigQueryTable)

	// Observability
	e.str("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	e.str("KESTREL_LOG_FORMAT", &cfg.Logging.Format)
	if getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	e.boolean("KESTREL_TRACING", &cfg.Tracing.Enabled)

	return e.err
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
