package domain

import (
	"strings"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// CompanyName appears in email subjects and report headers.
	CompanyName string `json:"companyName"`

	Server    ServerConfig    `json:"server"`
	Detection DetectionConfig `json:"detection"`
	Source    SourceConfig    `json:"source"`
	Pipeline  PipelineConfig  `json:"pipeline"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Narrative  NarrativeConfig  `json:"narrative"`
	Channels   ChannelsConfig   `json:"channels"`
	Report     ReportConfig     `json:"report"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// DetectionConfig holds the detector and reconciliation settings.
type DetectionConfig struct {
	LookbackDays int `json:"lookbackDays"`

	// PercentageThreshold, when set, overrides the settings-table lookup.
	PercentageThreshold *float64 `json:"percentageThreshold,omitempty"`

	// ThresholdSettingKey is the settings key holding the threshold.
	ThresholdSettingKey string `json:"thresholdSettingKey"`

	Contamination float64 `json:"contamination"`
	TreeCount     int     `json:"treeCount"`
	RandomSeed    int64   `json:"randomSeed"`

	ReconciliationMode ReconciliationMode `json:"reconciliationMode"`

	// StatisticalUniverse is a CEL predicate selecting the records the
	// statistical rule evaluates.
	StatisticalUniverse string `json:"statisticalUniverse"`
}

// SourceConfig selects where transactions are loaded from.
type SourceConfig struct {
	Type    string `json:"type"` // sql, csv
	CSVPath string `json:"csvPath"`
}

// PipelineConfig holds run orchestration settings.
type PipelineConfig struct {
	AlertWorkers int `json:"alertWorkers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// NarrativeConfig configures the external narrative generator.
type NarrativeConfig struct {
	Backend  string        `json:"backend"` // ollama, gemini, disabled
	BaseURL  string        `json:"baseUrl"`
	Model    string        `json:"model"`
	APIKey   string        `json:"-"`
	Timeout  time.Duration `json:"timeout"`
	MaxWords int           `json:"maxWords"`
	CacheTTL time.Duration `json:"cacheTtl"`
}

// ChannelsConfig holds all alert channel settings.
type ChannelsConfig struct {
	Email EmailConfig   `json:"email"`
	Teams WebhookConfig `json:"teams"`
	Slack WebhookConfig `json:"slack"`

	WebhookTimeout time.Duration `json:"webhookTimeout"`
	RatePerSecond  float64       `json:"ratePerSecond"`
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Enabled      bool     `json:"enabled"`
	SMTPHost     string   `json:"smtpServer"`
	SMTPPort     int      `json:"smtpPort"`
	UseTLS       bool     `json:"useTls"`
	UseAuth      bool     `json:"useAuthentication"`
	Username     string   `json:"smtpUsername"`
	Password     string   `json:"-"`
	FromEmail    string   `json:"fromEmail"`
	FromName     string   `json:"fromName"`
	Recipients   []string `json:"recipients"`
	AttachReport bool     `json:"attachReport"`
}

// WebhookConfig holds a chat webhook setting.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"-"`
}

// ReportConfig selects the report sinks written at the end of a run.
type ReportConfig struct {
	Sinks []string `json:"sinks"` // file, gcs, bigquery, repository
	Dir   string   `json:"dir"`

	GCSBucket string `json:"gcsBucket"`
	GCSPrefix string `json:"gcsPrefix"`

	BigQueryProject string `json:"bigqueryProject"`
	BigQueryDataset string `json:"bigqueryDataset"`
	BigQueryTable   string `json:"bigqueryTable"`
}

// HasSink reports whether the named sink is enabled.
func (r ReportConfig) HasSink(name string) bool {
	for _, s := range r.Sinks {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultConfig returns the default single-node configuration: SQLite
// source, in-memory cache and channel bus, narrative generation through a
// local Ollama, no channels enabled.
func DefaultConfig() *Config {
	return &Config{
		CompanyName: "Kestrel",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 300,
		},
		Detection: DetectionConfig{
			LookbackDays:        365,
			ThresholdSettingKey: "anomaly_percentage_threshold",
			Contamination:       0.02,
			TreeCount:           100,
			RandomSeed:          42,
			ReconciliationMode:  ModeUnion,
			StatisticalUniverse: "amount > 0.0",
		},
		Source: SourceConfig{
			Type: "sql",
		},
		Pipeline: PipelineConfig{
			AlertWorkers: 4,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			Namespace:         "default",
			ChannelBufferSize: 1000,
		},
		Narrative: NarrativeConfig{
			Backend:  "ollama",
			BaseURL:  "http://localhost:11434",
			Model:    "llama3",
			Timeout:  30 * time.Second,
			MaxWords: 150,
			CacheTTL: 24 * time.Hour,
		},
		Channels: ChannelsConfig{
			Email: EmailConfig{
				SMTPHost:  "localhost",
				SMTPPort:  25,
				FromEmail: "anomaly-detector@localhost",
				FromName:  "Anomaly Detection System",
			},
			WebhookTimeout: 10 * time.Second,
			RatePerSecond:  5,
		},
		Report: ReportConfig{
			Sinks: []string{"file", "repository"},
			Dir:   ".",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// Validate checks the configuration before any detection work starts.
// Every failure wraps ErrConfiguration.
func (c *Config) Validate() error {
	d := c.Detection
	if d.LookbackDays <= 0 {
		return &ConfigError{Field: "detection.lookbackDays", Reason: "must be positive"}
	}
	if d.PercentageThreshold == nil && strings.TrimSpace(d.ThresholdSettingKey) == "" {
		return &ConfigError{Field: "detection.percentageThreshold", Reason: "neither a threshold nor a settings key is configured"}
	}
	if d.PercentageThreshold == nil && c.Source.Type != "sql" {
		return &ConfigError{Field: "detection.percentageThreshold", Reason: "settings lookup requires the sql source"}
	}
	if d.Contamination <= 0 || d.Contamination > 0.5 {
		return &ConfigError{Field: "detection.contamination", Reason: "must be in (0, 0.5]"}
	}
	if d.TreeCount <= 0 {
		return &ConfigError{Field: "detection.treeCount", Reason: "must be positive"}
	}
	if _, err := ParseReconciliationMode(string(d.ReconciliationMode)); err != nil {
		return &ConfigError{Field: "detection.reconciliationMode", Reason: err.Error()}
	}
	if strings.TrimSpace(d.StatisticalUniverse) == "" {
		return &ConfigError{Field: "detection.statisticalUniverse", Reason: "must not be empty"}
	}

	switch c.Source.Type {
	case "sql":
	case "csv":
		if c.Source.CSVPath == "" {
			return &ConfigError{Field: "source.csvPath", Reason: "required for the csv source"}
		}
	default:
		return &ConfigError{Field: "source.type", Reason: "unsupported source " + c.Source.Type}
	}

	if c.Narrative.Timeout <= 0 {
		return &ConfigError{Field: "narrative.timeout", Reason: "must be positive"}
	}

	email := c.Channels.Email
	if email.Enabled {
		if email.SMTPHost == "" || email.SMTPPort == 0 {
			return &ConfigError{Field: "channels.email.smtpServer", Reason: "host and port are required"}
		}
		if email.UseAuth && (email.Username == "" || email.Password == "") {
			return &ConfigError{Field: "channels.email.smtpUsername", Reason: "credentials are required when authentication is enabled"}
		}
		if len(email.Recipients) == 0 {
			return &ConfigError{Field: "channels.email.recipients", Reason: "at least one recipient is required"}
		}
	}
	if c.Channels.Teams.Enabled && c.Channels.Teams.URL == "" {
		return &ConfigError{Field: "channels.teams", Reason: "webhook URL is required"}
	}
	if c.Channels.Slack.Enabled && c.Channels.Slack.URL == "" {
		return &ConfigError{Field: "channels.slack", Reason: "webhook URL is required"}
	}

	if c.Report.HasSink("gcs") && c.Report.GCSBucket == "" {
		return &ConfigError{Field: "report.gcsBucket", Reason: "required for the gcs sink"}
	}
	if c.Report.HasSink("bigquery") && (c.Report.BigQueryProject == "" || c.Report.BigQueryDataset == "" || c.Report.BigQueryTable == "") {
		return &ConfigError{Field: "report.bigquery", Reason: "project, dataset and table are required"}
	}

	return nil
}
