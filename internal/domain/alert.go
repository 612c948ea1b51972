package domain

import "time"

// NarrativeSource records where an alert message came from.
type NarrativeSource string

const (
	NarrativeGenerated NarrativeSource = "generator"
	NarrativeTemplate  NarrativeSource = "template"
)

// Alert data keys shared by the composer and the channel renderers.
const (
	AlertKeyAccountID       = "account_id"
	AlertKeyAccountNumber   = "account_number"
	AlertKeyAccountName     = "account_name"
	AlertKeyDate            = "date"
	AlertKeyAmount          = "amount"
	AlertKeyAverage         = "yearly_average"
	AlertKeyRatio           = "ratio"
	AlertKeyPctDiff         = "pct_diff_from_average"
	AlertKeyThreshold       = "threshold_used"
	AlertKeyDetectionMethod = "detection_method"
	AlertKeyOutlierScore    = "outlier_score"
	AlertKeyRunID           = "run_id"
)

// AlertPayload is a composed alert ready for delivery.
type AlertPayload struct {
	AlertData       map[string]string `json:"alertData"`
	Message         string            `json:"message"`
	NarrativeSource NarrativeSource   `json:"narrativeSource"`
}

// RunReport is the run-level digest sent once per run after the individual
// alerts: every anomaly of the run plus the optional CSV export.
type RunReport struct {
	RunID       string
	GeneratedAt time.Time
	Threshold   float64
	Anomalies   []AnomalyRecord
	Attachment  *Attachment
}

// Attachment is a named file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Delivery is the outcome of one delivery attempt on one channel.
type Delivery struct {
	Channel    string `json:"channel"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"statusCode,omitempty"`
	Err        error  `json:"-"`
}
