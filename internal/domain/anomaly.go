package domain

import (
	"fmt"
	"strings"
	"time"
)

// DetectionMethod names the detector(s) that flagged a record.
type DetectionMethod string

const (
	MethodStatisticalRule DetectionMethod = "StatisticalRule"
	MethodOutlierModel    DetectionMethod = "OutlierModel"
	MethodBoth            DetectionMethod = "Both"
)

// Includes reports whether m covers the given single-detector method.
func (m DetectionMethod) Includes(other DetectionMethod) bool {
	return m == other || m == MethodBoth
}

// Describe returns the human-readable detector name used in alerts.
func (m DetectionMethod) Describe() string {
	switch m {
	case MethodStatisticalRule:
		return "Statistical threshold rule"
	case MethodOutlierModel:
		return "Isolation Forest"
	case MethodBoth:
		return "Statistical threshold rule + Isolation Forest"
	default:
		return string(m)
	}
}

// ReconciliationMode selects how detector verdicts are combined.
type ReconciliationMode string

const (
	// ModeOutlierOnly flags exactly what the outlier model flags.
	ModeOutlierOnly ReconciliationMode = "outlier_only"

	// ModeUnion flags what either detector flags.
	ModeUnion ReconciliationMode = "union"
)

// ParseReconciliationMode accepts the config spellings of a mode.
func ParseReconciliationMode(s string) (ReconciliationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "outlier_only", "outlieronly", "outlier":
		return ModeOutlierOnly, nil
	case "union", "":
		return ModeUnion, nil
	default:
		return "", fmt.Errorf("unknown reconciliation mode %q", s)
	}
}

// AnomalyRecord is a TransactionRecord that survived reconciliation, with the
// provenance needed to explain it. Never mutated after creation.
type AnomalyRecord struct {
	TransactionRecord

	RunID              string          `json:"runId"`
	DetectionMethod    DetectionMethod `json:"detectionMethod"`
	OutlierScore       *float64        `json:"outlierScore,omitempty"`
	ThresholdUsed      *float64        `json:"thresholdUsed,omitempty"`
	PctDiffFromAverage *float64        `json:"pctDiffFromAverage,omitempty"`
	AccountAverage     float64         `json:"accountAverage"`
	RatioVsAverage     *float64        `json:"ratioVsAverage,omitempty"`
	DetectedAt         time.Time       `json:"detectedAt"`
}

// Run status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// RunSummary reports what a single batch run did.
type RunSummary struct {
	RunID      string    `json:"runId"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`

	LookbackDays       int                `json:"lookbackDays"`
	ThresholdUsed      float64            `json:"thresholdUsed"`
	ReconciliationMode ReconciliationMode `json:"reconciliationMode"`

	RecordsLoaded      int `json:"recordsLoaded"`
	RecordsSkipped     int `json:"recordsSkipped"`
	Accounts           int `json:"accounts"`
	StatisticalFlags   int `json:"statisticalFlags"`
	ModelEligible      int `json:"modelEligible"`
	OutlierFlags       int `json:"outlierFlags"`
	Anomalies          int `json:"anomalies"`
	NarrativeFallbacks int `json:"narrativeFallbacks"`

	Channels map[string]ChannelStats `json:"channels"`
}

// ChannelStats counts delivery outcomes for one channel in a run.
type ChannelStats struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// RecordDelivery adds one delivery outcome to the summary.
func (s *RunSummary) RecordDelivery(d Delivery) {
	if s.Channels == nil {
		s.Channels = make(map[string]ChannelStats)
	}
	st := s.Channels[d.Channel]
	if d.OK {
		st.Sent++
	} else {
		st.Failed++
	}
	s.Channels[d.Channel] = st
}
