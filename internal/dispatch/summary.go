package dispatch

import (
	"context"
	"html/template"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SummaryChannelName is the channel recorded for run digests.
const SummaryChannelName = "email_summary"

// SummaryChannel is implemented by channels that also deliver the run digest.
type SummaryChannel interface {
	SendSummary(ctx context.Context, r domain.RunReport) domain.Delivery
}

var summaryTemplate = template.Must(template.New("summary").Parse(`<html>
<body style="font-family: Arial, sans-serif;">
<h2>Anomaly Detection Summary{{if .Company}} - {{.Company}}{{end}}</h2>
<p>Run {{.RunID}} completed {{.GeneratedAt}} and detected <strong>{{len .Rows}}</strong> anomalies.</p>
{{- if .Threshold}}
<p>Percentage threshold: {{.Threshold}}%</p>
{{- end}}
<table border="1" cellpadding="4" cellspacing="0" style="border-collapse: collapse;">
<tr style="background-color: #f2f2f2;"><th>Account</th><th>Name</th><th>Date</th><th>Amount</th><th>Average</th><th>% vs average</th><th>Method</th></tr>
{{- range .Rows}}
<tr><td>{{.AccountNumber}}</td><td>{{.AccountName}}</td><td>{{.Date}}</td><td style="text-align: right;">{{.Amount}}</td><td style="text-align: right;">{{.Average}}</td><td style="text-align: right;">{{.PctDiff}}</td><td>{{.Method}}</td></tr>
{{- end}}
</table>
<p style="color: #666;">Anomaly Detection System - automatically generated</p>
</body>
</html>
`))

type summaryRow struct {
	AccountNumber string
	AccountName   string
	Date          string
	Amount        string
	Average       string
	PctDiff       string
	Method        string
}

type summaryData struct {
	Company     string
	RunID       string
	GeneratedAt string
	Threshold   string
	Rows        []summaryRow
}

func summaryView(company string, r domain.RunReport) summaryData {
	v := summaryData{
		Company:     company,
		RunID:       r.RunID,
		GeneratedAt: r.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"),
		Rows:        make([]summaryRow, 0, len(r.Anomalies)),
	}
	if r.Threshold != 0 {
		v.Threshold = strconv.FormatFloat(r.Threshold, 'f', -1, 64)
	}
	for _, a := range r.Anomalies {
		row := summaryRow{
			AccountNumber: a.AccountNumber,
			AccountName:   a.AccountName,
			Date:          a.Date.UTC().Format(domain.DateLayout),
			Amount:        a.Amount.StringFixed(2),
			Average:       strconv.FormatFloat(a.AccountAverage, 'f', 2, 64),
			Method:        string(a.DetectionMethod),
		}
		if a.PctDiffFromAverage != nil {
			row.PctDiff = strconv.FormatFloat(*a.PctDiffFromAverage, 'f', 1, 64)
		}
		v.Rows = append(v.Rows, row)
	}
	return v
}

// Summarize sends the run digest on every channel that supports it. The
// result is empty when no such channel is configured.
func (d *Dispatcher) Summarize(ctx context.Context, r domain.RunReport) []domain.Delivery {
	var deliveries []domain.Delivery
	for _, c := range d.channels {
		sc, ok := c.(SummaryChannel)
		if !ok {
			continue
		}
		del := sc.SendSummary(ctx, r)
		if !del.OK {
			d.logger.Warn("run summary delivery failed",
				"channel", del.Channel,
				"run_id", r.RunID,
				"error", del.Err,
			)
		}
		deliveries = append(deliveries, del)
	}
	return deliveries
}
