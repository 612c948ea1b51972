package narrative

import (
	"strings"
	"text/template"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var fallbackTemplate = template.Must(template.New("fallback").Parse(
	`ANOMALY ALERT DETECTED

A significant anomaly has been detected in an accounting account:

- Account: {{.AccountNumber}} - {{.AccountName}}
- Date: {{.Date}}
- Detected amount: ${{.Amount}}
- Yearly average: ${{.Average}}
{{- if .Ratio}}
- Ratio: {{.Ratio}}x the yearly average
{{- end}}
{{- if .PctDiff}}
- Deviation from average: {{.PctDiff}}%
{{- end}}
- Detection method: {{.Method}}
{{- if .Score}}
- Anomaly score: {{.Score}}
{{- end}}

{{.Trigger}} {{.Significance}}

Recommended action: review the supporting entries for this account and date, verify the validity of the transaction and determine whether corrective action is required.`))

type fallbackView struct {
	AccountNumber string
	AccountName   string
	Date          string
	Amount        string
	Average       string
	Ratio         string
	PctDiff       string
	Method        string
	Score         string
	Trigger       string
	Significance  string
}

// Fallback renders the deterministic template narrative from alert fields
// alone. It never fails.
func Fallback(fields map[string]string) string {
	method := domain.DetectionMethod(fields[domain.AlertKeyDetectionMethod])
	v := fallbackView{
		AccountNumber: fields[domain.AlertKeyAccountNumber],
		AccountName:   fields[domain.AlertKeyAccountName],
		Date:          fields[domain.AlertKeyDate],
		Amount:        fields[domain.AlertKeyAmount],
		Average:       fields[domain.AlertKeyAverage],
		Ratio:         fields[domain.AlertKeyRatio],
		PctDiff:       fields[domain.AlertKeyPctDiff],
		Method:        method.Describe(),
		Score:         fields[domain.AlertKeyOutlierScore],
		Trigger:       trigger(method, fields),
		Significance:  significance(method),
	}

	var b strings.Builder
	if err := fallbackTemplate.Execute(&b, v); err != nil {
		// Static template over plain strings; keep a minimal message if it
		// ever fails.
		return "ANOMALY ALERT DETECTED: account " + v.AccountNumber + " amount $" + v.Amount + " ratio " + v.Ratio + "x"
	}
	return b.String()
}

func trigger(method domain.DetectionMethod, fields map[string]string) string {
	threshold := fields[domain.AlertKeyThreshold]
	switch method {
	case domain.MethodStatisticalRule:
		return "The amount deviates from the account's yearly average by at least the configured threshold of " + threshold + "%."
	case domain.MethodOutlierModel:
		return "The outlier model isolated this record with far fewer splits than typical records in the batch."
	case domain.MethodBoth:
		return "The amount exceeds the configured deviation threshold of " + threshold + "% and the outlier model also isolated it as atypical."
	default:
		return "This amount significantly exceeds the historical yearly average."
	}
}

func significance(method domain.DetectionMethod) string {
	switch method {
	case domain.MethodStatisticalRule:
		return "Movements this far above the historical average often indicate duplicated, misposted or unauthorized entries."
	case domain.MethodOutlierModel:
		return "The combination of amount, average, ratio and deviation is unusual across all accounts in the review window."
	case domain.MethodBoth:
		return "Agreement between the threshold rule and the outlier model makes this a high-priority finding."
	default:
		return ""
	}
}
