package narrative

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BuildPrompt renders the generator prompt for one anomaly. The required
// content elements are fixed: what triggered the flag, why it matters for
// the detection method, and a recommended action.
func BuildPrompt(req Request) string {
	f := req.Fields
	maxWords := req.MaxWords
	if maxWords <= 0 {
		maxWords = 150
	}

	var b strings.Builder
	b.WriteString("You are an expert financial assistant. Generate a professional alert message ")
	b.WriteString("to notify about an anomaly detected in an accounting account.\n\n")
	b.WriteString("Anomaly data:\n")
	fmt.Fprintf(&b, "- Account number: %s\n", f[domain.AlertKeyAccountNumber])
	fmt.Fprintf(&b, "- Account name: %s\n", f[domain.AlertKeyAccountName])
	fmt.Fprintf(&b, "- Date: %s\n", f[domain.AlertKeyDate])
	fmt.Fprintf(&b, "- Detected amount: $%s\n", f[domain.AlertKeyAmount])
	fmt.Fprintf(&b, "- Yearly average: $%s\n", f[domain.AlertKeyAverage])
	if r := f[domain.AlertKeyRatio]; r != "" {
		fmt.Fprintf(&b, "- Ratio vs average: %sx\n", r)
	}
	if p := f[domain.AlertKeyPctDiff]; p != "" {
		fmt.Fprintf(&b, "- Deviation from average: %s%%\n", p)
	}
	fmt.Fprintf(&b, "- Detection method: %s\n", f[domain.AlertKeyDetectionMethod])
	if s := f[domain.AlertKeyOutlierScore]; s != "" {
		fmt.Fprintf(&b, "- Anomaly score: %s\n", s)
	}
	fmt.Fprintf(&b, "\nGenerate a concise message (maximum %d words) that:\n", maxWords)
	b.WriteString("1. Clearly explains what triggered the flag\n")
	b.WriteString("2. Explains why it is significant given the detection method\n")
	b.WriteString("3. Recommends an action\n")
	b.WriteString("4. Is professional but urgent\n\n")
	b.WriteString("Message:")
	return b.String()
}
