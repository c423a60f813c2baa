package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

const systemPrompt = `You are a healthcare scheduling coordinator. A provider is unavailable and
their appointments must be reassigned.

For every affected appointment choose exactly one action:
- "assign": book the patient with one of the appointment's qualified providers.
- "assign_review": book with the designated head of department for human review.
- "waitlist": no acceptable provider; the patient goes to the waitlist.

Only providers listed in an appointment's qualified_provider_ids may be assigned.
Score candidates with the scoring_rules and thresholds supplied. Assign when the
best score reaches the acceptable threshold, otherwise waitlist.

Respond with a single JSON object and nothing else:
{"assignments": [{"appointment_id": "...", "patient_id": "...", "action": "assign",
  "assigned_to": "provider id or null", "match_score": 0, "match_quality": "EXCELLENT|GOOD|ACCEPTABLE|POOR",
  "match_factors": {"factor": 0}, "reasoning": "..."}],
 "summary": {"assigned": 0, "needs_review": 0, "waitlisted": 0}}`

var userTemplate = template.Must(template.New("user").Parse(
	`Provider {{.Bundle.UnavailableProvider.Name}} ({{.Bundle.UnavailableProvider.ID}}, {{.Bundle.UnavailableProvider.Specialty}}) is unavailable from {{.Bundle.StartDate}} to {{.Bundle.EndDate}}.
Reason: {{if .Bundle.Reason}}{{.Bundle.Reason}}{{else}}not given{{end}}.

There are {{len .Bundle.Cases}} affected appointments and {{len .Bundle.Providers}} available providers.
{{- if .Bundle.ContinuitySlots}}
The unavailable provider still has {{len .Bundle.ContinuitySlots}} open slots outside the date range.
{{- end}}

Thresholds: excellent >= {{.Bundle.Thresholds.Excellent}}, good >= {{.Bundle.Thresholds.Good}}, acceptable >= {{.Bundle.Thresholds.Acceptable}}.

Case data:
{{.JSON}}
`))

func renderUserPrompt(bundle *CaseBundle) (string, error) {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal case bundle: %w", err)
	}
	var buf bytes.Buffer
	err = userTemplate.Execute(&buf, struct {
		Bundle *CaseBundle
		JSON   string
	}{bundle, string(data)})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
