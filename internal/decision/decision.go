// Package decision turns a batch of displaced appointments into one
// assignment decision per appointment. Providers differ in how they decide
// (single LLM call, LLM tool loop, deterministic scoring) but share one
// input bundle and one output contract.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hackgods/appointment-reassignment/internal/matching"
	"github.com/hackgods/appointment-reassignment/internal/records"
)

var (
	ErrMalformedOutput = errors.New("malformed decision output")
	ErrDecisionTimeout = errors.New("decision provider timed out")
)

const (
	NameTemplate    = "llm-template"
	NameToolCalling = "llm-tool-calling"
	NameRuleBased   = "rule-based-fallback"
)

// Provider decides assignments for every case in a bundle.
type Provider interface {
	Name() string
	Decide(ctx context.Context, bundle CaseBundle) (*Output, error)
}

type Action string

const (
	ActionAssign       Action = "assign"
	ActionAssignReview Action = "assign_review"
	ActionWaitlist     Action = "waitlist"
)

func normalizeAction(a Action) Action {
	switch strings.ToLower(strings.TrimSpace(string(a))) {
	case "assign":
		return ActionAssign
	case "assign_review", "assign_hod_review", "needs_review", "review":
		return ActionAssignReview
	case "waitlist":
		return ActionWaitlist
	}
	return a
}

func (a Action) Valid() bool {
	switch a {
	case ActionAssign, ActionAssignReview, ActionWaitlist:
		return true
	}
	return false
}

// Case is one displaced appointment with its patient and the ids of the
// providers that passed the candidate filter for it.
type Case struct {
	Appointment          records.Appointment `json:"appointment"`
	Patient              records.Patient     `json:"patient"`
	QualifiedProviderIDs []string            `json:"qualified_provider_ids"`
}

type CaseBundle struct {
	UnavailableProvider records.Provider    `json:"unavailable_provider"`
	StartDate           string              `json:"start_date"`
	EndDate             string              `json:"end_date"`
	Reason              string              `json:"reason"`
	Cases               []Case              `json:"affected_appointments"`
	Providers           []records.Provider  `json:"available_providers"`
	ContinuitySlots     []records.TimeSlot  `json:"continuity_slots"`
	ScoringRules        matching.Weights    `json:"scoring_rules"`
	Thresholds          matching.Thresholds `json:"thresholds"`
}

func (b *CaseBundle) Provider(id string) (*records.Provider, bool) {
	for i := range b.Providers {
		if b.Providers[i].ID == id {
			return &b.Providers[i], true
		}
	}
	return nil, false
}

func (b *CaseBundle) Case(appointmentID string) (*Case, bool) {
	for i := range b.Cases {
		if b.Cases[i].Appointment.ID == appointmentID {
			return &b.Cases[i], true
		}
	}
	return nil, false
}

// Candidates returns the qualified providers of a case in roster order.
func (b *CaseBundle) Candidates(c *Case) []records.Provider {
	ok := make(map[string]bool, len(c.QualifiedProviderIDs))
	for _, id := range c.QualifiedProviderIDs {
		ok[id] = true
	}
	out := make([]records.Provider, 0, len(c.QualifiedProviderIDs))
	for _, p := range b.Providers {
		if ok[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// Factors is a factor breakdown. Decoding tolerates booleans and fractional
// numbers since model output is not always integral.
type Factors map[string]int

func (f *Factors) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Factors, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case float64:
			out[k] = int(math.Round(val))
		case bool:
			if val {
				out[k] = 1
			} else {
				out[k] = 0
			}
		}
	}
	*f = out
	return nil
}

type Decision struct {
	AppointmentID string  `json:"appointment_id"`
	PatientID     string  `json:"patient_id"`
	Action        Action  `json:"action"`
	AssignedTo    *string `json:"assigned_to,omitempty"`
	MatchScore    *int    `json:"match_score,omitempty"`
	MatchQuality  string  `json:"match_quality,omitempty"`
	MatchFactors  Factors `json:"match_factors,omitempty"`
	Reasoning     string  `json:"reasoning"`
}

type Output struct {
	Assignments []Decision     `json:"assignments"`
	Summary     map[string]any `json:"summary,omitempty"`
}

// Validate rejects output that cannot be acted on. An empty assignment list
// is never read as "nothing to do".
func Validate(out *Output) error {
	if out == nil || len(out.Assignments) == 0 {
		return fmt.Errorf("%w: assignments missing or empty", ErrMalformedOutput)
	}
	for i, d := range out.Assignments {
		if strings.TrimSpace(d.AppointmentID) == "" {
			return fmt.Errorf("%w: assignment %d has no appointment_id", ErrMalformedOutput, i)
		}
		if !d.Action.Valid() {
			return fmt.Errorf("%w: assignment %d has unknown action %q", ErrMalformedOutput, i, d.Action)
		}
	}
	return nil
}

// ParseOutput decodes model text into an Output. Code fences and prose
// around the JSON object are tolerated.
func ParseOutput(raw string) (*Output, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrMalformedOutput)
	}
	var out Output
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	for i := range out.Assignments {
		out.Assignments[i].Action = normalizeAction(out.Assignments[i].Action)
		if out.Assignments[i].AssignedTo != nil && strings.TrimSpace(*out.Assignments[i].AssignedTo) == "" {
			out.Assignments[i].AssignedTo = nil
		}
	}
	if err := Validate(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

// ScoreForQuality maps a model quality label to a score when the model gave
// no numeric score.
func ScoreForQuality(q string) int {
	switch strings.ToUpper(strings.TrimSpace(q)) {
	case string(matching.Excellent):
		return 100
	case string(matching.Good):
		return 75
	case string(matching.Acceptable):
		return 60
	default:
		return 40
	}
}
