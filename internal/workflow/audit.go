package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/appointment-reassignment/internal/backfill"
	"github.com/hackgods/appointment-reassignment/internal/decision"
	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/records"
)

// Event types persisted to the event log.
const (
	EventRunStarted        = "RUN_STARTED"
	EventStage             = "STAGE"
	EventDecisionFallback  = "DECISION_FALLBACK"
	EventAssignmentApplied = "ASSIGNMENT_APPLIED"
	EventBookingFailed     = "BOOKING_FAILED"
	EventUnitSkipped       = "UNIT_SKIPPED"
	EventOfferResolved     = "OFFER_RESOLVED"
	EventRunCompleted      = "RUN_COMPLETED"
)

const (
	MethodDecisionProvider = "decision-provider"
	MethodFallback         = "rule-based-fallback"
)

// Assignment sources.
const (
	SourceDecision = "decision"
	SourceGapFill  = "gap-fill"
)

type Outcome string

const (
	OutcomeAssigned    Outcome = "assigned"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeWaitlisted  Outcome = "waitlisted"
)

// StageEvent is one entry of a run's timeline.
type StageEvent struct {
	Stage         State          `json:"stage"`
	At            time.Time      `json:"at"`
	AppointmentID string         `json:"appointment_id,omitempty"`
	Outcome       string         `json:"outcome,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Assignment is the terminal action taken for one affected appointment.
type Assignment struct {
	AppointmentID      string           `json:"appointment_id"`
	PatientID          string           `json:"patient_id"`
	OriginalProviderID string           `json:"original_provider_id"`
	AssignedTo         *string          `json:"assigned_to"`
	Action             decision.Action  `json:"action"`
	Outcome            Outcome          `json:"outcome"`
	Score              int              `json:"match_score"`
	Quality            string           `json:"match_quality,omitempty"`
	Factors            map[string]int   `json:"match_factors,omitempty"`
	Reasoning          string           `json:"reasoning"`
	Source             string           `json:"source"`
	NotificationID     string           `json:"notification_id,omitempty"`
	WaitlistID         string           `json:"waitlist_id,omitempty"`
	Backfill           *backfill.Result `json:"backfill,omitempty"`
	Error              string           `json:"error,omitempty"`
}

type SkippedUnit struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type BookingFailure struct {
	AppointmentID string `json:"appointment_id"`
	ProviderID    string `json:"provider_id"`
	Error         string `json:"error"`
}

type Counts struct {
	Affected        int `json:"affected"`
	Assigned        int `json:"assigned"`
	NeedsReview     int `json:"needs_review"`
	Waitlisted      int `json:"waitlisted"`
	Skipped         int `json:"skipped"`
	GapFilled       int `json:"gap_filled"`
	BookingFailures int `json:"booking_failures"`
}

// AuditLog is the complete record of one unavailability run.
type AuditLog struct {
	RunID            string           `json:"run_id"`
	Event            Event            `json:"event"`
	StartedAt        time.Time        `json:"started_at"`
	CompletedAt      time.Time        `json:"completed_at"`
	FinalState       State            `json:"final_state"`
	AssignmentMethod string           `json:"assignment_method,omitempty"`
	DecisionProvider string           `json:"decision_provider,omitempty"`
	UsedFallback     bool             `json:"used_fallback"`
	FallbackReason   string           `json:"fallback_reason,omitempty"`
	DateRangeDays    int              `json:"date_range_days"`
	Counts           Counts           `json:"counts"`
	Assignments      []Assignment     `json:"assignments"`
	Skipped          []SkippedUnit    `json:"skipped,omitempty"`
	BookingFailures  []BookingFailure `json:"booking_failures,omitempty"`
	Timeline         []StageEvent     `json:"timeline"`
}

// recorder collects the timeline of one run and mirrors every step to the
// structured log, the event log and the active span.
type recorder struct {
	runID    string
	repo     records.Repository
	log      *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time
	timeline []StageEvent
}

func (e *Engine) newRecorder(runID string) *recorder {
	return &recorder{
		runID:  runID,
		repo:   e.repo,
		log:    e.log.With("run_id", runID),
		tracer: e.tracing.Tracer("workflow"),
		now:    e.now,
	}
}

// span starts a child span for one stage.
func (r *recorder) span(ctx context.Context, state State, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("run_id", r.runID))
	return r.tracer.Start(ctx, "workflow."+string(state), trace.WithAttributes(attrs...))
}

func (r *recorder) stage(ctx context.Context, state State, appointmentID, outcome string, detail map[string]any) {
	ev := StageEvent{
		Stage:         state,
		At:            r.now(),
		AppointmentID: appointmentID,
		Outcome:       outcome,
		Detail:        detail,
	}
	r.timeline = append(r.timeline, ev)

	kv := []any{"stage", state}
	if appointmentID != "" {
		kv = append(kv, "appointment_id", appointmentID)
	}
	if outcome != "" {
		kv = append(kv, "outcome", outcome)
	}
	for k, v := range detail {
		kv = append(kv, k, v)
	}
	r.log.Info("workflow stage", kv...)

	trace.SpanFromContext(ctx).AddEvent(string(state), trace.WithAttributes(
		attribute.String("appointment_id", appointmentID),
		attribute.String("outcome", outcome),
	))

	r.logEvent(ctx, EventStage, appointmentID, ev)
}

// logEvent persists an event. Failures are logged and never interrupt a run.
func (r *recorder) logEvent(ctx context.Context, eventType, appointmentID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("failed to marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	ev := records.EventLog{
		RunID:     r.runID,
		EventType: eventType,
		Payload:   data,
		CreatedAt: r.now(),
	}
	if appointmentID != "" {
		id := appointmentID
		ev.AppointmentID = &id
	}

	if err := r.repo.InsertEvent(ctx, ev); err != nil {
		r.log.Warn("failed to insert event log", "event_type", eventType, "appointment_id", appointmentID, "error", err)
	}
}

// finalize fills counts and sorts assignments by appointment id.
func (a *AuditLog) finalize(timeline []StageEvent, at time.Time) {
	sort.Slice(a.Assignments, func(i, j int) bool {
		return a.Assignments[i].AppointmentID < a.Assignments[j].AppointmentID
	})
	sort.Slice(a.Skipped, func(i, j int) bool {
		return a.Skipped[i].AppointmentID < a.Skipped[j].AppointmentID
	})

	c := Counts{
		Skipped:         len(a.Skipped),
		BookingFailures: len(a.BookingFailures),
	}
	for _, as := range a.Assignments {
		switch as.Outcome {
		case OutcomeAssigned:
			c.Assigned++
		case OutcomeNeedsReview:
			c.NeedsReview++
		case OutcomeWaitlisted:
			c.Waitlisted++
		}
		if as.Source == SourceGapFill {
			c.GapFilled++
		}
	}
	c.Affected = len(a.Assignments) + len(a.Skipped)
	a.Counts = c
	if a.Assignments == nil {
		a.Assignments = []Assignment{}
	}
	a.Timeline = timeline
	a.CompletedAt = at
}
