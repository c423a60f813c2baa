// Package workflow reassigns the appointments of an unavailable provider and
// handles the follow-up flows (decline, accept, cancel) for single
// appointments.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/appointment-reassignment/internal/backfill"
	"github.com/hackgods/appointment-reassignment/internal/consent"
	"github.com/hackgods/appointment-reassignment/internal/decision"
	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/matching"
	"github.com/hackgods/appointment-reassignment/internal/notify"
	"github.com/hackgods/appointment-reassignment/internal/observability"
	"github.com/hackgods/appointment-reassignment/internal/records"
	redisclient "github.com/hackgods/appointment-reassignment/internal/redis"
)

var (
	ErrInvalidEvent      = errors.New("invalid unavailability event")
	ErrBookingCommit     = errors.New("booking commit failed")
	ErrRunInProgress     = errors.New("a run for this provider is already in progress")
	ErrInvalidTransition = errors.New("appointment cannot make this transition")
)

type State string

const (
	StateTrigger       State = "TRIGGER"
	StateFilter        State = "FILTER"
	StateScore         State = "SCORE"
	StateDecide        State = "DECIDE"
	StateAssign        State = "ASSIGN"
	StateNextCandidate State = "NEXT_CANDIDATE"
	StateHODFallback   State = "HOD_FALLBACK"
	StateWaitlist      State = "WAITLIST"
	StateBook          State = "BOOK"
	StateAudit         State = "AUDIT"
	StateNoWorkNeeded  State = "NO_WORK_NEEDED"
	StateManualReview  State = "MANUAL_REVIEW"
)

// Event reports a provider unavailable over an inclusive date range.
type Event struct {
	ProviderID string `json:"provider_id"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	Reason     string `json:"reason,omitempty"`
}

func (ev Event) dates() ([]string, error) {
	if ev.ProviderID == "" {
		return nil, fmt.Errorf("%w: provider_id is required", ErrInvalidEvent)
	}
	start, err := time.Parse(records.DateLayout, ev.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: start_date %q", ErrInvalidEvent, ev.StartDate)
	}
	end, err := time.Parse(records.DateLayout, ev.EndDate)
	if err != nil {
		return nil, fmt.Errorf("%w: end_date %q", ErrInvalidEvent, ev.EndDate)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end_date before start_date", ErrInvalidEvent)
	}
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(records.DateLayout))
	}
	return out, nil
}

type Config struct {
	DecisionTimeout time.Duration
	MaxOffers       int
	// HODProviderID names the fallback provider; when empty the first active
	// provider flagged is_hod is used.
	HODProviderID string
}

func DefaultConfig() Config {
	return Config{DecisionTimeout: 120 * time.Second, MaxOffers: 3}
}

// Deps are the collaborators of an Engine. Decision, Locker, Backfill and
// Tracing are optional.
type Deps struct {
	Repo      records.Repository
	Scorer    *matching.Engine
	Decision  decision.Provider
	Consent   *consent.Coordinator
	Backfill  *backfill.Matcher
	Sink      notify.Sink
	Committer BookingCommitter
	Locker    redisclient.Locker
	Tracing   *observability.Tracing
	Log       *logger.Logger
}

type Engine struct {
	repo      records.Repository
	scorer    *matching.Engine
	provider  decision.Provider
	fallback  *decision.RuleBasedProvider
	consent   *consent.Coordinator
	backfill  *backfill.Matcher
	sink      notify.Sink
	committer BookingCommitter
	locker    redisclient.Locker
	tracing   *observability.Tracing
	log       *logger.Logger
	cfg       Config
	now       func() time.Time
	newID     func() string
}

func New(deps Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = def.DecisionTimeout
	}
	if cfg.MaxOffers <= 0 {
		cfg.MaxOffers = def.MaxOffers
	}
	scorer := deps.Scorer
	if scorer == nil {
		scorer = matching.NewEngine()
	}
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		repo:      deps.Repo,
		scorer:    scorer,
		provider:  deps.Decision,
		fallback:  decision.NewRuleBasedProvider(scorer),
		consent:   deps.Consent,
		backfill:  deps.Backfill,
		sink:      deps.Sink,
		committer: deps.Committer,
		locker:    deps.Locker,
		tracing:   deps.Tracing,
		log:       log.With("component", "workflow"),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	if e.provider == nil {
		e.provider = e.fallback
	}
	if e.committer == nil {
		e.committer = NewStoreCommitter(deps.Repo)
	}
	if e.sink == nil {
		e.sink = notify.NewLogSink(log)
	}
	if e.tracing == nil {
		e.tracing = observability.Noop()
	}
	if e.consent == nil {
		// nobody can answer offers, so every offer times out
		e.consent = consent.NewCoordinator(e.sink, consent.NewScriptedResponses(), 0, log)
	}
	return e
}

// Run reassigns every scheduled appointment of the event's provider in the
// date range. Once the event is valid and the provider is found, Run always
// returns a complete AuditLog; unit failures degrade to skips or waitlist
// entries.
func (e *Engine) Run(ctx context.Context, ev Event) (*AuditLog, error) {
	dates, err := ev.dates()
	if err != nil {
		return nil, err
	}
	if e.locker == nil {
		return e.run(ctx, ev, dates)
	}

	var audit *AuditLog
	err = e.locker.WithProviderLock(ctx, ev.ProviderID, func(lockCtx context.Context) error {
		var runErr error
		audit, runErr = e.run(lockCtx, ev, dates)
		return runErr
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, ErrRunInProgress
	}
	return audit, err
}

func (e *Engine) run(ctx context.Context, ev Event, dates []string) (*AuditLog, error) {
	runID := e.newID()
	rec := e.newRecorder(runID)
	defer e.flushTraces()

	ctx, span := rec.span(ctx, "run",
		attribute.String("provider_id", ev.ProviderID),
		attribute.String("start_date", ev.StartDate),
		attribute.String("end_date", ev.EndDate),
	)
	defer span.End()

	audit := &AuditLog{
		RunID:         runID,
		Event:         ev,
		StartedAt:     e.now(),
		DateRangeDays: len(dates),
	}
	rec.logEvent(ctx, EventRunStarted, "", ev)

	// TRIGGER
	original, appts, err := e.trigger(ctx, rec, ev, dates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(appts) == 0 {
		audit.FinalState = StateNoWorkNeeded
		rec.stage(ctx, StateNoWorkNeeded, "", "no scheduled appointments in range", nil)
		audit.finalize(rec.timeline, e.now())
		rec.logEvent(ctx, EventRunCompleted, "", audit.Counts)
		return audit, nil
	}

	// FILTER
	bundle, err := e.filter(ctx, rec, audit, ev, original, appts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if len(bundle.Cases) > 0 {
		// SCORE + DECIDE
		decided, err := e.decide(ctx, rec, audit, bundle)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		// ASSIGN / WAITLIST + BOOK
		e.execute(ctx, rec, audit, bundle, decided)
	}

	// AUDIT
	audit.FinalState = StateAudit
	audit.finalize(rec.timeline, e.now())
	rec.stage(ctx, StateAudit, "", "completed", map[string]any{
		"assigned":     audit.Counts.Assigned,
		"needs_review": audit.Counts.NeedsReview,
		"waitlisted":   audit.Counts.Waitlisted,
		"skipped":      audit.Counts.Skipped,
		"method":       audit.AssignmentMethod,
	})
	audit.Timeline = rec.timeline
	rec.logEvent(ctx, EventRunCompleted, "", audit.Counts)
	span.SetAttributes(
		attribute.String("assignment_method", audit.AssignmentMethod),
		attribute.Int("affected", audit.Counts.Affected),
	)
	return audit, nil
}

func (e *Engine) flushTraces() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.tracing.Flush(ctx); err != nil {
		e.log.Warn("flushing traces failed", "error", err)
	}
}

// trigger marks the provider unavailable for every date in range and
// collects its scheduled appointments there, sorted by id.
func (e *Engine) trigger(ctx context.Context, rec *recorder, ev Event, dates []string) (*records.Provider, []records.Appointment, error) {
	ctx, span := rec.span(ctx, StateTrigger, attribute.String("provider_id", ev.ProviderID))
	defer span.End()

	provider, err := e.repo.GetProvider(ctx, ev.ProviderID)
	if err != nil {
		return nil, nil, fmt.Errorf("load provider: %w", err)
	}

	closed := markUnavailable(provider, dates)
	if err := e.repo.UpsertProvider(ctx, *provider); err != nil {
		return nil, nil, fmt.Errorf("mark provider unavailable: %w", err)
	}

	appts, err := e.repo.ListAppointments(ctx, records.AppointmentFilter{
		ProviderID: ev.ProviderID,
		Status:     records.StatusScheduled,
		From:       ev.StartDate,
		To:         ev.EndDate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list affected appointments: %w", err)
	}

	rec.stage(ctx, StateTrigger, "", "provider marked unavailable", map[string]any{
		"provider_id":  ev.ProviderID,
		"dates":        len(dates),
		"slots_closed": closed,
		"affected":     len(appts),
	})
	return provider, appts, nil
}

// markUnavailable adds the dates to the provider's unavailable set and closes
// its slots on those dates. It returns the number of slots closed.
func markUnavailable(p *records.Provider, dates []string) int {
	for _, d := range dates {
		if !p.UnavailableOn(d) {
			p.UnavailableDates = append(p.UnavailableDates, d)
		}
	}
	closed := 0
	for i := range p.AvailableSlots {
		s := &p.AvailableSlots[i]
		if s.Available && p.UnavailableOn(s.Date) {
			s.Available = false
			closed++
		}
	}
	return closed
}

// filter loads each patient and applies the candidate filter against the
// roster. Appointments whose patient cannot be loaded become skipped units.
func (e *Engine) filter(ctx context.Context, rec *recorder, audit *AuditLog, ev Event, original *records.Provider, appts []records.Appointment) (*decision.CaseBundle, error) {
	ctx, span := rec.span(ctx, StateFilter, attribute.Int("appointments", len(appts)))
	defer span.End()

	roster, err := e.roster(ctx, original.ID)
	if err != nil {
		return nil, err
	}

	bundle := &decision.CaseBundle{
		UnavailableProvider: *original,
		StartDate:           ev.StartDate,
		EndDate:             ev.EndDate,
		Reason:              ev.Reason,
		ContinuitySlots:     original.OpenSlots(),
		ScoringRules:        e.scorer.Weights,
		Thresholds:          e.scorer.Thresholds,
	}

	qualifiedAny := map[string]bool{}
	for _, appt := range appts {
		patient, err := e.repo.GetPatient(ctx, appt.PatientID)
		if err != nil {
			reason := fmt.Sprintf("load patient %s: %v", appt.PatientID, err)
			audit.Skipped = append(audit.Skipped, SkippedUnit{AppointmentID: appt.ID, Reason: reason})
			rec.stage(ctx, StateFilter, appt.ID, "skipped", map[string]any{"reason": reason})
			rec.logEvent(ctx, EventUnitSkipped, appt.ID, map[string]any{"reason": reason})
			continue
		}

		res := matching.Filter(patient, &appt, roster)
		ids := make([]string, 0, len(res.Qualified))
		for _, p := range res.Qualified {
			ids = append(ids, p.ID)
			qualifiedAny[p.ID] = true
		}
		bundle.Cases = append(bundle.Cases, decision.Case{
			Appointment:          appt,
			Patient:              *patient,
			QualifiedProviderIDs: ids,
		})
		rec.stage(ctx, StateFilter, appt.ID, "filtered", map[string]any{
			"qualified":  len(res.Qualified),
			"eliminated": len(res.Eliminated),
		})
	}

	for _, p := range roster {
		if qualifiedAny[p.ID] {
			bundle.Providers = append(bundle.Providers, p)
		}
	}
	return bundle, nil
}

// roster is every provider except the excluded one, in insertion order.
func (e *Engine) roster(ctx context.Context, excludeID string) ([]records.Provider, error) {
	all, err := e.repo.ListProviders(ctx, records.ProviderFilter{})
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := make([]records.Provider, 0, len(all))
	for _, p := range all {
		if p.ID != excludeID {
			out = append(out, p)
		}
	}
	return out, nil
}
