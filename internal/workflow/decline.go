package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/appointment-reassignment/internal/backfill"
	"github.com/hackgods/appointment-reassignment/internal/consent"
	"github.com/hackgods/appointment-reassignment/internal/matching"
	"github.com/hackgods/appointment-reassignment/internal/records"
)

type OfferRecord struct {
	OfferID    string           `json:"offer_id"`
	ProviderID string           `json:"provider_id"`
	Score      int              `json:"score"`
	Response   consent.Response `json:"response"`
}

// DeclineOutcome reports how a declined appointment was resolved. FinalState
// is BOOK, HOD_FALLBACK or MANUAL_REVIEW.
type DeclineOutcome struct {
	RunID         string               `json:"run_id"`
	AppointmentID string               `json:"appointment_id"`
	PatientID     string               `json:"patient_id"`
	FinalState    State                `json:"final_state"`
	Reason        string               `json:"reason,omitempty"`
	AssignedTo    *string              `json:"assigned_to"`
	Appointment   *records.Appointment `json:"appointment,omitempty"`
	Offers        []OfferRecord        `json:"offers"`
	WaitlistID    string               `json:"waitlist_id,omitempty"`
	Backfill      *backfill.Result     `json:"backfill,omitempty"`
	Timeline      []StageEvent         `json:"timeline"`
}

type CancelOutcome struct {
	RunID         string           `json:"run_id"`
	AppointmentID string           `json:"appointment_id"`
	WaitlistID    string           `json:"waitlist_id,omitempty"`
	Backfill      *backfill.Result `json:"backfill,omitempty"`
}

func ensureOpen(appt *records.Appointment) error {
	if appt.Status == records.StatusCancelled {
		return fmt.Errorf("%w: appointment %s is cancelled", ErrInvalidTransition, appt.ID)
	}
	return nil
}

// HandleDecline resolves a patient declining their assigned provider. The
// declined booking counts as the first offer; further ranked candidates are
// offered until one accepts or the offer cap is reached. With candidates
// exhausted the head of department takes the appointment without consent.
func (e *Engine) HandleDecline(ctx context.Context, appointmentID string) (*DeclineOutcome, error) {
	appt, err := e.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if err := ensureOpen(appt); err != nil {
		return nil, err
	}
	patient, err := e.repo.GetPatient(ctx, appt.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	declined, err := e.repo.GetProvider(ctx, appt.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}

	runID := e.newID()
	rec := e.newRecorder(runID)
	defer e.flushTraces()
	ctx, span := rec.span(ctx, StateNextCandidate, attribute.String("appointment_id", appt.ID))
	defer span.End()

	out := &DeclineOutcome{RunID: runID, AppointmentID: appt.ID, PatientID: patient.ID, Offers: []OfferRecord{}}
	finish := func(state State, reason string) (*DeclineOutcome, error) {
		out.FinalState = state
		out.Reason = reason
		rec.stage(ctx, state, appt.ID, reason, nil)
		out.Timeline = rec.timeline
		return out, nil
	}

	// vacate the declined slot first so it can be backfilled
	entry, res, err := e.vacate(ctx, *appt, *patient, *declined, records.PriorityHigh, "patient declined "+declined.ID)
	if err != nil {
		return nil, err
	}
	out.WaitlistID = entry.ID
	out.Backfill = res
	detail := map[string]any{"provider_id": declined.ID, "waitlist_id": entry.ID}
	if res != nil {
		detail["backfill"] = string(res.Status)
	}
	rec.stage(ctx, StateWaitlist, appt.ID, "declined", detail)

	originalID := appt.OriginalProviderID
	if originalID == "" {
		originalID = appt.ProviderID
	}
	var original *records.Provider
	if p, err := e.repo.GetProvider(ctx, originalID); err == nil {
		original = p
	}

	ranked, err := e.rankFor(ctx, patient, appt, original)
	if err != nil {
		return nil, err
	}

	tried := map[string]bool{declined.ID: true, originalID: true}
	offers := 1
	for _, s := range ranked {
		if tried[s.ProviderID] {
			continue
		}
		if offers >= e.cfg.MaxOffers {
			return finish(StateManualReview, fmt.Sprintf("offer limit of %d reached", e.cfg.MaxOffers))
		}
		tried[s.ProviderID] = true
		offers++

		candidate, err := e.repo.GetProvider(ctx, s.ProviderID)
		if err != nil {
			e.log.Warn("candidate vanished", "provider_id", s.ProviderID, "error", err)
			continue
		}
		proposed := *appt
		proposed.ProviderID = candidate.ID

		resp, offer := e.consent.Request(ctx, proposed, *candidate)
		out.Offers = append(out.Offers, OfferRecord{OfferID: offer.ID, ProviderID: candidate.ID, Score: s.Total, Response: resp})
		rec.logEvent(ctx, EventOfferResolved, appt.ID, out.Offers[len(out.Offers)-1])
		rec.stage(ctx, StateNextCandidate, appt.ID, string(resp), map[string]any{"provider_id": candidate.ID, "offer": offers})

		switch resp {
		case consent.Accept:
			booked, err := e.rebook(ctx, *appt, *candidate, records.StatusConfirmed, s, entry.ID)
			if err != nil {
				return finish(StateManualReview, err.Error())
			}
			out.Appointment = booked
			out.AssignedTo = &booked.ProviderID
			out.WaitlistID = ""
			return finish(StateBook, "accepted")
		case consent.Decline:
			continue
		default:
			return finish(StateManualReview, "no response to offer")
		}
	}

	// the head of department is only an option while offers remain
	if offers >= e.cfg.MaxOffers {
		return finish(StateManualReview, fmt.Sprintf("offer limit of %d reached", e.cfg.MaxOffers))
	}
	hod, err := e.headOfDepartment(ctx, appt.Date, tried)
	if err != nil {
		return finish(StateManualReview, err.Error())
	}
	score := e.scorer.Score(matching.Input{Patient: patient, Candidate: hod, Appointment: appt, Original: original})
	booked, err := e.rebook(ctx, *appt, *hod, records.StatusNeedsReview, score, entry.ID)
	if err != nil {
		return finish(StateManualReview, err.Error())
	}
	out.Appointment = booked
	out.AssignedTo = &booked.ProviderID
	out.WaitlistID = ""
	return finish(StateHODFallback, "candidates exhausted, assigned to head of department")
}

// rankFor filters the roster for one appointment and ranks the survivors.
func (e *Engine) rankFor(ctx context.Context, patient *records.Patient, appt *records.Appointment, original *records.Provider) ([]matching.Score, error) {
	exclude := ""
	if original != nil {
		exclude = original.ID
	}
	roster, err := e.roster(ctx, exclude)
	if err != nil {
		return nil, err
	}
	res := matching.Filter(patient, appt, roster)
	return e.scorer.Rank(matching.RankInput{
		Patient:     patient,
		Appointment: appt,
		Original:    original,
		Candidates:  res.Qualified,
	}), nil
}

var errNoHOD = errors.New("no head of department available")

// headOfDepartment returns the configured fallback provider, or the first
// provider flagged is_hod, provided it is active, free on date and untried.
func (e *Engine) headOfDepartment(ctx context.Context, date string, tried map[string]bool) (*records.Provider, error) {
	usable := func(p *records.Provider) bool {
		return p.Status == records.ProviderActive && !p.UnavailableOn(date) && !tried[p.ID]
	}
	if e.cfg.HODProviderID != "" {
		p, err := e.repo.GetProvider(ctx, e.cfg.HODProviderID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errNoHOD, err)
		}
		if !usable(p) {
			return nil, errNoHOD
		}
		return p, nil
	}
	all, err := e.repo.ListProviders(ctx, records.ProviderFilter{})
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	for i := range all {
		if all[i].IsHOD && usable(&all[i]) {
			return &all[i], nil
		}
	}
	return nil, errNoHOD
}

// rebook moves the appointment to provider with the given status and drops
// the waitlist entry created when it was vacated.
func (e *Engine) rebook(ctx context.Context, appt records.Appointment, provider records.Provider, status records.AppointmentStatus, s matching.Score, waitlistID string) (*records.Appointment, error) {
	if appt.OriginalProviderID == "" {
		appt.OriginalProviderID = appt.ProviderID
	}
	appt.ProviderID = provider.ID
	appt.Status = status
	total := s.Total
	appt.MatchScore = &total
	appt.MatchBreakdown = s.Breakdown
	if err := e.committer.Commit(ctx, appt); err != nil {
		return nil, err
	}
	if err := e.repo.DeleteWaitlistEntry(ctx, waitlistID); err != nil && !errors.Is(err, records.ErrWaitlistEntryNotFound) {
		e.log.Warn("removing waitlist entry failed", "waitlist_id", waitlistID, "error", err)
	}
	return &appt, nil
}

// Accept confirms a reassigned appointment.
func (e *Engine) Accept(ctx context.Context, appointmentID string) (*records.Appointment, error) {
	appt, err := e.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if err := ensureOpen(appt); err != nil {
		return nil, err
	}
	if appt.Status == records.StatusConfirmed {
		return appt, nil
	}
	appt.Status = records.StatusConfirmed
	if err := e.committer.Commit(ctx, *appt); err != nil {
		return nil, err
	}

	rec := e.newRecorder(e.newID())
	rec.stage(ctx, StateBook, appt.ID, "accepted", map[string]any{"provider_id": appt.ProviderID})
	return appt, nil
}

// Cancel cancels a booking, waitlists the patient with HIGH priority and
// tries to backfill the slot.
func (e *Engine) Cancel(ctx context.Context, appointmentID, reason string) (*CancelOutcome, error) {
	appt, err := e.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if err := ensureOpen(appt); err != nil {
		return nil, err
	}
	patient, err := e.repo.GetPatient(ctx, appt.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	provider, err := e.repo.GetProvider(ctx, appt.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}
	if reason == "" {
		reason = "cancelled"
	}

	runID := e.newID()
	rec := e.newRecorder(runID)
	entry, res, err := e.vacate(ctx, *appt, *patient, *provider, records.PriorityHigh, reason)
	if err != nil {
		return nil, err
	}
	detail := map[string]any{"waitlist_id": entry.ID}
	if res != nil {
		detail["backfill"] = string(res.Status)
	}
	rec.stage(ctx, StateWaitlist, appt.ID, "cancelled", detail)
	return &CancelOutcome{RunID: runID, AppointmentID: appt.ID, WaitlistID: entry.ID, Backfill: res}, nil
}
