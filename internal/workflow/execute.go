package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/hackgods/appointment-reassignment/internal/backfill"
	"github.com/hackgods/appointment-reassignment/internal/decision"
	"github.com/hackgods/appointment-reassignment/internal/notify"
	"github.com/hackgods/appointment-reassignment/internal/records"
)

// Waitlist entries from a run get HIGH priority when the best score was
// below this.
const highPriorityBelow = 40

// execute applies every decision in appointment id order.
func (e *Engine) execute(ctx context.Context, rec *recorder, audit *AuditLog, bundle *decision.CaseBundle, decisions map[string]decided) {
	ctx, span := rec.span(ctx, StateBook)
	defer span.End()

	notified := make(map[string]bool, len(bundle.Cases))
	for i := range bundle.Cases {
		c := &bundle.Cases[i]
		a := e.apply(ctx, rec, audit, bundle, c, decisions[c.Appointment.ID], notified)
		audit.Assignments = append(audit.Assignments, a)
		rec.logEvent(ctx, EventAssignmentApplied, a.AppointmentID, a)
	}
}

func (e *Engine) apply(ctx context.Context, rec *recorder, audit *AuditLog, bundle *decision.CaseBundle, c *decision.Case, dd decided, notified map[string]bool) Assignment {
	d := dd.d
	a := Assignment{
		AppointmentID:      c.Appointment.ID,
		PatientID:          c.Patient.ID,
		OriginalProviderID: c.Appointment.ProviderID,
		Action:             d.Action,
		Quality:            d.MatchQuality,
		Factors:            d.MatchFactors,
		Reasoning:          d.Reasoning,
		Source:             dd.source,
	}
	if d.MatchScore != nil {
		a.Score = *d.MatchScore
	}

	if d.Action == decision.ActionWaitlist || d.AssignedTo == nil {
		e.toWaitlist(ctx, rec, &a, c, bundle.UnavailableProvider, d.Reasoning)
		return a
	}

	provider, _ := bundle.Provider(*d.AssignedTo)
	appt := c.Appointment
	if appt.OriginalProviderID == "" {
		appt.OriginalProviderID = appt.ProviderID
	}
	appt.ProviderID = provider.ID
	appt.Status = records.StatusRescheduled
	if d.Action == decision.ActionAssignReview {
		appt.Status = records.StatusNeedsReview
	}
	score := a.Score
	appt.MatchScore = &score
	appt.MatchBreakdown = d.MatchFactors
	appt.MatchReasoning = d.Reasoning

	if err := e.committer.Commit(ctx, appt); err != nil {
		audit.BookingFailures = append(audit.BookingFailures, BookingFailure{
			AppointmentID: appt.ID,
			ProviderID:    provider.ID,
			Error:         err.Error(),
		})
		rec.logEvent(ctx, EventBookingFailed, appt.ID, map[string]any{"provider_id": provider.ID, "error": err.Error()})
		rec.stage(ctx, StateBook, appt.ID, "commit failed", map[string]any{"provider_id": provider.ID})

		a.Error = err.Error()
		a.Reasoning = fmt.Sprintf("booking with %s failed; %s", provider.ID, d.Reasoning)
		e.toWaitlist(ctx, rec, &a, c, bundle.UnavailableProvider, a.Reasoning)
		return a
	}

	id := provider.ID
	a.AssignedTo = &id
	if d.Action == decision.ActionAssignReview {
		// a human contacts the patient; no notification
		a.Outcome = OutcomeNeedsReview
		rec.stage(ctx, StateBook, appt.ID, string(OutcomeNeedsReview), map[string]any{"provider_id": provider.ID, "score": a.Score})
		return a
	}

	a.Outcome = OutcomeAssigned
	a.NotificationID = e.notifyOnce(ctx, notified, appt, *provider, a.Score)
	rec.stage(ctx, StateBook, appt.ID, string(OutcomeAssigned), map[string]any{"provider_id": provider.ID, "score": a.Score})
	return a
}

// notifyOnce sends the reassignment notice unless this appointment was
// already notified in the current run. Failures are logged only.
func (e *Engine) notifyOnce(ctx context.Context, notified map[string]bool, appt records.Appointment, provider records.Provider, score int) string {
	if notified[appt.ID] {
		return ""
	}
	notified[appt.ID] = true

	id, err := e.sink.Send(ctx, notify.Notification{
		Kind:          notify.KindReassigned,
		PatientID:     appt.PatientID,
		AppointmentID: appt.ID,
		ProviderID:    provider.ID,
		Date:          appt.Date,
		Time:          appt.Time,
		Score:         score,
		Message:       notify.ReassignedMessage(provider.Name, appt.Date, appt.Time),
	})
	if err != nil {
		e.log.Warn("notification failed", "appointment_id", appt.ID, "patient_id", appt.PatientID, "error", err)
		return ""
	}
	return id
}

func (e *Engine) toWaitlist(ctx context.Context, rec *recorder, a *Assignment, c *decision.Case, slotProvider records.Provider, reason string) {
	priority := records.PriorityMedium
	if a.Score < highPriorityBelow {
		priority = records.PriorityHigh
	}

	a.Action = decision.ActionWaitlist
	a.AssignedTo = nil
	a.Outcome = OutcomeWaitlisted

	entry, res, err := e.vacate(ctx, c.Appointment, c.Patient, slotProvider, priority, reason)
	if err != nil {
		e.log.Error("waitlisting failed", "appointment_id", c.Appointment.ID, "error", err)
		a.Error = errors.Join(errorOf(a.Error), err).Error()
	}
	if entry != nil {
		a.WaitlistID = entry.ID
	}
	a.Backfill = res

	detail := map[string]any{"priority": string(priority)}
	if res != nil {
		detail["backfill"] = string(res.Status)
	}
	rec.stage(ctx, StateWaitlist, c.Appointment.ID, string(OutcomeWaitlisted), detail)
}

func errorOf(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

// vacate cancels the appointment, puts the patient on the waitlist and tries
// to backfill the freed slot. Backfill failures are logged, not returned.
func (e *Engine) vacate(ctx context.Context, appt records.Appointment, patient records.Patient, slotProvider records.Provider, priority records.WaitlistPriority, reason string) (*records.WaitlistEntry, *backfill.Result, error) {
	appt.Status = records.StatusCancelled
	if err := e.repo.UpsertAppointment(ctx, appt); err != nil {
		return nil, nil, fmt.Errorf("cancel appointment: %w", err)
	}

	apptID := appt.ID
	var times []string
	if patient.PreferredTimeBlock != "" {
		times = []string{patient.PreferredTimeBlock}
	}
	entry, err := e.repo.AddWaitlistEntry(ctx, records.WaitlistEntry{
		ID:                 "WL-" + e.newID(),
		PatientID:          patient.ID,
		RequestedSpecialty: patient.RequiredSpecialty,
		RequestedLocation:  patient.LocationCode,
		AvailabilityWindows: records.AvailabilityWindows{
			Days:  patient.PreferredDays,
			Times: times,
		},
		NoShowRisk:           patient.NoShowRisk,
		Priority:             priority,
		WillingToMoveUp:      true,
		CurrentAppointmentID: &apptID,
		Reason:               reason,
		AddedAt:              e.now(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("add waitlist entry: %w", err)
	}

	if e.backfill == nil {
		return entry, nil, nil
	}
	res, err := e.backfill.HandleSlotFreed(ctx, backfill.SlotSpec{
		ProviderID: slotProvider.ID,
		Date:       appt.Date,
		Time:       appt.Time,
		Specialty:  slotProvider.Specialty,
		Location:   slotProvider.LocationCode,
		Reason:     reason,
	}, patient.ID)
	if err != nil {
		e.log.Warn("backfill attempt failed", "appointment_id", appt.ID, "error", err)
		return entry, nil, nil
	}
	return entry, res, nil
}
