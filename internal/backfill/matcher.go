// Package backfill fills vacated slots from the waitlist. Matching is greedy
// and single pass: each slot goes to the highest no-show-risk willing patient
// of the same specialty, with no look-ahead across slots.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/notify"
	"github.com/hackgods/appointment-reassignment/internal/records"
)

const (
	DefaultMinRisk = 0.6
	// SlotValueUSD is the revenue attributed to one backfilled slot.
	SlotValueUSD = 120
)

type Status string

const (
	StatusBackfilled Status = "BACKFILLED"
	StatusNoMatches  Status = "NO_MATCHES"
)

// SlotSpec describes a slot that was just vacated.
type SlotSpec struct {
	ProviderID      string
	Date            string
	Time            string
	DurationMinutes int
	Specialty       string
	Location        string
	Reason          string
}

type Result struct {
	Status      Status                 `json:"status"`
	SlotID      string                 `json:"slot_id"`
	Candidates  int                    `json:"candidates"`
	Reason      string                 `json:"reason,omitempty"`
	Entry       *records.WaitlistEntry `json:"waitlist_entry,omitempty"`
	Appointment *records.Appointment   `json:"appointment,omitempty"`
}

type Metrics struct {
	TotalFreedSlots  int     `json:"total_freed_slots"`
	AvailableSlots   int     `json:"available_slots"`
	BackfilledSlots  int     `json:"backfilled_slots"`
	FillRate         float64 `json:"fill_rate"`
	RevenuePreserved int     `json:"revenue_preserved_usd"`
}

type SweepReport struct {
	Checked    int `json:"checked"`
	Backfilled int `json:"backfilled"`
}

type Matcher struct {
	repo    records.Repository
	sink    notify.Sink
	log     *logger.Logger
	minRisk float64
	now     func() time.Time
	newID   func() string
}

// NewMatcher builds a matcher. sink may be nil, in which case backfilled
// patients are not notified.
func NewMatcher(repo records.Repository, sink notify.Sink, log *logger.Logger, minRisk float64) *Matcher {
	if minRisk <= 0 {
		minRisk = DefaultMinRisk
	}
	return &Matcher{
		repo:    repo,
		sink:    sink,
		log:     log.With("component", "backfill"),
		minRisk: minRisk,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// HandleSlotFreed records the vacated slot and tries to fill it at once.
// excludePatientID keeps the displaced patient from taking back their own
// slot.
func (m *Matcher) HandleSlotFreed(ctx context.Context, spec SlotSpec, excludePatientID string) (*Result, error) {
	slot := records.FreedSlot{
		ID:              "SLOT-" + m.newID(),
		ProviderID:      spec.ProviderID,
		Date:            spec.Date,
		Time:            spec.Time,
		DurationMinutes: spec.DurationMinutes,
		Specialty:       spec.Specialty,
		Location:        spec.Location,
		Status:          records.SlotAvailable,
		Reason:          spec.Reason,
		FreedAt:         m.now(),
	}
	if err := m.repo.CreateFreedSlot(ctx, slot); err != nil {
		return nil, fmt.Errorf("create freed slot: %w", err)
	}
	m.log.Info("slot freed", "slot_id", slot.ID, "provider_id", slot.ProviderID, "date", slot.Date, "time", slot.Time)
	return m.Match(ctx, slot, excludePatientID)
}

// Candidates returns the waitlist entries eligible for slot, best first.
func (m *Matcher) Candidates(ctx context.Context, slot records.FreedSlot, excludePatientID string) ([]records.WaitlistEntry, error) {
	entries, err := m.repo.ListWaitlist(ctx, records.WaitlistFilter{MinRisk: m.minRisk, WillingOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list waitlist: %w", err)
	}
	want := strings.TrimSpace(slot.Specialty)
	out := entries[:0]
	for _, e := range entries {
		if excludePatientID != "" && e.PatientID == excludePatientID {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(e.RequestedSpecialty), want) {
			continue
		}
		out = append(out, e)
	}
	// entries arrive in insertion order, which breaks risk ties
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NoShowRisk > out[j].NoShowRisk
	})
	return out, nil
}

// slotClosed reports why the slot's provider cannot see patients on the
// slot's date. Slots of providers missing from the store are not checked.
func (m *Matcher) slotClosed(ctx context.Context, slot records.FreedSlot) (string, error) {
	p, err := m.repo.GetProvider(ctx, slot.ProviderID)
	if errors.Is(err, records.ErrProviderNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load slot provider: %w", err)
	}
	if p.Status != records.ProviderActive {
		return "provider " + string(p.Status), nil
	}
	if p.UnavailableOn(slot.Date) {
		return "provider unavailable on " + slot.Date, nil
	}
	return "", nil
}

// Match fills an available slot with the best waitlist candidate. A slot
// with no candidate, or whose provider is inactive or unavailable that day,
// stays available.
func (m *Matcher) Match(ctx context.Context, slot records.FreedSlot, excludePatientID string) (*Result, error) {
	if slot.Status != records.SlotAvailable {
		return nil, records.ErrSlotAlreadyBackfilled
	}
	closed, err := m.slotClosed(ctx, slot)
	if err != nil {
		return nil, err
	}
	if closed != "" {
		m.log.Info("slot provider cannot take bookings", "slot_id", slot.ID, "provider_id", slot.ProviderID, "reason", closed)
		return &Result{Status: StatusNoMatches, SlotID: slot.ID, Reason: closed}, nil
	}
	candidates, err := m.Candidates(ctx, slot, excludePatientID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		m.log.Info("no waitlist match", "slot_id", slot.ID, "specialty", slot.Specialty)
		return &Result{Status: StatusNoMatches, SlotID: slot.ID}, nil
	}

	entry := candidates[0]
	apptID := "APT-" + m.newID()
	appt := records.Appointment{
		ID:                 apptID,
		PatientID:          entry.PatientID,
		ProviderID:         slot.ProviderID,
		Date:               slot.Date,
		Time:               slot.Time,
		Status:             records.StatusScheduled,
		MatchReasoning:     fmt.Sprintf("backfilled from waitlist (no-show risk %.0f%%)", entry.NoShowRisk*100),
		ConfirmationNumber: "BACKFILL-" + apptID,
	}
	if err := m.repo.UpsertAppointment(ctx, appt); err != nil {
		return nil, fmt.Errorf("book backfill appointment: %w", err)
	}

	_, err = m.repo.MarkSlotBackfilled(ctx, slot.ID, records.BackfilledWith{
		PatientID:     entry.PatientID,
		AppointmentID: appt.ID,
	}, m.now())
	if err != nil {
		// someone else filled it first; release the booking
		appt.Status = records.StatusCancelled
		if cerr := m.repo.UpsertAppointment(ctx, appt); cerr != nil {
			m.log.Error("releasing backfill booking failed", "appointment_id", appt.ID, "error", cerr)
		}
		return nil, fmt.Errorf("mark slot backfilled: %w", err)
	}

	if err := m.repo.DeleteWaitlistEntry(ctx, entry.ID); err != nil && !errors.Is(err, records.ErrWaitlistEntryNotFound) {
		m.log.Warn("removing waitlist entry failed", "waitlist_id", entry.ID, "error", err)
	}

	m.notify(ctx, appt)
	m.log.Info("slot backfilled",
		"slot_id", slot.ID,
		"appointment_id", appt.ID,
		"patient_id", entry.PatientID,
		"no_show_risk", entry.NoShowRisk,
	)
	return &Result{
		Status:      StatusBackfilled,
		SlotID:      slot.ID,
		Candidates:  len(candidates),
		Entry:       &entry,
		Appointment: &appt,
	}, nil
}

func (m *Matcher) notify(ctx context.Context, appt records.Appointment) {
	if m.sink == nil {
		return
	}
	_, err := m.sink.Send(ctx, notify.Notification{
		Kind:          notify.KindBackfill,
		PatientID:     appt.PatientID,
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		Date:          appt.Date,
		Time:          appt.Time,
		Message:       notify.BackfillMessage(appt.Date, appt.Time, appt.ConfirmationNumber),
	})
	if err != nil {
		m.log.Warn("backfill notification failed", "appointment_id", appt.ID, "error", err)
	}
}

// Sweep retries every slot that is still available. A failure on one slot is
// logged and the sweep moves on.
func (m *Matcher) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	slots, err := m.repo.ListFreedSlots(ctx, records.FreedSlotFilter{Status: records.SlotAvailable})
	if err != nil {
		return report, fmt.Errorf("list freed slots: %w", err)
	}
	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		res, err := m.Match(ctx, slot, "")
		if err != nil {
			m.log.Warn("sweep match failed", "slot_id", slot.ID, "error", err)
			continue
		}
		if res.Status == StatusBackfilled {
			report.Backfilled++
		}
	}
	return report, nil
}

func (m *Matcher) Metrics(ctx context.Context) (Metrics, error) {
	slots, err := m.repo.ListFreedSlots(ctx, records.FreedSlotFilter{})
	if err != nil {
		return Metrics{}, fmt.Errorf("list freed slots: %w", err)
	}
	var out Metrics
	for _, s := range slots {
		switch s.Status {
		case records.SlotAvailable:
			out.AvailableSlots++
		case records.SlotBackfilled:
			out.BackfilledSlots++
		}
	}
	out.TotalFreedSlots = out.AvailableSlots + out.BackfilledSlots
	if out.TotalFreedSlots > 0 {
		out.FillRate = float64(out.BackfilledSlots) / float64(out.TotalFreedSlots)
	}
	out.RevenuePreserved = out.BackfilledSlots * SlotValueUSD
	return out, nil
}
