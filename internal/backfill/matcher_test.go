package backfill

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/notify"
	"github.com/hackgods/appointment-reassignment/internal/records"
)

type recordingSink struct {
	sent []notify.Notification
}

func (s *recordingSink) Send(_ context.Context, n notify.Notification) (string, error) {
	s.sent = append(s.sent, n)
	return "m", nil
}

func waitlistEntry(id, patient, specialty string, risk float64, willing bool) records.WaitlistEntry {
	return records.WaitlistEntry{
		ID:                 id,
		PatientID:          patient,
		RequestedSpecialty: specialty,
		NoShowRisk:         risk,
		WillingToMoveUp:    willing,
	}
}

func newFixture(t *testing.T, entries ...records.WaitlistEntry) (*Matcher, *records.MemoryRepository, *recordingSink) {
	t.Helper()
	repo := records.NewMemoryRepository()
	ctx := context.Background()
	for _, e := range entries {
		_, err := repo.AddWaitlistEntry(ctx, e)
		require.NoError(t, err)
	}
	sink := &recordingSink{}
	return NewMatcher(repo, sink, logger.Nop(), DefaultMinRisk), repo, sink
}

var ptSlot = SlotSpec{
	ProviderID: "D1",
	Date:       "2025-11-20",
	Time:       "10:00",
	Specialty:  "Physical Therapy",
	Location:   "Downtown",
	Reason:     "patient declined",
}

func TestHighestRiskWins(t *testing.T) {
	m, repo, sink := newFixture(t,
		waitlistEntry("W1", "P1", "Physical Therapy", 0.4, true),
		waitlistEntry("W2", "P2", "Physical Therapy", 0.85, true),
	)
	ctx := context.Background()

	res, err := m.HandleSlotFreed(ctx, ptSlot, "")
	require.NoError(t, err)
	require.Equal(t, StatusBackfilled, res.Status)
	assert.Equal(t, "W2", res.Entry.ID)
	assert.Equal(t, "P2", res.Appointment.PatientID)
	assert.Equal(t, records.StatusScheduled, res.Appointment.Status)
	assert.Equal(t, "BACKFILL-"+res.Appointment.ID, res.Appointment.ConfirmationNumber)

	slot, err := repo.GetFreedSlot(ctx, res.SlotID)
	require.NoError(t, err)
	assert.Equal(t, records.SlotBackfilled, slot.Status)
	require.NotNil(t, slot.BackfilledWith)
	assert.Equal(t, "P2", slot.BackfilledWith.PatientID)
	assert.Equal(t, res.Appointment.ID, slot.BackfilledWith.AppointmentID)
	assert.NotNil(t, slot.BackfilledAt)

	left, err := repo.ListWaitlist(ctx, records.WaitlistFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "W1", left[0].ID)

	booked, err := repo.GetAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, "D1", booked.ProviderID)

	require.Len(t, sink.sent, 1)
	assert.Equal(t, notify.KindBackfill, sink.sent[0].Kind)
}

func TestRiskTiesKeepInsertionOrder(t *testing.T) {
	m, _, _ := newFixture(t,
		waitlistEntry("W-late-name", "P1", "physical therapy", 0.7, true),
		waitlistEntry("W-a", "P2", "Physical Therapy", 0.7, true),
	)
	res, err := m.HandleSlotFreed(context.Background(), ptSlot, "")
	require.NoError(t, err)
	assert.Equal(t, "W-late-name", res.Entry.ID)
}

func TestIneligibleEntriesSkipped(t *testing.T) {
	m, repo, _ := newFixture(t,
		waitlistEntry("W1", "P1", "Physical Therapy", 0.9, false),
		waitlistEntry("W2", "P2", "Cardiology", 0.95, true),
		waitlistEntry("W3", "P3", "Physical Therapy", 0.99, true),
		waitlistEntry("W4", "P4", "Physical Therapy", 0.59, true),
	)
	ctx := context.Background()

	res, err := m.HandleSlotFreed(ctx, ptSlot, "P3")
	require.NoError(t, err)
	assert.Equal(t, StatusNoMatches, res.Status)
	assert.Nil(t, res.Entry)

	slot, err := repo.GetFreedSlot(ctx, res.SlotID)
	require.NoError(t, err)
	assert.Equal(t, records.SlotAvailable, slot.Status)
	assert.Equal(t, 60, slot.DurationMinutes)
}

func TestEmptyWaitlistLeavesSlotAvailable(t *testing.T) {
	m, repo, sink := newFixture(t)
	res, err := m.HandleSlotFreed(context.Background(), ptSlot, "")
	require.NoError(t, err)
	assert.Equal(t, StatusNoMatches, res.Status)

	slots, err := repo.ListFreedSlots(context.Background(), records.FreedSlotFilter{Status: records.SlotAvailable})
	require.NoError(t, err)
	assert.Len(t, slots, 1)
	assert.Empty(t, sink.sent)
}

func TestMatchRejectsFilledSlot(t *testing.T) {
	m, _, _ := newFixture(t, waitlistEntry("W1", "P1", "Physical Therapy", 0.9, true))
	_, err := m.Match(context.Background(), records.FreedSlot{ID: "S1", Status: records.SlotBackfilled}, "")
	assert.ErrorIs(t, err, records.ErrSlotAlreadyBackfilled)
}

func TestSweepFillsWaitingSlots(t *testing.T) {
	m, repo, _ := newFixture(t)
	ctx := context.Background()

	first, err := m.HandleSlotFreed(ctx, ptSlot, "")
	require.NoError(t, err)
	require.Equal(t, StatusNoMatches, first.Status)

	cardio := ptSlot
	cardio.Specialty = "Cardiology"
	_, err = m.HandleSlotFreed(ctx, cardio, "")
	require.NoError(t, err)

	_, err = repo.AddWaitlistEntry(ctx, waitlistEntry("W9", "P9", "Physical Therapy", 0.8, true))
	require.NoError(t, err)

	report, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Checked: 2, Backfilled: 1}, report)

	metrics, err := m.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.TotalFreedSlots)
	assert.Equal(t, 1, metrics.BackfilledSlots)
	assert.Equal(t, 1, metrics.AvailableSlots)
	assert.InDelta(t, 0.5, metrics.FillRate, 1e-9)
	assert.Equal(t, SlotValueUSD, metrics.RevenuePreserved)
}

func TestMetricsEmpty(t *testing.T) {
	m, _, _ := newFixture(t)
	metrics, err := m.Metrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, metrics.FillRate)
	assert.Zero(t, metrics.TotalFreedSlots)
}

func TestSlotOfUnavailableProviderStaysOpen(t *testing.T) {
	m, repo, sink := newFixture(t, waitlistEntry("W1", "P1", "Physical Therapy", 0.9, true))
	ctx := context.Background()
	require.NoError(t, repo.UpsertProvider(ctx, records.Provider{
		ID: "D1", Specialty: "Physical Therapy", Status: records.ProviderActive,
		UnavailableDates: []string{ptSlot.Date},
	}))

	res, err := m.HandleSlotFreed(ctx, ptSlot, "")
	require.NoError(t, err)
	assert.Equal(t, StatusNoMatches, res.Status)
	assert.Contains(t, res.Reason, "unavailable on "+ptSlot.Date)
	assert.Empty(t, sink.sent)

	slot, err := repo.GetFreedSlot(ctx, res.SlotID)
	require.NoError(t, err)
	assert.Equal(t, records.SlotAvailable, slot.Status)

	left, err := repo.ListWaitlist(ctx, records.WaitlistFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 1)

	report, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Checked: 1}, report)
}

func TestSlotOfDepartedProviderStaysOpen(t *testing.T) {
	m, repo, _ := newFixture(t, waitlistEntry("W1", "P1", "Physical Therapy", 0.9, true))
	ctx := context.Background()
	require.NoError(t, repo.UpsertProvider(ctx, records.Provider{
		ID: "D1", Specialty: "Physical Therapy", Status: records.ProviderLeftOrganization,
	}))

	res, err := m.HandleSlotFreed(ctx, ptSlot, "")
	require.NoError(t, err)
	assert.Equal(t, StatusNoMatches, res.Status)
	assert.Equal(t, "provider left_organization", res.Reason)
}
