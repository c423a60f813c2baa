package records

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertRejectsInvalidPatient(t *testing.T) {
	repo := NewMemoryRepository()
	err := repo.UpsertPatient(context.Background(), Patient{ID: "P1"})
	require.ErrorIs(t, err, ErrInvalidRecord)

	_, err = repo.GetPatient(context.Background(), "P1")
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestUpsertNormalizesRecords(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.UpsertPatient(ctx, Patient{
		ID:                "P1",
		RequiredSpecialty: "Orthopedics",
		PreferredDays:     []string{"monday", "SATURDAY"},
	}))
	p, err := repo.GetPatient(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, GenderAny, p.GenderPreference)
	assert.Equal(t, []string{"Monday", "Saturday"}, p.PreferredDays)

	require.NoError(t, repo.UpsertAppointment(ctx, Appointment{
		ID: "A1", PatientID: "P1", ProviderID: "D1", Date: "2025-11-20", Time: "2:30 PM",
	}))
	a, err := repo.GetAppointment(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "14:30", a.Time)
	assert.Equal(t, StatusScheduled, a.Status)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertProvider(ctx, Provider{
		ID: "D1", Specialty: "Cardiology", UnavailableDates: []string{"2025-11-20"},
	}))

	p, err := repo.GetProvider(ctx, "D1")
	require.NoError(t, err)
	p.UnavailableDates[0] = "2030-01-01"

	again, err := repo.GetProvider(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-11-20"}, again.UnavailableDates)
}

func TestListProvidersKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	for _, id := range []string{"D3", "D1", "D2"} {
		require.NoError(t, repo.UpsertProvider(ctx, Provider{ID: id, Specialty: "Cardiology"}))
	}
	// an update must not move the provider
	require.NoError(t, repo.UpsertProvider(ctx, Provider{ID: "D3", Specialty: "Neurology"}))

	list, err := repo.ListProviders(ctx, ProviderFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "D3", list[0].ID)
	assert.Equal(t, "D1", list[1].ID)
	assert.Equal(t, "D2", list[2].ID)
}

func TestListAppointmentsFilter(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	for _, a := range []Appointment{
		{ID: "A3", PatientID: "P1", ProviderID: "D1", Date: "2025-11-21", Time: "09:00"},
		{ID: "A1", PatientID: "P2", ProviderID: "D1", Date: "2025-11-20", Time: "10:00"},
		{ID: "A2", PatientID: "P3", ProviderID: "D2", Date: "2025-11-20", Time: "10:00"},
		{ID: "A4", PatientID: "P4", ProviderID: "D1", Date: "2025-11-25", Time: "10:00"},
		{ID: "A5", PatientID: "P5", ProviderID: "D1", Date: "2025-11-20", Time: "11:00", Status: StatusCancelled},
	} {
		require.NoError(t, repo.UpsertAppointment(ctx, a))
	}

	list, err := repo.ListAppointments(ctx, AppointmentFilter{
		ProviderID: "D1", Status: StatusScheduled, From: "2025-11-20", To: "2025-11-21",
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A1", list[0].ID)
	assert.Equal(t, "A3", list[1].ID)
}

func TestWaitlistSeqSurvivesUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	w1, err := repo.AddWaitlistEntry(ctx, WaitlistEntry{ID: "W1", PatientID: "P1", RequestedSpecialty: "PT", NoShowRisk: 0.7})
	require.NoError(t, err)
	_, err = repo.AddWaitlistEntry(ctx, WaitlistEntry{ID: "W2", PatientID: "P2", RequestedSpecialty: "PT", NoShowRisk: 0.3})
	require.NoError(t, err)
	again, err := repo.AddWaitlistEntry(ctx, WaitlistEntry{ID: "W1", PatientID: "P1", RequestedSpecialty: "PT", NoShowRisk: 0.8})
	require.NoError(t, err)
	assert.Equal(t, w1.Seq, again.Seq)

	list, err := repo.ListWaitlist(ctx, WaitlistFilter{MinRisk: 0.6})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "W1", list[0].ID)
	assert.Equal(t, PriorityMedium, list[0].Priority)

	require.NoError(t, repo.DeleteWaitlistEntry(ctx, "W1"))
	assert.ErrorIs(t, repo.DeleteWaitlistEntry(ctx, "W1"), ErrWaitlistEntryNotFound)
}

func TestMarkSlotBackfilledOnlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.CreateFreedSlot(ctx, FreedSlot{
		ID: "S1", ProviderID: "D1", Date: "2025-11-20", Time: "10:00", Specialty: "PT",
	}))

	at := time.Date(2025, 11, 19, 8, 0, 0, 0, time.UTC)
	slot, err := repo.MarkSlotBackfilled(ctx, "S1", BackfilledWith{PatientID: "P9", AppointmentID: "A9"}, at)
	require.NoError(t, err)
	assert.Equal(t, SlotBackfilled, slot.Status)
	assert.Equal(t, "P9", slot.BackfilledWith.PatientID)
	assert.Equal(t, 60, slot.DurationMinutes)

	_, err = repo.MarkSlotBackfilled(ctx, "S1", BackfilledWith{PatientID: "P10"}, at)
	assert.ErrorIs(t, err, ErrSlotAlreadyBackfilled)

	_, err = repo.MarkSlotBackfilled(ctx, "missing", BackfilledWith{}, at)
	assert.ErrorIs(t, err, ErrFreedSlotNotFound)
}

func TestLoadSnapshot(t *testing.T) {
	doc := `{
		"patients": [{"patient_id": "P1", "required_specialty": "Physical Therapy", "no_show_risk": 0.2, "location_code": "02139"}],
		"providers": [{"provider_id": "D1", "specialty": "Physical Therapy", "available_days": ["Monday"],
			"available_slots": [{"date": "2025-11-24", "time": "9:00 AM", "available": true}]}],
		"appointments": [{"appointment_id": "A1", "patient_id": "P1", "provider_id": "D1", "date": "2025-11-24", "time": "09:00"}]
	}`
	repo, err := LoadSnapshot(context.Background(), strings.NewReader(doc))
	require.NoError(t, err)

	d, err := repo.GetProvider(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, ProviderActive, d.Status)
	assert.Equal(t, "09:00", d.AvailableSlots[0].Time)
}

func TestLoadSnapshotFailsFast(t *testing.T) {
	doc := `{"providers": [{"provider_id": "D1", "specialty": "PT", "status": "retired"}]}`
	_, err := LoadSnapshot(context.Background(), strings.NewReader(doc))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestEventsByRun(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.InsertEvent(ctx, EventLog{RunID: "r1", EventType: "TRIGGER"}))
	require.NoError(t, repo.InsertEvent(ctx, EventLog{RunID: "r2", EventType: "TRIGGER"}))
	require.NoError(t, repo.InsertEvent(ctx, EventLog{RunID: "r1", EventType: "AUDIT"}))

	events, err := repo.ListEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "AUDIT", events[1].EventType)
}
