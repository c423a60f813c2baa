package records

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrPatientNotFound       = errors.New("patient not found")
	ErrProviderNotFound      = errors.New("provider not found")
	ErrAppointmentNotFound   = errors.New("appointment not found")
	ErrWaitlistEntryNotFound = errors.New("waitlist entry not found")
	ErrFreedSlotNotFound     = errors.New("freed slot not found")
	ErrSlotAlreadyBackfilled = errors.New("freed slot already backfilled")
	ErrInvalidRecord         = errors.New("invalid record")
)

type ProviderFilter struct {
	Status ProviderStatus
}

func (f ProviderFilter) Match(p *Provider) bool {
	return f.Status == "" || p.Status == f.Status
}

// AppointmentFilter selects appointments. From and To are inclusive dates.
type AppointmentFilter struct {
	ProviderID string
	PatientID  string
	Status     AppointmentStatus
	From       string
	To         string
}

func (f AppointmentFilter) Match(a *Appointment) bool {
	switch {
	case f.ProviderID != "" && a.ProviderID != f.ProviderID:
		return false
	case f.PatientID != "" && a.PatientID != f.PatientID:
		return false
	case f.Status != "" && a.Status != f.Status:
		return false
	case f.From != "" && a.Date < f.From:
		return false
	case f.To != "" && a.Date > f.To:
		return false
	}
	return true
}

type WaitlistFilter struct {
	MinRisk     float64
	PatientID   string
	WillingOnly bool
}

func (f WaitlistFilter) Match(w *WaitlistEntry) bool {
	switch {
	case w.NoShowRisk < f.MinRisk:
		return false
	case f.PatientID != "" && w.PatientID != f.PatientID:
		return false
	case f.WillingOnly && !w.WillingToMoveUp:
		return false
	}
	return true
}

type FreedSlotFilter struct {
	Status    FreedSlotStatus
	Specialty string
}

func (f FreedSlotFilter) Match(s *FreedSlot) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Specialty != "" && !strings.EqualFold(s.Specialty, f.Specialty) {
		return false
	}
	return true
}

// Repository is the record store used by the reassignment core. Every record
// is validated on the way in and on the way out.
type Repository interface {
	GetPatient(ctx context.Context, id string) (*Patient, error)
	ListPatients(ctx context.Context) ([]Patient, error)
	UpsertPatient(ctx context.Context, p Patient) error

	GetProvider(ctx context.Context, id string) (*Provider, error)
	// ListProviders returns providers in insertion order.
	ListProviders(ctx context.Context, f ProviderFilter) ([]Provider, error)
	UpsertProvider(ctx context.Context, p Provider) error

	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	// ListAppointments returns appointments sorted by id.
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	UpsertAppointment(ctx context.Context, a Appointment) error

	// ListWaitlist returns entries in insertion order.
	ListWaitlist(ctx context.Context, f WaitlistFilter) ([]WaitlistEntry, error)
	AddWaitlistEntry(ctx context.Context, w WaitlistEntry) (*WaitlistEntry, error)
	DeleteWaitlistEntry(ctx context.Context, id string) error

	GetFreedSlot(ctx context.Context, id string) (*FreedSlot, error)
	ListFreedSlots(ctx context.Context, f FreedSlotFilter) ([]FreedSlot, error)
	CreateFreedSlot(ctx context.Context, s FreedSlot) error
	// MarkSlotBackfilled performs the single available -> backfilled transition.
	MarkSlotBackfilled(ctx context.Context, id string, with BackfilledWith, at time.Time) (*FreedSlot, error)

	InsertEvent(ctx context.Context, ev EventLog) error
	ListEvents(ctx context.Context, runID string) ([]EventLog, error)
}
