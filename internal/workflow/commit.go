package workflow

import (
	"context"
	"fmt"

	"github.com/hackgods/appointment-reassignment/internal/records"
)

// BookingCommitter persists the final state of one appointment.
type BookingCommitter interface {
	Commit(ctx context.Context, appt records.Appointment) error
}

// StoreCommitter writes bookings straight to the record store.
type StoreCommitter struct {
	repo records.Repository
}

func NewStoreCommitter(repo records.Repository) *StoreCommitter {
	return &StoreCommitter{repo: repo}
}

func (c *StoreCommitter) Commit(ctx context.Context, appt records.Appointment) error {
	if err := c.repo.UpsertAppointment(ctx, appt); err != nil {
		return fmt.Errorf("%w: %w", ErrBookingCommit, err)
	}
	return nil
}
