package records

import (
	"encoding/json"
	"time"
)

type GenderPreference string

const (
	GenderAny    GenderPreference = "any"
	GenderMale   GenderPreference = "male"
	GenderFemale GenderPreference = "female"
)

type ProviderStatus string

const (
	ProviderActive           ProviderStatus = "active"
	ProviderLeftOrganization ProviderStatus = "left_organization"
)

type AppointmentStatus string

const (
	StatusScheduled   AppointmentStatus = "scheduled"
	StatusRescheduled AppointmentStatus = "rescheduled"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusNeedsReview AppointmentStatus = "needs_review"
)

type WaitlistPriority string

const (
	PriorityHigh   WaitlistPriority = "HIGH"
	PriorityMedium WaitlistPriority = "MEDIUM"
)

type FreedSlotStatus string

const (
	SlotAvailable  FreedSlotStatus = "available"
	SlotBackfilled FreedSlotStatus = "backfilled"
)

// Date and clock layouts used by every record.
const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

type Patient struct {
	ID                 string           `json:"patient_id"`
	Name               string           `json:"name"`
	RequiredSpecialty  string           `json:"required_specialty"`
	GenderPreference   GenderPreference `json:"gender_preference"`
	PreferredDays      []string         `json:"preferred_days,omitempty"`
	PreferredTimeBlock string           `json:"preferred_time_block,omitempty"`
	MaxDistanceMiles   *float64         `json:"max_distance_miles,omitempty"`
	PriorProviderIDs   []string         `json:"prior_provider_ids,omitempty"`
	NoShowRisk         float64          `json:"no_show_risk"`
	LocationCode       string           `json:"location_code"`
	InsuranceID        string           `json:"insurance_id,omitempty"`
	Email              string           `json:"email,omitempty"`
	Phone              string           `json:"phone,omitempty"`
}

// TimeSlot is one bookable slot in a provider's calendar.
type TimeSlot struct {
	Date      string `json:"date"`
	Time      string `json:"time"`
	Available bool   `json:"available"`
}

type Provider struct {
	ID                 string         `json:"provider_id"`
	Name               string         `json:"name"`
	Specialty          string         `json:"specialty"`
	Gender             string         `json:"gender"`
	YearsExperience    int            `json:"years_experience"`
	LocationCode       string         `json:"location_code"`
	CurrentPatientLoad int            `json:"current_patient_load"`
	MaxPatientCapacity int            `json:"max_patient_capacity"`
	AvailableDays      []string       `json:"available_days,omitempty"`
	AvailableSlots     []TimeSlot     `json:"available_slots,omitempty"`
	UnavailableDates   []string       `json:"unavailable_dates,omitempty"`
	Status             ProviderStatus `json:"status"`
	Certifications     []string       `json:"certifications,omitempty"`
	IsHOD              bool           `json:"is_hod,omitempty"`
}

// UnavailableOn reports whether date is one of the provider's unavailable dates.
func (p *Provider) UnavailableOn(date string) bool {
	for _, d := range p.UnavailableDates {
		if d == date {
			return true
		}
	}
	return false
}

// OpenSlots returns the slots flagged available that do not fall on an
// unavailable date, in calendar order as stored.
func (p *Provider) OpenSlots() []TimeSlot {
	var out []TimeSlot
	for _, s := range p.AvailableSlots {
		if s.Available && !p.UnavailableOn(s.Date) {
			out = append(out, s)
		}
	}
	return out
}

type Appointment struct {
	ID                 string            `json:"appointment_id"`
	PatientID          string            `json:"patient_id"`
	ProviderID         string            `json:"provider_id"`
	Date               string            `json:"date"`
	Time               string            `json:"time"`
	Status             AppointmentStatus `json:"status"`
	MatchScore         *int              `json:"match_score,omitempty"`
	MatchBreakdown     map[string]int    `json:"match_breakdown,omitempty"`
	MatchReasoning     string            `json:"match_reasoning,omitempty"`
	OriginalProviderID string            `json:"original_provider_id,omitempty"`
	ConfirmationNumber string            `json:"confirmation_number,omitempty"`
}

// Weekday parses the appointment date and returns its day of week.
func (a *Appointment) Weekday() (time.Weekday, error) {
	d, err := time.Parse(DateLayout, a.Date)
	if err != nil {
		return 0, err
	}
	return d.Weekday(), nil
}

type AvailabilityWindows struct {
	Days  []string `json:"days,omitempty"`
	Times []string `json:"times,omitempty"`
}

type WaitlistEntry struct {
	ID                   string              `json:"waitlist_id"`
	PatientID            string              `json:"patient_id"`
	RequestedSpecialty   string              `json:"requested_specialty"`
	RequestedLocation    string              `json:"requested_location,omitempty"`
	AvailabilityWindows  AvailabilityWindows `json:"availability_windows"`
	NoShowRisk           float64             `json:"no_show_risk"`
	Priority             WaitlistPriority    `json:"priority"`
	WillingToMoveUp      bool                `json:"willing_to_move_up"`
	CurrentAppointmentID *string             `json:"current_appointment_id"`
	Reason               string              `json:"reason,omitempty"`
	AddedAt              time.Time           `json:"added_at"`

	// Seq is the store-assigned insertion order, used as a tie-break.
	Seq int64 `json:"-"`
}

type BackfilledWith struct {
	PatientID     string `json:"patient_id"`
	AppointmentID string `json:"appointment_id"`
}

type FreedSlot struct {
	ID              string          `json:"slot_id"`
	ProviderID      string          `json:"provider_id"`
	Date            string          `json:"date"`
	Time            string          `json:"time"`
	DurationMinutes int             `json:"duration_minutes"`
	Specialty       string          `json:"specialty"`
	Location        string          `json:"location,omitempty"`
	Status          FreedSlotStatus `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	FreedAt         time.Time       `json:"freed_at"`
	BackfilledWith  *BackfilledWith `json:"backfilled_with,omitempty"`
	BackfilledAt    *time.Time      `json:"backfilled_at,omitempty"`
}

// EventLog is one persisted workflow event.
type EventLog struct {
	ID            int64           `json:"id"`
	RunID         string          `json:"run_id"`
	EventType     string          `json:"event_type"`
	AppointmentID *string         `json:"appointment_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
