package records

import (
	"fmt"
	"strings"
	"time"
)

var weekdays = map[string]string{
	"monday":    "Monday",
	"tuesday":   "Tuesday",
	"wednesday": "Wednesday",
	"thursday":  "Thursday",
	"friday":    "Friday",
	"saturday":  "Saturday",
	"sunday":    "Sunday",
}

var clockLayouts = []string{ClockLayout, "3:04 PM", "3:04PM", "03:04 PM", "15:04:05"}

// NormalizeClock accepts "14:30", "2:30 PM" and similar, and returns "14:30".
func NormalizeClock(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(raw)); err == nil {
			return t.Format(ClockLayout), nil
		}
	}
	return "", fmt.Errorf("%w: unparsable time %q", ErrInvalidRecord, raw)
}

// NormalizeWeekday returns the canonical weekday name, e.g. "tuesday" -> "Tuesday".
func NormalizeWeekday(raw string) (string, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(raw))]
	return d, ok
}

func validDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

func invalid(kind, id, format string, args ...any) error {
	return fmt.Errorf("%w: %s %q: %s", ErrInvalidRecord, kind, id, fmt.Sprintf(format, args...))
}

func normalizeDays(days []string) ([]string, error) {
	out := make([]string, 0, len(days))
	for _, d := range days {
		n, ok := NormalizeWeekday(d)
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
		out = append(out, n)
	}
	return out, nil
}

// Normalize fills defaults and canonicalises weekday names, then validates.
func (p *Patient) Normalize() error {
	if p.GenderPreference == "" {
		p.GenderPreference = GenderAny
	}
	p.GenderPreference = GenderPreference(strings.ToLower(string(p.GenderPreference)))
	days, err := normalizeDays(p.PreferredDays)
	if err != nil {
		return invalid("patient", p.ID, "%v", err)
	}
	p.PreferredDays = days
	return p.Validate()
}

func (p *Patient) Validate() error {
	switch {
	case p.ID == "":
		return invalid("patient", p.ID, "patient_id is empty")
	case strings.TrimSpace(p.RequiredSpecialty) == "":
		return invalid("patient", p.ID, "required_specialty is empty")
	case p.NoShowRisk < 0 || p.NoShowRisk > 1:
		return invalid("patient", p.ID, "no_show_risk %.2f outside 0..1", p.NoShowRisk)
	case p.MaxDistanceMiles != nil && *p.MaxDistanceMiles < 0:
		return invalid("patient", p.ID, "max_distance_miles is negative")
	}
	switch p.GenderPreference {
	case GenderAny, GenderMale, GenderFemale:
	default:
		return invalid("patient", p.ID, "unknown gender_preference %q", p.GenderPreference)
	}
	for _, d := range p.PreferredDays {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return invalid("patient", p.ID, "unknown weekday %q", d)
		}
	}
	return nil
}

func (p *Provider) Normalize() error {
	if p.Status == "" {
		p.Status = ProviderActive
	}
	days, err := normalizeDays(p.AvailableDays)
	if err != nil {
		return invalid("provider", p.ID, "%v", err)
	}
	p.AvailableDays = days
	for i := range p.AvailableSlots {
		clock, err := NormalizeClock(p.AvailableSlots[i].Time)
		if err != nil {
			return invalid("provider", p.ID, "slot %d: %v", i, err)
		}
		p.AvailableSlots[i].Time = clock
	}
	return p.Validate()
}

func (p *Provider) Validate() error {
	switch {
	case p.ID == "":
		return invalid("provider", p.ID, "provider_id is empty")
	case strings.TrimSpace(p.Specialty) == "":
		return invalid("provider", p.ID, "specialty is empty")
	case p.YearsExperience < 0:
		return invalid("provider", p.ID, "years_experience is negative")
	case p.CurrentPatientLoad < 0 || p.MaxPatientCapacity < 0:
		return invalid("provider", p.ID, "patient load and capacity must be non-negative")
	}
	switch p.Status {
	case ProviderActive, ProviderLeftOrganization:
	default:
		return invalid("provider", p.ID, "unknown status %q", p.Status)
	}
	for _, s := range p.AvailableSlots {
		if !validDate(s.Date) {
			return invalid("provider", p.ID, "slot date %q", s.Date)
		}
		if _, err := time.Parse(ClockLayout, s.Time); err != nil {
			return invalid("provider", p.ID, "slot time %q", s.Time)
		}
	}
	for _, d := range p.UnavailableDates {
		if !validDate(d) {
			return invalid("provider", p.ID, "unavailable date %q", d)
		}
	}
	return nil
}

func (a *Appointment) Normalize() error {
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	clock, err := NormalizeClock(a.Time)
	if err != nil {
		return invalid("appointment", a.ID, "%v", err)
	}
	a.Time = clock
	return a.Validate()
}

func (a *Appointment) Validate() error {
	switch {
	case a.ID == "":
		return invalid("appointment", a.ID, "appointment_id is empty")
	case a.PatientID == "" || a.ProviderID == "":
		return invalid("appointment", a.ID, "patient_id and provider_id are required")
	case !validDate(a.Date):
		return invalid("appointment", a.ID, "date %q", a.Date)
	}
	if _, err := time.Parse(ClockLayout, a.Time); err != nil {
		return invalid("appointment", a.ID, "time %q", a.Time)
	}
	switch a.Status {
	case StatusScheduled, StatusRescheduled, StatusConfirmed, StatusCancelled, StatusNeedsReview:
	default:
		return invalid("appointment", a.ID, "unknown status %q", a.Status)
	}
	return nil
}

func (w *WaitlistEntry) Normalize() error {
	if w.Priority == "" {
		w.Priority = PriorityMedium
	}
	return w.Validate()
}

func (w *WaitlistEntry) Validate() error {
	switch {
	case w.ID == "":
		return invalid("waitlist entry", w.ID, "waitlist_id is empty")
	case w.PatientID == "":
		return invalid("waitlist entry", w.ID, "patient_id is empty")
	case strings.TrimSpace(w.RequestedSpecialty) == "":
		return invalid("waitlist entry", w.ID, "requested_specialty is empty")
	case w.NoShowRisk < 0 || w.NoShowRisk > 1:
		return invalid("waitlist entry", w.ID, "no_show_risk %.2f outside 0..1", w.NoShowRisk)
	}
	switch w.Priority {
	case PriorityHigh, PriorityMedium:
	default:
		return invalid("waitlist entry", w.ID, "unknown priority %q", w.Priority)
	}
	return nil
}

func (s *FreedSlot) Normalize() error {
	if s.Status == "" {
		s.Status = SlotAvailable
	}
	if s.DurationMinutes == 0 {
		s.DurationMinutes = 60
	}
	return s.Validate()
}

func (s *FreedSlot) Validate() error {
	switch {
	case s.ID == "":
		return invalid("freed slot", s.ID, "slot_id is empty")
	case s.ProviderID == "":
		return invalid("freed slot", s.ID, "provider_id is empty")
	case !validDate(s.Date):
		return invalid("freed slot", s.ID, "date %q", s.Date)
	}
	switch s.Status {
	case SlotAvailable:
	case SlotBackfilled:
		if s.BackfilledWith == nil || s.BackfilledAt == nil {
			return invalid("freed slot", s.ID, "backfilled slot without filler")
		}
	default:
		return invalid("freed slot", s.ID, "unknown status %q", s.Status)
	}
	return nil
}
