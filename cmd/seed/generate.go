package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hackgods/appointment-reassignment/internal/records"
)

type Counts struct {
	Providers int
	Patients  int
	Days      int
	Waitlist  int
}

var specialties = []string{
	"Orthopedics",
	"Cardiology",
	"General Practice",
	"Dermatology",
	"Neurology",
	"Physical Therapy",
	"Pediatrics",
	"Endocrinology",
}

// what patients ask for; matched against provider specialties by substring
var requirements = map[string]string{
	"Orthopedics":      "orthopedic",
	"Cardiology":       "cardiology",
	"General Practice": "general practice",
	"Dermatology":      "dermatology",
	"Neurology":        "neurology",
	"Physical Therapy": "physical therapy",
	"Pediatrics":       "pediatrics",
	"Endocrinology":    "endocrinology",
}

var clinicHours = []string{"08:00", "09:00", "10:00", "11:00", "13:00", "14:00", "15:00", "16:00"}

var weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

func locationCode(f *gofakeit.Faker) string {
	return fmt.Sprintf("%05d", f.Number(2100, 2160))
}

// Generate builds a consistent snapshot: every appointment references a
// generated patient and provider, one provider per specialty is head of
// department, and no provider is booked twice at the same time.
func Generate(f *gofakeit.Faker, from time.Time, c Counts) records.Snapshot {
	var snap records.Snapshot

	hod := map[string]bool{}
	for i := 0; i < c.Providers; i++ {
		spec := specialties[i%len(specialties)]
		p := records.Provider{
			ID:                 fmt.Sprintf("DR-%03d", i+1),
			Name:               "Dr. " + f.LastName(),
			Specialty:          spec,
			Gender:             f.RandomString([]string{"male", "female"}),
			YearsExperience:    f.Number(1, 35),
			LocationCode:       locationCode(f),
			CurrentPatientLoad: f.Number(10, 120),
			MaxPatientCapacity: 120,
			Status:             records.ProviderActive,
			IsHOD:              !hod[spec],
		}
		if f.Number(0, 19) == 0 {
			p.Status = records.ProviderLeftOrganization
			p.IsHOD = false
		}
		if p.IsHOD {
			hod[spec] = true
		}
		if strings.Contains(strings.ToLower(spec), "general") || spec == "Physical Therapy" {
			p.Certifications = []string{f.RandomString([]string{"Sports Medicine", "Orthopedic", "Geriatrics"})}
		}
		p.AvailableDays = append([]string(nil), weekdays[:f.Number(3, len(weekdays))]...)
		for d := 0; d < c.Days; d++ {
			if f.Number(0, 3) == 0 {
				p.AvailableSlots = append(p.AvailableSlots, records.TimeSlot{
					Date:      from.AddDate(0, 0, d).Format(records.DateLayout),
					Time:      f.RandomString(clinicHours),
					Available: true,
				})
			}
		}
		snap.Providers = append(snap.Providers, p)
	}

	for i := 0; i < c.Patients; i++ {
		spec := specialties[f.Number(0, len(specialties)-1)]
		p := records.Patient{
			ID:                 fmt.Sprintf("PT-%04d", i+1),
			Name:               f.Name(),
			RequiredSpecialty:  requirements[spec],
			GenderPreference:   records.GenderPreference(f.RandomString([]string{"any", "any", "any", "male", "female"})),
			PreferredTimeBlock: f.RandomString([]string{"morning", "afternoon", ""}),
			NoShowRisk:         float64(f.Number(0, 100)) / 100,
			LocationCode:       locationCode(f),
			Email:              f.Email(),
			Phone:              f.Phone(),
		}
		if f.Bool() {
			miles := float64(f.Number(5, 25))
			p.MaxDistanceMiles = &miles
		}
		if f.Number(0, 2) == 0 {
			p.PreferredDays = []string{f.RandomString(weekdays), f.RandomString(weekdays)}
		}
		snap.Patients = append(snap.Patients, p)
	}

	// book each patient once with a provider of their specialty
	booked := map[string]bool{}
	for i, patient := range snap.Patients {
		if c.Days <= 0 {
			break
		}
		var pool []records.Provider
		for _, p := range snap.Providers {
			if p.Status == records.ProviderActive && strings.Contains(strings.ToLower(p.Specialty), patient.RequiredSpecialty) {
				pool = append(pool, p)
			}
		}
		if len(pool) == 0 {
			continue
		}
		provider := pool[f.Number(0, len(pool)-1)]
		date := from.AddDate(0, 0, f.Number(0, c.Days-1)).Format(records.DateLayout)
		clock := f.RandomString(clinicHours)
		key := provider.ID + date + clock
		if booked[key] {
			continue
		}
		booked[key] = true
		snap.Appointments = append(snap.Appointments, records.Appointment{
			ID:         fmt.Sprintf("APT-%05d", i+1),
			PatientID:  patient.ID,
			ProviderID: provider.ID,
			Date:       date,
			Time:       clock,
			Status:     records.StatusScheduled,
		})
		if f.Number(0, 3) == 0 {
			patient.PriorProviderIDs = []string{provider.ID}
			snap.Patients[i] = patient
		}
	}

	for i := 0; i < c.Waitlist && len(snap.Patients) > 0; i++ {
		patient := snap.Patients[f.Number(0, len(snap.Patients)-1)]
		priority := records.PriorityMedium
		if f.Number(0, 4) == 0 {
			priority = records.PriorityHigh
		}
		snap.Waitlist = append(snap.Waitlist, records.WaitlistEntry{
			ID:                 fmt.Sprintf("WL-%04d", i+1),
			PatientID:          patient.ID,
			RequestedSpecialty: specialtyOf(patient.RequiredSpecialty),
			RequestedLocation:  patient.LocationCode,
			AvailabilityWindows: records.AvailabilityWindows{
				Days: patient.PreferredDays,
			},
			NoShowRisk:      patient.NoShowRisk,
			Priority:        priority,
			WillingToMoveUp: f.Number(0, 4) != 0,
			Reason:          "requested earlier slot",
			AddedAt:         from.Add(-time.Duration(f.Number(1, 72)) * time.Hour),
		})
	}
	return snap
}

func specialtyOf(requirement string) string {
	for spec, req := range requirements {
		if req == requirement {
			return spec
		}
	}
	return requirement
}
