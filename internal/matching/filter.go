package matching

import (
	"fmt"
	"strings"

	"github.com/hackgods/appointment-reassignment/internal/records"
)

type SpecialtyFit int

const (
	SpecialtyNone SpecialtyFit = iota
	SpecialtyPartial
	SpecialtyExact
)

// MatchSpecialty compares a patient's required specialty with a provider.
// Exact: the provider specialty contains the required one, ignoring case.
// Partial: a generalist provider holding a certification for it.
func MatchSpecialty(required string, p *records.Provider) SpecialtyFit {
	req := strings.ToLower(strings.TrimSpace(required))
	if req == "" {
		return SpecialtyNone
	}
	spec := strings.ToLower(p.Specialty)
	if strings.Contains(spec, req) {
		return SpecialtyExact
	}
	if !isGeneralist(spec) {
		return SpecialtyNone
	}
	for _, c := range p.Certifications {
		cert := strings.ToLower(c)
		if strings.Contains(cert, req) || strings.Contains(req, cert) {
			return SpecialtyPartial
		}
	}
	return SpecialtyNone
}

func isGeneralist(spec string) bool {
	return strings.Contains(spec, "general") ||
		spec == "family medicine" ||
		spec == "physical therapy"
}

// Elimination records why a provider was removed from consideration.
type Elimination struct {
	Provider records.Provider `json:"provider"`
	Reason   string           `json:"reason"`
}

type FilterResult struct {
	Qualified  []records.Provider `json:"qualified"`
	Eliminated []Elimination      `json:"eliminated"`
}

// Filter partitions candidates into qualified and eliminated providers for
// one appointment. Checks run in order and the first failure eliminates:
// status, specialty, distance, then availability on the appointment date.
// Every candidate lands in exactly one of the two lists, order preserved.
func Filter(patient *records.Patient, appt *records.Appointment, candidates []records.Provider) FilterResult {
	res := FilterResult{
		Qualified:  make([]records.Provider, 0, len(candidates)),
		Eliminated: make([]Elimination, 0),
	}
	for _, c := range candidates {
		if reason := eliminate(patient, appt, &c); reason != "" {
			res.Eliminated = append(res.Eliminated, Elimination{Provider: c, Reason: reason})
			continue
		}
		res.Qualified = append(res.Qualified, c)
	}
	return res
}

func eliminate(patient *records.Patient, appt *records.Appointment, c *records.Provider) string {
	if c.Status != records.ProviderActive {
		return fmt.Sprintf("provider status %s", c.Status)
	}
	if MatchSpecialty(patient.RequiredSpecialty, c) == SpecialtyNone {
		return fmt.Sprintf("specialty %q does not satisfy %q", c.Specialty, patient.RequiredSpecialty)
	}
	if patient.MaxDistanceMiles != nil {
		miles := EstimateDistance(patient.LocationCode, c.LocationCode)
		if miles > *patient.MaxDistanceMiles {
			return fmt.Sprintf("distance %.1fmi exceeds max %.1fmi", miles, *patient.MaxDistanceMiles)
		}
	}
	if appt != nil && c.UnavailableOn(appt.Date) {
		return fmt.Sprintf("unavailable on %s", appt.Date)
	}
	return ""
}
