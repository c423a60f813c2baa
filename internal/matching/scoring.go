package matching

import (
	"errors"
	"sort"
	"strings"

	"github.com/hackgods/appointment-reassignment/internal/records"
)

var ErrNoQualifiedCandidates = errors.New("no qualified candidates")

// Factor keys of a score breakdown. Every key is present in every breakdown.
const (
	FactorContinuity       = "prior_provider_continuity"
	FactorSpecialty        = "specialty_match"
	FactorGender           = "gender_preference"
	FactorProximity        = "proximity_same_location"
	FactorDistancePenalty  = "distance_penalty"
	FactorLoadBalance      = "schedule_load_balance"
	FactorExperience       = "experience_match"
	FactorSameProviderSlot = "same_provider_earlier_slot"
	FactorTimeSlot         = "time_slot_priority"
	FactorPreferredDay     = "preferred_day_match"
	FactorImpossibleDay    = "impossible_day_match"
)

var factorKeys = []string{
	FactorContinuity, FactorSpecialty, FactorGender, FactorProximity,
	FactorDistancePenalty, FactorLoadBalance, FactorExperience,
	FactorSameProviderSlot, FactorTimeSlot, FactorPreferredDay, FactorImpossibleDay,
}

type Recommendation string

const (
	Excellent  Recommendation = "EXCELLENT"
	Good       Recommendation = "GOOD"
	Acceptable Recommendation = "ACCEPTABLE"
	Poor       Recommendation = "POOR"
)

// Weights are the points awarded per factor.
type Weights struct {
	Continuity       int `json:"prior_provider_continuity"`
	SpecialtyExact   int `json:"specialty_exact"`
	SpecialtyPartial int `json:"specialty_general_certified"`
	Gender           int `json:"gender_preference"`
	Proximity        int `json:"proximity_same_location"`
	DistancePenalty  int `json:"distance_penalty"`
	LoadLow          int `json:"load_under_60_percent"`
	LoadMedium       int `json:"load_under_80_percent"`
	LoadHigh         int `json:"load_80_percent_or_more"`
	ExperienceMatch  int `json:"experience_at_least_original"`
	ExperienceNear   int `json:"experience_within_2_years"`
	NewPatientSenior int `json:"new_patient_10_plus_years"`
	NewPatientMid    int `json:"new_patient_5_plus_years"`
	NewPatientJunior int `json:"new_patient_2_plus_years"`
	NewPatientEntry  int `json:"new_patient_under_2_years"`
	SameProviderSlot int `json:"same_provider_earlier_slot"`
	MorningSlot      int `json:"slot_before_10am"`
	AfternoonSlot    int `json:"slot_before_2pm"`
	PreferredDay     int `json:"preferred_day_match"`
	ImpossibleDay    int `json:"impossible_day_match"`
}

func DefaultWeights() Weights {
	return Weights{
		Continuity:       40,
		SpecialtyExact:   35,
		SpecialtyPartial: 25,
		Gender:           15,
		Proximity:        15,
		DistancePenalty:  -50,
		LoadLow:          25,
		LoadMedium:       15,
		LoadHigh:         5,
		ExperienceMatch:  20,
		ExperienceNear:   15,
		NewPatientSenior: 20,
		NewPatientMid:    15,
		NewPatientJunior: 10,
		NewPatientEntry:  5,
		SameProviderSlot: 30,
		MorningSlot:      15,
		AfternoonSlot:    10,
		PreferredDay:     10,
		ImpossibleDay:    -40,
	}
}

type Thresholds struct {
	Excellent  int `json:"excellent"`
	Good       int `json:"good"`
	Acceptable int `json:"acceptable"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Excellent: 100, Good: 80, Acceptable: 60}
}

// Engine scores (patient, candidate, appointment) triples. It holds no
// mutable state; identical inputs always give identical scores.
type Engine struct {
	Weights    Weights
	Thresholds Thresholds
}

func NewEngine() *Engine {
	return &Engine{Weights: DefaultWeights(), Thresholds: DefaultThresholds()}
}

// MaxScore is the ceiling reached when every positive factor takes its
// largest value at once. Thresholds are absolute and do not scale with it.
func (e *Engine) MaxScore() int {
	w := e.Weights
	return w.Continuity +
		max(w.SpecialtyExact, w.SpecialtyPartial) +
		w.Gender +
		w.Proximity +
		max(w.LoadLow, w.LoadMedium, w.LoadHigh) +
		max(w.ExperienceMatch, w.NewPatientSenior) +
		max(w.SameProviderSlot, w.MorningSlot, w.AfternoonSlot) +
		w.PreferredDay
}

func (e *Engine) Recommend(score int) Recommendation {
	switch {
	case score >= e.Thresholds.Excellent:
		return Excellent
	case score >= e.Thresholds.Good:
		return Good
	case score >= e.Thresholds.Acceptable:
		return Acceptable
	default:
		return Poor
	}
}

// Input is one scoring request. Original is the provider the appointment was
// booked with; nil means the patient has no prior provider to compare with.
type Input struct {
	Patient     *records.Patient
	Candidate   *records.Provider
	Appointment *records.Appointment
	Original    *records.Provider
}

type Score struct {
	ProviderID     string         `json:"provider_id"`
	Total          int            `json:"score"`
	Breakdown      map[string]int `json:"breakdown"`
	Recommendation Recommendation `json:"recommendation"`
	DistanceMiles  float64        `json:"distance_miles"`
}

func (e *Engine) Score(in Input) Score {
	w := e.Weights
	p, c := in.Patient, in.Candidate

	b := make(map[string]int, len(factorKeys))
	for _, k := range factorKeys {
		b[k] = 0
	}

	for _, id := range p.PriorProviderIDs {
		if id == c.ID {
			b[FactorContinuity] = w.Continuity
			break
		}
	}

	switch MatchSpecialty(p.RequiredSpecialty, c) {
	case SpecialtyExact:
		b[FactorSpecialty] = w.SpecialtyExact
	case SpecialtyPartial:
		b[FactorSpecialty] = w.SpecialtyPartial
	}

	if p.GenderPreference == "" || p.GenderPreference == records.GenderAny ||
		string(p.GenderPreference) == strings.ToLower(c.Gender) {
		b[FactorGender] = w.Gender
	}

	miles := EstimateDistance(p.LocationCode, c.LocationCode)
	if p.LocationCode != "" && p.LocationCode == c.LocationCode {
		b[FactorProximity] = w.Proximity
	} else if p.MaxDistanceMiles != nil && miles > *p.MaxDistanceMiles {
		b[FactorDistancePenalty] = w.DistancePenalty
	}

	b[FactorLoadBalance] = e.loadPoints(c)
	b[FactorExperience] = e.experiencePoints(c, in.Original)

	same, timeSlot := e.slotPoints(c, in.Original)
	b[FactorSameProviderSlot] = same
	b[FactorTimeSlot] = timeSlot

	preferred, impossible := e.dayPoints(p, c, in.Appointment)
	b[FactorPreferredDay] = preferred
	b[FactorImpossibleDay] = impossible

	total := 0
	for _, v := range b {
		total += v
	}
	return Score{
		ProviderID:     c.ID,
		Total:          total,
		Breakdown:      b,
		Recommendation: e.Recommend(total),
		DistanceMiles:  miles,
	}
}

func (e *Engine) loadPoints(c *records.Provider) int {
	if c.MaxPatientCapacity <= 0 {
		return 0
	}
	util := float64(c.CurrentPatientLoad) / float64(c.MaxPatientCapacity)
	switch {
	case util < 0.6:
		return e.Weights.LoadLow
	case util < 0.8:
		return e.Weights.LoadMedium
	default:
		return e.Weights.LoadHigh
	}
}

func (e *Engine) experiencePoints(c, original *records.Provider) int {
	w := e.Weights
	years := c.YearsExperience
	if original != nil {
		switch {
		case years >= original.YearsExperience:
			return w.ExperienceMatch
		case years >= original.YearsExperience-2:
			return w.ExperienceNear
		default:
			return 0
		}
	}
	switch {
	case years >= 10:
		return w.NewPatientSenior
	case years >= 5:
		return w.NewPatientMid
	case years >= 2:
		return w.NewPatientJunior
	default:
		return w.NewPatientEntry
	}
}

// slotPoints returns the same-provider bonus and the time-of-day bonus; at
// most one of them is non-zero.
func (e *Engine) slotPoints(c, original *records.Provider) (int, int) {
	open := c.OpenSlots()
	if len(open) == 0 {
		return 0, 0
	}
	if original != nil && original.ID == c.ID {
		return e.Weights.SameProviderSlot, 0
	}
	earliest := open[0].Time
	for _, s := range open[1:] {
		if s.Time < earliest {
			earliest = s.Time
		}
	}
	switch {
	case earliest < "10:00":
		return 0, e.Weights.MorningSlot
	case earliest < "14:00":
		return 0, e.Weights.AfternoonSlot
	default:
		return 0, 0
	}
}

var weekendDays = map[string]bool{"Saturday": true, "Sunday": true}

func (e *Engine) dayPoints(p *records.Patient, c *records.Provider, appt *records.Appointment) (int, int) {
	if len(p.PreferredDays) == 0 {
		return 0, 0
	}
	weekendOnly := true
	for _, d := range p.PreferredDays {
		if !weekendDays[d] {
			weekendOnly = false
			break
		}
	}
	weekdaysOnly := len(c.AvailableDays) > 0
	for _, d := range c.AvailableDays {
		if weekendDays[d] {
			weekdaysOnly = false
			break
		}
	}
	if weekendOnly && weekdaysOnly {
		return 0, e.Weights.ImpossibleDay
	}
	if appt == nil {
		return 0, 0
	}
	wd, err := appt.Weekday()
	if err != nil {
		return 0, 0
	}
	for _, d := range p.PreferredDays {
		if d == wd.String() {
			return e.Weights.PreferredDay, 0
		}
	}
	return 0, 0
}

// RankInput groups one appointment with the candidates presented for it.
type RankInput struct {
	Patient     *records.Patient
	Appointment *records.Appointment
	Original    *records.Provider
	Candidates  []records.Provider
}

// Rank scores every candidate and sorts by score, highest first. Equal
// scores keep the order in which candidates were presented.
func (e *Engine) Rank(in RankInput) []Score {
	scores := make([]Score, len(in.Candidates))
	for i := range in.Candidates {
		scores[i] = e.Score(Input{
			Patient:     in.Patient,
			Candidate:   &in.Candidates[i],
			Appointment: in.Appointment,
			Original:    in.Original,
		})
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Total > scores[j].Total
	})
	return scores
}

// Best returns the top ranked candidate.
func (e *Engine) Best(in RankInput) (Score, error) {
	ranked := e.Rank(in)
	if len(ranked) == 0 {
		return Score{}, ErrNoQualifiedCandidates
	}
	return ranked[0], nil
}
