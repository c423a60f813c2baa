package records

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps every record in process memory. Lists preserve
// insertion order except appointments, which are sorted by id.
type MemoryRepository struct {
	mu sync.RWMutex

	patients     map[string]Patient
	providers    map[string]Provider
	providerSeq  []string
	appointments map[string]Appointment
	waitlist     map[string]WaitlistEntry
	freedSlots   map[string]FreedSlot
	slotSeq      []string
	events       []EventLog
	nextSeq      int64
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:     make(map[string]Patient),
		providers:    make(map[string]Provider),
		appointments: make(map[string]Appointment),
		waitlist:     make(map[string]WaitlistEntry),
		freedSlots:   make(map[string]FreedSlot),
	}
}

// Snapshot is the JSON document layout accepted by LoadSnapshot.
type Snapshot struct {
	Patients     []Patient       `json:"patients"`
	Providers    []Provider      `json:"providers"`
	Appointments []Appointment   `json:"appointments"`
	Waitlist     []WaitlistEntry `json:"waitlist"`
	FreedSlots   []FreedSlot     `json:"freed_slots"`
}

// LoadSnapshot decodes a Snapshot and returns a repository holding it.
// Any record that fails validation aborts the load.
func LoadSnapshot(ctx context.Context, r io.Reader) (*MemoryRepository, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	repo := NewMemoryRepository()
	if err := repo.Import(ctx, snap); err != nil {
		return nil, err
	}
	return repo, nil
}

// Import upserts every record of the snapshot through the repository.
func Import(ctx context.Context, repo Repository, snap Snapshot) error {
	for _, p := range snap.Patients {
		if err := repo.UpsertPatient(ctx, p); err != nil {
			return err
		}
	}
	for _, p := range snap.Providers {
		if err := repo.UpsertProvider(ctx, p); err != nil {
			return err
		}
	}
	for _, a := range snap.Appointments {
		if err := repo.UpsertAppointment(ctx, a); err != nil {
			return err
		}
	}
	for _, w := range snap.Waitlist {
		if _, err := repo.AddWaitlistEntry(ctx, w); err != nil {
			return err
		}
	}
	for _, s := range snap.FreedSlots {
		if err := repo.CreateFreedSlot(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryRepository) Import(ctx context.Context, snap Snapshot) error {
	return Import(ctx, r, snap)
}

func clonePatient(p Patient) Patient {
	p.PreferredDays = slices.Clone(p.PreferredDays)
	p.PriorProviderIDs = slices.Clone(p.PriorProviderIDs)
	if p.MaxDistanceMiles != nil {
		v := *p.MaxDistanceMiles
		p.MaxDistanceMiles = &v
	}
	return p
}

func cloneProvider(p Provider) Provider {
	p.AvailableDays = slices.Clone(p.AvailableDays)
	p.AvailableSlots = slices.Clone(p.AvailableSlots)
	p.UnavailableDates = slices.Clone(p.UnavailableDates)
	p.Certifications = slices.Clone(p.Certifications)
	return p
}

func cloneAppointment(a Appointment) Appointment {
	a.MatchBreakdown = maps.Clone(a.MatchBreakdown)
	if a.MatchScore != nil {
		v := *a.MatchScore
		a.MatchScore = &v
	}
	return a
}

func cloneWaitlistEntry(w WaitlistEntry) WaitlistEntry {
	w.AvailabilityWindows.Days = slices.Clone(w.AvailabilityWindows.Days)
	w.AvailabilityWindows.Times = slices.Clone(w.AvailabilityWindows.Times)
	if w.CurrentAppointmentID != nil {
		v := *w.CurrentAppointmentID
		w.CurrentAppointmentID = &v
	}
	return w
}

func cloneFreedSlot(s FreedSlot) FreedSlot {
	if s.BackfilledWith != nil {
		v := *s.BackfilledWith
		s.BackfilledWith = &v
	}
	if s.BackfilledAt != nil {
		v := *s.BackfilledAt
		s.BackfilledAt = &v
	}
	return s
}

func (r *MemoryRepository) GetPatient(_ context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	out := clonePatient(p)
	return &out, nil
}

func (r *MemoryRepository) ListPatients(_ context.Context) ([]Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Patient, 0, len(r.patients))
	for _, p := range r.patients {
		out = append(out, clonePatient(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) UpsertPatient(_ context.Context, p Patient) error {
	p = clonePatient(p)
	if err := p.Normalize(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
	return nil
}

func (r *MemoryRepository) GetProvider(_ context.Context, id string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	out := cloneProvider(p)
	return &out, nil
}

func (r *MemoryRepository) ListProviders(_ context.Context, f ProviderFilter) ([]Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	for _, id := range r.providerSeq {
		p := r.providers[id]
		if f.Match(&p) {
			out = append(out, cloneProvider(p))
		}
	}
	return out, nil
}

func (r *MemoryRepository) UpsertProvider(_ context.Context, p Provider) error {
	p = cloneProvider(p)
	if err := p.Normalize(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID]; !ok {
		r.providerSeq = append(r.providerSeq, p.ID)
	}
	r.providers[p.ID] = p
	return nil
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id string) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := cloneAppointment(a)
	return &out, nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Appointment
	for _, a := range r.appointments {
		if f.Match(&a) {
			out = append(out, cloneAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) UpsertAppointment(_ context.Context, a Appointment) error {
	a = cloneAppointment(a)
	if err := a.Normalize(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appointments[a.ID] = a
	return nil
}

func (r *MemoryRepository) ListWaitlist(_ context.Context, f WaitlistFilter) ([]WaitlistEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []WaitlistEntry
	for _, w := range r.waitlist {
		if f.Match(&w) {
			out = append(out, cloneWaitlistEntry(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *MemoryRepository) AddWaitlistEntry(_ context.Context, w WaitlistEntry) (*WaitlistEntry, error) {
	w = cloneWaitlistEntry(w)
	if err := w.Normalize(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.waitlist[w.ID]; ok {
		w.Seq = existing.Seq
	} else {
		r.nextSeq++
		w.Seq = r.nextSeq
	}
	r.waitlist[w.ID] = w
	out := cloneWaitlistEntry(w)
	return &out, nil
}

func (r *MemoryRepository) DeleteWaitlistEntry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waitlist[id]; !ok {
		return ErrWaitlistEntryNotFound
	}
	delete(r.waitlist, id)
	return nil
}

func (r *MemoryRepository) GetFreedSlot(_ context.Context, id string) (*FreedSlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.freedSlots[id]
	if !ok {
		return nil, ErrFreedSlotNotFound
	}
	out := cloneFreedSlot(s)
	return &out, nil
}

func (r *MemoryRepository) ListFreedSlots(_ context.Context, f FreedSlotFilter) ([]FreedSlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []FreedSlot
	for _, id := range r.slotSeq {
		s := r.freedSlots[id]
		if f.Match(&s) {
			out = append(out, cloneFreedSlot(s))
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateFreedSlot(_ context.Context, s FreedSlot) error {
	s = cloneFreedSlot(s)
	if err := s.Normalize(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.freedSlots[s.ID]; ok {
		return fmt.Errorf("%w: freed slot %q already exists", ErrInvalidRecord, s.ID)
	}
	r.freedSlots[s.ID] = s
	r.slotSeq = append(r.slotSeq, s.ID)
	return nil
}

func (r *MemoryRepository) MarkSlotBackfilled(_ context.Context, id string, with BackfilledWith, at time.Time) (*FreedSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.freedSlots[id]
	if !ok {
		return nil, ErrFreedSlotNotFound
	}
	if s.Status != SlotAvailable {
		return nil, ErrSlotAlreadyBackfilled
	}
	s.Status = SlotBackfilled
	s.BackfilledWith = &with
	s.BackfilledAt = &at
	r.freedSlots[id] = s
	out := cloneFreedSlot(s)
	return &out, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *MemoryRepository) ListEvents(_ context.Context, runID string) ([]EventLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []EventLog
	for _, ev := range r.events {
		if runID == "" || ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}
