package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reassignment/internal/backfill"
	"github.com/hackgods/appointment-reassignment/internal/consent"
	"github.com/hackgods/appointment-reassignment/internal/decision"
	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/notify"
	"github.com/hackgods/appointment-reassignment/internal/records"
	redisclient "github.com/hackgods/appointment-reassignment/internal/redis"
)

func float(v float64) *float64 { return &v }

func str(v string) *string { return &v }

type stubProvider struct {
	name  string
	out   *decision.Output
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (s *stubProvider) Name() string {
	if s.name == "" {
		return decision.NameTemplate
	}
	return s.name
}

func (s *stubProvider) Decide(context.Context, decision.CaseBundle) (*decision.Output, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.out, s.err
}

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (s *recordingSink) Send(_ context.Context, n notify.Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return "msg-" + n.AppointmentID, nil
}

func (s *recordingSink) ofKind(k notify.Kind) []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Notification
	for _, n := range s.sent {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// failingCommitter refuses bookings with one provider.
type failingCommitter struct {
	next       BookingCommitter
	providerID string
}

func (c *failingCommitter) Commit(ctx context.Context, appt records.Appointment) error {
	if appt.ProviderID == c.providerID {
		return ErrBookingCommit
	}
	return c.next.Commit(ctx, appt)
}

type busyLocker struct{}

func (busyLocker) WithProviderLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type passLocker struct{ held []string }

func (l *passLocker) WithProviderLock(ctx context.Context, providerID string, fn func(context.Context) error) error {
	l.held = append(l.held, providerID)
	return fn(ctx)
}

const (
	day1 = "2025-11-20"
	day2 = "2025-11-21"
)

// seed stores the base scenario: D1 becomes unavailable, D2 is the only
// orthopedist within P1's 10 mile limit, nobody treats P2's neurology.
func seed(t *testing.T) *records.MemoryRepository {
	t.Helper()
	repo := records.NewMemoryRepository()
	err := repo.Import(context.Background(), records.Snapshot{
		Patients: []records.Patient{
			{ID: "P1", Name: "Pat One", RequiredSpecialty: "orthopedic", GenderPreference: records.GenderAny,
				MaxDistanceMiles: float(10), NoShowRisk: 0.3, LocationCode: "02139", PreferredTimeBlock: "morning"},
			{ID: "P2", Name: "Pat Two", RequiredSpecialty: "neurology", NoShowRisk: 0.7, LocationCode: "02139"},
		},
		Providers: []records.Provider{
			{ID: "D1", Name: "Dr. Ada", Specialty: "Orthopedics", Gender: "female", YearsExperience: 8, LocationCode: "02139",
				CurrentPatientLoad: 50, MaxPatientCapacity: 100, Status: records.ProviderActive,
				AvailableSlots: []records.TimeSlot{
					{Date: day1, Time: "13:00", Available: true},
					{Date: "2025-11-25", Time: "09:00", Available: true},
				}},
			{ID: "D2", Name: "Dr. Bea", Specialty: "Orthopedics", Gender: "female", YearsExperience: 10, LocationCode: "02139",
				CurrentPatientLoad: 60, MaxPatientCapacity: 100, Status: records.ProviderActive,
				AvailableSlots: []records.TimeSlot{{Date: day1, Time: "09:00", Available: true}}},
			{ID: "D3", Name: "Dr. Far", Specialty: "Orthopedics", YearsExperience: 12, LocationCode: "02150",
				CurrentPatientLoad: 10, MaxPatientCapacity: 100, Status: records.ProviderActive},
			{ID: "D4", Name: "Dr. Left", Specialty: "Orthopedics", LocationCode: "02139", Status: records.ProviderLeftOrganization},
			{ID: "D5", Name: "Dr. Heart", Specialty: "Cardiology", LocationCode: "02139", Status: records.ProviderActive},
			{ID: "D9", Name: "Dr. Head", Specialty: "General Practice", YearsExperience: 25, LocationCode: "02139",
				Status: records.ProviderActive, IsHOD: true},
		},
		Appointments: []records.Appointment{
			{ID: "A1", PatientID: "P1", ProviderID: "D1", Date: day1, Time: "10:00", Status: records.StatusScheduled},
			{ID: "A2", PatientID: "P2", ProviderID: "D1", Date: day2, Time: "11:00", Status: records.StatusScheduled},
			{ID: "A4", PatientID: "P1", ProviderID: "D1", Date: "2025-12-01", Time: "10:00", Status: records.StatusScheduled},
			{ID: "A5", PatientID: "P2", ProviderID: "D1", Date: day1, Time: "15:00", Status: records.StatusConfirmed},
		},
	})
	require.NoError(t, err)
	return repo
}

type engineOpts struct {
	provider  decision.Provider
	committer BookingCommitter
	locker    redisclient.Locker
	replies   []string
	cfg       Config
}

func newEngine(repo records.Repository, sink *recordingSink, o engineOpts) *Engine {
	log := logger.Nop()
	cfg := o.cfg
	if cfg.DecisionTimeout == 0 {
		cfg.DecisionTimeout = time.Second
	}
	return New(Deps{
		Repo:      repo,
		Decision:  o.provider,
		Consent:   consent.NewCoordinator(sink, consent.NewScriptedResponses(o.replies...), time.Second, log),
		Backfill:  backfill.NewMatcher(repo, sink, log, backfill.DefaultMinRisk),
		Sink:      sink,
		Committer: o.committer,
		Locker:    o.locker,
		Log:       log,
	}, cfg)
}

var baseEvent = Event{ProviderID: "D1", StartDate: day1, EndDate: day2, Reason: "sick leave"}

func assignmentFor(t *testing.T, audit *AuditLog, id string) Assignment {
	t.Helper()
	for _, a := range audit.Assignments {
		if a.AppointmentID == id {
			return a
		}
	}
	t.Fatalf("no assignment for %s", id)
	return Assignment{}
}
