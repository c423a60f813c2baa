package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reassignment/internal/backfill"
	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/records"
	"github.com/hackgods/appointment-reassignment/internal/workflow"
)

type mockWorkflow struct {
	mock.Mock
}

func (m *mockWorkflow) Run(ctx context.Context, ev workflow.Event) (*workflow.AuditLog, error) {
	args := m.Called(ctx, ev)
	audit, _ := args.Get(0).(*workflow.AuditLog)
	return audit, args.Error(1)
}

func (m *mockWorkflow) HandleDecline(ctx context.Context, id string) (*workflow.DeclineOutcome, error) {
	args := m.Called(ctx, id)
	out, _ := args.Get(0).(*workflow.DeclineOutcome)
	return out, args.Error(1)
}

func (m *mockWorkflow) Accept(ctx context.Context, id string) (*records.Appointment, error) {
	args := m.Called(ctx, id)
	appt, _ := args.Get(0).(*records.Appointment)
	return appt, args.Error(1)
}

func (m *mockWorkflow) Cancel(ctx context.Context, id, reason string) (*workflow.CancelOutcome, error) {
	args := m.Called(ctx, id, reason)
	out, _ := args.Get(0).(*workflow.CancelOutcome)
	return out, args.Error(1)
}

type recordingResponder struct {
	offerID, reply string
}

func (r *recordingResponder) Publish(_ context.Context, offerID, reply string) error {
	r.offerID, r.reply = offerID, reply
	return nil
}

// realRouter wires a rule-based engine over a small in-memory scenario.
func realRouter(t *testing.T) (http.Handler, *records.MemoryRepository) {
	t.Helper()
	repo := records.NewMemoryRepository()
	require.NoError(t, repo.Import(context.Background(), records.Snapshot{
		Patients: []records.Patient{
			{ID: "P1", Name: "Pat", RequiredSpecialty: "orthopedic", LocationCode: "02139"},
		},
		Providers: []records.Provider{
			{ID: "D1", Name: "Dr. Out", Specialty: "Orthopedics", YearsExperience: 5, LocationCode: "02139"},
			{ID: "D2", Name: "Dr. In", Specialty: "Orthopedics", YearsExperience: 9, LocationCode: "02139",
				CurrentPatientLoad: 10, MaxPatientCapacity: 100},
		},
		Appointments: []records.Appointment{
			{ID: "A1", PatientID: "P1", ProviderID: "D1", Date: "2025-11-20", Time: "10:00"},
		},
	}))

	log := logger.Nop()
	matcher := backfill.NewMatcher(repo, nil, log, backfill.DefaultMinRisk)
	engine := workflow.New(workflow.Deps{Repo: repo, Backfill: matcher, Log: log}, workflow.DefaultConfig())
	return NewRouter(RouterConfig{Workflow: engine, Backfill: matcher, Store: repo, Log: log}), repo
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUnavailabilityEndToEnd(t *testing.T) {
	h, repo := realRouter(t)

	rec := do(h, http.MethodPost, "/workflows/unavailability",
		`{"provider_id":"D1","start_date":"2025-11-20","end_date":"2025-11-20","reason":"conference"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var audit workflow.AuditLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	require.Len(t, audit.Assignments, 1)
	assert.Equal(t, workflow.OutcomeAssigned, audit.Assignments[0].Outcome)
	assert.Equal(t, "D2", *audit.Assignments[0].AssignedTo)
	assert.Equal(t, workflow.MethodFallback, audit.AssignmentMethod)

	rec = do(h, http.MethodPost, "/appointments/A1/accept", "")
	require.Equal(t, http.StatusOK, rec.Code)
	appt, err := repo.GetAppointment(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, records.StatusConfirmed, appt.Status)

	rec = do(h, http.MethodPost, "/appointments/A1/cancel", `{"reason":"moved away"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/waitlist?patient_id=P1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []records.WaitlistEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "moved away", entries[0].Reason)

	rec = do(h, http.MethodGet, "/backfill/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m backfill.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 1, m.TotalFreedSlots)

	rec = do(h, http.MethodPost, "/appointments/A1/decline", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: end_date before start_date", workflow.ErrInvalidEvent), http.StatusBadRequest, "invalid_event"},
		{fmt.Errorf("load provider: %w", records.ErrProviderNotFound), http.StatusNotFound, "provider_not_found"},
		{workflow.ErrRunInProgress, http.StatusConflict, "run_in_progress"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		wf := new(mockWorkflow)
		wf.On("Run", mock.Anything, workflow.Event{ProviderID: "D1", StartDate: "2025-11-20", EndDate: "2025-11-21"}).
			Return(nil, tc.err).Once()
		h := NewRouter(RouterConfig{Workflow: wf})

		rec := do(h, http.MethodPost, "/workflows/unavailability",
			`{"provider_id":" D1 ","start_date":"2025-11-20","end_date":"2025-11-21"}`)
		assert.Equal(t, tc.status, rec.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.code, body.Error)
		wf.AssertExpectations(t)
	}
}

func TestUnavailabilityRejectsBadJSON(t *testing.T) {
	wf := new(mockWorkflow)
	rec := do(NewRouter(RouterConfig{Workflow: wf}), http.MethodPost, "/workflows/unavailability", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	wf.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestAppointmentErrorMapping(t *testing.T) {
	wf := new(mockWorkflow)
	wf.On("HandleDecline", mock.Anything, "A404").Return(nil, fmt.Errorf("load appointment: %w", records.ErrAppointmentNotFound))
	wf.On("Accept", mock.Anything, "A9").Return(nil, fmt.Errorf("%w: appointment A9 is cancelled", workflow.ErrInvalidTransition))
	wf.On("Cancel", mock.Anything, "A8", "").Return(nil, fmt.Errorf("%w: write failed", workflow.ErrBookingCommit))
	h := NewRouter(RouterConfig{Workflow: wf})

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/appointments/A404/decline", "").Code)
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/appointments/A9/accept", "").Code)
	assert.Equal(t, http.StatusBadGateway, do(h, http.MethodPost, "/appointments/A8/cancel", "").Code)
}

func TestOfferResponse(t *testing.T) {
	rec := do(NewRouter(RouterConfig{}), http.MethodPost, "/offers/o1/respond", `{"response":"yes"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	responder := &recordingResponder{}
	h := NewRouter(RouterConfig{Offers: responder})

	rec = do(h, http.MethodPost, "/offers/o1/respond", `{"response":" "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/offers/o1/respond", `{"response":"Yes"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"offer_id":"o1","response":"accept"}`, rec.Body.String())
	assert.Equal(t, "o1", responder.offerID)
	assert.Equal(t, "Yes", responder.reply)
}

func TestWaitlistRejectsBadRisk(t *testing.T) {
	h, _ := realRouter(t)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/waitlist?min_risk=2", "").Code)
}

func TestHealthWithoutDependencies(t *testing.T) {
	h := NewRouter(RouterConfig{Env: "test", Version: "v1"})

	rec := do(h, http.MethodGet, "/health/live", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"v1","env":"test"}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, map[string]string{"postgres": "disabled", "redis": "disabled"}, ready.Dependencies)
}

func TestRequestIDIsEchoed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	NewRouter(RouterConfig{}).ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
