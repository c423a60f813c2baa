package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reassignment/internal/backfill"
	"github.com/hackgods/appointment-reassignment/internal/workflow"
)

const snapshot = `{
  "patients": [
    {"patient_id": "P1", "name": "Pat", "required_specialty": "orthopedic", "location_code": "02139"}
  ],
  "providers": [
    {"provider_id": "D1", "name": "Dr. Out", "specialty": "Orthopedics", "years_experience": 5, "location_code": "02139"},
    {"provider_id": "D2", "name": "Dr. In", "specialty": "Orthopedics", "years_experience": 9, "location_code": "02139",
     "current_patient_load": 10, "max_patient_capacity": 100}
  ],
  "appointments": [
    {"appointment_id": "A1", "patient_id": "P1", "provider_id": "D1", "date": "2025-11-20", "time": "10:00"}
  ]
}`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// withApp writes these; register them for restore
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("SNAPSHOT_FILE", "")
	t.Setenv("DECISION_MODE", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("REDIS_ADDR", "")

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append(args, "--snapshot", path, "--mode", "rule_based"))
	err := root.Execute()
	return out.String(), err
}

func TestRunCommandPrintsAuditLog(t *testing.T) {
	out, err := execute(t, "run", "--provider", "D1", "--start", "2025-11-20", "--reason", "sick")
	require.NoError(t, err)

	var audit workflow.AuditLog
	require.NoError(t, json.Unmarshal([]byte(out), &audit))
	assert.Equal(t, "2025-11-20", audit.Event.EndDate)
	require.Len(t, audit.Assignments, 1)
	assert.Equal(t, "D2", *audit.Assignments[0].AssignedTo)
	assert.Equal(t, workflow.MethodFallback, audit.AssignmentMethod)
}

func TestRunCommandRequiresProvider(t *testing.T) {
	_, err := execute(t, "run", "--start", "2025-11-20")
	assert.ErrorContains(t, err, `"provider"`)
}

func TestCancelCommand(t *testing.T) {
	out, err := execute(t, "cancel", "--appointment", "A1", "--reason", "travel")
	require.NoError(t, err)

	var res workflow.CancelOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "A1", res.AppointmentID)
	assert.NotEmpty(t, res.WaitlistID)
}

func TestBackfillMetricsCommand(t *testing.T) {
	out, err := execute(t, "backfill-metrics")
	require.NoError(t, err)

	var m backfill.Metrics
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Zero(t, m.TotalFreedSlots)
}

func TestDeclineUnknownAppointment(t *testing.T) {
	_, err := execute(t, "decline", "--appointment", "A404")
	assert.ErrorContains(t, err, "appointment not found")
}
