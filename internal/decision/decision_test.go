package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reassignment/internal/llm"
	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/matching"
	"github.com/hackgods/appointment-reassignment/internal/records"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool, jsonMode bool) (*llm.Message, error) {
	args := m.Called(ctx, messages, tools, jsonMode)
	msg, _ := args.Get(0).(*llm.Message)
	return msg, args.Error(1)
}

func (m *mockClient) Model() string { return "mock-model" }

// testBundle has two cases: A1 can go to the orthopedist D2, A2 has no
// qualified candidates.
func testBundle() CaseBundle {
	original := records.Provider{ID: "D1", Name: "Dr. Gone", Specialty: "Orthopedics", YearsExperience: 5, Status: records.ProviderActive}
	ortho := records.Provider{ID: "D2", Name: "Dr. Bone", Specialty: "Orthopedics", LocationCode: "02139",
		CurrentPatientLoad: 10, MaxPatientCapacity: 100, YearsExperience: 9, Status: records.ProviderActive}
	return CaseBundle{
		UnavailableProvider: original,
		StartDate:           "2025-11-20",
		EndDate:             "2025-11-21",
		Reason:              "sick leave",
		Cases: []Case{
			{
				Appointment:          records.Appointment{ID: "A1", PatientID: "P1", ProviderID: "D1", Date: "2025-11-20", Time: "10:00"},
				Patient:              records.Patient{ID: "P1", RequiredSpecialty: "orthopedic", GenderPreference: records.GenderAny, LocationCode: "02139"},
				QualifiedProviderIDs: []string{"D2"},
			},
			{
				Appointment: records.Appointment{ID: "A2", PatientID: "P2", ProviderID: "D1", Date: "2025-11-21", Time: "11:00"},
				Patient:     records.Patient{ID: "P2", RequiredSpecialty: "neurology", GenderPreference: records.GenderAny},
			},
		},
		Providers:    []records.Provider{ortho},
		ScoringRules: matching.DefaultWeights(),
		Thresholds:   matching.DefaultThresholds(),
	}
}

func TestParseOutputStripsFences(t *testing.T) {
	raw := "Here you go:\n```json\n{\"assignments\":[{\"appointment_id\":\"A1\",\"patient_id\":\"P1\",\"action\":\"assign_hod_review\",\"assigned_to\":\"D9\",\"match_factors\":{\"continuity\":true,\"specialty\":35.4}}]}\n```"
	out, err := ParseOutput(raw)
	require.NoError(t, err)
	require.Len(t, out.Assignments, 1)
	d := out.Assignments[0]
	assert.Equal(t, ActionAssignReview, d.Action)
	assert.Equal(t, "D9", *d.AssignedTo)
	assert.Equal(t, 1, d.MatchFactors["continuity"])
	assert.Equal(t, 35, d.MatchFactors["specialty"])
}

func TestParseOutputRejectsEmptyOrMissing(t *testing.T) {
	for _, raw := range []string{
		`{"assignments": []}`,
		`{"summary": {"assigned": 0}}`,
		`{"assignments": "none"}`,
		`not json at all`,
		`{"assignments": [{"patient_id": "P1", "action": "assign"}]}`,
		`{"assignments": [{"appointment_id": "A1", "action": "teleport"}]}`,
	} {
		_, err := ParseOutput(raw)
		assert.ErrorIs(t, err, ErrMalformedOutput, raw)
	}
}

func TestParseOutputBlankAssigneeBecomesNil(t *testing.T) {
	out, err := ParseOutput(`{"assignments":[{"appointment_id":"A1","action":"waitlist","assigned_to":""}]}`)
	require.NoError(t, err)
	assert.Nil(t, out.Assignments[0].AssignedTo)
}

func TestValidateNil(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), ErrMalformedOutput)
}

func TestScoreForQuality(t *testing.T) {
	assert.Equal(t, 100, ScoreForQuality("excellent"))
	assert.Equal(t, 75, ScoreForQuality("GOOD"))
	assert.Equal(t, 60, ScoreForQuality("ACCEPTABLE"))
	assert.Equal(t, 40, ScoreForQuality("POOR"))
	assert.Equal(t, 40, ScoreForQuality(""))
}

func TestBundleCandidatesKeepRosterOrder(t *testing.T) {
	b := testBundle()
	b.Providers = append(b.Providers, records.Provider{ID: "D3", Specialty: "Orthopedics"}, records.Provider{ID: "D4", Specialty: "Orthopedics"})
	b.Cases[0].QualifiedProviderIDs = []string{"D4", "D2"}

	got := b.Candidates(&b.Cases[0])
	require.Len(t, got, 2)
	assert.Equal(t, "D2", got[0].ID)
	assert.Equal(t, "D4", got[1].ID)
}

func TestTemplateProviderDecides(t *testing.T) {
	client := new(mockClient)
	client.On("Chat", mock.Anything, mock.MatchedBy(func(msgs []llm.Message) bool {
		return len(msgs) == 2 && msgs[0].Role == "system" && msgs[1].Role == "user"
	}), mock.Anything, true).Return(&llm.Message{
		Role:    "assistant",
		Content: `{"assignments":[{"appointment_id":"A1","patient_id":"P1","action":"assign","assigned_to":"D2","match_score":95,"reasoning":"best fit"}],"summary":{"assigned":1}}`,
	}, nil).Once()

	p := NewTemplateProvider(client, logger.Nop())
	out, err := p.Decide(context.Background(), testBundle())
	require.NoError(t, err)
	require.Len(t, out.Assignments, 1)
	assert.Equal(t, 95, *out.Assignments[0].MatchScore)
	client.AssertExpectations(t)
}

func TestTemplateProviderPropagatesFailures(t *testing.T) {
	client := new(mockClient)
	client.On("Chat", mock.Anything, mock.Anything, mock.Anything, true).
		Return(nil, errors.New("connection refused")).Once()

	_, err := NewTemplateProvider(client, logger.Nop()).Decide(context.Background(), testBundle())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestTemplateProviderRejectsEmptyAssignments(t *testing.T) {
	client := new(mockClient)
	client.On("Chat", mock.Anything, mock.Anything, mock.Anything, true).
		Return(&llm.Message{Content: `{"assignments": []}`}, nil).Once()

	_, err := NewTemplateProvider(client, logger.Nop()).Decide(context.Background(), testBundle())
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestUserPromptCarriesBundle(t *testing.T) {
	b := testBundle()
	prompt, err := renderUserPrompt(&b)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Dr. Gone (D1, Orthopedics) is unavailable from 2025-11-20 to 2025-11-21")
	assert.Contains(t, prompt, "Reason: sick leave.")
	assert.Contains(t, prompt, `"qualified_provider_ids"`)
	assert.Contains(t, prompt, "acceptable >= 60")
}
