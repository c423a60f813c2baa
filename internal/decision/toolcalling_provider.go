package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hackgods/appointment-reassignment/internal/llm"
	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/matching"
)

const DefaultMaxIterations = 20

var ErrIterationLimit = errors.New("tool loop reached iteration limit")

const toolSystemPrompt = `You are a healthcare scheduling coordinator reassigning the appointments of an
unavailable provider. Use the tools to inspect appointments, patients and
qualified providers and to compute match scores. When every appointment has a
decision, call submit_assignments exactly once with one entry per appointment.
Actions: "assign", "assign_review" or "waitlist". Only assign providers returned
by get_available_providers for that appointment.`

const (
	toolAffected     = "get_affected_appointments"
	toolPatient      = "get_patient_details"
	toolProviders    = "get_available_providers"
	toolProvider     = "get_provider_details"
	toolMatchScore   = "calculate_match_score"
	toolSubmit       = "submit_assignments"
	argAppointmentID = "appointment_id"
)

func stringParams(required ...string) map[string]any {
	props := map[string]any{}
	for _, name := range required {
		props[name] = map[string]any{"type": "string"}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

var tools = []llm.Tool{
	llm.NewTool(toolAffected, "List the affected appointments with patient ids, dates and times.", nil),
	llm.NewTool(toolPatient, "Get a patient's preferences, prior providers and location.", stringParams("patient_id")),
	llm.NewTool(toolProviders, "List the providers qualified for one appointment.", stringParams(argAppointmentID)),
	llm.NewTool(toolProvider, "Get one provider's details.", stringParams("provider_id")),
	llm.NewTool(toolMatchScore, "Score a provider for an appointment; returns total, breakdown and recommendation.",
		stringParams(argAppointmentID, "provider_id")),
	llm.NewTool(toolSubmit, "Submit the final decisions.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"assignments": map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
			"summary":     map[string]any{"type": "object"},
		},
		"required": []string{"assignments"},
	}),
}

// ToolCallingProvider lets the model pull case data through function calls
// over several turns before submitting decisions.
type ToolCallingProvider struct {
	client        llm.Client
	engine        *matching.Engine
	log           *logger.Logger
	maxIterations int
}

func NewToolCallingProvider(client llm.Client, engine *matching.Engine, log *logger.Logger) *ToolCallingProvider {
	return &ToolCallingProvider{
		client:        client,
		engine:        engine,
		log:           log.With("provider", NameToolCalling),
		maxIterations: DefaultMaxIterations,
	}
}

func (p *ToolCallingProvider) Name() string { return NameToolCalling }

func (p *ToolCallingProvider) Decide(ctx context.Context, bundle CaseBundle) (*Output, error) {
	messages := []llm.Message{
		{Role: "system", Content: toolSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Provider %s (%s) is unavailable from %s to %s. Reassign all %d affected appointments.",
			bundle.UnavailableProvider.Name, bundle.UnavailableProvider.ID,
			bundle.StartDate, bundle.EndDate, len(bundle.Cases))},
	}

	for i := 0; i < p.maxIterations; i++ {
		msg, err := p.client.Chat(ctx, messages, tools, false)
		if err != nil {
			return nil, fmt.Errorf("tool decision turn %d: %w", i+1, err)
		}
		messages = append(messages, *msg)

		if len(msg.ToolCalls) == 0 {
			// a final answer given as plain JSON is accepted too
			return ParseOutput(msg.Content)
		}

		for _, call := range msg.ToolCalls {
			if call.Function.Name == toolSubmit {
				p.log.Info("assignments submitted", "turns", i+1)
				return ParseOutput(call.Function.Arguments)
			}
			result := p.execute(&bundle, call)
			p.log.Debug("tool executed", "tool", call.Function.Name, "turn", i+1)
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}
	return nil, fmt.Errorf("%w (%d)", ErrIterationLimit, p.maxIterations)
}

type toolArgs struct {
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	ProviderID    string `json:"provider_id"`
}

// execute runs one read-only tool against the bundle and returns its JSON
// result. Errors are reported to the model as {"error": "..."}.
func (p *ToolCallingProvider) execute(bundle *CaseBundle, call llm.ToolCall) string {
	var args toolArgs
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return toolError("invalid arguments: " + err.Error())
		}
	}

	var result any
	switch call.Function.Name {
	case toolAffected:
		type row struct {
			AppointmentID string `json:"appointment_id"`
			PatientID     string `json:"patient_id"`
			Date          string `json:"date"`
			Time          string `json:"time"`
		}
		rows := make([]row, 0, len(bundle.Cases))
		for _, c := range bundle.Cases {
			rows = append(rows, row{c.Appointment.ID, c.Patient.ID, c.Appointment.Date, c.Appointment.Time})
		}
		result = rows

	case toolPatient:
		for _, c := range bundle.Cases {
			if c.Patient.ID == args.PatientID {
				result = c.Patient
				break
			}
		}

	case toolProviders:
		c, ok := bundle.Case(args.AppointmentID)
		if ok {
			result = bundle.Candidates(c)
		}

	case toolProvider:
		if pr, ok := bundle.Provider(args.ProviderID); ok {
			result = pr
		}

	case toolMatchScore:
		c, ok := bundle.Case(args.AppointmentID)
		pr, okProvider := bundle.Provider(args.ProviderID)
		if ok && okProvider {
			result = p.engine.Score(matching.Input{
				Patient:     &c.Patient,
				Candidate:   pr,
				Appointment: &c.Appointment,
				Original:    &bundle.UnavailableProvider,
			})
		}

	default:
		return toolError("unknown tool " + call.Function.Name)
	}

	if result == nil {
		return toolError("not found")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return toolError(err.Error())
	}
	return string(data)
}

func toolError(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
