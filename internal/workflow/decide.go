package workflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/appointment-reassignment/internal/decision"
	"github.com/hackgods/appointment-reassignment/internal/matching"
)

type decided struct {
	d      decision.Decision
	source string
}

// decide asks the decision provider for the whole batch, falls back to the
// rule-based provider on failure, validates every decision against the
// qualified pools and gap-fills what the provider left out.
func (e *Engine) decide(ctx context.Context, rec *recorder, audit *AuditLog, bundle *decision.CaseBundle) (map[string]decided, error) {
	ctx, span := rec.span(ctx, StateDecide, attribute.String("decision_provider", e.provider.Name()))
	defer span.End()

	audit.DecisionProvider = e.provider.Name()
	rec.stage(ctx, StateScore, "", "bundle ready", map[string]any{
		"cases":     len(bundle.Cases),
		"providers": len(bundle.Providers),
	})

	method := MethodDecisionProvider
	if e.provider.Name() == decision.NameRuleBased {
		method = MethodFallback
	}

	out, err := e.callProvider(ctx, *bundle)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("decide: %w", ctxErr)
		}
		e.log.Warn("decision provider failed, using rule-based fallback",
			"run_id", rec.runID,
			"decision_provider", e.provider.Name(),
			"error", err,
		)
		span.RecordError(err)
		audit.UsedFallback = true
		audit.FallbackReason = err.Error()
		rec.logEvent(ctx, EventDecisionFallback, "", map[string]any{
			"decision_provider": e.provider.Name(),
			"reason":            err.Error(),
		})

		out, err = e.fallback.Decide(ctx, *bundle)
		if err != nil {
			return nil, fmt.Errorf("fallback decision: %w", err)
		}
		method = MethodFallback
	}
	audit.AssignmentMethod = method
	rec.stage(ctx, StateDecide, "", method, map[string]any{"assignments": len(out.Assignments)})

	result := make(map[string]decided, len(bundle.Cases))
	for _, d := range out.Assignments {
		c, ok := bundle.Case(d.AppointmentID)
		if !ok {
			e.log.Warn("decision for unknown appointment ignored", "run_id", rec.runID, "appointment_id", d.AppointmentID)
			continue
		}
		if _, dup := result[d.AppointmentID]; dup {
			e.log.Warn("duplicate decision ignored", "run_id", rec.runID, "appointment_id", d.AppointmentID)
			continue
		}
		result[d.AppointmentID] = decided{d: e.sanitize(bundle, c, d), source: SourceDecision}
	}

	for i := range bundle.Cases {
		c := &bundle.Cases[i]
		if _, ok := result[c.Appointment.ID]; ok {
			continue
		}
		d := e.fallback.GapFill(bundle, c)
		result[c.Appointment.ID] = decided{d: d, source: SourceGapFill}
		rec.stage(ctx, StateDecide, c.Appointment.ID, "gap-filled", map[string]any{"action": string(d.Action)})
	}
	return result, nil
}

// callProvider bounds the decision call by the configured timeout. The call
// itself is not cancelled on timeout; its result is simply dropped.
func (e *Engine) callProvider(ctx context.Context, bundle decision.CaseBundle) (*decision.Output, error) {
	type result struct {
		out *decision.Output
		err error
	}
	ch := make(chan result, 1)
	callCtx := context.WithoutCancel(ctx)
	go func() {
		out, err := e.provider.Decide(callCtx, bundle)
		ch <- result{out, err}
	}()

	timer := time.NewTimer(e.cfg.DecisionTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if err := decision.Validate(r.out); err != nil {
			return nil, err
		}
		return r.out, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", decision.ErrDecisionTimeout, e.cfg.DecisionTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sanitize downgrades assignments to providers outside the case's qualified
// pool and fills in the score fields the provider left empty.
func (e *Engine) sanitize(bundle *decision.CaseBundle, c *decision.Case, d decision.Decision) decision.Decision {
	d.PatientID = c.Patient.ID

	if d.Action != decision.ActionWaitlist {
		if d.AssignedTo == nil || !slices.Contains(c.QualifiedProviderIDs, *d.AssignedTo) {
			who := "none"
			if d.AssignedTo != nil {
				who = *d.AssignedTo
			}
			d.Reasoning = fmt.Sprintf("downgraded to waitlist: provider %s is not in the qualified pool; %s", who, d.Reasoning)
			d.Action = decision.ActionWaitlist
			d.AssignedTo = nil
		}
	} else {
		d.AssignedTo = nil
	}

	if d.MatchScore == nil && d.MatchQuality != "" {
		score := decision.ScoreForQuality(d.MatchQuality)
		d.MatchScore = &score
	}

	if d.AssignedTo != nil {
		if len(d.MatchFactors) == 0 {
			p, _ := bundle.Provider(*d.AssignedTo)
			s := e.scorer.Score(matching.Input{
				Patient:     &c.Patient,
				Candidate:   p,
				Appointment: &c.Appointment,
				Original:    &bundle.UnavailableProvider,
			})
			d.MatchFactors = s.Breakdown
			if d.MatchScore == nil {
				d.MatchScore = &s.Total
			}
			if d.MatchQuality == "" {
				d.MatchQuality = string(s.Recommendation)
			}
		}
		return d
	}

	if d.MatchScore == nil {
		score := 0
		if best, err := e.scorer.Best(matching.RankInput{
			Patient:     &c.Patient,
			Appointment: &c.Appointment,
			Original:    &bundle.UnavailableProvider,
			Candidates:  bundle.Candidates(c),
		}); err == nil {
			score = best.Total
		}
		d.MatchScore = &score
	}
	return d
}
