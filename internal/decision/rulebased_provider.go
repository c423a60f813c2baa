package decision

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hackgods/appointment-reassignment/internal/matching"
)

// Reasoning texts of the deterministic paths.
const (
	ReasonGapFillAssign   = "auto-assigned, gap-fill"
	ReasonGapFillWaitlist = "no suitable match, score below threshold"
	ReasonNoCandidates    = "no qualified candidates"
)

// RuleBasedProvider decides by running the scoring engine directly. It is
// the fallback when a model-backed provider fails, and it never fails on
// well-formed input.
type RuleBasedProvider struct {
	engine  *matching.Engine
	workers int
}

func NewRuleBasedProvider(engine *matching.Engine) *RuleBasedProvider {
	return &RuleBasedProvider{engine: engine, workers: runtime.GOMAXPROCS(0)}
}

func (p *RuleBasedProvider) Name() string { return NameRuleBased }

// Decide scores every case concurrently; the output keeps bundle order.
func (p *RuleBasedProvider) Decide(ctx context.Context, bundle CaseBundle) (*Output, error) {
	decisions := make([]Decision, len(bundle.Cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.workers, 1))
	for i := range bundle.Cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			decisions[i] = p.decide(&bundle, &bundle.Cases[i], false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("rule-based decision: %w", err)
	}

	assigned, waitlisted := 0, 0
	for _, d := range decisions {
		if d.Action == ActionAssign {
			assigned++
		} else {
			waitlisted++
		}
	}
	return &Output{
		Assignments: decisions,
		Summary: map[string]any{
			"method":     NameRuleBased,
			"assigned":   assigned,
			"waitlisted": waitlisted,
		},
	}, nil
}

// GapFill decides a single case the decision provider did not cover.
func (p *RuleBasedProvider) GapFill(bundle *CaseBundle, c *Case) Decision {
	return p.decide(bundle, c, true)
}

func (p *RuleBasedProvider) decide(bundle *CaseBundle, c *Case, gapFill bool) Decision {
	d := Decision{
		AppointmentID: c.Appointment.ID,
		PatientID:     c.Patient.ID,
		Action:        ActionWaitlist,
	}

	best, err := p.engine.Best(matching.RankInput{
		Patient:     &c.Patient,
		Appointment: &c.Appointment,
		Original:    &bundle.UnavailableProvider,
		Candidates:  bundle.Candidates(c),
	})
	if err != nil {
		score := 0
		d.MatchScore = &score
		d.MatchQuality = string(matching.Poor)
		d.Reasoning = ReasonNoCandidates
		return d
	}

	score := best.Total
	d.MatchScore = &score
	d.MatchQuality = string(best.Recommendation)
	d.MatchFactors = best.Breakdown

	threshold := p.engine.Thresholds.Acceptable
	if score >= threshold {
		id := best.ProviderID
		d.Action = ActionAssign
		d.AssignedTo = &id
		if gapFill {
			d.Reasoning = ReasonGapFillAssign
		} else {
			d.Reasoning = fmt.Sprintf("rule-based match: %s scored %d (%s)", id, score, best.Recommendation)
		}
		return d
	}

	if gapFill {
		d.Reasoning = ReasonGapFillWaitlist
	} else {
		d.Reasoning = fmt.Sprintf("no suitable match, best score %d below threshold %d", score, threshold)
	}
	return d
}
