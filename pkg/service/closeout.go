package service

import (
	"context"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/command"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
	"github.com/terryholliday/WVSNP-sub002/pkg/projection"
)

// cycleGrants loads the cycle index and every grant in it.
func (s *Service) cycleGrants(ctx context.Context, cycle string) (*stream[ledger.Cycle], []*stream[ledger.Grant], error) {
	cy, err := loadCycle(ctx, s.log, cycle)
	if err != nil {
		return nil, nil, err
	}
	if len(cy.state.GrantIDs) == 0 {
		return nil, nil, faults.NotFound("grant cycle %s has no grants", cycle)
	}
	grants := make([]*stream[ledger.Grant], 0, len(cy.state.GrantIDs))
	for _, id := range cy.state.GrantIDs {
		g, err := loadGrant(ctx, s.log, id)
		if err != nil {
			return nil, nil, err
		}
		grants = append(grants, g)
	}
	return cy, grants, nil
}

// summary brings the projections up to the log head and summarizes cycle.
func (s *Service) summary(ctx context.Context, cycle string) (projection.CycleSummary, error) {
	if _, err := s.projector.CatchUp(ctx); err != nil {
		return projection.CycleSummary{}, err
	}
	return s.projector.Views().Summary(cycle), nil
}

// runPreflight evaluates the closeout checklist. Only the closeout stream
// is written; budgets are untouched.
func (s *Service) runPreflight(ctx context.Context, now time.Time, c command.RunCloseoutPreflight) (plan, error) {
	cy, _, err := s.cycleGrants(ctx, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}
	co, err := loadCloseout(ctx, s.log, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}
	sum, err := s.summary(ctx, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}
	checks, passed := s.checklist.Evaluate(sum)
	result := ledger.PreflightResult{Passed: passed, Checks: checks, Watermark: sum.Position, EvaluatedAt: now}
	facts, err := co.state.RecordPreflight(result)
	if err != nil {
		return plan{}, err
	}

	var p plan
	if err := stage(&p.writes, co, facts); err != nil {
		return plan{}, err
	}
	fence(&p.writes, cy)
	p.result = closeoutResult(co.state)
	return p, nil
}

func (s *Service) closeoutTransition(ctx context.Context, cycle string, guard func(ledger.Closeout) ([]ledger.Fact, error)) (plan, error) {
	if _, _, err := s.cycleGrants(ctx, cycle); err != nil {
		return plan{}, err
	}
	co, err := loadCloseout(ctx, s.log, cycle)
	if err != nil {
		return plan{}, err
	}
	facts, err := guard(co.state)
	if err != nil {
		return plan{}, err
	}
	var p plan
	if err := stage(&p.writes, co, facts); err != nil {
		return plan{}, err
	}
	p.result = closeoutResult(co.state)
	return p, nil
}

// reconcileCloseout records the cycle's liquidated total, read from the
// grant streams, against the invoiced total of the projections.
func (s *Service) reconcileCloseout(ctx context.Context, now time.Time, c command.ReconcileCloseout) (plan, error) {
	_, grants, err := s.cycleGrants(ctx, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}
	co, err := loadCloseout(ctx, s.log, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}
	sum, err := s.summary(ctx, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}

	var p plan
	liquidated := money.Zero()
	for _, g := range grants {
		for _, b := range g.state.Buckets {
			liquidated = liquidated.Add(b.Liquidated)
		}
		fence(&p.writes, g)
	}
	facts, err := co.state.Reconcile(liquidated, sum.Invoiced, now)
	if err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, co, facts); err != nil {
		return plan{}, err
	}
	p.result = closeoutResult(co.state)
	return p, nil
}

// closeGrantCycle closes the cycle and lapses every remaining available
// balance in the same append.
func (s *Service) closeGrantCycle(ctx context.Context, now time.Time, c command.CloseGrantCycle) (plan, error) {
	cy, grants, err := s.cycleGrants(ctx, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}
	co, err := loadCloseout(ctx, s.log, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}
	sum, err := s.summary(ctx, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}
	facts, err := co.state.Close(len(sum.UninvoicedApproved), now)
	if err != nil {
		return plan{}, err
	}

	var p plan
	if err := stage(&p.writes, co, facts); err != nil {
		return plan{}, err
	}
	fence(&p.writes, cy)
	for _, g := range grants {
		if err := stage(&p.writes, g, g.state.Lapse("grant cycle closed")); err != nil {
			return plan{}, err
		}
	}
	p.result = closeoutResult(co.state)
	return p, nil
}

func closeoutResult(co ledger.Closeout) Result {
	res := Result{GrantCycle: co.GrantCycle, Status: string(co.Status)}
	if co.LastPreflight != nil {
		pf := *co.LastPreflight
		res.Preflight = &pf
	}
	return res
}
