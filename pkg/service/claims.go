package service

import (
	"context"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/command"
	"github.com/terryholliday/WVSNP-sub002/pkg/evidence"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
)

func (s *Service) submitClaim(ctx context.Context, now time.Time, env command.Envelope, c command.SubmitClaim) (plan, error) {
	v, err := loadVoucher(ctx, s.log, c.VoucherID)
	if err != nil {
		return plan{}, err
	}
	if !v.state.Exists() {
		return plan{}, faults.NotFound("voucher %s does not exist", c.VoucherID)
	}
	if v.state.ClinicID != "" && v.state.ClinicID != c.ClinicID {
		return plan{}, faults.Validation("voucher %s is assigned to clinic %s", c.VoucherID, v.state.ClinicID)
	}

	claimID := c.ClaimID
	if claimID == "" {
		claimID = derivedID(env, "claim")
	}
	attach, err := v.state.AttachClaim(claimID, now)
	if err != nil {
		return plan{}, err
	}
	if err := evidence.Verify(ctx, s.evidence, c.Evidence); err != nil {
		return plan{}, err
	}
	cl, err := loadClaim(ctx, s.log, claimID)
	if err != nil {
		return plan{}, err
	}
	submit, err := cl.state.Submit(ledger.ClaimSubmittedPayload{
		ClaimID:     claimID,
		VoucherID:   c.VoucherID,
		GrantID:     v.state.GrantID,
		GrantCycle:  v.state.GrantCycle,
		Bucket:      v.state.Bucket,
		ClinicID:    c.ClinicID,
		Amount:      c.Amount,
		ServiceDate: c.ServiceDate.String(),
		Evidence:    c.Evidence,
		SubmittedAt: now,
	})
	if err != nil {
		return plan{}, err
	}

	var p plan
	// A voucher reopened by a denial must win its encumbrance back first.
	if need := v.state.Shortfall(); need.IsPositive() {
		g, err := loadGrant(ctx, s.log, v.state.GrantID)
		if err != nil {
			return plan{}, err
		}
		encumber, err := g.state.Encumber(v.state.Bucket, need, c.VoucherID)
		if err != nil {
			return plan{}, err
		}
		if err := stage(&p.writes, g, encumber); err != nil {
			return plan{}, err
		}
		p.result = grantResult(g.state, v.state.Bucket)
	}
	if err := stage(&p.writes, v, attach); err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, cl, submit); err != nil {
		return plan{}, err
	}
	p.result.VoucherID = c.VoucherID
	p.result.ClaimID = claimID
	p.result.GrantCycle = v.state.GrantCycle
	p.result.Status = string(cl.state.Status)
	return p, nil
}

// claimParties loads a claim with the voucher and grant it draws on.
func (s *Service) claimParties(ctx context.Context, claimID string) (*stream[ledger.Claim], *stream[ledger.Voucher], *stream[ledger.Grant], error) {
	cl, err := loadClaim(ctx, s.log, claimID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !cl.state.Exists() {
		return nil, nil, nil, faults.NotFound("claim %s does not exist", claimID)
	}
	v, err := loadVoucher(ctx, s.log, cl.state.VoucherID)
	if err != nil {
		return nil, nil, nil, err
	}
	g, err := loadGrant(ctx, s.log, cl.state.GrantID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !v.state.Exists() || !g.state.Exists() {
		return nil, nil, nil, faults.Invariant("claim %s references a missing voucher or grant", claimID)
	}
	return cl, v, g, nil
}

func (s *Service) adjudicateClaim(ctx context.Context, now time.Time, env command.Envelope, c command.AdjudicateClaim) (plan, error) {
	cl, v, g, err := s.claimParties(ctx, c.ClaimID)
	if err != nil {
		return plan{}, err
	}
	d := ledger.Decision{PolicySnapshotRef: c.PolicySnapshotRef, DecidedBy: env.Actor.ID, Reason: c.Reason, DecidedAt: now}
	bucket := v.state.Bucket

	var claimFacts, voucherFacts, grantFacts []ledger.Fact
	if c.Decision == command.DecisionApprove {
		if claimFacts, err = cl.state.Approve(c.ApprovedAmount, v.state.MaxReimbursement, d); err != nil {
			return plan{}, err
		}
		if voucherFacts, err = v.state.Redeem(c.ClaimID, c.ApprovedAmount); err != nil {
			return plan{}, err
		}
		remainder, ok := v.state.Encumbered.CheckedSub(c.ApprovedAmount)
		if !ok {
			return plan{}, faults.Invariant("voucher %s encumbers %s, less than approved %s", v.state.VoucherID, v.state.Encumbered, c.ApprovedAmount)
		}
		liquidate, err := g.state.Liquidate(bucket, c.ApprovedAmount, v.state.VoucherID, c.ClaimID)
		if err != nil {
			return plan{}, err
		}
		grantFacts = liquidate
		if !remainder.IsZero() {
			// Release is computed against the post-liquidation balance.
			after, err := ledger.ApplyFacts(g.state, liquidate)
			if err != nil {
				return plan{}, err
			}
			release, err := after.Release(bucket, remainder, v.state.VoucherID, "approved below voucher maximum")
			if err != nil {
				return plan{}, err
			}
			grantFacts = append(grantFacts, release...)
		}
	} else {
		if claimFacts, err = cl.state.Deny(d, c.VoidVoucher); err != nil {
			return plan{}, err
		}
		if c.VoidVoucher {
			voucherFacts, err = v.state.Void(c.Reason, now, true)
		} else {
			voucherFacts, err = v.state.DetachClaim(c.ClaimID, c.Reason)
		}
		if err != nil {
			return plan{}, err
		}
		if grantFacts, err = g.state.Release(bucket, v.state.Encumbered, v.state.VoucherID, "claim denied"); err != nil {
			return plan{}, err
		}
	}

	var p plan
	if err := stage(&p.writes, cl, claimFacts); err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, v, voucherFacts); err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, g, grantFacts); err != nil {
		return plan{}, err
	}
	p.result = grantResult(g.state, bucket)
	p.result.ClaimID = c.ClaimID
	p.result.VoucherID = v.state.VoucherID
	p.result.Status = string(cl.state.Status)
	return p, nil
}

// adjustClaim moves the approved amount of an uninvoiced claim. Raising it
// draws the difference from available funds; lowering it returns the
// difference to available.
func (s *Service) adjustClaim(ctx context.Context, now time.Time, env command.Envelope, c command.AdjustClaim) (plan, error) {
	cl, v, g, err := s.claimParties(ctx, c.ClaimID)
	if err != nil {
		return plan{}, err
	}
	d := ledger.Decision{PolicySnapshotRef: c.PolicySnapshotRef, DecidedBy: env.Actor.ID, Reason: c.Reason, DecidedAt: now}
	previous := cl.state.Approved
	claimFacts, err := cl.state.Adjust(c.Amount, v.state.MaxReimbursement, d)
	if err != nil {
		return plan{}, err
	}

	bucket := v.state.Bucket
	var grantFacts []ledger.Fact
	if up, ok := c.Amount.CheckedSub(previous); ok {
		encumber, err := g.state.Encumber(bucket, up, v.state.VoucherID)
		if err != nil {
			return plan{}, err
		}
		after, err := ledger.ApplyFacts(g.state, encumber)
		if err != nil {
			return plan{}, err
		}
		liquidate, err := after.Liquidate(bucket, up, v.state.VoucherID, c.ClaimID)
		if err != nil {
			return plan{}, err
		}
		grantFacts = append(encumber, liquidate...)
	} else {
		if grantFacts, err = g.state.ReverseLiquidation(bucket, previous.Sub(c.Amount), c.ClaimID); err != nil {
			return plan{}, err
		}
	}

	var p plan
	if err := stage(&p.writes, cl, claimFacts); err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, g, grantFacts); err != nil {
		return plan{}, err
	}
	fence(&p.writes, v)
	p.result = grantResult(g.state, bucket)
	p.result.ClaimID = c.ClaimID
	p.result.VoucherID = v.state.VoucherID
	p.result.Status = string(cl.state.Status)
	return p, nil
}
