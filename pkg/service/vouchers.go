package service

import (
	"context"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/command"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
)

func (s *Service) createGrant(ctx context.Context, c command.CreateGrant) (plan, error) {
	g, err := loadGrant(ctx, s.log, c.GrantID)
	if err != nil {
		return plan{}, err
	}
	co, err := loadCloseout(ctx, s.log, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}
	if err := openCycle(co.state, "create grant"); err != nil {
		return plan{}, err
	}
	cy, err := loadCycle(ctx, s.log, c.GrantCycle)
	if err != nil {
		return plan{}, err
	}

	var p plan
	facts, err := g.state.Create(c.GrantID, c.GrantCycle, c.Name)
	if err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, g, facts); err != nil {
		return plan{}, err
	}
	if facts, err = cy.state.Register(c.GrantCycle, c.GrantID); err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, cy, facts); err != nil {
		return plan{}, err
	}
	fence(&p.writes, co)
	p.result = Result{GrantID: c.GrantID, GrantCycle: c.GrantCycle}
	return p, nil
}

func (s *Service) awardBudget(ctx context.Context, c command.AwardBudget) (plan, error) {
	g, err := loadGrant(ctx, s.log, c.GrantID)
	if err != nil {
		return plan{}, err
	}
	if !g.state.Exists() {
		return plan{}, faults.NotFound("grant %s does not exist", c.GrantID)
	}
	co, err := loadCloseout(ctx, s.log, g.state.Cycle)
	if err != nil {
		return plan{}, err
	}
	if err := openCycle(co.state, "award budget"); err != nil {
		return plan{}, err
	}

	var p plan
	facts, err := g.state.Award(c.Bucket, c.Amount)
	if err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, g, facts); err != nil {
		return plan{}, err
	}
	fence(&p.writes, co)
	p.result = grantResult(g.state, c.Bucket)
	return p, nil
}

// issueVoucher encumbers the voucher's maximum and issues it in one append.
// A zero confirmBy issues the voucher online.
func (s *Service) issueVoucher(ctx context.Context, now time.Time, env command.Envelope, r command.VoucherRequest, confirmBy time.Time) (plan, error) {
	g, err := loadGrant(ctx, s.log, r.GrantID)
	if err != nil {
		return plan{}, err
	}
	if !g.state.Exists() {
		return plan{}, faults.NotFound("grant %s does not exist", r.GrantID)
	}
	co, err := loadCloseout(ctx, s.log, g.state.Cycle)
	if err != nil {
		return plan{}, err
	}
	if err := co.state.AcceptsIssuance(); err != nil {
		return plan{}, err
	}

	voucherID := r.VoucherID
	if voucherID == "" {
		voucherID = derivedID(env, "voucher")
	}
	v, err := loadVoucher(ctx, s.log, voucherID)
	if err != nil {
		return plan{}, err
	}

	terms := ledger.VoucherTerms{
		VoucherID:          voucherID,
		GrantID:            r.GrantID,
		GrantCycle:         g.state.Cycle,
		Bucket:             r.Bucket,
		ClinicID:           r.ClinicID,
		MaxReimbursement:   r.MaxReimbursement,
		Flags:              r.Flags,
		Recipient:          r.Recipient,
		Procedure:          r.Procedure,
		IssuedAt:           now,
		ExpiresAt:          r.ExpiresAt,
		TentativeExpiresAt: confirmBy,
	}
	issue, err := v.state.Issue(terms, !confirmBy.IsZero())
	if err != nil {
		return plan{}, err
	}
	encumber, err := g.state.Encumber(r.Bucket, r.MaxReimbursement, voucherID)
	if err != nil {
		return plan{}, err
	}

	var p plan
	if err := stage(&p.writes, g, encumber); err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, v, issue); err != nil {
		return plan{}, err
	}
	fence(&p.writes, co)
	p.result = grantResult(g.state, r.Bucket)
	p.result.VoucherID = voucherID
	p.result.Status = string(v.state.Status)
	return p, nil
}

func (s *Service) confirmVoucher(ctx context.Context, now time.Time, c command.ConfirmTentativeVoucher) (plan, error) {
	v, err := loadVoucher(ctx, s.log, c.VoucherID)
	if err != nil {
		return plan{}, err
	}
	facts, confirmErr := v.state.Confirm(now)
	if confirmErr != nil && faults.KindOf(confirmErr) != faults.KindVoucherExpired {
		return plan{}, confirmErr
	}
	var p plan
	if confirmErr != nil {
		// The window closed: record the expiry and give the funds back.
		if err := s.closeVoucher(ctx, &p, v, facts, "tentative voucher expired"); err != nil {
			return plan{}, err
		}
		p.fail = confirmErr
		return p, nil
	}
	if err := stage(&p.writes, v, facts); err != nil {
		return plan{}, err
	}
	p.result = Result{VoucherID: c.VoucherID, GrantID: v.state.GrantID, GrantCycle: v.state.GrantCycle, Status: string(v.state.Status)}
	return p, nil
}

func (s *Service) voidVoucher(ctx context.Context, now time.Time, c command.VoidVoucher) (plan, error) {
	v, err := loadVoucher(ctx, s.log, c.VoucherID)
	if err != nil {
		return plan{}, err
	}
	facts, err := v.state.Void(c.Reason, now, false)
	if err != nil {
		return plan{}, err
	}
	var p plan
	if err := s.closeVoucher(ctx, &p, v, facts, c.Reason); err != nil {
		return plan{}, err
	}
	return p, nil
}

func (s *Service) expireVoucher(ctx context.Context, now time.Time, c command.ExpireVoucher) (plan, error) {
	v, err := loadVoucher(ctx, s.log, c.VoucherID)
	if err != nil {
		return plan{}, err
	}
	facts, err := v.state.Expire(now)
	if err != nil {
		return plan{}, err
	}
	var p plan
	if err := s.closeVoucher(ctx, &p, v, facts, "voucher expired"); err != nil {
		return plan{}, err
	}
	return p, nil
}

// closeVoucher stages a void or expiry together with the release of the
// voucher's encumbrance.
func (s *Service) closeVoucher(ctx context.Context, p *plan, v *stream[ledger.Voucher], facts []ledger.Fact, reason string) error {
	held := v.state.Encumbered
	g, err := loadGrant(ctx, s.log, v.state.GrantID)
	if err != nil {
		return err
	}
	release, err := g.state.Release(v.state.Bucket, held, v.state.VoucherID, reason)
	if err != nil {
		return err
	}
	if err := stage(&p.writes, v, facts); err != nil {
		return err
	}
	if err := stage(&p.writes, g, release); err != nil {
		return err
	}
	p.result = grantResult(g.state, v.state.Bucket)
	p.result.VoucherID = v.state.VoucherID
	p.result.Status = string(v.state.Status)
	return nil
}

func grantResult(g ledger.Grant, bucket ledger.Category) Result {
	res := Result{GrantID: g.ID, GrantCycle: g.Cycle}
	if b, ok := g.Bucket(bucket); ok {
		res.Bucket = &b
	}
	return res
}
