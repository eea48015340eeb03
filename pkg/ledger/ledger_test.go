package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func apply[T Aggregate[T]](t *testing.T, state T, facts []Fact, err error) T {
	t.Helper()
	require.NoError(t, err)
	next, err := ApplyFacts(state, facts)
	require.NoError(t, err)
	return next
}

func fundedGrant(t *testing.T, cents int64) Grant {
	var g Grant
	facts, err := g.Create("g1", "2026", "Spay/Neuter FY26")
	g = apply(t, g, facts, err)
	facts, err = g.Award(CategoryGeneral, money.Cents(cents))
	return apply(t, g, facts, err)
}

func TestGrantBudgetMovements(t *testing.T) {
	g := fundedGrant(t, 10000)

	facts, err := g.Encumber(CategoryGeneral, money.Cents(6000), "v1")
	g = apply(t, g, facts, err)
	b, _ := g.Bucket(CategoryGeneral)
	assert.Equal(t, "4000", b.Available.String())
	assert.Equal(t, "6000", b.Encumbered.String())

	_, err = g.Encumber(CategoryGeneral, money.Cents(5000), "v2")
	assert.ErrorIs(t, err, faults.KindInsufficientBudget)

	facts, err = g.Liquidate(CategoryGeneral, money.Cents(4000), "v1", "c1")
	g = apply(t, g, facts, err)
	facts, err = g.Release(CategoryGeneral, money.Cents(2000), "v1", "remainder")
	g = apply(t, g, facts, err)

	b, _ = g.Bucket(CategoryGeneral)
	assert.Equal(t, "6000", b.Available.String())
	assert.Equal(t, "0", b.Encumbered.String())
	assert.Equal(t, "4000", b.Liquidated.String())
	assert.True(t, b.Balanced())

	facts, err = g.ReverseLiquidation(CategoryGeneral, money.Cents(500), "c1")
	g = apply(t, g, facts, err)
	b, _ = g.Bucket(CategoryGeneral)
	assert.Equal(t, "6500", b.Available.String())

	g = apply(t, g, g.Lapse("closeout"), nil)
	b, _ = g.Bucket(CategoryGeneral)
	assert.True(t, b.Available.IsZero())
	assert.Equal(t, "3500", b.Awarded.String())
	assert.True(t, b.Balanced())
}

func TestGrantRejectsCorruptMovement(t *testing.T) {
	g := fundedGrant(t, 100)
	e, err := ToEvent(Fact{Type: EventBudgetLiquidated, Payload: BudgetMovement{GrantID: "g1", Bucket: CategoryGeneral, Amount: money.Cents(1)}})
	require.NoError(t, err)

	_, err = g.Apply(e)
	assert.ErrorIs(t, err, faults.KindInvariantViolation)
}

func TestGrantUnknownBucket(t *testing.T) {
	g := fundedGrant(t, 100)
	_, err := g.Encumber(CategoryLIRP, money.Cents(1), "v1")
	assert.ErrorIs(t, err, faults.KindNotFound)
}

func issuedVoucher(t *testing.T, tentative bool) Voucher {
	var v Voucher
	facts, err := v.Issue(VoucherTerms{
		VoucherID: "v1", GrantID: "g1", GrantCycle: "2026", Bucket: CategoryGeneral,
		MaxReimbursement: money.Cents(6000), IssuedAt: t0,
		ExpiresAt: t0.Add(90 * 24 * time.Hour), TentativeExpiresAt: t0.Add(72 * time.Hour),
	}, tentative)
	return apply(t, v, facts, err)
}

func TestVoucherTentativeConfirm(t *testing.T) {
	v := issuedVoucher(t, true)
	assert.Equal(t, VoucherTentative, v.Status)
	assert.Equal(t, "6000", v.Encumbered.String())

	facts, err := v.Confirm(t0.Add(time.Hour))
	v = apply(t, v, facts, err)
	assert.Equal(t, VoucherIssued, v.Status)
	assert.Equal(t, "6000", v.Encumbered.String())

	_, err = v.Confirm(t0.Add(2 * time.Hour))
	assert.ErrorIs(t, err, faults.KindVoucherNotTentative)
}

func TestVoucherConfirmAfterWindowExpires(t *testing.T) {
	v := issuedVoucher(t, true)
	facts, err := v.Confirm(t0.Add(73 * time.Hour))
	assert.ErrorIs(t, err, faults.KindVoucherExpired)
	require.Len(t, facts, 1)
	assert.Equal(t, EventVoucherExpired, facts[0].Type)
	assert.Equal(t, "6000", facts[0].Payload.(VoucherClosed).Released.String())

	v, err = ApplyFacts(v, facts)
	require.NoError(t, err)
	assert.Equal(t, VoucherExpired, v.Status)
	assert.True(t, v.Encumbered.IsZero())
}

func TestVoucherClaimLifecycle(t *testing.T) {
	v := issuedVoucher(t, false)

	facts, err := v.AttachClaim("c1", t0.Add(time.Hour))
	v = apply(t, v, facts, err)
	assert.Equal(t, "c1", v.ActiveClaimID)

	_, err = v.AttachClaim("c2", t0.Add(time.Hour))
	assert.ErrorIs(t, err, faults.KindInvalidTransition)

	facts, err = v.DetachClaim("c1", "denied")
	v = apply(t, v, facts, err)
	assert.Equal(t, VoucherIssued, v.Status)
	assert.True(t, v.Encumbered.IsZero())

	facts, err = v.AttachClaim("c2", t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, EventVoucherReencumbered, facts[0].Type)
	v = apply(t, v, facts, nil)
	assert.Equal(t, "6000", v.Encumbered.String())

	facts, err = v.Redeem("c2", money.Cents(4000))
	v = apply(t, v, facts, err)
	assert.Equal(t, VoucherRedeemed, v.Status)
	assert.True(t, v.Terminal())

	_, err = v.AttachClaim("c3", t0.Add(3*time.Hour))
	assert.ErrorIs(t, err, faults.KindInvalidTransition)
	assert.Contains(t, err.Error(), "REDEEMED")
}

func TestVoucherExpiredBlocksClaim(t *testing.T) {
	v := issuedVoucher(t, false)
	_, err := v.AttachClaim("c1", t0.Add(91*24*time.Hour))
	assert.ErrorIs(t, err, faults.KindVoucherExpired)

	_, err = v.Expire(t0.Add(time.Hour))
	assert.ErrorIs(t, err, faults.KindInvalidTransition)

	facts, err := v.Expire(t0.Add(91 * 24 * time.Hour))
	v = apply(t, v, facts, err)
	assert.Equal(t, VoucherExpired, v.Status)
}

func TestVoucherVoid(t *testing.T) {
	v := issuedVoucher(t, false)
	facts, err := v.Void("duplicate", t0, false)
	v = apply(t, v, facts, err)
	assert.Equal(t, VoucherVoided, v.Status)

	_, err = v.Void("again", t0, false)
	assert.ErrorIs(t, err, faults.KindInvalidTransition)
}

func submittedClaim(t *testing.T) Claim {
	var c Claim
	facts, err := c.Submit(ClaimSubmittedPayload{ClaimID: "c1", VoucherID: "v1", GrantID: "g1", GrantCycle: "2026",
		Bucket: CategoryGeneral, ClinicID: "clinic-1", Amount: money.Cents(5000), ServiceDate: "2026-02-10", SubmittedAt: t0})
	return apply(t, c, facts, err)
}

func TestClaimTransitions(t *testing.T) {
	c := submittedClaim(t)
	d := Decision{PolicySnapshotRef: "policy-7", DecidedBy: "adjudicator-1", DecidedAt: t0}

	_, err := c.Approve(money.Cents(7000), money.Cents(6000), d)
	assert.ErrorIs(t, err, faults.KindValidation)
	_, err = c.Approve(money.Zero(), money.Cents(6000), d)
	assert.ErrorIs(t, err, faults.KindValidation)

	facts, err := c.Approve(money.Cents(4000), money.Cents(6000), d)
	c = apply(t, c, facts, err)
	assert.Equal(t, ClaimApproved, c.Status)
	assert.Equal(t, "4000", c.Approved.String())
	assert.Equal(t, "policy-7", c.Decision.PolicySnapshotRef)

	_, err = c.Deny(Decision{Reason: "late"}, false)
	assert.ErrorIs(t, err, faults.KindInvalidTransition)

	facts, err = c.Adjust(money.Cents(4500), money.Cents(6000), d)
	c = apply(t, c, facts, err)
	assert.Equal(t, ClaimAdjusted, c.Status)
	assert.True(t, c.Payable())

	facts, err = c.MarkInvoiced("inv-1")
	c = apply(t, c, facts, err)
	assert.Equal(t, ClaimInvoiced, c.Status)

	_, err = c.Adjust(money.Cents(100), money.Cents(6000), d)
	assert.ErrorIs(t, err, faults.KindInvalidTransition)
}

func TestClaimDenyNeedsReason(t *testing.T) {
	c := submittedClaim(t)
	_, err := c.Deny(Decision{DecidedBy: "a"}, false)
	assert.ErrorIs(t, err, faults.KindValidation)

	facts, err := c.Deny(Decision{DecidedBy: "a", Reason: "ineligible procedure"}, true)
	c = apply(t, c, facts, err)
	assert.Equal(t, ClaimDenied, c.Status)
}

func TestInvoicePayments(t *testing.T) {
	var inv Invoice
	facts, err := inv.Generate(InvoiceGeneratedPayload{InvoiceID: "inv-1", GrantCycle: "2026", Period: "2026-02", ClinicID: "clinic-1",
		Lines: []InvoiceLine{{ClaimID: "c1", Amount: money.Cents(4000)}, {ClaimID: "c2", Amount: money.Cents(1000)}}, Total: money.Cents(5000)})
	inv = apply(t, inv, facts, err)

	_, err = inv.RecordPayment(money.Cents(1), "", t0)
	assert.ErrorIs(t, err, faults.KindInvalidTransition)

	facts, err = inv.Submit(t0)
	inv = apply(t, inv, facts, err)
	assert.True(t, inv.Exportable())

	facts, err = inv.RecordPayment(money.Cents(3000), "ach-1", t0)
	inv = apply(t, inv, facts, err)
	assert.Equal(t, InvoicePartiallyPaid, inv.Status)
	assert.False(t, inv.Settled())

	_, err = inv.RecordPayment(money.Cents(2001), "ach-2", t0)
	assert.ErrorIs(t, err, faults.KindValidation)

	facts, err = inv.RecordPayment(money.Cents(2000), "ach-2", t0)
	inv = apply(t, inv, facts, err)
	assert.Equal(t, InvoicePaid, inv.Status)
	assert.True(t, inv.Settled())
}

func TestInvoiceTotalMustMatchLines(t *testing.T) {
	var inv Invoice
	_, err := inv.Generate(InvoiceGeneratedPayload{InvoiceID: "inv-1", Lines: []InvoiceLine{{ClaimID: "c1", Amount: money.Cents(4000)}}, Total: money.Cents(4001)})
	assert.ErrorIs(t, err, faults.KindInvariantViolation)
}

func TestExportBatchReconciliation(t *testing.T) {
	var b ExportBatch
	facts, err := b.Create(ExportBatchCreated{BatchID: "b1", GrantCycle: "2026", Period: "2026-02", InvoiceIDs: []string{"inv-1"}, ControlTotal: money.Cents(5000)})
	b = apply(t, b, facts, err)

	_, err = b.Submit("ref", t0)
	assert.ErrorIs(t, err, faults.KindInvalidTransition)

	_, err = b.Render(money.Cents(4999), "sha256:abc", "")
	assert.ErrorIs(t, err, faults.KindInvariantViolation)

	facts, err = b.Render(money.Cents(5000), "sha256:abc", "s3://exports/b1.csv")
	b = apply(t, b, facts, err)
	facts, err = b.Submit("oasis-123", t0)
	b = apply(t, b, facts, err)
	facts, err = b.Acknowledge("ack-9", t0)
	b = apply(t, b, facts, err)
	assert.Equal(t, ExportAcknowledged, b.Status)

	_, err = b.Void("late", t0)
	assert.ErrorIs(t, err, faults.KindInvalidTransition)
}

func TestCloseoutWorkflow(t *testing.T) {
	c := NewCloseout("2026")
	require.NoError(t, c.AcceptsIssuance())

	_, err := c.Start(t0)
	assert.ErrorIs(t, err, faults.KindInvalidTransition)

	facts, err := c.RecordPreflight(PreflightResult{Passed: false, Checks: []CheckResult{{Name: "vouchers_resolved", Passed: false}}})
	c = apply(t, c, facts, err)
	assert.Equal(t, CloseoutPreflightInProgress, c.Status)

	_, err = c.Start(t0)
	assert.ErrorIs(t, err, faults.KindClosePrecondition)

	facts, err = c.RecordPreflight(PreflightResult{Passed: true})
	c = apply(t, c, facts, err)
	facts, err = c.Start(t0)
	c = apply(t, c, facts, err)
	assert.ErrorIs(t, c.AcceptsIssuance(), faults.KindInvalidTransition)

	_, err = c.Close(0, t0)
	assert.ErrorIs(t, err, faults.KindInvalidTransition)

	facts, err = c.PlaceHold("auditor request", t0)
	c = apply(t, c, facts, err)
	assert.Equal(t, CloseoutAuditHold, c.Status)
	_, err = c.Reconcile(money.Zero(), money.Zero(), t0)
	assert.ErrorIs(t, err, faults.KindInvalidTransition)

	facts, err = c.ClearHold("cleared", t0)
	c = apply(t, c, facts, err)
	assert.Equal(t, CloseoutStarted, c.Status)

	facts, err = c.Reconcile(money.Cents(4000), money.Cents(4000), t0)
	c = apply(t, c, facts, err)

	_, err = c.Close(2, t0)
	assert.ErrorIs(t, err, faults.KindClosePrecondition)

	facts, err = c.Close(0, t0)
	c = apply(t, c, facts, err)
	assert.Equal(t, CloseoutClosed, c.Status)
}

func TestReplayRejectsUnsupportedSchema(t *testing.T) {
	m := eventlog.NewMemory()
	_, err := m.Append(t.Context(), eventlog.StreamAppend{StreamID: GrantStream("g1"), StreamType: GrantStreamType, Events: []eventlog.Event{
		{Type: EventGrantCreated, SchemaVersion: "2.0.0", Payload: []byte(`{"grant_id":"g1","grant_cycle":"2026"}`)},
	}})
	require.NoError(t, err)

	_, _, err = Replay(eventlog.ReadStream(t.Context(), m, GrantStream("g1")), Grant{})
	assert.ErrorIs(t, err, faults.KindInvariantViolation)
}

func TestReplayReturnsVersion(t *testing.T) {
	m := eventlog.NewMemory()
	g := fundedGrant(t, 100)
	var facts []Fact
	facts, _ = Grant{}.Create("g1", "2026", "")
	award, _ := g.Award(CategoryGeneral, money.Cents(100))
	events, err := ToEvents(append(facts, award...))
	require.NoError(t, err)
	_, err = m.Append(t.Context(), eventlog.StreamAppend{StreamID: GrantStream("g1"), StreamType: GrantStreamType, Events: events})
	require.NoError(t, err)

	got, version, err := Replay(eventlog.ReadStream(t.Context(), m, GrantStream("g1")), Grant{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
	b, ok := got.Bucket(CategoryGeneral)
	require.True(t, ok)
	assert.Equal(t, "100", b.Available.String())
}

func TestOutcomeRecordedOnce(t *testing.T) {
	m := eventlog.NewMemory()
	stream := OutcomeStream("7:AwardBudget|9:officer-1|7:award-1")
	assert.Len(t, stream, len("outcome-")+64)

	var o Outcome
	assert.False(t, o.Exists())
	facts, err := o.Record(CommandOutcome{Operation: "AwardBudget", ActorID: "officer-1", Token: "award-1", Fingerprint: "fp", Result: []byte(`{"command":"AwardBudget"}`)})
	require.NoError(t, err)
	events, err := ToEvents(facts)
	require.NoError(t, err)
	_, err = m.Append(t.Context(), eventlog.StreamAppend{StreamID: stream, StreamType: OutcomeStreamType, Events: events})
	require.NoError(t, err)

	// A second writer that read the empty stream loses on the version check.
	_, err = m.Append(t.Context(), eventlog.StreamAppend{StreamID: stream, StreamType: OutcomeStreamType, Events: events})
	assert.ErrorIs(t, err, faults.KindConcurrencyConflict)

	got, version, err := Replay(eventlog.ReadStream(t.Context(), m, stream), Outcome{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.True(t, got.Exists())
	assert.Equal(t, uint64(1), got.Position)
	assert.JSONEq(t, `{"command":"AwardBudget"}`, string(got.Result))

	_, err = got.Record(CommandOutcome{Fingerprint: "fp"})
	assert.ErrorIs(t, err, faults.KindInvalidTransition)
	_, err = got.Apply(events[0])
	assert.ErrorIs(t, err, faults.KindInvariantViolation)
}
