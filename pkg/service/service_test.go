package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terryholliday/WVSNP-sub002/pkg/command"
	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/idempotency"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
	"github.com/terryholliday/WVSNP-sub002/pkg/projection"
	"github.com/terryholliday/WVSNP-sub002/pkg/retry"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	t   *testing.T
	log *eventlog.Memory
	svc *Service

	mu  sync.Mutex
	now time.Time
	seq int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, log: eventlog.NewMemory(), now: t0}
	svc, err := New(h.log, idempotency.NewMemory(idempotency.DefaultOptions()), Options{
		Clock: h.clock,
		Retry: retry.Policy{Name: "test", BaseMs: 1, MaxMs: 2, MaxJitterMs: 1, MaxAttempts: 50},
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func envelope(key string) command.Envelope {
	return command.Envelope{
		IdempotencyKey: key,
		Actor:          command.Actor{ID: "officer-1", Role: "grant_officer"},
		CorrelationID:  "corr-" + key,
	}
}

// do sends cmd under a fresh idempotency key.
func (h *harness) do(cmd command.Command) (Result, error) {
	h.mu.Lock()
	h.seq++
	key := fmt.Sprintf("key-%d", h.seq)
	h.mu.Unlock()
	return h.svc.Handle(context.Background(), envelope(key), cmd)
}

func (h *harness) must(cmd command.Command) Result {
	h.t.Helper()
	res, err := h.do(cmd)
	require.NoError(h.t, err, "%s", cmd.Type())
	return res
}

func (h *harness) bucket(grantID string) ledger.Bucket {
	h.t.Helper()
	g, err := loadGrant(context.Background(), h.log, grantID)
	require.NoError(h.t, err)
	b, ok := g.state.Bucket(ledger.CategoryGeneral)
	require.True(h.t, ok)
	return b
}

func (h *harness) head() uint64 {
	h.t.Helper()
	pos, err := h.log.Head(context.Background())
	require.NoError(h.t, err)
	return pos
}

func (h *harness) fundGrant(grantID string, cents int64) {
	h.must(command.CreateGrant{GrantID: grantID, GrantCycle: "FY26", Name: "Spay/Neuter"})
	h.must(command.AwardBudget{GrantID: grantID, Bucket: ledger.CategoryGeneral, Amount: money.Cents(cents)})
}

func issueCmd(grantID, voucherID string, cents int64) command.IssueVoucherOnline {
	return command.IssueVoucherOnline{VoucherRequest: command.VoucherRequest{
		VoucherID:        voucherID,
		GrantID:          grantID,
		Bucket:           ledger.CategoryGeneral,
		ClinicID:         "clinic-a",
		MaxReimbursement: money.Cents(cents),
		ExpiresAt:        t0.AddDate(0, 3, 0),
	}}
}

func claimCmd(voucherID, claimID string, cents int64) command.SubmitClaim {
	return command.SubmitClaim{
		ClaimID:     claimID,
		VoucherID:   voucherID,
		ClinicID:    "clinic-a",
		Amount:      money.Cents(cents),
		ServiceDate: command.Date{Time: t0},
	}
}

func approveCmd(claimID string, cents int64) command.AdjudicateClaim {
	return command.AdjudicateClaim{ClaimID: claimID, Decision: command.DecisionApprove, ApprovedAmount: money.Cents(cents), PolicySnapshotRef: "policy-2026-01"}
}

func assertBucket(t *testing.T, b ledger.Bucket, available, encumbered, liquidated int64) {
	t.Helper()
	assert.Equal(t, money.Cents(available).String(), b.Available.String(), "available")
	assert.Equal(t, money.Cents(encumbered).String(), b.Encumbered.String(), "encumbered")
	assert.Equal(t, money.Cents(liquidated).String(), b.Liquidated.String(), "liquidated")
	assert.True(t, b.Balanced())
}

func TestIssueApproveReleasesRemainder(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)

	res := h.must(issueCmd("g1", "v1", 6000))
	require.NotNil(t, res.Bucket)
	assertBucket(t, *res.Bucket, 4000, 6000, 0)
	assert.Equal(t, "v1", res.VoucherID)
	assert.Equal(t, string(ledger.VoucherIssued), res.Status)

	res, err := h.do(issueCmd("g1", "v2", 5000))
	assert.ErrorIs(t, err, faults.KindInsufficientBudget)
	require.NotNil(t, res.Error)
	assert.Equal(t, faults.KindInsufficientBudget, res.Error.Kind)

	h.must(claimCmd("v1", "c1", 4500))
	res = h.must(approveCmd("c1", 4000))
	assert.Equal(t, string(ledger.ClaimApproved), res.Status)
	assertBucket(t, h.bucket("g1"), 6000, 0, 4000)

	v, err := loadVoucher(context.Background(), h.log, "v1")
	require.NoError(t, err)
	assert.Equal(t, ledger.VoucherRedeemed, v.state.Status)
}

func TestConcurrentIssuanceNeverOvercommits(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		kinds     = map[faults.Kind]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Handle(context.Background(), envelope(fmt.Sprintf("race-%d", i)), issueCmd("g1", fmt.Sprintf("v%d", i), 1500))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			kinds[faults.KindOf(err)]++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 6, succeeded, "10000 covers six vouchers of 1500")
	assert.Equal(t, workers-6, kinds[faults.KindInsufficientBudget])
	assertBucket(t, h.bucket("g1"), 1000, 9000, 0)
}

func TestReplayExecutesOnce(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)
	ctx := context.Background()
	env := envelope("issue-once")
	// No voucher id: the service derives one, and replays must return it.
	cmd := issueCmd("g1", "", 2500)

	first, err := h.svc.Handle(ctx, env, cmd)
	require.NoError(t, err)
	require.NotEmpty(t, first.VoucherID)
	head := h.head()

	for i := 0; i < 3; i++ {
		again, err := h.svc.Handle(ctx, env, cmd)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, head, h.head(), "replays append nothing")
	assertBucket(t, h.bucket("g1"), 7500, 2500, 0)
}

// flakyRegister loses the next failures completions, as a crash between the
// append and the register write would.
type flakyRegister struct {
	idempotency.Register
	failures int
}

func (r *flakyRegister) Complete(ctx context.Context, key idempotency.Key, lease string, result []byte) error {
	if r.failures > 0 {
		r.failures--
		return fmt.Errorf("register unavailable")
	}
	return r.Register.Complete(ctx, key, lease, result)
}

func TestLostCompletionReplaysFromLog(t *testing.T) {
	h := newHarness(t)
	reg := &flakyRegister{Register: idempotency.NewMemory(idempotency.DefaultOptions()).WithClock(h.clock)}
	svc, err := New(h.log, reg, Options{
		Clock: h.clock,
		Retry: retry.Policy{Name: "test", BaseMs: 1, MaxMs: 2, MaxJitterMs: 1, MaxAttempts: 50},
	})
	require.NoError(t, err)
	h.svc = svc
	h.must(command.CreateGrant{GrantID: "g1", GrantCycle: "FY26", Name: "Spay/Neuter"})

	ctx := context.Background()
	env := envelope("award-1")
	award := command.AwardBudget{GrantID: "g1", Bucket: ledger.CategoryGeneral, Amount: money.Cents(10000)}

	reg.failures = 1
	first, err := svc.Handle(ctx, env, award)
	require.NoError(t, err)
	head := h.head()
	assert.Equal(t, head, first.Position)

	// The reservation is still pending; past its lease a retry takes it over.
	h.advance(31 * time.Second)
	again, err := svc.Handle(ctx, env, award)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, head, h.head(), "takeover appends nothing")
	assertBucket(t, h.bucket("g1"), 10000, 0, 0)
	assert.Equal(t, "10000", h.bucket("g1").Awarded.String())

	// The takeover completed the register; later retries replay from it.
	third, err := svc.Handle(ctx, env, award)
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, head, h.head())
}

func TestLostCompletionOfRefusalReplaysFromLog(t *testing.T) {
	h := newHarness(t)
	reg := &flakyRegister{Register: idempotency.NewMemory(idempotency.DefaultOptions()).WithClock(h.clock)}
	svc, err := New(h.log, reg, Options{Clock: h.clock})
	require.NoError(t, err)
	h.svc = svc
	h.fundGrant("g1", 1000)

	ctx := context.Background()
	env := envelope("too-big")
	reg.failures = 1
	first, err := svc.Handle(ctx, env, issueCmd("g1", "v1", 5000))
	require.ErrorIs(t, err, faults.KindInsufficientBudget)

	// Funds that arrive before the takeover do not turn the refusal into an issue.
	h.must(command.AwardBudget{GrantID: "g1", Bucket: ledger.CategoryGeneral, Amount: money.Cents(9000)})
	h.advance(31 * time.Second)
	again, err := svc.Handle(ctx, env, issueCmd("g1", "v1", 5000))
	require.ErrorIs(t, err, faults.KindInsufficientBudget)
	assert.Equal(t, first, again)
	assertBucket(t, h.bucket("g1"), 10000, 0, 0)
}

func TestReplayOfDefinitiveFailure(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 1000)
	ctx := context.Background()
	env := envelope("too-big")

	first, err := h.svc.Handle(ctx, env, issueCmd("g1", "v1", 5000))
	require.ErrorIs(t, err, faults.KindInsufficientBudget)

	// Funds arriving later do not change the recorded outcome.
	h.must(command.AwardBudget{GrantID: "g1", Bucket: ledger.CategoryGeneral, Amount: money.Cents(9000)})
	again, err := h.svc.Handle(ctx, env, issueCmd("g1", "v1", 5000))
	require.ErrorIs(t, err, faults.KindInsufficientBudget)
	assert.Equal(t, first, again)
}

func TestKeyReuseConflictChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)
	ctx := context.Background()
	env := envelope("reused")

	_, err := h.svc.Handle(ctx, env, issueCmd("g1", "v1", 1000))
	require.NoError(t, err)
	head := h.head()

	res, err := h.svc.Handle(ctx, env, issueCmd("g1", "v1", 2000))
	assert.ErrorIs(t, err, faults.KindKeyReuse)
	require.NotNil(t, res.Error)
	assert.Equal(t, head, h.head())
	assertBucket(t, h.bucket("g1"), 9000, 1000, 0)
}

func TestValidationFailureIsNotRecorded(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)
	ctx := context.Background()
	env := envelope("fix-and-resend")

	bad := issueCmd("g1", "v1", 1000)
	bad.ExpiresAt = time.Time{}
	_, err := h.svc.Handle(ctx, env, bad)
	require.ErrorIs(t, err, faults.KindValidation)

	_, err = h.svc.Handle(ctx, env, issueCmd("g1", "v1", 1000))
	assert.NoError(t, err)
}

func TestSecondClaimOnRedeemedVoucher(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)
	h.must(issueCmd("g1", "v1", 3000))
	h.must(claimCmd("v1", "c1", 3000))

	_, err := h.do(claimCmd("v1", "c2", 3000))
	assert.ErrorIs(t, err, faults.KindInvalidTransition, "one active claim per voucher")

	h.must(approveCmd("c1", 3000))
	_, err = h.do(claimCmd("v1", "c3", 1000))
	assert.ErrorIs(t, err, faults.KindInvalidTransition)
	assertBucket(t, h.bucket("g1"), 7000, 0, 3000)
}

func TestSubmitClaimChecksClinicAndVoucher(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)
	h.must(issueCmd("g1", "v1", 3000))

	wrong := claimCmd("v1", "c1", 1000)
	wrong.ClinicID = "clinic-b"
	_, err := h.do(wrong)
	assert.ErrorIs(t, err, faults.KindValidation)

	_, err = h.do(claimCmd("missing", "c1", 1000))
	assert.ErrorIs(t, err, faults.KindNotFound)

	h.advance(100 * 24 * time.Hour)
	_, err = h.do(claimCmd("v1", "c1", 1000))
	assert.ErrorIs(t, err, faults.KindVoucherExpired)
}

func TestDenyReopensVoucherAndReencumbers(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)
	h.must(issueCmd("g1", "v1", 3000))
	h.must(claimCmd("v1", "c1", 3000))

	h.must(command.AdjudicateClaim{ClaimID: "c1", Decision: command.DecisionDeny, PolicySnapshotRef: "p1", Reason: "no evidence"})
	assertBucket(t, h.bucket("g1"), 10000, 0, 0)

	res := h.must(claimCmd("v1", "c2", 2800))
	require.NotNil(t, res.Bucket)
	assertBucket(t, *res.Bucket, 7000, 3000, 0)

	h.must(command.AdjudicateClaim{ClaimID: "c2", Decision: command.DecisionDeny, PolicySnapshotRef: "p1", Reason: "duplicate", VoidVoucher: true})
	assertBucket(t, h.bucket("g1"), 10000, 0, 0)
	v, err := loadVoucher(context.Background(), h.log, "v1")
	require.NoError(t, err)
	assert.Equal(t, ledger.VoucherVoided, v.state.Status)
}

func TestTentativeExpiryOnConfirmReleases(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)
	ctx := context.Background()

	issue := command.IssueTentativeVoucher{VoucherRequest: issueCmd("g1", "v1", 4000).VoucherRequest, ConfirmBy: t0.Add(time.Hour)}
	res := h.must(issue)
	assert.Equal(t, string(ledger.VoucherTentative), res.Status)
	assertBucket(t, h.bucket("g1"), 6000, 4000, 0)

	h.advance(2 * time.Hour)
	env := envelope("confirm-late")
	res, err := h.svc.Handle(ctx, env, command.ConfirmTentativeVoucher{VoucherID: "v1"})
	require.ErrorIs(t, err, faults.KindVoucherExpired)
	require.NotNil(t, res.Error)
	assert.Equal(t, string(ledger.VoucherExpired), res.Status)
	assertBucket(t, h.bucket("g1"), 10000, 0, 0)

	again, err := h.svc.Handle(ctx, env, command.ConfirmTentativeVoucher{VoucherID: "v1"})
	require.ErrorIs(t, err, faults.KindVoucherExpired)
	assert.Equal(t, res, again)

	_, err = h.do(command.ConfirmTentativeVoucher{VoucherID: "v1"})
	assert.ErrorIs(t, err, faults.KindVoucherNotTentative)
}

func TestTentativeConfirmKeepsEncumbrance(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)
	h.must(command.IssueTentativeVoucher{VoucherRequest: issueCmd("g1", "v1", 4000).VoucherRequest, ConfirmBy: t0.Add(time.Hour)})

	res := h.must(command.ConfirmTentativeVoucher{VoucherID: "v1"})
	assert.Equal(t, string(ledger.VoucherIssued), res.Status)
	assertBucket(t, h.bucket("g1"), 6000, 4000, 0)
}

func TestVoidAndExpireRelease(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)
	h.must(issueCmd("g1", "v1", 3000))
	h.must(issueCmd("g1", "v2", 2000))

	h.must(command.VoidVoucher{VoucherID: "v1", Reason: "issued in error"})
	assertBucket(t, h.bucket("g1"), 8000, 2000, 0)

	_, err := h.do(command.ExpireVoucher{VoucherID: "v2"})
	assert.ErrorIs(t, err, faults.KindInvalidTransition, "not yet expired")

	h.advance(120 * 24 * time.Hour)
	h.must(command.ExpireVoucher{VoucherID: "v2"})
	assertBucket(t, h.bucket("g1"), 10000, 0, 0)
}

func TestAdjustClaim(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)
	h.must(issueCmd("g1", "v1", 5000))
	h.must(claimCmd("v1", "c1", 5000))
	h.must(approveCmd("c1", 3000))
	assertBucket(t, h.bucket("g1"), 7000, 0, 3000)

	h.must(command.AdjustClaim{ClaimID: "c1", Amount: money.Cents(4500), PolicySnapshotRef: "p2", Reason: "corrected invoice"})
	assertBucket(t, h.bucket("g1"), 5500, 0, 4500)

	h.must(command.AdjustClaim{ClaimID: "c1", Amount: money.Cents(2000), PolicySnapshotRef: "p2", Reason: "audit finding"})
	assertBucket(t, h.bucket("g1"), 8000, 0, 2000)

	_, err := h.do(command.AdjustClaim{ClaimID: "c1", Amount: money.Cents(6000), PolicySnapshotRef: "p2", Reason: "over max"})
	assert.ErrorIs(t, err, faults.KindValidation)
}

// approvedClaims funds g1 and approves one claim per entry of amounts,
// alternating clinics.
func (h *harness) approvedClaims(amounts ...int64) {
	h.fundGrant("g1", 100000)
	for i, cents := range amounts {
		clinic := "clinic-a"
		if i%2 == 1 {
			clinic = "clinic-b"
		}
		issue := issueCmd("g1", fmt.Sprintf("v%d", i), cents)
		issue.ClinicID = clinic
		h.must(issue)
		claim := claimCmd(fmt.Sprintf("v%d", i), fmt.Sprintf("c%d", i), cents)
		claim.ClinicID = clinic
		h.must(claim)
		h.must(approveCmd(fmt.Sprintf("c%d", i), cents))
	}
}

func TestGenerateMonthlyInvoicesIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.approvedClaims(1000, 2000, 3000)
	wm := h.head()

	// Approved after the watermark: not part of this run.
	h.must(issueCmd("g1", "late", 700))
	h.must(claimCmd("late", "c-late", 700))
	h.must(approveCmd("c-late", 700))

	gen := command.GenerateMonthlyInvoices{BatchWindow: command.BatchWindow{GrantCycle: "FY26", Period: "2026-03", Watermark: wm}}
	first := h.must(gen)
	require.Len(t, first.InvoiceIDs, 2)
	head := h.head()

	second := h.must(gen)
	assert.Equal(t, first.InvoiceIDs, second.InvoiceIDs)
	assert.Equal(t, head+1, h.head(), "rerun records only its own outcome")

	views := h.svc.Projector().Views()
	invoices := views.Invoices(projection.Filter{GrantCycle: "FY26"})
	require.Len(t, invoices, 2)
	totals := map[string]string{}
	for _, inv := range invoices {
		totals[inv.ClinicID] = inv.Total.String()
	}
	assert.Equal(t, map[string]string{"clinic-a": "4000", "clinic-b": "2000"}, totals)

	late, ok := views.Claim("c-late")
	require.True(t, ok)
	assert.Equal(t, ledger.ClaimApproved, late.Status)

	_, err := h.do(command.GenerateMonthlyInvoices{BatchWindow: command.BatchWindow{GrantCycle: "FY26", Period: "2026-03", Watermark: h.head() + 10}})
	assert.ErrorIs(t, err, faults.KindValidation)
}

func TestInvoicesExcludeLaterServiceDates(t *testing.T) {
	h := newHarness(t)
	h.approvedClaims(1000)

	res := h.must(command.GenerateMonthlyInvoices{BatchWindow: command.BatchWindow{GrantCycle: "FY26", Period: "2026-02", Watermark: h.head()}})
	assert.Empty(t, res.InvoiceIDs, "service date is in March")
}

func (h *harness) submittedInvoices() []string {
	h.approvedClaims(1000, 2000, 3000)
	res := h.must(command.GenerateMonthlyInvoices{BatchWindow: command.BatchWindow{GrantCycle: "FY26", Period: "2026-03", Watermark: h.head()}})
	for _, id := range res.InvoiceIDs {
		h.must(command.SubmitInvoice{InvoiceID: id})
	}
	return res.InvoiceIDs
}

func TestExportBatchLifecycle(t *testing.T) {
	h := newHarness(t)
	invoiceIDs := h.submittedInvoices()
	window := command.BatchWindow{GrantCycle: "FY26", Period: "2026-03", Watermark: h.head()}

	created := h.must(command.GenerateExportBatch{BatchWindow: window})
	assert.Equal(t, string(ledger.ExportCreated), created.Status)
	assert.ElementsMatch(t, invoiceIDs, created.InvoiceIDs)

	again := h.must(command.GenerateExportBatch{BatchWindow: window})
	assert.Equal(t, created.BatchID, again.BatchID)

	_, err := h.do(command.RenderExportBatch{BatchID: created.BatchID, ArtifactTotal: money.Cents(5999), ArtifactHash: "sha256:ab"})
	assert.ErrorIs(t, err, faults.KindInvariantViolation)
	require.Len(t, h.svc.Escalations().Open(), 1)

	_, err = h.do(command.SubmitExportBatch{BatchID: created.BatchID})
	assert.ErrorIs(t, err, faults.KindInvalidTransition, "submit needs a rendered batch")

	h.must(command.RenderExportBatch{BatchID: created.BatchID, ArtifactTotal: money.Cents(6000), ArtifactHash: "sha256:ab"})
	h.must(command.SubmitExportBatch{BatchID: created.BatchID, Reference: "state-portal-1"})
	res := h.must(command.AcknowledgeExportBatch{BatchID: created.BatchID, Reference: "ack-1"})
	assert.Equal(t, string(ledger.ExportAcknowledged), res.Status)

	_, err = h.do(command.AcknowledgeExportBatch{BatchID: created.BatchID})
	assert.ErrorIs(t, err, faults.KindInvalidTransition)
}

func TestRejectedBatchReleasesInvoices(t *testing.T) {
	h := newHarness(t)
	h.submittedInvoices()
	window := command.BatchWindow{GrantCycle: "FY26", Period: "2026-03", Watermark: h.head()}

	first := h.must(command.GenerateExportBatch{BatchWindow: window})
	h.must(command.RenderExportBatch{BatchID: first.BatchID, ArtifactTotal: money.Cents(6000), ArtifactHash: "sha256:01"})
	h.must(command.SubmitExportBatch{BatchID: first.BatchID})
	h.must(command.RejectExportBatch{BatchID: first.BatchID, Reason: "bad vendor codes"})

	for _, id := range first.InvoiceIDs {
		inv, err := loadInvoice(context.Background(), h.log, id)
		require.NoError(t, err)
		assert.True(t, inv.state.Exportable())
	}

	window.Watermark = h.head()
	second := h.must(command.GenerateExportBatch{BatchWindow: window})
	assert.NotEqual(t, first.BatchID, second.BatchID)
	assert.ElementsMatch(t, first.InvoiceIDs, second.InvoiceIDs)
}

func TestVoidedBatchAndExplainedInvoices(t *testing.T) {
	h := newHarness(t)
	invoiceIDs := h.submittedInvoices()
	window := command.BatchWindow{GrantCycle: "FY26", Period: "2026-03", Watermark: h.head()}

	batch := h.must(command.GenerateExportBatch{BatchWindow: window})
	res := h.must(command.VoidExportBatch{BatchID: batch.BatchID, Reason: "wrong period"})
	assert.Equal(t, string(ledger.ExportVoided), res.Status)
	_, err := h.do(command.RenderExportBatch{BatchID: batch.BatchID, ArtifactTotal: money.Cents(6000), ArtifactHash: "sha256:cd"})
	assert.ErrorIs(t, err, faults.KindInvalidTransition)

	_, err = h.do(command.ExplainInvoice{InvoiceID: invoiceIDs[0], Note: ""})
	assert.ErrorIs(t, err, faults.KindValidation)

	sum := h.svc.Projector().Views().Summary("FY26")
	assert.Len(t, sum.UnsettledInvoices, 2)
	for _, id := range invoiceIDs {
		h.must(command.ExplainInvoice{InvoiceID: id, Note: "clinic disputes remittance"})
	}
	sum = h.svc.Projector().Views().Summary("FY26")
	assert.Empty(t, sum.UnsettledInvoices, "explained invoices count as settled")

	_, err = h.do(command.ExplainInvoice{InvoiceID: "missing", Note: "n/a"})
	assert.ErrorIs(t, err, faults.KindNotFound)
}

func TestCloseoutWorkflow(t *testing.T) {
	h := newHarness(t)
	invoiceIDs := h.submittedInvoices()
	h.must(issueCmd("g1", "open", 500))
	cycle := command.CycleCommand{GrantCycle: "FY26"}

	res := h.must(command.RunCloseoutPreflight{CycleCommand: cycle})
	require.NotNil(t, res.Preflight)
	assert.False(t, res.Preflight.Passed)

	_, err := h.do(command.StartCloseout{CycleCommand: cycle})
	assert.ErrorIs(t, err, faults.KindClosePrecondition)

	h.must(command.VoidVoucher{VoucherID: "open", Reason: "not needed"})
	for _, id := range invoiceIDs {
		inv, err := loadInvoice(context.Background(), h.log, id)
		require.NoError(t, err)
		h.must(command.RecordInvoicePayment{InvoiceID: id, Amount: inv.state.Total, Reference: "eft"})
	}

	res = h.must(command.RunCloseoutPreflight{CycleCommand: cycle})
	assert.True(t, res.Preflight.Passed, "%+v", res.Preflight.Checks)
	h.must(command.StartCloseout{CycleCommand: cycle})

	_, err = h.do(issueCmd("g1", "after-start", 100))
	assert.ErrorIs(t, err, faults.KindInvalidTransition)

	res = h.must(command.ReconcileCloseout{CycleCommand: cycle})
	assert.Equal(t, string(ledger.CloseoutReconciled), res.Status)
	co, err := loadCloseout(context.Background(), h.log, "FY26")
	require.NoError(t, err)
	assert.Equal(t, "6000", co.state.Reconciliation.Liquidated.String())
	assert.Equal(t, "6000", co.state.Reconciliation.Invoiced.String())

	h.must(command.PlaceAuditHold{CycleCommand: cycle, Reason: "state audit"})
	_, err = h.do(command.CloseGrantCycle{CycleCommand: cycle})
	assert.ErrorIs(t, err, faults.KindInvalidTransition)
	h.must(command.ClearAuditHold{CycleCommand: cycle, Reason: "audit cleared"})

	res = h.must(command.CloseGrantCycle{CycleCommand: cycle})
	assert.Equal(t, string(ledger.CloseoutClosed), res.Status)

	b := h.bucket("g1")
	assertBucket(t, b, 0, 0, 6000)
	assert.Equal(t, "6000", b.Awarded.String(), "unspent funds lapse")
}

func TestCloseRefusedWithUninvoicedClaims(t *testing.T) {
	h := newHarness(t)
	h.approvedClaims(1000)
	cycle := command.CycleCommand{GrantCycle: "FY26"}

	// The default checklist does not look at approved claims; Close does.
	h.must(command.RunCloseoutPreflight{CycleCommand: cycle})
	h.must(command.StartCloseout{CycleCommand: cycle})
	h.must(command.ReconcileCloseout{CycleCommand: cycle})

	_, err := h.do(command.CloseGrantCycle{CycleCommand: cycle})
	assert.ErrorIs(t, err, faults.KindClosePrecondition)
}

func TestHandleJSON(t *testing.T) {
	h := newHarness(t)
	raw := []byte(`{
		"type": "CreateGrant",
		"idempotency_key": "wire-1",
		"actor": {"id": "officer-1", "role": "grant_officer"},
		"correlation_id": "corr-wire",
		"payload": {"grant_id": "g9", "grant_cycle": "FY26"}
	}`)
	res, err := h.svc.HandleJSON(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "g9", res.GrantID)
	assert.Equal(t, command.TypeCreateGrant, res.Command)

	events, err := h.log.ReadAll(context.Background(), 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "corr-wire", events[0].CorrelationID)
	assert.Equal(t, "officer-1", events[0].ActorID)

	_, err = h.svc.HandleJSON(context.Background(), []byte(`{"type":"Nope"}`))
	assert.ErrorIs(t, err, faults.KindValidation)
}

func TestCancelledCallerStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.fundGrant("g1", 10000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.Handle(ctx, envelope("gone"), issueCmd("g1", "v1", 1000))
	require.NoError(t, err)
	assertBucket(t, h.bucket("g1"), 9000, 1000, 0)
}
