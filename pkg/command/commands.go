package command

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

// Command type names, as they appear on the wire.
const (
	TypeCreateGrant             = "CreateGrant"
	TypeAwardBudget             = "AwardBudget"
	TypeIssueVoucherOnline      = "IssueVoucherOnline"
	TypeIssueTentativeVoucher   = "IssueTentativeVoucher"
	TypeConfirmTentativeVoucher = "ConfirmTentativeVoucher"
	TypeVoidVoucher             = "VoidVoucher"
	TypeExpireVoucher           = "ExpireVoucher"
	TypeSubmitClaim             = "SubmitClaim"
	TypeAdjudicateClaim         = "AdjudicateClaim"
	TypeAdjustClaim             = "AdjustClaim"
	TypeGenerateMonthlyInvoices = "GenerateMonthlyInvoices"
	TypeSubmitInvoice           = "SubmitInvoice"
	TypeRecordInvoicePayment    = "RecordInvoicePayment"
	TypeExplainInvoice          = "ExplainInvoice"
	TypeGenerateExportBatch     = "GenerateExportBatch"
	TypeRenderExportBatch       = "RenderExportBatch"
	TypeSubmitExportBatch       = "SubmitExportBatch"
	TypeAcknowledgeExportBatch  = "AcknowledgeExportBatch"
	TypeRejectExportBatch       = "RejectExportBatch"
	TypeVoidExportBatch         = "VoidExportBatch"
	TypeRunCloseoutPreflight    = "RunCloseoutPreflight"
	TypeStartCloseout           = "StartCloseout"
	TypeReconcileCloseout       = "ReconcileCloseout"
	TypeCloseGrantCycle         = "CloseGrantCycle"
	TypePlaceAuditHold          = "PlaceAuditHold"
	TypeClearAuditHold          = "ClearAuditHold"
)

type CreateGrant struct {
	GrantID    string `json:"grant_id"`
	GrantCycle string `json:"grant_cycle"`
	Name       string `json:"name,omitempty"`
}

func (CreateGrant) Type() string { return TypeCreateGrant }

func (c CreateGrant) Validate() error {
	return required(map[string]string{"grant_id": c.GrantID, "grant_cycle": c.GrantCycle})
}

type AwardBudget struct {
	GrantID string          `json:"grant_id"`
	Bucket  ledger.Category `json:"bucket"`
	Amount  money.Money     `json:"amount_cents"`
}

func (AwardBudget) Type() string { return TypeAwardBudget }

func (c AwardBudget) Validate() error {
	if err := required(map[string]string{"grant_id": c.GrantID}); err != nil {
		return err
	}
	if err := category(c.Bucket); err != nil {
		return err
	}
	return positive("amount_cents", c.Amount)
}

// VoucherRequest is the field set shared by both issuance commands.
// VoucherID may be left empty; the service then derives one from the
// idempotency key so conflict retries reuse it.
type VoucherRequest struct {
	VoucherID        string            `json:"voucher_id,omitempty"`
	GrantID          string            `json:"grant_id"`
	Bucket           ledger.Category   `json:"bucket"`
	ClinicID         string            `json:"clinic_id,omitempty"`
	MaxReimbursement money.Money       `json:"max_reimbursement_cents"`
	Flags            []string          `json:"flags,omitempty"`
	Recipient        map[string]string `json:"recipient,omitempty"`
	Procedure        map[string]string `json:"procedure,omitempty"`
	ExpiresAt        time.Time         `json:"expires_at"`
}

func (r VoucherRequest) validate() error {
	if err := required(map[string]string{"grant_id": r.GrantID}); err != nil {
		return err
	}
	if err := category(r.Bucket); err != nil {
		return err
	}
	if err := positive("max_reimbursement_cents", r.MaxReimbursement); err != nil {
		return err
	}
	if r.ExpiresAt.IsZero() {
		return faults.Validation("expires_at is required")
	}
	return nil
}

type IssueVoucherOnline struct {
	VoucherRequest
}

func (IssueVoucherOnline) Type() string { return TypeIssueVoucherOnline }

func (c IssueVoucherOnline) Validate() error { return c.validate() }

// IssueTentativeVoucher encumbers immediately; the voucher must be confirmed
// before ConfirmBy.
type IssueTentativeVoucher struct {
	VoucherRequest
	ConfirmBy time.Time `json:"confirm_by"`
}

func (IssueTentativeVoucher) Type() string { return TypeIssueTentativeVoucher }

func (c IssueTentativeVoucher) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.ConfirmBy.IsZero() {
		return faults.Validation("confirm_by is required")
	}
	if c.ConfirmBy.After(c.ExpiresAt) {
		return faults.Validation("confirm_by must not be after expires_at")
	}
	return nil
}

type ConfirmTentativeVoucher struct {
	VoucherID string `json:"voucher_id"`
}

func (ConfirmTentativeVoucher) Type() string { return TypeConfirmTentativeVoucher }

func (c ConfirmTentativeVoucher) Validate() error {
	return required(map[string]string{"voucher_id": c.VoucherID})
}

type VoidVoucher struct {
	VoucherID string `json:"voucher_id"`
	Reason    string `json:"reason"`
}

func (VoidVoucher) Type() string { return TypeVoidVoucher }

func (c VoidVoucher) Validate() error {
	return required(map[string]string{"voucher_id": c.VoucherID, "reason": c.Reason})
}

type ExpireVoucher struct {
	VoucherID string `json:"voucher_id"`
}

func (ExpireVoucher) Type() string { return TypeExpireVoucher }

func (c ExpireVoucher) Validate() error {
	return required(map[string]string{"voucher_id": c.VoucherID})
}

type SubmitClaim struct {
	ClaimID     string               `json:"claim_id,omitempty"`
	VoucherID   string               `json:"voucher_id"`
	ClinicID    string               `json:"clinic_id"`
	Amount      money.Money          `json:"submitted_cents"`
	ServiceDate Date                 `json:"service_date"`
	Evidence    []ledger.EvidenceRef `json:"evidence,omitempty"`
}

func (SubmitClaim) Type() string { return TypeSubmitClaim }

func (c SubmitClaim) Validate() error {
	if err := required(map[string]string{"voucher_id": c.VoucherID, "clinic_id": c.ClinicID}); err != nil {
		return err
	}
	if c.ServiceDate.IsZero() {
		return faults.Validation("service_date is required")
	}
	for i, ev := range c.Evidence {
		if ev.ContentHash == "" || ev.StorageKey == "" {
			return faults.Validation("evidence[%d] needs content_hash and storage_key", i)
		}
	}
	return positive("submitted_cents", c.Amount)
}

// Decision outcomes for AdjudicateClaim.
const (
	DecisionApprove = "APPROVE"
	DecisionDeny    = "DENY"
)

type AdjudicateClaim struct {
	ClaimID           string      `json:"claim_id"`
	Decision          string      `json:"decision"`
	ApprovedAmount    money.Money `json:"approved_cents"`
	PolicySnapshotRef string      `json:"policy_snapshot_ref"`
	Reason            string      `json:"reason,omitempty"`
	// VoidVoucher voids the voucher on denial instead of reopening it.
	VoidVoucher bool `json:"void_voucher,omitempty"`
}

func (AdjudicateClaim) Type() string { return TypeAdjudicateClaim }

func (c AdjudicateClaim) Validate() error {
	if err := required(map[string]string{"claim_id": c.ClaimID, "policy_snapshot_ref": c.PolicySnapshotRef}); err != nil {
		return err
	}
	switch c.Decision {
	case DecisionApprove:
		if c.VoidVoucher {
			return faults.Validation("void_voucher applies only to denials")
		}
		return positive("approved_cents", c.ApprovedAmount)
	case DecisionDeny:
		if c.Reason == "" {
			return faults.Validation("a denial requires a reason")
		}
		if !c.ApprovedAmount.IsZero() {
			return faults.Validation("a denial cannot carry approved_cents")
		}
		return nil
	}
	return faults.Validation("decision must be %s or %s", DecisionApprove, DecisionDeny)
}

type AdjustClaim struct {
	ClaimID           string      `json:"claim_id"`
	Amount            money.Money `json:"approved_cents"`
	PolicySnapshotRef string      `json:"policy_snapshot_ref"`
	Reason            string      `json:"reason"`
}

func (AdjustClaim) Type() string { return TypeAdjustClaim }

func (c AdjustClaim) Validate() error {
	if err := required(map[string]string{"claim_id": c.ClaimID, "policy_snapshot_ref": c.PolicySnapshotRef, "reason": c.Reason}); err != nil {
		return err
	}
	return positive("approved_cents", c.Amount)
}

// BatchWindow names the deterministic input set of a batch operation.
type BatchWindow struct {
	GrantCycle string `json:"grant_cycle"`
	Period     string `json:"period"`
	Watermark  uint64 `json:"watermark"`
}

func (w BatchWindow) validate() error {
	if err := required(map[string]string{"grant_cycle": w.GrantCycle, "period": w.Period}); err != nil {
		return err
	}
	if _, err := PeriodEnd(w.Period); err != nil {
		return err
	}
	if w.Watermark == 0 {
		return faults.Validation("watermark must be a positive event position")
	}
	return nil
}

type GenerateMonthlyInvoices struct {
	BatchWindow
}

func (GenerateMonthlyInvoices) Type() string { return TypeGenerateMonthlyInvoices }

func (c GenerateMonthlyInvoices) Validate() error { return c.validate() }

type SubmitInvoice struct {
	InvoiceID string `json:"invoice_id"`
}

func (SubmitInvoice) Type() string { return TypeSubmitInvoice }

func (c SubmitInvoice) Validate() error {
	return required(map[string]string{"invoice_id": c.InvoiceID})
}

type RecordInvoicePayment struct {
	InvoiceID string      `json:"invoice_id"`
	Amount    money.Money `json:"amount_cents"`
	Reference string      `json:"reference,omitempty"`
}

func (RecordInvoicePayment) Type() string { return TypeRecordInvoicePayment }

func (c RecordInvoicePayment) Validate() error {
	if err := required(map[string]string{"invoice_id": c.InvoiceID}); err != nil {
		return err
	}
	return positive("amount_cents", c.Amount)
}

type ExplainInvoice struct {
	InvoiceID string `json:"invoice_id"`
	Note      string `json:"note"`
}

func (ExplainInvoice) Type() string { return TypeExplainInvoice }

func (c ExplainInvoice) Validate() error {
	return required(map[string]string{"invoice_id": c.InvoiceID, "note": c.Note})
}

type GenerateExportBatch struct {
	BatchWindow
	Format string `json:"format,omitempty"`
}

func (GenerateExportBatch) Type() string { return TypeGenerateExportBatch }

func (c GenerateExportBatch) Validate() error { return c.validate() }

type RenderExportBatch struct {
	BatchID       string      `json:"batch_id"`
	ArtifactTotal money.Money `json:"artifact_total_cents"`
	ArtifactHash  string      `json:"artifact_hash"`
	ArtifactRef   string      `json:"artifact_ref,omitempty"`
}

func (RenderExportBatch) Type() string { return TypeRenderExportBatch }

func (c RenderExportBatch) Validate() error {
	return required(map[string]string{"batch_id": c.BatchID, "artifact_hash": c.ArtifactHash})
}

type SubmitExportBatch struct {
	BatchID   string `json:"batch_id"`
	Reference string `json:"reference,omitempty"`
}

func (SubmitExportBatch) Type() string { return TypeSubmitExportBatch }

func (c SubmitExportBatch) Validate() error {
	return required(map[string]string{"batch_id": c.BatchID})
}

type AcknowledgeExportBatch struct {
	BatchID   string `json:"batch_id"`
	Reference string `json:"reference,omitempty"`
}

func (AcknowledgeExportBatch) Type() string { return TypeAcknowledgeExportBatch }

func (c AcknowledgeExportBatch) Validate() error {
	return required(map[string]string{"batch_id": c.BatchID})
}

type RejectExportBatch struct {
	BatchID string `json:"batch_id"`
	Reason  string `json:"reason"`
}

func (RejectExportBatch) Type() string { return TypeRejectExportBatch }

func (c RejectExportBatch) Validate() error {
	return required(map[string]string{"batch_id": c.BatchID, "reason": c.Reason})
}

type VoidExportBatch struct {
	BatchID string `json:"batch_id"`
	Reason  string `json:"reason"`
}

func (VoidExportBatch) Type() string { return TypeVoidExportBatch }

func (c VoidExportBatch) Validate() error {
	return required(map[string]string{"batch_id": c.BatchID, "reason": c.Reason})
}

// CycleCommand is the field set of the closeout commands.
type CycleCommand struct {
	GrantCycle string `json:"grant_cycle"`
}

func (c CycleCommand) validate() error {
	return required(map[string]string{"grant_cycle": c.GrantCycle})
}

type RunCloseoutPreflight struct{ CycleCommand }

func (RunCloseoutPreflight) Type() string { return TypeRunCloseoutPreflight }

func (c RunCloseoutPreflight) Validate() error { return c.validate() }

type StartCloseout struct{ CycleCommand }

func (StartCloseout) Type() string { return TypeStartCloseout }

func (c StartCloseout) Validate() error { return c.validate() }

type ReconcileCloseout struct{ CycleCommand }

func (ReconcileCloseout) Type() string { return TypeReconcileCloseout }

func (c ReconcileCloseout) Validate() error { return c.validate() }

type CloseGrantCycle struct{ CycleCommand }

func (CloseGrantCycle) Type() string { return TypeCloseGrantCycle }

func (c CloseGrantCycle) Validate() error { return c.validate() }

type PlaceAuditHold struct {
	CycleCommand
	Reason string `json:"reason"`
}

func (PlaceAuditHold) Type() string { return TypePlaceAuditHold }

func (c PlaceAuditHold) Validate() error {
	return required(map[string]string{"grant_cycle": c.GrantCycle, "reason": c.Reason})
}

type ClearAuditHold struct {
	CycleCommand
	Reason string `json:"reason"`
}

func (ClearAuditHold) Type() string { return TypeClearAuditHold }

func (c ClearAuditHold) Validate() error {
	return required(map[string]string{"grant_cycle": c.GrantCycle, "reason": c.Reason})
}

// decoders maps each wire type to the decoder of its variant.
var decoders = map[string]func(json.RawMessage) (Command, error){
	TypeCreateGrant:             decodeAs[CreateGrant],
	TypeAwardBudget:             decodeAs[AwardBudget],
	TypeIssueVoucherOnline:      decodeAs[IssueVoucherOnline],
	TypeIssueTentativeVoucher:   decodeAs[IssueTentativeVoucher],
	TypeConfirmTentativeVoucher: decodeAs[ConfirmTentativeVoucher],
	TypeVoidVoucher:             decodeAs[VoidVoucher],
	TypeExpireVoucher:           decodeAs[ExpireVoucher],
	TypeSubmitClaim:             decodeAs[SubmitClaim],
	TypeAdjudicateClaim:         decodeAs[AdjudicateClaim],
	TypeAdjustClaim:             decodeAs[AdjustClaim],
	TypeGenerateMonthlyInvoices: decodeAs[GenerateMonthlyInvoices],
	TypeSubmitInvoice:           decodeAs[SubmitInvoice],
	TypeRecordInvoicePayment:    decodeAs[RecordInvoicePayment],
	TypeExplainInvoice:          decodeAs[ExplainInvoice],
	TypeGenerateExportBatch:     decodeAs[GenerateExportBatch],
	TypeRenderExportBatch:       decodeAs[RenderExportBatch],
	TypeSubmitExportBatch:       decodeAs[SubmitExportBatch],
	TypeAcknowledgeExportBatch:  decodeAs[AcknowledgeExportBatch],
	TypeRejectExportBatch:       decodeAs[RejectExportBatch],
	TypeVoidExportBatch:         decodeAs[VoidExportBatch],
	TypeRunCloseoutPreflight:    decodeAs[RunCloseoutPreflight],
	TypeStartCloseout:           decodeAs[StartCloseout],
	TypeReconcileCloseout:       decodeAs[ReconcileCloseout],
	TypeCloseGrantCycle:         decodeAs[CloseGrantCycle],
	TypePlaceAuditHold:          decodeAs[PlaceAuditHold],
	TypeClearAuditHold:          decodeAs[ClearAuditHold],
}

// Types lists every known command type.
func Types() []string {
	out := make([]string, 0, len(decoders))
	for t := range decoders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
