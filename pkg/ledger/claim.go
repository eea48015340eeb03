package ledger

import (
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

type ClaimStatus string

const (
	ClaimSubmitted ClaimStatus = "SUBMITTED"
	ClaimApproved  ClaimStatus = "APPROVED"
	ClaimDenied    ClaimStatus = "DENIED"
	ClaimAdjusted  ClaimStatus = "ADJUSTED"
	ClaimInvoiced  ClaimStatus = "INVOICED"
)

const (
	EventClaimSubmitted = "ClaimSubmitted"
	EventClaimApproved  = "ClaimApproved"
	EventClaimDenied    = "ClaimDenied"
	EventClaimAdjusted  = "ClaimAdjusted"
	EventClaimInvoiced  = "ClaimInvoiced"
)

// EvidenceRef points at stored evidence. The ledger never holds the bytes.
type EvidenceRef struct {
	ContentHash string `json:"content_hash"`
	StorageKey  string `json:"storage_key"`
}

// Decision records who decided a claim and under which policy.
type Decision struct {
	PolicySnapshotRef string    `json:"policy_snapshot_ref"`
	DecidedBy         string    `json:"decided_by"`
	Reason            string    `json:"reason,omitempty"`
	DecidedAt         time.Time `json:"decided_at"`
}

type ClaimSubmittedPayload struct {
	ClaimID     string        `json:"claim_id"`
	VoucherID   string        `json:"voucher_id"`
	GrantID     string        `json:"grant_id"`
	GrantCycle  string        `json:"grant_cycle"`
	Bucket      Category      `json:"bucket"`
	ClinicID    string        `json:"clinic_id"`
	Amount      money.Money   `json:"submitted_cents"`
	ServiceDate string        `json:"service_date"`
	Evidence    []EvidenceRef `json:"evidence,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// ClaimDecided is the payload of ClaimApproved, ClaimDenied and ClaimAdjusted.
type ClaimDecided struct {
	ClaimID     string      `json:"claim_id"`
	Amount      money.Money `json:"approved_cents"`
	Previous    money.Money `json:"previous_cents"`
	Decision    Decision    `json:"decision"`
	VoidVoucher bool        `json:"void_voucher,omitempty"`
}

type ClaimInvoicedPayload struct {
	ClaimID   string      `json:"claim_id"`
	InvoiceID string      `json:"invoice_id"`
	Amount    money.Money `json:"amount"`
}

// Claim is a clinic's reimbursement request against one voucher.
type Claim struct {
	ClaimSubmittedPayload
	Status    ClaimStatus
	Approved  money.Money
	Decision  *Decision
	InvoiceID string
}

func (c Claim) Exists() bool { return c.Status != "" }

// Payable reports whether the claim is approved and not yet invoiced.
func (c Claim) Payable() bool {
	return c.Status == ClaimApproved || c.Status == ClaimAdjusted
}

func (c Claim) Apply(e eventlog.Event) (Claim, error) {
	next := c
	switch e.Type {
	case EventClaimSubmitted:
		p, err := decode[ClaimSubmittedPayload](e)
		if err != nil {
			return c, err
		}
		if c.Exists() {
			return c, faults.Invariant("claim %s submitted twice", p.ClaimID)
		}
		return Claim{ClaimSubmittedPayload: p, Status: ClaimSubmitted}, nil
	case EventClaimApproved, EventClaimAdjusted, EventClaimDenied:
		p, err := decode[ClaimDecided](e)
		if err != nil {
			return c, err
		}
		d := p.Decision
		next.Decision = &d
		switch e.Type {
		case EventClaimApproved:
			next.Status = ClaimApproved
			next.Approved = p.Amount
		case EventClaimAdjusted:
			next.Status = ClaimAdjusted
			next.Approved = p.Amount
		default:
			next.Status = ClaimDenied
		}
	case EventClaimInvoiced:
		p, err := decode[ClaimInvoicedPayload](e)
		if err != nil {
			return c, err
		}
		if !p.Amount.Equal(c.Approved) {
			return c, faults.Invariant("claim %s invoiced for %s but approved %s", c.ClaimID, p.Amount, c.Approved)
		}
		next.Status = ClaimInvoiced
		next.InvoiceID = p.InvoiceID
	default:
		return c, unknownEvent("claim", e)
	}
	return next, nil
}

// Submit opens the claim.
func (c Claim) Submit(p ClaimSubmittedPayload) ([]Fact, error) {
	if c.Exists() {
		return nil, faults.InvalidTransition("claim", "submit", c.Status)
	}
	if !p.Amount.IsPositive() {
		return nil, faults.Validation("submitted amount must be positive")
	}
	return []Fact{{Type: EventClaimSubmitted, Payload: p}}, nil
}

// Approve sets the approved amount, which must be positive and within the
// voucher's maximum.
func (c Claim) Approve(amount, limit money.Money, d Decision) ([]Fact, error) {
	if err := c.requireStatus("approve", ClaimSubmitted); err != nil {
		return nil, err
	}
	if err := checkApproved(amount, limit); err != nil {
		return nil, err
	}
	return []Fact{{Type: EventClaimApproved, Payload: ClaimDecided{ClaimID: c.ClaimID, Amount: amount, Decision: d}}}, nil
}

// Deny rejects the claim.
func (c Claim) Deny(d Decision, voidVoucher bool) ([]Fact, error) {
	if err := c.requireStatus("deny", ClaimSubmitted); err != nil {
		return nil, err
	}
	if d.Reason == "" {
		return nil, faults.Validation("denial requires a reason")
	}
	return []Fact{{Type: EventClaimDenied, Payload: ClaimDecided{ClaimID: c.ClaimID, Decision: d, VoidVoucher: voidVoucher}}}, nil
}

// Adjust corrects the approved amount of an approved, uninvoiced claim.
func (c Claim) Adjust(amount, limit money.Money, d Decision) ([]Fact, error) {
	if err := c.requireStatus("adjust", ClaimApproved, ClaimAdjusted); err != nil {
		return nil, err
	}
	if err := checkApproved(amount, limit); err != nil {
		return nil, err
	}
	if amount.Equal(c.Approved) {
		return nil, faults.Validation("adjusted amount equals the approved amount")
	}
	return []Fact{{Type: EventClaimAdjusted, Payload: ClaimDecided{ClaimID: c.ClaimID, Amount: amount, Previous: c.Approved, Decision: d}}}, nil
}

// MarkInvoiced attaches the claim to an invoice.
func (c Claim) MarkInvoiced(invoiceID string) ([]Fact, error) {
	if err := c.requireStatus("invoice", ClaimApproved, ClaimAdjusted); err != nil {
		return nil, err
	}
	return []Fact{{Type: EventClaimInvoiced, Payload: ClaimInvoicedPayload{ClaimID: c.ClaimID, InvoiceID: invoiceID, Amount: c.Approved}}}, nil
}

func (c Claim) requireStatus(transition string, allowed ...ClaimStatus) error {
	if !c.Exists() {
		return faults.NotFound("claim does not exist")
	}
	for _, s := range allowed {
		if c.Status == s {
			return nil
		}
	}
	return faults.InvalidTransition("claim", transition, c.Status)
}

func checkApproved(amount, limit money.Money) error {
	if !amount.IsPositive() {
		return faults.Validation("approved amount must be positive")
	}
	if amount.Cmp(limit) > 0 {
		return faults.Validation("approved amount %s exceeds voucher maximum %s", amount.Format(), limit.Format())
	}
	return nil
}
