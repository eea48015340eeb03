package ledger

import (
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

type VoucherStatus string

const (
	VoucherTentative VoucherStatus = "TENTATIVE"
	VoucherIssued    VoucherStatus = "ISSUED"
	VoucherRedeemed  VoucherStatus = "REDEEMED"
	VoucherVoided    VoucherStatus = "VOIDED"
	VoucherExpired   VoucherStatus = "EXPIRED"
)

const (
	EventVoucherTentativelyIssued = "VoucherTentativelyIssued"
	EventVoucherIssued            = "VoucherIssued"
	EventVoucherConfirmed         = "VoucherConfirmed"
	EventVoucherClaimAttached     = "VoucherClaimAttached"
	EventVoucherClaimDetached     = "VoucherClaimDetached"
	EventVoucherRedeemed          = "VoucherRedeemed"
	EventVoucherVoided            = "VoucherVoided"
	EventVoucherExpired           = "VoucherExpired"
	EventVoucherReencumbered      = "VoucherReencumbered"
)

// VoucherTerms are the fields fixed at issuance.
type VoucherTerms struct {
	VoucherID          string            `json:"voucher_id"`
	GrantID            string            `json:"grant_id"`
	GrantCycle         string            `json:"grant_cycle"`
	Bucket             Category          `json:"bucket"`
	ClinicID           string            `json:"clinic_id,omitempty"`
	MaxReimbursement   money.Money       `json:"max_reimbursement_cents"`
	Flags              []string          `json:"flags,omitempty"`
	Recipient          map[string]string `json:"recipient,omitempty"`
	Procedure          map[string]string `json:"procedure,omitempty"`
	IssuedAt           time.Time         `json:"issued_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
	TentativeExpiresAt time.Time         `json:"tentative_expires_at,omitempty"`
}

type VoucherConfirmed struct {
	VoucherID   string    `json:"voucher_id"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

type VoucherClaimLink struct {
	VoucherID string      `json:"voucher_id"`
	ClaimID   string      `json:"claim_id"`
	Released  money.Money `json:"released_cents,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

type VoucherRedeemedPayload struct {
	VoucherID string      `json:"voucher_id"`
	ClaimID   string      `json:"claim_id"`
	Amount    money.Money `json:"approved_cents"`
}

// VoucherClosed is the payload of VoucherVoided and VoucherExpired.
type VoucherClosed struct {
	VoucherID string      `json:"voucher_id"`
	Reason    string      `json:"reason,omitempty"`
	Released  money.Money `json:"released_cents"`
	At        time.Time   `json:"at"`
}

type VoucherReencumbered struct {
	VoucherID string      `json:"voucher_id"`
	Amount    money.Money `json:"amount"`
}

// Voucher is a capped reimbursement entitlement against one grant bucket.
type Voucher struct {
	VoucherTerms
	Status     VoucherStatus
	Encumbered money.Money
	// ActiveClaimID is the one non-denied claim, if any.
	ActiveClaimID   string
	RedeemedClaimID string
}

func (v Voucher) Exists() bool { return v.Status != "" }

// Terminal reports whether the voucher can no longer change.
func (v Voucher) Terminal() bool {
	switch v.Status {
	case VoucherRedeemed, VoucherVoided, VoucherExpired:
		return true
	}
	return false
}

// ExpiredAt reports whether the voucher's current deadline has passed at now.
func (v Voucher) ExpiredAt(now time.Time) bool {
	switch v.Status {
	case VoucherTentative:
		return !v.TentativeExpiresAt.IsZero() && !now.Before(v.TentativeExpiresAt)
	case VoucherIssued:
		return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
	}
	return false
}

func (v Voucher) Apply(e eventlog.Event) (Voucher, error) {
	next := v
	switch e.Type {
	case EventVoucherIssued, EventVoucherTentativelyIssued:
		p, err := decode[VoucherTerms](e)
		if err != nil {
			return v, err
		}
		if v.Exists() {
			return v, faults.Invariant("voucher %s issued twice", p.VoucherID)
		}
		next = Voucher{VoucherTerms: p, Status: VoucherIssued, Encumbered: p.MaxReimbursement}
		if e.Type == EventVoucherTentativelyIssued {
			next.Status = VoucherTentative
		}
	case EventVoucherConfirmed:
		next.Status = VoucherIssued
	case EventVoucherClaimAttached:
		p, err := decode[VoucherClaimLink](e)
		if err != nil {
			return v, err
		}
		next.ActiveClaimID = p.ClaimID
	case EventVoucherClaimDetached:
		p, err := decode[VoucherClaimLink](e)
		if err != nil {
			return v, err
		}
		remaining, ok := v.Encumbered.CheckedSub(p.Released)
		if !ok {
			return v, faults.Invariant("voucher %s releases %s but holds %s", v.VoucherID, p.Released, v.Encumbered)
		}
		next.ActiveClaimID = ""
		next.Encumbered = remaining
	case EventVoucherReencumbered:
		p, err := decode[VoucherReencumbered](e)
		if err != nil {
			return v, err
		}
		next.Encumbered = v.Encumbered.Add(p.Amount)
	case EventVoucherRedeemed:
		p, err := decode[VoucherRedeemedPayload](e)
		if err != nil {
			return v, err
		}
		next.Status = VoucherRedeemed
		next.RedeemedClaimID = p.ClaimID
		next.Encumbered = money.Zero()
	case EventVoucherVoided, EventVoucherExpired:
		next.Status = VoucherVoided
		if e.Type == EventVoucherExpired {
			next.Status = VoucherExpired
		}
		next.Encumbered = money.Zero()
		next.ActiveClaimID = ""
	default:
		return v, unknownEvent("voucher", e)
	}
	return next, nil
}

// Issue validates new terms and returns the issuance fact. Tentative
// vouchers carry a confirmation deadline.
func (v Voucher) Issue(terms VoucherTerms, tentative bool) ([]Fact, error) {
	if v.Exists() {
		return nil, faults.InvalidTransition("voucher", "issue", v.Status)
	}
	if !terms.MaxReimbursement.IsPositive() {
		return nil, faults.Validation("max reimbursement must be positive")
	}
	if !terms.ExpiresAt.After(terms.IssuedAt) {
		return nil, faults.Validation("voucher expiry must be after issuance")
	}
	typ := EventVoucherIssued
	if tentative {
		if !terms.TentativeExpiresAt.After(terms.IssuedAt) {
			return nil, faults.Validation("tentative expiry must be after issuance")
		}
		typ = EventVoucherTentativelyIssued
	} else {
		terms.TentativeExpiresAt = time.Time{}
	}
	return []Fact{{Type: typ, Payload: terms}}, nil
}

// Confirm turns a tentative voucher into an issued one. A voucher whose
// confirmation window has passed yields the expiry fact together with a
// VoucherExpired error; the caller commits the fact and reports the error.
func (v Voucher) Confirm(now time.Time) ([]Fact, error) {
	if !v.Exists() {
		return nil, faults.NotFound("voucher does not exist")
	}
	if v.Status != VoucherTentative {
		return nil, faults.New(faults.KindVoucherNotTentative, "voucher %s is %s, not TENTATIVE", v.VoucherID, v.Status)
	}
	if v.ExpiredAt(now) {
		return []Fact{v.closeFact(EventVoucherExpired, "tentative confirmation window elapsed", now)},
			faults.New(faults.KindVoucherExpired, "voucher %s confirmation window closed at %s", v.VoucherID, v.TentativeExpiresAt.Format(time.RFC3339))
	}
	return []Fact{{Type: EventVoucherConfirmed, Payload: VoucherConfirmed{VoucherID: v.VoucherID, ConfirmedAt: now}}}, nil
}

// AttachClaim links a submitted claim. A voucher reopened after a denial
// holds no encumbrance, so the fact list then starts with a re-encumbrance
// that the caller must mirror on the grant.
func (v Voucher) AttachClaim(claimID string, now time.Time) ([]Fact, error) {
	if !v.Exists() {
		return nil, faults.NotFound("voucher does not exist")
	}
	if v.Status != VoucherIssued {
		return nil, faults.InvalidTransition("voucher", "submit claim", v.Status)
	}
	if v.ActiveClaimID != "" {
		return nil, faults.New(faults.KindInvalidTransition, "voucher: cannot submit claim from state %s: claim %s is active", v.Status, v.ActiveClaimID)
	}
	if v.ExpiredAt(now) {
		return nil, faults.New(faults.KindVoucherExpired, "voucher %s expired at %s", v.VoucherID, v.ExpiresAt.Format(time.RFC3339))
	}
	var facts []Fact
	if need := v.Shortfall(); need.IsPositive() {
		facts = append(facts, Fact{Type: EventVoucherReencumbered, Payload: VoucherReencumbered{VoucherID: v.VoucherID, Amount: need}})
	}
	return append(facts, Fact{Type: EventVoucherClaimAttached, Payload: VoucherClaimLink{VoucherID: v.VoucherID, ClaimID: claimID}}), nil
}

// Shortfall is the encumbrance the voucher must regain before a claim.
func (v Voucher) Shortfall() money.Money {
	need, ok := v.MaxReimbursement.CheckedSub(v.Encumbered)
	if !ok {
		return money.Zero()
	}
	return need
}

// Redeem consumes the voucher with its approved claim.
func (v Voucher) Redeem(claimID string, approved money.Money) ([]Fact, error) {
	if err := v.requireActiveClaim("redeem", claimID); err != nil {
		return nil, err
	}
	return []Fact{{Type: EventVoucherRedeemed, Payload: VoucherRedeemedPayload{VoucherID: v.VoucherID, ClaimID: claimID, Amount: approved}}}, nil
}

// DetachClaim unlinks a denied claim and drops the voucher's encumbrance,
// leaving it ISSUED for a later claim.
func (v Voucher) DetachClaim(claimID, reason string) ([]Fact, error) {
	if err := v.requireActiveClaim("detach claim", claimID); err != nil {
		return nil, err
	}
	return []Fact{{Type: EventVoucherClaimDetached, Payload: VoucherClaimLink{VoucherID: v.VoucherID, ClaimID: claimID, Released: v.Encumbered, Reason: reason}}}, nil
}

// Void cancels an open voucher. The released amount is on the fact.
func (v Voucher) Void(reason string, now time.Time, allowActiveClaim bool) ([]Fact, error) {
	if !v.Exists() {
		return nil, faults.NotFound("voucher does not exist")
	}
	if v.Status != VoucherTentative && v.Status != VoucherIssued {
		return nil, faults.InvalidTransition("voucher", "void", v.Status)
	}
	if v.ActiveClaimID != "" && !allowActiveClaim {
		return nil, faults.New(faults.KindInvalidTransition, "voucher: cannot void from state %s: claim %s is pending", v.Status, v.ActiveClaimID)
	}
	return []Fact{v.closeFact(EventVoucherVoided, reason, now)}, nil
}

// Expire closes a voucher whose deadline passed.
func (v Voucher) Expire(now time.Time) ([]Fact, error) {
	if !v.Exists() {
		return nil, faults.NotFound("voucher does not exist")
	}
	if v.Status != VoucherTentative && v.Status != VoucherIssued {
		return nil, faults.InvalidTransition("voucher", "expire", v.Status)
	}
	if v.ActiveClaimID != "" {
		return nil, faults.New(faults.KindInvalidTransition, "voucher: cannot expire from state %s: claim %s is pending", v.Status, v.ActiveClaimID)
	}
	if !v.ExpiredAt(now) {
		return nil, faults.New(faults.KindInvalidTransition, "voucher: cannot expire from state %s before its deadline", v.Status)
	}
	return []Fact{v.closeFact(EventVoucherExpired, "deadline elapsed", now)}, nil
}

func (v Voucher) requireActiveClaim(transition, claimID string) error {
	if !v.Exists() {
		return faults.NotFound("voucher does not exist")
	}
	if v.Status != VoucherIssued {
		return faults.InvalidTransition("voucher", transition, v.Status)
	}
	if v.ActiveClaimID != claimID {
		return faults.Invariant("voucher %s active claim is %q, not %s", v.VoucherID, v.ActiveClaimID, claimID)
	}
	return nil
}

func (v Voucher) closeFact(typ, reason string, now time.Time) Fact {
	return Fact{Type: typ, Payload: VoucherClosed{VoucherID: v.VoucherID, Reason: reason, Released: v.Encumbered, At: now}}
}
