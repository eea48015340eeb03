package ledger

import (
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

type CloseoutStatus string

const (
	CloseoutNotStarted          CloseoutStatus = "NOT_STARTED"
	CloseoutPreflightInProgress CloseoutStatus = "PREFLIGHT_IN_PROGRESS"
	CloseoutStarted             CloseoutStatus = "STARTED"
	CloseoutReconciled          CloseoutStatus = "RECONCILED"
	CloseoutClosed              CloseoutStatus = "CLOSED"
	CloseoutAuditHold           CloseoutStatus = "AUDIT_HOLD"
)

const (
	EventCloseoutPreflightEvaluated = "CloseoutPreflightEvaluated"
	EventCloseoutStarted            = "CloseoutStarted"
	EventCloseoutReconciled         = "CloseoutReconciled"
	EventGrantCycleClosed           = "GrantCycleClosed"
	EventAuditHoldPlaced            = "CloseoutAuditHoldPlaced"
	EventAuditHoldCleared           = "CloseoutAuditHoldCleared"
)

// CheckResult is one evaluated checklist item.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type PreflightResult struct {
	GrantCycle  string        `json:"grant_cycle"`
	Passed      bool          `json:"passed"`
	Checks      []CheckResult `json:"checks"`
	Watermark   uint64        `json:"watermark"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

type CloseoutReconciledPayload struct {
	GrantCycle string      `json:"grant_cycle"`
	Liquidated money.Money `json:"liquidated_cents"`
	Invoiced   money.Money `json:"invoiced_cents"`
	At         time.Time   `json:"at"`
}

// CloseoutTransition is the payload of start, close and audit hold events.
type CloseoutTransition struct {
	GrantCycle string         `json:"grant_cycle"`
	Reason     string         `json:"reason,omitempty"`
	HeldFrom   CloseoutStatus `json:"held_from,omitempty"`
	At         time.Time      `json:"at"`
}

// Closeout is the per-cycle closing workflow.
type Closeout struct {
	GrantCycle     string
	Status         CloseoutStatus
	HeldFrom       CloseoutStatus
	LastPreflight  *PreflightResult
	Reconciliation *CloseoutReconciledPayload
}

// NewCloseout is the state of a cycle with no closeout events.
func NewCloseout(cycle string) Closeout {
	return Closeout{GrantCycle: cycle, Status: CloseoutNotStarted}
}

// PreflightPassed reports whether the most recent preflight passed.
func (c Closeout) PreflightPassed() bool {
	return c.LastPreflight != nil && c.LastPreflight.Passed
}

// AcceptsIssuance reports whether vouchers may still be issued in the cycle.
func (c Closeout) AcceptsIssuance() error {
	switch c.Status {
	case CloseoutNotStarted, CloseoutPreflightInProgress:
		return nil
	}
	return faults.InvalidTransition("closeout", "issue voucher", c.Status)
}

func (c Closeout) Apply(e eventlog.Event) (Closeout, error) {
	next := c
	switch e.Type {
	case EventCloseoutPreflightEvaluated:
		p, err := decode[PreflightResult](e)
		if err != nil {
			return c, err
		}
		next.LastPreflight = &p
		if c.Status == CloseoutNotStarted {
			next.Status = CloseoutPreflightInProgress
		}
	case EventCloseoutStarted:
		next.Status = CloseoutStarted
	case EventCloseoutReconciled:
		p, err := decode[CloseoutReconciledPayload](e)
		if err != nil {
			return c, err
		}
		next.Status = CloseoutReconciled
		next.Reconciliation = &p
	case EventGrantCycleClosed:
		next.Status = CloseoutClosed
	case EventAuditHoldPlaced:
		p, err := decode[CloseoutTransition](e)
		if err != nil {
			return c, err
		}
		next.HeldFrom = p.HeldFrom
		next.Status = CloseoutAuditHold
	case EventAuditHoldCleared:
		if c.Status != CloseoutAuditHold {
			return c, faults.Invariant("closeout %s cleared without a hold", c.GrantCycle)
		}
		next.Status = c.HeldFrom
		next.HeldFrom = ""
	default:
		return c, unknownEvent("closeout", e)
	}
	return next, nil
}

// RecordPreflight stores a checklist evaluation. It is refused once the
// cycle is closed or held.
func (c Closeout) RecordPreflight(r PreflightResult) ([]Fact, error) {
	if c.Status == CloseoutClosed || c.Status == CloseoutAuditHold {
		return nil, faults.InvalidTransition("closeout", "run preflight", c.Status)
	}
	r.GrantCycle = c.GrantCycle
	return []Fact{{Type: EventCloseoutPreflightEvaluated, Payload: r}}, nil
}

// Start requires a passing preflight.
func (c Closeout) Start(now time.Time) ([]Fact, error) {
	if c.Status != CloseoutPreflightInProgress {
		return nil, faults.InvalidTransition("closeout", "start", c.Status)
	}
	if !c.PreflightPassed() {
		return nil, faults.New(faults.KindClosePrecondition, "closeout %s: last preflight did not pass", c.GrantCycle)
	}
	return []Fact{{Type: EventCloseoutStarted, Payload: CloseoutTransition{GrantCycle: c.GrantCycle, At: now}}}, nil
}

// Reconcile records liquidated against invoiced totals.
func (c Closeout) Reconcile(liquidated, invoiced money.Money, now time.Time) ([]Fact, error) {
	if c.Status != CloseoutStarted {
		return nil, faults.InvalidTransition("closeout", "reconcile", c.Status)
	}
	return []Fact{{Type: EventCloseoutReconciled, Payload: CloseoutReconciledPayload{GrantCycle: c.GrantCycle, Liquidated: liquidated, Invoiced: invoiced, At: now}}}, nil
}

// Close requires a reconciled cycle, a passing last preflight and no
// approved claim left uninvoiced.
func (c Closeout) Close(uninvoiced int, now time.Time) ([]Fact, error) {
	if c.Status != CloseoutReconciled {
		return nil, faults.InvalidTransition("closeout", "close", c.Status)
	}
	if !c.PreflightPassed() {
		return nil, faults.New(faults.KindClosePrecondition, "closeout %s: last preflight did not pass", c.GrantCycle)
	}
	if uninvoiced > 0 {
		return nil, faults.New(faults.KindClosePrecondition, "closeout %s: %d approved claims are not invoiced", c.GrantCycle, uninvoiced)
	}
	return []Fact{{Type: EventGrantCycleClosed, Payload: CloseoutTransition{GrantCycle: c.GrantCycle, At: now}}}, nil
}

// PlaceHold suspends the workflow from any state.
func (c Closeout) PlaceHold(reason string, now time.Time) ([]Fact, error) {
	if c.Status == CloseoutAuditHold {
		return nil, faults.InvalidTransition("closeout", "place audit hold", c.Status)
	}
	if reason == "" {
		return nil, faults.Validation("audit hold requires a reason")
	}
	return []Fact{{Type: EventAuditHoldPlaced, Payload: CloseoutTransition{GrantCycle: c.GrantCycle, Reason: reason, HeldFrom: c.Status, At: now}}}, nil
}

// ClearHold resumes the state the hold was placed from.
func (c Closeout) ClearHold(reason string, now time.Time) ([]Fact, error) {
	if c.Status != CloseoutAuditHold {
		return nil, faults.InvalidTransition("closeout", "clear audit hold", c.Status)
	}
	return []Fact{{Type: EventAuditHoldCleared, Payload: CloseoutTransition{GrantCycle: c.GrantCycle, Reason: reason, HeldFrom: c.HeldFrom, At: now}}}, nil
}
