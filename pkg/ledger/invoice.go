package ledger

import (
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

type InvoiceStatus string

const (
	InvoiceGenerated     InvoiceStatus = "GENERATED"
	InvoiceSubmitted     InvoiceStatus = "SUBMITTED"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
)

const (
	EventInvoiceGenerated       = "InvoiceGenerated"
	EventInvoiceSubmitted       = "InvoiceSubmitted"
	EventInvoicePaymentRecorded = "InvoicePaymentRecorded"
	EventInvoiceExplained       = "InvoiceExplained"
	EventInvoiceExportAttached  = "InvoiceExportAttached"
	EventInvoiceExportDetached  = "InvoiceExportDetached"
	EventInvoiceRunRecorded     = "InvoiceRunRecorded"
)

type InvoiceLine struct {
	ClaimID string      `json:"claim_id"`
	Amount  money.Money `json:"amount"`
}

type InvoiceGeneratedPayload struct {
	InvoiceID  string        `json:"invoice_id"`
	GrantCycle string        `json:"grant_cycle"`
	Period     string        `json:"period"`
	ClinicID   string        `json:"clinic_id"`
	Lines      []InvoiceLine `json:"lines"`
	Total      money.Money   `json:"total_cents"`
	Watermark  uint64        `json:"watermark"`
}

type InvoiceSubmittedPayload struct {
	InvoiceID   string    `json:"invoice_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type InvoicePayment struct {
	InvoiceID string      `json:"invoice_id"`
	Amount    money.Money `json:"amount"`
	Reference string      `json:"reference,omitempty"`
	PaidAt    time.Time   `json:"paid_at"`
}

type InvoiceExplanation struct {
	InvoiceID string `json:"invoice_id"`
	Note      string `json:"note"`
}

type InvoiceExportLink struct {
	InvoiceID string `json:"invoice_id"`
	BatchID   string `json:"batch_id"`
}

// Invoice totals one clinic's approved claims for a period.
type Invoice struct {
	InvoiceGeneratedPayload
	Status        InvoiceStatus
	Paid          money.Money
	Explanation   string
	ExportBatchID string
}

func (i Invoice) Exists() bool { return i.Status != "" }

// Settled reports whether the invoice is paid or carries an explanation.
func (i Invoice) Settled() bool {
	return i.Status == InvoicePaid || i.Explanation != ""
}

// Outstanding is the unpaid remainder.
func (i Invoice) Outstanding() money.Money {
	rest, ok := i.Total.CheckedSub(i.Paid)
	if !ok {
		return money.Zero()
	}
	return rest
}

// Exportable reports whether a batch may include the invoice.
func (i Invoice) Exportable() bool {
	switch i.Status {
	case InvoiceSubmitted, InvoicePaid, InvoicePartiallyPaid:
		return i.ExportBatchID == ""
	}
	return false
}

func (i Invoice) Apply(e eventlog.Event) (Invoice, error) {
	next := i
	switch e.Type {
	case EventInvoiceGenerated:
		p, err := decode[InvoiceGeneratedPayload](e)
		if err != nil {
			return i, err
		}
		if i.Exists() {
			return i, faults.Invariant("invoice %s generated twice", p.InvoiceID)
		}
		if err := checkLines(p); err != nil {
			return i, err
		}
		return Invoice{InvoiceGeneratedPayload: p, Status: InvoiceGenerated}, nil
	case EventInvoiceSubmitted:
		next.Status = InvoiceSubmitted
	case EventInvoicePaymentRecorded:
		p, err := decode[InvoicePayment](e)
		if err != nil {
			return i, err
		}
		next.Paid = i.Paid.Add(p.Amount)
		switch next.Paid.Cmp(i.Total) {
		case 0:
			next.Status = InvoicePaid
		case -1:
			next.Status = InvoicePartiallyPaid
		default:
			return i, faults.Invariant("invoice %s paid %s exceeds total %s", i.InvoiceID, next.Paid, i.Total)
		}
	case EventInvoiceExplained:
		p, err := decode[InvoiceExplanation](e)
		if err != nil {
			return i, err
		}
		next.Explanation = p.Note
	case EventInvoiceExportAttached:
		p, err := decode[InvoiceExportLink](e)
		if err != nil {
			return i, err
		}
		next.ExportBatchID = p.BatchID
	case EventInvoiceExportDetached:
		next.ExportBatchID = ""
	default:
		return i, unknownEvent("invoice", e)
	}
	return next, nil
}

func checkLines(p InvoiceGeneratedPayload) error {
	amounts := make([]money.Money, len(p.Lines))
	for k, l := range p.Lines {
		amounts[k] = l.Amount
	}
	if sum := money.Sum(amounts...); !sum.Equal(p.Total) {
		return faults.Invariant("invoice %s lines sum to %s, total is %s", p.InvoiceID, sum, p.Total)
	}
	return nil
}

// Generate opens the invoice. The total is the sum of the lines.
func (i Invoice) Generate(p InvoiceGeneratedPayload) ([]Fact, error) {
	if i.Exists() {
		return nil, faults.InvalidTransition("invoice", "generate", i.Status)
	}
	if len(p.Lines) == 0 {
		return nil, faults.Validation("invoice %s has no claims", p.InvoiceID)
	}
	if err := checkLines(p); err != nil {
		return nil, err
	}
	return []Fact{{Type: EventInvoiceGenerated, Payload: p}}, nil
}

func (i Invoice) Submit(now time.Time) ([]Fact, error) {
	if !i.Exists() {
		return nil, faults.NotFound("invoice does not exist")
	}
	if i.Status != InvoiceGenerated {
		return nil, faults.InvalidTransition("invoice", "submit", i.Status)
	}
	return []Fact{{Type: EventInvoiceSubmitted, Payload: InvoiceSubmittedPayload{InvoiceID: i.InvoiceID, SubmittedAt: now}}}, nil
}

// RecordPayment accumulates a payment. Payments never exceed the total.
func (i Invoice) RecordPayment(amount money.Money, reference string, now time.Time) ([]Fact, error) {
	if !i.Exists() {
		return nil, faults.NotFound("invoice does not exist")
	}
	if i.Status != InvoiceSubmitted && i.Status != InvoicePartiallyPaid {
		return nil, faults.InvalidTransition("invoice", "record payment", i.Status)
	}
	if !amount.IsPositive() {
		return nil, faults.Validation("payment amount must be positive")
	}
	if amount.Cmp(i.Outstanding()) > 0 {
		return nil, faults.Validation("payment %s exceeds outstanding %s", amount.Format(), i.Outstanding().Format())
	}
	return []Fact{{Type: EventInvoicePaymentRecorded, Payload: InvoicePayment{InvoiceID: i.InvoiceID, Amount: amount, Reference: reference, PaidAt: now}}}, nil
}

// Explain records why an invoice is not fully paid at closeout.
func (i Invoice) Explain(note string) ([]Fact, error) {
	if !i.Exists() {
		return nil, faults.NotFound("invoice does not exist")
	}
	if i.Status == InvoicePaid {
		return nil, faults.InvalidTransition("invoice", "explain", i.Status)
	}
	if note == "" {
		return nil, faults.Validation("explanation note is required")
	}
	return []Fact{{Type: EventInvoiceExplained, Payload: InvoiceExplanation{InvoiceID: i.InvoiceID, Note: note}}}, nil
}

func (i Invoice) AttachExport(batchID string) ([]Fact, error) {
	if !i.Exportable() {
		return nil, faults.InvalidTransition("invoice", "attach to export batch", i.Status)
	}
	return []Fact{{Type: EventInvoiceExportAttached, Payload: InvoiceExportLink{InvoiceID: i.InvoiceID, BatchID: batchID}}}, nil
}

func (i Invoice) DetachExport(batchID string) ([]Fact, error) {
	if i.ExportBatchID != batchID {
		return nil, faults.Invariant("invoice %s is attached to %q, not %s", i.InvoiceID, i.ExportBatchID, batchID)
	}
	return []Fact{{Type: EventInvoiceExportDetached, Payload: InvoiceExportLink{InvoiceID: i.InvoiceID, BatchID: batchID}}}, nil
}

// InvoiceRunRecorded marks a completed GenerateMonthlyInvoices input set.
type InvoiceRunRecorded struct {
	GrantCycle string   `json:"grant_cycle"`
	Period     string   `json:"period"`
	Watermark  uint64   `json:"watermark"`
	InvoiceIDs []string `json:"invoice_ids"`
}

// InvoiceRun is the marker aggregate for one run.
type InvoiceRun struct {
	Recorded bool
	InvoiceRunRecorded
}

func (r InvoiceRun) Apply(e eventlog.Event) (InvoiceRun, error) {
	if e.Type != EventInvoiceRunRecorded {
		return r, unknownEvent("invoice run", e)
	}
	p, err := decode[InvoiceRunRecorded](e)
	if err != nil {
		return r, err
	}
	if r.Recorded {
		return r, faults.Invariant("invoice run %s/%s@%d recorded twice", p.GrantCycle, p.Period, p.Watermark)
	}
	return InvoiceRun{Recorded: true, InvoiceRunRecorded: p}, nil
}

// Record marks the run complete with the invoices it generated.
func (r InvoiceRun) Record(p InvoiceRunRecorded) ([]Fact, error) {
	if r.Recorded {
		return nil, faults.InvalidTransition("invoice run", "record", "RECORDED")
	}
	if p.InvoiceIDs == nil {
		p.InvoiceIDs = []string{}
	}
	return []Fact{{Type: EventInvoiceRunRecorded, Payload: p}}, nil
}
