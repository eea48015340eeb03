package ledger

import (
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

type ExportStatus string

const (
	ExportCreated      ExportStatus = "CREATED"
	ExportRendered     ExportStatus = "RENDERED"
	ExportSubmitted    ExportStatus = "SUBMITTED"
	ExportAcknowledged ExportStatus = "ACKNOWLEDGED"
	ExportRejected     ExportStatus = "REJECTED"
	ExportVoided       ExportStatus = "VOIDED"
)

const (
	EventExportBatchCreated      = "ExportBatchCreated"
	EventExportBatchRendered     = "ExportBatchRendered"
	EventExportBatchSubmitted    = "ExportBatchSubmitted"
	EventExportBatchAcknowledged = "ExportBatchAcknowledged"
	EventExportBatchRejected     = "ExportBatchRejected"
	EventExportBatchVoided       = "ExportBatchVoided"
)

type ExportBatchCreated struct {
	BatchID      string      `json:"batch_id"`
	GrantCycle   string      `json:"grant_cycle"`
	Period       string      `json:"period"`
	Watermark    uint64      `json:"watermark"`
	Format       string      `json:"format"`
	InvoiceIDs   []string    `json:"invoice_ids"`
	ControlTotal money.Money `json:"control_total_cents"`
}

type ExportBatchRendered struct {
	BatchID       string      `json:"batch_id"`
	ArtifactTotal money.Money `json:"artifact_total_cents"`
	ArtifactHash  string      `json:"artifact_hash"`
	ArtifactRef   string      `json:"artifact_ref,omitempty"`
}

// ExportBatchTransition is the payload of submit, acknowledge, reject and void.
type ExportBatchTransition struct {
	BatchID   string    `json:"batch_id"`
	Reference string    `json:"reference,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// ExportBatch is one regulatory submission of invoices.
type ExportBatch struct {
	ExportBatchCreated
	Status        ExportStatus
	ArtifactTotal money.Money
	ArtifactHash  string
	ArtifactRef   string
	Reference     string
	Reason        string
}

func (b ExportBatch) Exists() bool { return b.Status != "" }

// Live reports whether the batch still holds its invoices.
func (b ExportBatch) Live() bool {
	return b.Exists() && b.Status != ExportVoided && b.Status != ExportRejected
}

func (b ExportBatch) Apply(e eventlog.Event) (ExportBatch, error) {
	next := b
	switch e.Type {
	case EventExportBatchCreated:
		p, err := decode[ExportBatchCreated](e)
		if err != nil {
			return b, err
		}
		if b.Exists() {
			return b, faults.Invariant("export batch %s created twice", p.BatchID)
		}
		return ExportBatch{ExportBatchCreated: p, Status: ExportCreated}, nil
	case EventExportBatchRendered:
		p, err := decode[ExportBatchRendered](e)
		if err != nil {
			return b, err
		}
		if !p.ArtifactTotal.Equal(b.ControlTotal) {
			return b, faults.Invariant("export batch %s artifact total %s != control total %s", b.BatchID, p.ArtifactTotal, b.ControlTotal)
		}
		next.Status = ExportRendered
		next.ArtifactTotal = p.ArtifactTotal
		next.ArtifactHash = p.ArtifactHash
		next.ArtifactRef = p.ArtifactRef
	case EventExportBatchSubmitted, EventExportBatchAcknowledged, EventExportBatchRejected, EventExportBatchVoided:
		p, err := decode[ExportBatchTransition](e)
		if err != nil {
			return b, err
		}
		next.Status = map[string]ExportStatus{
			EventExportBatchSubmitted:    ExportSubmitted,
			EventExportBatchAcknowledged: ExportAcknowledged,
			EventExportBatchRejected:     ExportRejected,
			EventExportBatchVoided:       ExportVoided,
		}[e.Type]
		if p.Reference != "" {
			next.Reference = p.Reference
		}
		next.Reason = p.Reason
	default:
		return b, unknownEvent("export batch", e)
	}
	return next, nil
}

// Create freezes the batch contents and control total.
func (b ExportBatch) Create(p ExportBatchCreated) ([]Fact, error) {
	if b.Exists() {
		return nil, faults.InvalidTransition("export batch", "create", b.Status)
	}
	if len(p.InvoiceIDs) == 0 {
		return nil, faults.Validation("export batch has no invoices")
	}
	return []Fact{{Type: EventExportBatchCreated, Payload: p}}, nil
}

// Render records the artifact. Its total must equal the control total.
func (b ExportBatch) Render(total money.Money, hash, ref string) ([]Fact, error) {
	if err := b.require("render", ExportCreated); err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, faults.Validation("artifact hash is required")
	}
	if !total.Equal(b.ControlTotal) {
		return nil, faults.Invariant("export batch %s artifact total %s does not reconcile to control total %s",
			b.BatchID, total.Format(), b.ControlTotal.Format())
	}
	return []Fact{{Type: EventExportBatchRendered, Payload: ExportBatchRendered{BatchID: b.BatchID, ArtifactTotal: total, ArtifactHash: hash, ArtifactRef: ref}}}, nil
}

func (b ExportBatch) Submit(reference string, now time.Time) ([]Fact, error) {
	return b.transition("submit", EventExportBatchSubmitted, ExportBatchTransition{Reference: reference, At: now}, ExportRendered)
}

func (b ExportBatch) Acknowledge(reference string, now time.Time) ([]Fact, error) {
	return b.transition("acknowledge", EventExportBatchAcknowledged, ExportBatchTransition{Reference: reference, At: now}, ExportSubmitted)
}

func (b ExportBatch) Reject(reason string, now time.Time) ([]Fact, error) {
	if reason == "" {
		return nil, faults.Validation("rejection reason is required")
	}
	return b.transition("reject", EventExportBatchRejected, ExportBatchTransition{Reason: reason, At: now}, ExportSubmitted)
}

func (b ExportBatch) Void(reason string, now time.Time) ([]Fact, error) {
	return b.transition("void", EventExportBatchVoided, ExportBatchTransition{Reason: reason, At: now}, ExportCreated, ExportRendered, ExportSubmitted)
}

func (b ExportBatch) transition(name, typ string, p ExportBatchTransition, from ...ExportStatus) ([]Fact, error) {
	if err := b.require(name, from...); err != nil {
		return nil, err
	}
	p.BatchID = b.BatchID
	return []Fact{{Type: typ, Payload: p}}, nil
}

func (b ExportBatch) require(transition string, from ...ExportStatus) error {
	if !b.Exists() {
		return faults.NotFound("export batch does not exist")
	}
	for _, s := range from {
		if b.Status == s {
			return nil
		}
	}
	return faults.InvalidTransition("export batch", transition, b.Status)
}
