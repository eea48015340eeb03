// Package projection maintains the read-optimized views of the ledger:
// grants, vouchers, claims, invoices, export batches and closeouts.
//
// Views are derived by folding the global event log with the same aggregate
// Apply functions the command side replays, so a view can never disagree
// with the aggregate it mirrors. They are eventually consistent and never
// consulted to authorize a budget movement.
package projection

import (
	"strings"
	"sync"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
)

// ClaimView is a claim plus the global position of its latest approval,
// which invoice watermarks are compared against.
type ClaimView struct {
	ledger.Claim
	ApprovedPosition uint64
}

// Views is the in-memory view store.
type Views struct {
	mu       sync.RWMutex
	position uint64

	grants    map[string]ledger.Grant
	vouchers  map[string]ledger.Voucher
	claims    map[string]ClaimView
	invoices  map[string]ledger.Invoice
	batches   map[string]ledger.ExportBatch
	closeouts map[string]ledger.Closeout
}

// NewViews creates empty views.
func NewViews() *Views {
	v := &Views{}
	v.reset()
	return v
}

func (v *Views) reset() {
	v.position = 0
	v.grants = make(map[string]ledger.Grant)
	v.vouchers = make(map[string]ledger.Voucher)
	v.claims = make(map[string]ClaimView)
	v.invoices = make(map[string]ledger.Invoice)
	v.batches = make(map[string]ledger.ExportBatch)
	v.closeouts = make(map[string]ledger.Closeout)
}

// Position is the global position of the last applied event.
func (v *Views) Position() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.position
}

// Apply folds events in global order. Events at or below the current
// position are skipped, so overlapping batches are harmless.
func (v *Views) Apply(events ...eventlog.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, e := range events {
		if e.GlobalPosition <= v.position {
			continue
		}
		if err := v.apply(e); err != nil {
			return err
		}
		v.position = e.GlobalPosition
	}
	return nil
}

func (v *Views) apply(e eventlog.Event) error {
	if err := ledger.CheckSchema(e); err != nil {
		return err
	}
	var err error
	switch e.StreamType {
	case ledger.GrantStreamType:
		v.grants[e.StreamID], err = v.grants[e.StreamID].Apply(e)
	case ledger.VoucherStreamType:
		v.vouchers[e.StreamID], err = v.vouchers[e.StreamID].Apply(e)
	case ledger.ClaimStreamType:
		row := v.claims[e.StreamID]
		row.Claim, err = row.Claim.Apply(e)
		if e.Type == ledger.EventClaimApproved || e.Type == ledger.EventClaimAdjusted {
			row.ApprovedPosition = e.GlobalPosition
		}
		v.claims[e.StreamID] = row
	case ledger.InvoiceStreamType:
		v.invoices[e.StreamID], err = v.invoices[e.StreamID].Apply(e)
	case ledger.ExportStreamType:
		v.batches[e.StreamID], err = v.batches[e.StreamID].Apply(e)
	case ledger.CloseoutStreamType:
		c, ok := v.closeouts[e.StreamID]
		if !ok {
			c = ledger.NewCloseout(strings.TrimPrefix(e.StreamID, "closeout-"))
		}
		v.closeouts[e.StreamID], err = c.Apply(e)
	}
	// Cycle index, invoice run and command outcome streams carry nothing the
	// views serve.
	return err
}
