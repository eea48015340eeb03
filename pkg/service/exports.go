package service

import (
	"context"
	"sort"

	"github.com/terryholliday/WVSNP-sub002/pkg/command"
	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

const defaultExportFormat = "csv"

// generateExportBatch freezes the exportable invoices of a cycle and period
// generated at or before the watermark. The batch id is derived from the
// window, so asking again returns the existing batch.
func (s *Service) generateExportBatch(ctx context.Context, c command.GenerateExportBatch) (plan, error) {
	w := c.BatchWindow
	format := c.Format
	if format == "" {
		format = defaultExportFormat
	}
	batchID := windowID("export", w, format)
	b, err := loadBatch(ctx, s.log, batchID)
	if err != nil {
		return plan{}, err
	}
	if b.state.Exists() {
		return plan{result: batchResult(b.state)}, nil
	}
	if err := checkWatermark(ctx, s.log, w.Watermark); err != nil {
		return plan{}, err
	}

	var ids []string
	err = scan(ctx, s.log, w.Watermark, func(e eventlog.Event) error {
		if e.StreamType == ledger.InvoiceStreamType {
			ids = append(ids, e.StreamID)
		}
		return nil
	}, ledger.EventInvoiceGenerated)
	if err != nil {
		return plan{}, err
	}
	sort.Strings(ids)

	var p plan
	var included []*stream[ledger.Invoice]
	total := money.Zero()
	for _, id := range ids {
		inv, err := load(ctx, s.log, id, ledger.InvoiceStreamType, ledger.Invoice{})
		if err != nil {
			return plan{}, err
		}
		if inv.state.GrantCycle != w.GrantCycle || inv.state.Period != w.Period || !inv.state.Exportable() {
			continue
		}
		included = append(included, inv)
		total = total.Add(inv.state.Total)
	}

	invoiceIDs := make([]string, 0, len(included))
	for _, inv := range included {
		invoiceIDs = append(invoiceIDs, inv.state.InvoiceID)
	}
	facts, err := b.state.Create(ledger.ExportBatchCreated{
		BatchID:      batchID,
		GrantCycle:   w.GrantCycle,
		Period:       w.Period,
		Watermark:    w.Watermark,
		Format:       format,
		InvoiceIDs:   invoiceIDs,
		ControlTotal: total,
	})
	if err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, b, facts); err != nil {
		return plan{}, err
	}
	for _, inv := range included {
		facts, err := inv.state.AttachExport(batchID)
		if err != nil {
			return plan{}, err
		}
		if err := stage(&p.writes, inv, facts); err != nil {
			return plan{}, err
		}
	}
	p.result = batchResult(b.state)
	return p, nil
}

func (s *Service) renderExportBatch(ctx context.Context, c command.RenderExportBatch) (plan, error) {
	return s.exportTransition(ctx, c.BatchID, func(b ledger.ExportBatch) ([]ledger.Fact, error) {
		return b.Render(c.ArtifactTotal, c.ArtifactHash, c.ArtifactRef)
	})
}

// exportTransition applies one batch transition. A batch that stops being
// live releases its invoices for a later batch.
func (s *Service) exportTransition(ctx context.Context, batchID string, guard func(ledger.ExportBatch) ([]ledger.Fact, error)) (plan, error) {
	b, err := loadBatch(ctx, s.log, batchID)
	if err != nil {
		return plan{}, err
	}
	facts, err := guard(b.state)
	if err != nil {
		return plan{}, err
	}
	var p plan
	if err := stage(&p.writes, b, facts); err != nil {
		return plan{}, err
	}
	if !b.state.Live() {
		for _, id := range b.state.InvoiceIDs {
			inv, err := loadInvoice(ctx, s.log, id)
			if err != nil {
				return plan{}, err
			}
			detach, err := inv.state.DetachExport(batchID)
			if err != nil {
				return plan{}, err
			}
			if err := stage(&p.writes, inv, detach); err != nil {
				return plan{}, err
			}
		}
	}
	p.result = batchResult(b.state)
	return p, nil
}

func batchResult(b ledger.ExportBatch) Result {
	return Result{
		BatchID:    b.BatchID,
		GrantCycle: b.GrantCycle,
		InvoiceIDs: b.InvoiceIDs,
		Status:     string(b.Status),
	}
}
