package service

import (
	"context"
	"sort"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/command"
	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

const scanPage = 500

// scan calls fn for every event at or below watermark whose type is listed.
func scan(ctx context.Context, log eventlog.Store, watermark uint64, fn func(eventlog.Event) error, types ...string) error {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var after uint64
	for after < watermark {
		batch, err := log.ReadAll(ctx, after, scanPage)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, e := range batch {
			if e.GlobalPosition > watermark {
				return nil
			}
			if want[e.Type] {
				if err := fn(e); err != nil {
					return err
				}
			}
			after = e.GlobalPosition
		}
	}
	return nil
}

func checkWatermark(ctx context.Context, log eventlog.Store, watermark uint64) error {
	head, err := log.Head(ctx)
	if err != nil {
		return err
	}
	if watermark > head {
		return faults.Validation("watermark %d is beyond the log head %d", watermark, head)
	}
	return nil
}

// generateInvoices invoices every payable claim of the cycle approved at or
// before the watermark with a service date inside or before the period. One
// invoice per clinic; ids are derived from the window so a rerun after a
// crash regenerates the same ids. The run marker makes the window single-use.
func (s *Service) generateInvoices(ctx context.Context, c command.GenerateMonthlyInvoices) (plan, error) {
	w := c.BatchWindow
	run, err := load(ctx, s.log, ledger.InvoiceRunStream(w.GrantCycle, w.Period, w.Watermark), ledger.InvoiceRunStreamType, ledger.InvoiceRun{})
	if err != nil {
		return plan{}, err
	}
	if run.state.Recorded {
		return plan{result: Result{GrantCycle: w.GrantCycle, InvoiceIDs: run.state.InvoiceIDs, Status: "RECORDED"}}, nil
	}
	if err := checkWatermark(ctx, s.log, w.Watermark); err != nil {
		return plan{}, err
	}
	end, err := command.PeriodEnd(w.Period)
	if err != nil {
		return plan{}, err
	}
	lastDay := end.Format(time.DateOnly)

	candidates := map[string]bool{}
	err = scan(ctx, s.log, w.Watermark, func(e eventlog.Event) error {
		if e.StreamType == ledger.ClaimStreamType {
			candidates[e.StreamID] = true
		}
		return nil
	}, ledger.EventClaimApproved, ledger.EventClaimAdjusted)
	if err != nil {
		return plan{}, err
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var p plan
	byClinic := map[string][]*stream[ledger.Claim]{}
	for _, id := range ids {
		cl, err := load(ctx, s.log, id, ledger.ClaimStreamType, ledger.Claim{})
		if err != nil {
			return plan{}, err
		}
		if cl.state.GrantCycle != w.GrantCycle || cl.state.ServiceDate > lastDay || !cl.state.Payable() {
			continue
		}
		byClinic[cl.state.ClinicID] = append(byClinic[cl.state.ClinicID], cl)
	}

	clinics := make([]string, 0, len(byClinic))
	for clinic := range byClinic {
		clinics = append(clinics, clinic)
	}
	sort.Strings(clinics)

	invoiceIDs := []string{}
	for _, clinic := range clinics {
		claims := byClinic[clinic]
		invoiceID := windowID("invoice", w, clinic)
		lines := make([]ledger.InvoiceLine, 0, len(claims))
		total := money.Zero()
		for _, cl := range claims {
			lines = append(lines, ledger.InvoiceLine{ClaimID: cl.state.ClaimID, Amount: cl.state.Approved})
			total = total.Add(cl.state.Approved)
			facts, err := cl.state.MarkInvoiced(invoiceID)
			if err != nil {
				return plan{}, err
			}
			if err := stage(&p.writes, cl, facts); err != nil {
				return plan{}, err
			}
		}
		inv, err := loadInvoice(ctx, s.log, invoiceID)
		if err != nil {
			return plan{}, err
		}
		facts, err := inv.state.Generate(ledger.InvoiceGeneratedPayload{
			InvoiceID:  invoiceID,
			GrantCycle: w.GrantCycle,
			Period:     w.Period,
			ClinicID:   clinic,
			Lines:      lines,
			Total:      total,
			Watermark:  w.Watermark,
		})
		if err != nil {
			return plan{}, err
		}
		if err := stage(&p.writes, inv, facts); err != nil {
			return plan{}, err
		}
		invoiceIDs = append(invoiceIDs, invoiceID)
	}

	facts, err := run.state.Record(ledger.InvoiceRunRecorded{GrantCycle: w.GrantCycle, Period: w.Period, Watermark: w.Watermark, InvoiceIDs: invoiceIDs})
	if err != nil {
		return plan{}, err
	}
	if err := stage(&p.writes, run, facts); err != nil {
		return plan{}, err
	}
	p.result = Result{GrantCycle: w.GrantCycle, InvoiceIDs: invoiceIDs, Status: "RECORDED"}
	return p, nil
}

func (s *Service) invoiceTransition(ctx context.Context, invoiceID string, guard func(ledger.Invoice) ([]ledger.Fact, error)) (plan, error) {
	inv, err := loadInvoice(ctx, s.log, invoiceID)
	if err != nil {
		return plan{}, err
	}
	facts, err := guard(inv.state)
	if err != nil {
		return plan{}, err
	}
	var p plan
	if err := stage(&p.writes, inv, facts); err != nil {
		return plan{}, err
	}
	p.result = Result{InvoiceID: invoiceID, GrantCycle: inv.state.GrantCycle, Status: string(inv.state.Status)}
	return p, nil
}

func (s *Service) submitInvoice(ctx context.Context, now time.Time, c command.SubmitInvoice) (plan, error) {
	return s.invoiceTransition(ctx, c.InvoiceID, func(i ledger.Invoice) ([]ledger.Fact, error) { return i.Submit(now) })
}

func (s *Service) recordPayment(ctx context.Context, now time.Time, c command.RecordInvoicePayment) (plan, error) {
	return s.invoiceTransition(ctx, c.InvoiceID, func(i ledger.Invoice) ([]ledger.Fact, error) {
		return i.RecordPayment(c.Amount, c.Reference, now)
	})
}

func (s *Service) explainInvoice(ctx context.Context, c command.ExplainInvoice) (plan, error) {
	return s.invoiceTransition(ctx, c.InvoiceID, func(i ledger.Invoice) ([]ledger.Fact, error) { return i.Explain(c.Note) })
}
