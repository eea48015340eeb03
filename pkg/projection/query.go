package projection

import (
	"sort"

	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

// Filter narrows a listing. Empty fields match everything.
type Filter struct {
	GrantID    string
	GrantCycle string
	ClinicID   string
	Status     string
	Period     string
}

func (f Filter) match(grantID, cycle, clinic, status, period string) bool {
	return (f.GrantID == "" || f.GrantID == grantID) &&
		(f.GrantCycle == "" || f.GrantCycle == cycle) &&
		(f.ClinicID == "" || f.ClinicID == clinic) &&
		(f.Status == "" || f.Status == status) &&
		(f.Period == "" || f.Period == period)
}

// Grant returns one grant view.
func (v *Views) Grant(grantID string) (ledger.Grant, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	g, ok := v.grants[ledger.GrantStream(grantID)]
	return g, ok
}

// Grants lists grants of a cycle, or all grants for an empty cycle.
func (v *Views) Grants(cycle string) []ledger.Grant {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []ledger.Grant
	for _, g := range v.grants {
		if cycle == "" || g.Cycle == cycle {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *Views) Voucher(voucherID string) (ledger.Voucher, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	x, ok := v.vouchers[ledger.VoucherStream(voucherID)]
	return x, ok
}

// Vouchers lists vouchers by grant, cycle, clinic and status.
func (v *Views) Vouchers(f Filter) []ledger.Voucher {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []ledger.Voucher
	for _, x := range v.vouchers {
		if f.match(x.GrantID, x.GrantCycle, x.ClinicID, string(x.Status), "") {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoucherID < out[j].VoucherID })
	return out
}

func (v *Views) Claim(claimID string) (ClaimView, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.claims[ledger.ClaimStream(claimID)]
	return c, ok
}

// Claims lists claims by grant, cycle, clinic and status.
func (v *Views) Claims(f Filter) []ClaimView {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []ClaimView
	for _, c := range v.claims {
		if f.match(c.GrantID, c.GrantCycle, c.ClinicID, string(c.Status), "") {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimID < out[j].ClaimID })
	return out
}

func (v *Views) Invoice(invoiceID string) (ledger.Invoice, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	i, ok := v.invoices[ledger.InvoiceStream(invoiceID)]
	return i, ok
}

// Invoices lists invoices by cycle, clinic, status and period.
func (v *Views) Invoices(f Filter) []ledger.Invoice {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []ledger.Invoice
	for _, i := range v.invoices {
		if f.match("", i.GrantCycle, i.ClinicID, string(i.Status), i.Period) {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Period != out[b].Period {
			return out[a].Period < out[b].Period
		}
		return out[a].InvoiceID < out[b].InvoiceID
	})
	return out
}

// ExportBatches lists batches by cycle, status and period.
func (v *Views) ExportBatches(f Filter) []ledger.ExportBatch {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []ledger.ExportBatch
	for _, b := range v.batches {
		if f.match("", b.GrantCycle, "", string(b.Status), b.Period) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}

// Closeout returns the closeout view of a cycle.
func (v *Views) Closeout(cycle string) ledger.Closeout {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if c, ok := v.closeouts[ledger.CloseoutStream(cycle)]; ok {
		return c
	}
	return ledger.NewCloseout(cycle)
}

// CycleSummary is the closeout checklist input for one grant cycle.
type CycleSummary struct {
	GrantCycle         string      `json:"grant_cycle"`
	Position           uint64      `json:"position"`
	Grants             int         `json:"grants"`
	OpenVouchers       []string    `json:"open_vouchers"`
	PendingClaims      []string    `json:"pending_claims"`
	UninvoicedApproved []string    `json:"uninvoiced_approved"`
	UnsettledInvoices  []string    `json:"unsettled_invoices"`
	Awarded            money.Money `json:"awarded_cents"`
	Available          money.Money `json:"available_cents"`
	Encumbered         money.Money `json:"encumbered_cents"`
	Liquidated         money.Money `json:"liquidated_cents"`
	Invoiced           money.Money `json:"invoiced_cents"`
}

// Summary aggregates the open work and balances of a cycle.
func (v *Views) Summary(cycle string) CycleSummary {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := CycleSummary{GrantCycle: cycle, Position: v.position}
	for _, g := range v.grants {
		if g.Cycle != cycle {
			continue
		}
		s.Grants++
		for _, b := range g.Buckets {
			s.Awarded = s.Awarded.Add(b.Awarded)
			s.Available = s.Available.Add(b.Available)
			s.Encumbered = s.Encumbered.Add(b.Encumbered)
			s.Liquidated = s.Liquidated.Add(b.Liquidated)
		}
	}
	for _, x := range v.vouchers {
		if x.GrantCycle == cycle && !x.Terminal() {
			s.OpenVouchers = append(s.OpenVouchers, x.VoucherID)
		}
	}
	for _, c := range v.claims {
		if c.GrantCycle != cycle {
			continue
		}
		switch {
		case c.Status == ledger.ClaimSubmitted:
			s.PendingClaims = append(s.PendingClaims, c.ClaimID)
		case c.Payable():
			s.UninvoicedApproved = append(s.UninvoicedApproved, c.ClaimID)
		}
	}
	for _, i := range v.invoices {
		if i.GrantCycle != cycle {
			continue
		}
		s.Invoiced = s.Invoiced.Add(i.Total)
		if !i.Settled() {
			s.UnsettledInvoices = append(s.UnsettledInvoices, i.InvoiceID)
		}
	}
	sort.Strings(s.OpenVouchers)
	sort.Strings(s.PendingClaims)
	sort.Strings(s.UninvoicedApproved)
	sort.Strings(s.UnsettledInvoices)
	return s
}
