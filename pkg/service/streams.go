package service

import (
	"context"

	"github.com/terryholliday/WVSNP-sub002/pkg/command"
	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/idempotency"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
)

// stream is an aggregate rebuilt from its stream together with the version
// it was read at. Staged facts advance state but not version.
type stream[T ledger.Aggregate[T]] struct {
	id      string
	typ     string
	version uint64
	state   T
}

func load[T ledger.Aggregate[T]](ctx context.Context, log eventlog.Store, id, typ string, zero T) (*stream[T], error) {
	state, version, err := ledger.Replay(eventlog.ReadStream(ctx, log, id), zero)
	if err != nil {
		return nil, err
	}
	return &stream[T]{id: id, typ: typ, version: version, state: state}, nil
}

func loadGrant(ctx context.Context, log eventlog.Store, grantID string) (*stream[ledger.Grant], error) {
	return load(ctx, log, ledger.GrantStream(grantID), ledger.GrantStreamType, ledger.Grant{})
}

func loadVoucher(ctx context.Context, log eventlog.Store, voucherID string) (*stream[ledger.Voucher], error) {
	return load(ctx, log, ledger.VoucherStream(voucherID), ledger.VoucherStreamType, ledger.Voucher{})
}

func loadClaim(ctx context.Context, log eventlog.Store, claimID string) (*stream[ledger.Claim], error) {
	return load(ctx, log, ledger.ClaimStream(claimID), ledger.ClaimStreamType, ledger.Claim{})
}

func loadInvoice(ctx context.Context, log eventlog.Store, invoiceID string) (*stream[ledger.Invoice], error) {
	return load(ctx, log, ledger.InvoiceStream(invoiceID), ledger.InvoiceStreamType, ledger.Invoice{})
}

func loadBatch(ctx context.Context, log eventlog.Store, batchID string) (*stream[ledger.ExportBatch], error) {
	return load(ctx, log, ledger.ExportStream(batchID), ledger.ExportStreamType, ledger.ExportBatch{})
}

func loadCloseout(ctx context.Context, log eventlog.Store, cycle string) (*stream[ledger.Closeout], error) {
	return load(ctx, log, ledger.CloseoutStream(cycle), ledger.CloseoutStreamType, ledger.NewCloseout(cycle))
}

func loadCycle(ctx context.Context, log eventlog.Store, cycle string) (*stream[ledger.Cycle], error) {
	return load(ctx, log, ledger.CycleStream(cycle), ledger.CycleStreamType, ledger.Cycle{})
}

// writes collects the per-stream appends of one attempt in first-touched
// order. Every stream a decision depended on is present, with or without
// events, so a concurrent write to any of them fails the append.
type writes struct {
	order []string
	at    map[string]*eventlog.StreamAppend
}

func (w *writes) entry(id, typ string, version uint64) *eventlog.StreamAppend {
	if w.at == nil {
		w.at = make(map[string]*eventlog.StreamAppend)
	}
	a, ok := w.at[id]
	if !ok {
		a = &eventlog.StreamAppend{StreamID: id, StreamType: typ, ExpectedVersion: version}
		w.at[id] = a
		w.order = append(w.order, id)
	}
	return a
}

func fence[T ledger.Aggregate[T]](w *writes, s *stream[T]) {
	w.entry(s.id, s.typ, s.version)
}

// stage folds facts into s, which surfaces any invariant they would break,
// and queues them for append.
func stage[T ledger.Aggregate[T]](w *writes, s *stream[T], facts []ledger.Fact) error {
	a := w.entry(s.id, s.typ, s.version)
	if len(facts) == 0 {
		return nil
	}
	next, err := ledger.ApplyFacts(s.state, facts)
	if err != nil {
		return err
	}
	events, err := ledger.ToEvents(facts)
	if err != nil {
		return err
	}
	s.state = next
	a.Events = append(a.Events, events...)
	return nil
}

// stamped returns the appends with the envelope's causal fields set.
func (w *writes) stamped(env command.Envelope) []eventlog.StreamAppend {
	out := make([]eventlog.StreamAppend, 0, len(w.order))
	for _, id := range w.order {
		a := *w.at[id]
		a.Events = append([]eventlog.Event(nil), a.Events...)
		for i := range a.Events {
			a.Events[i].CorrelationID = env.CorrelationID
			a.Events[i].CausationID = env.CausationID
			a.Events[i].ActorID = env.Actor.ID
		}
		out = append(out, a)
	}
	return out
}

// openCycle refuses budget changes once a cycle's closeout has started.
func openCycle(co ledger.Closeout, action string) error {
	switch co.Status {
	case ledger.CloseoutNotStarted, ledger.CloseoutPreflightInProgress:
		return nil
	}
	return faults.InvalidTransition("closeout", action, co.Status)
}

func loadOutcome(ctx context.Context, log eventlog.Store, key idempotency.Key) (*stream[ledger.Outcome], error) {
	return load(ctx, log, ledger.OutcomeStream(key.String()), ledger.OutcomeStreamType, ledger.Outcome{})
}
