// Package ledger holds the pure grant-disbursement aggregates: Grant,
// Voucher, Claim, Invoice, ExportBatch and Closeout.
//
// Each aggregate is a value rebuilt by folding its stream with Apply. Guard
// methods check a requested transition against the current value and return
// the facts to append; they never perform I/O. Cross-aggregate effects are
// composed by the caller, never by one aggregate reading another.
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
)

// SchemaVersion is stamped on every event this package emits.
const SchemaVersion = "1.0.0"

var supportedSchemas = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	cons, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cons
}

// CheckSchema rejects events written by an incompatible schema.
func CheckSchema(e eventlog.Event) error {
	v, err := semver.NewVersion(e.SchemaVersion)
	if err != nil {
		return faults.Invariant("event %s has malformed schema version %q", e.EventID, e.SchemaVersion)
	}
	if !supportedSchemas.Check(v) {
		return faults.Invariant("event %s schema version %s is not supported", e.EventID, v)
	}
	return nil
}

// Stream types.
const (
	GrantStreamType      = "grant"
	VoucherStreamType    = "voucher"
	ClaimStreamType      = "claim"
	InvoiceStreamType    = "invoice"
	ExportStreamType     = "export"
	CloseoutStreamType   = "closeout"
	InvoiceRunStreamType = "invoicerun"
)

func GrantStream(id string) string { return "grant-" + id }
func VoucherStream(id string) string { return "voucher-" + id }
func ClaimStream(id string) string { return "claim-" + id }
func InvoiceStream(id string) string { return "invoice-" + id }
func ExportStream(id string) string { return "export-" + id }
func CloseoutStream(cycle string) string { return "closeout-" + cycle }

// InvoiceRunStream identifies one GenerateMonthlyInvoices input set.
func InvoiceRunStream(cycle, period string, watermark uint64) string {
	return fmt.Sprintf("invoicerun-%s-%s-%d", cycle, period, watermark)
}

// Fact is an event computed by a guard, not yet appended.
type Fact struct {
	Type    string
	Payload any
}

// ToEvent marshals a fact into an uncommitted event.
func ToEvent(f Fact) (eventlog.Event, error) {
	raw, err := json.Marshal(f.Payload)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("ledger: marshal %s: %w", f.Type, err)
	}
	return eventlog.Event{Type: f.Type, SchemaVersion: SchemaVersion, Payload: raw}, nil
}

// ToEvents marshals facts in order.
func ToEvents(facts []Fact) ([]eventlog.Event, error) {
	out := make([]eventlog.Event, 0, len(facts))
	for _, f := range facts {
		e, err := ToEvent(f)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Aggregate is any value that folds events into a new value of itself.
type Aggregate[T any] interface {
	Apply(e eventlog.Event) (T, error)
}

// Replay folds a stream into state and returns the last sequence seen.
func Replay[T Aggregate[T]](it eventlog.Iterator, state T) (T, uint64, error) {
	var version uint64
	for it.Next() {
		e := it.Event()
		if err := CheckSchema(e); err != nil {
			return state, version, err
		}
		next, err := state.Apply(e)
		if err != nil {
			return state, version, err
		}
		state = next
		version = e.Sequence
	}
	if err := it.Err(); err != nil {
		return state, version, fmt.Errorf("ledger: replay: %w", err)
	}
	return state, version, nil
}

// ApplyFacts folds uncommitted facts into state so a handler can check the
// resulting invariants before appending.
func ApplyFacts[T Aggregate[T]](state T, facts []Fact) (T, error) {
	for _, f := range facts {
		e, err := ToEvent(f)
		if err != nil {
			return state, err
		}
		next, err := state.Apply(e)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}

func decode[P any](e eventlog.Event) (P, error) {
	var p P
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, faults.Invariant("event %s (%s) payload: %v", e.EventID, e.Type, err)
	}
	return p, nil
}

func unknownEvent(aggregate string, e eventlog.Event) error {
	return faults.Invariant("%s: unknown event type %s", aggregate, e.Type)
}
