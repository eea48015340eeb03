package ledger

import (
	"sort"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/money"
)

// Category keys a budget bucket, e.g. GENERAL or LIRP.
type Category string

const (
	CategoryGeneral Category = "GENERAL"
	CategoryLIRP    Category = "LIRP"
)

// Bucket holds awarded = available + encumbered + liquidated.
type Bucket struct {
	Awarded    money.Money `json:"awarded"`
	Available  money.Money `json:"available"`
	Encumbered money.Money `json:"encumbered"`
	Liquidated money.Money `json:"liquidated"`
}

// Balanced reports whether the bucket invariant holds.
func (b Bucket) Balanced() bool {
	return b.Awarded.Equal(money.Sum(b.Available, b.Encumbered, b.Liquidated))
}

const (
	EventGrantCreated              = "GrantCreated"
	EventBudgetAwarded             = "BudgetAwarded"
	EventBudgetEncumbered          = "BudgetEncumbered"
	EventBudgetLiquidated          = "BudgetLiquidated"
	EventBudgetReleased            = "BudgetReleased"
	EventBudgetLiquidationReversed = "BudgetLiquidationReversed"
	EventBudgetLapsed              = "BudgetLapsed"
)

type GrantCreated struct {
	GrantID    string `json:"grant_id"`
	GrantCycle string `json:"grant_cycle"`
	Name       string `json:"name,omitempty"`
}

// BudgetMovement is the payload of every bucket event.
type BudgetMovement struct {
	GrantID   string      `json:"grant_id"`
	Bucket    Category    `json:"bucket"`
	Amount    money.Money `json:"amount"`
	VoucherID string      `json:"voucher_id,omitempty"`
	ClaimID   string      `json:"claim_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// Grant is a capped budget split into category buckets.
type Grant struct {
	ID      string
	Cycle   string
	Name    string
	Buckets map[Category]Bucket
}

// Exists reports whether GrantCreated has been applied.
func (g Grant) Exists() bool { return g.ID != "" }

// Bucket returns a bucket and whether the grant has it.
func (g Grant) Bucket(c Category) (Bucket, bool) {
	b, ok := g.Buckets[c]
	return b, ok
}

// Categories lists bucket keys in sorted order.
func (g Grant) Categories() []Category {
	out := make([]Category, 0, len(g.Buckets))
	for c := range g.Buckets {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g Grant) Apply(e eventlog.Event) (Grant, error) {
	if e.Type == EventGrantCreated {
		p, err := decode[GrantCreated](e)
		if err != nil {
			return g, err
		}
		if g.Exists() {
			return g, faults.Invariant("grant %s created twice", p.GrantID)
		}
		return Grant{ID: p.GrantID, Cycle: p.GrantCycle, Name: p.Name, Buckets: map[Category]Bucket{}}, nil
	}

	p, err := decode[BudgetMovement](e)
	if err != nil {
		return g, err
	}
	if !g.Exists() {
		return g, faults.Invariant("grant %s: %s before GrantCreated", p.GrantID, e.Type)
	}
	b := g.Buckets[p.Bucket]

	var ok bool
	switch e.Type {
	case EventBudgetAwarded:
		b.Awarded = b.Awarded.Add(p.Amount)
		b.Available = b.Available.Add(p.Amount)
		ok = true
	case EventBudgetEncumbered:
		if b.Available, ok = b.Available.CheckedSub(p.Amount); ok {
			b.Encumbered = b.Encumbered.Add(p.Amount)
		}
	case EventBudgetLiquidated:
		if b.Encumbered, ok = b.Encumbered.CheckedSub(p.Amount); ok {
			b.Liquidated = b.Liquidated.Add(p.Amount)
		}
	case EventBudgetReleased:
		if b.Encumbered, ok = b.Encumbered.CheckedSub(p.Amount); ok {
			b.Available = b.Available.Add(p.Amount)
		}
	case EventBudgetLiquidationReversed:
		if b.Liquidated, ok = b.Liquidated.CheckedSub(p.Amount); ok {
			b.Available = b.Available.Add(p.Amount)
		}
	case EventBudgetLapsed:
		if b.Available, ok = b.Available.CheckedSub(p.Amount); ok {
			b.Awarded, ok = b.Awarded.CheckedSub(p.Amount)
		}
	default:
		return g, unknownEvent("grant", e)
	}
	if !ok {
		return g, faults.Invariant("grant %s bucket %s: %s of %s exceeds balance", g.ID, p.Bucket, e.Type, p.Amount)
	}
	if !b.Balanced() {
		return g, faults.Invariant("grant %s bucket %s: awarded %s != available %s + encumbered %s + liquidated %s",
			g.ID, p.Bucket, b.Awarded, b.Available, b.Encumbered, b.Liquidated)
	}

	next := g
	next.Buckets = make(map[Category]Bucket, len(g.Buckets)+1)
	for k, v := range g.Buckets {
		next.Buckets[k] = v
	}
	next.Buckets[p.Bucket] = b
	return next, nil
}

// Create opens a new grant.
func (g Grant) Create(id, cycle, name string) ([]Fact, error) {
	if g.Exists() {
		return nil, faults.InvalidTransition("grant", "create", "EXISTS")
	}
	return []Fact{{Type: EventGrantCreated, Payload: GrantCreated{GrantID: id, GrantCycle: cycle, Name: name}}}, nil
}

// Award adds funds to a bucket, creating it if needed.
func (g Grant) Award(bucket Category, amount money.Money) ([]Fact, error) {
	if !amount.IsPositive() {
		return nil, faults.Validation("award amount must be positive")
	}
	return g.move(EventBudgetAwarded, BudgetMovement{Bucket: bucket, Amount: amount})
}

// Encumber reserves available funds for a voucher.
func (g Grant) Encumber(bucket Category, amount money.Money, voucherID string) ([]Fact, error) {
	b, err := g.bucket(bucket)
	if err != nil {
		return nil, err
	}
	if !b.Available.GreaterOrEqual(amount) {
		return nil, faults.New(faults.KindInsufficientBudget, "grant %s bucket %s has %s available, %s requested",
			g.ID, bucket, b.Available.Format(), amount.Format())
	}
	return g.move(EventBudgetEncumbered, BudgetMovement{Bucket: bucket, Amount: amount, VoucherID: voucherID})
}

// Liquidate converts encumbered funds into an approved expenditure.
func (g Grant) Liquidate(bucket Category, amount money.Money, voucherID, claimID string) ([]Fact, error) {
	if err := g.requireEncumbered(bucket, amount); err != nil {
		return nil, err
	}
	return g.move(EventBudgetLiquidated, BudgetMovement{Bucket: bucket, Amount: amount, VoucherID: voucherID, ClaimID: claimID})
}

// Release returns encumbered funds to available.
func (g Grant) Release(bucket Category, amount money.Money, voucherID, reason string) ([]Fact, error) {
	if amount.IsZero() {
		return nil, nil
	}
	if err := g.requireEncumbered(bucket, amount); err != nil {
		return nil, err
	}
	return g.move(EventBudgetReleased, BudgetMovement{Bucket: bucket, Amount: amount, VoucherID: voucherID, Reason: reason})
}

// ReverseLiquidation returns liquidated funds to available after a
// downward claim adjustment.
func (g Grant) ReverseLiquidation(bucket Category, amount money.Money, claimID string) ([]Fact, error) {
	b, err := g.bucket(bucket)
	if err != nil {
		return nil, err
	}
	if !b.Liquidated.GreaterOrEqual(amount) {
		return nil, faults.Invariant("grant %s bucket %s: reversal of %s exceeds liquidated %s", g.ID, bucket, amount, b.Liquidated)
	}
	return g.move(EventBudgetLiquidationReversed, BudgetMovement{Bucket: bucket, Amount: amount, ClaimID: claimID})
}

// Lapse removes the remaining available balance of every bucket.
func (g Grant) Lapse(reason string) []Fact {
	var facts []Fact
	for _, c := range g.Categories() {
		b := g.Buckets[c]
		if b.Available.IsZero() {
			continue
		}
		facts = append(facts, Fact{Type: EventBudgetLapsed, Payload: BudgetMovement{GrantID: g.ID, Bucket: c, Amount: b.Available, Reason: reason}})
	}
	return facts
}

func (g Grant) bucket(c Category) (Bucket, error) {
	if !g.Exists() {
		return Bucket{}, faults.NotFound("grant does not exist")
	}
	b, ok := g.Buckets[c]
	if !ok {
		return Bucket{}, faults.NotFound("grant %s has no %s bucket", g.ID, c)
	}
	return b, nil
}

func (g Grant) requireEncumbered(bucket Category, amount money.Money) error {
	b, err := g.bucket(bucket)
	if err != nil {
		return err
	}
	if !b.Encumbered.GreaterOrEqual(amount) {
		return faults.Invariant("grant %s bucket %s: %s exceeds encumbered %s", g.ID, bucket, amount, b.Encumbered)
	}
	return nil
}

func (g Grant) move(typ string, m BudgetMovement) ([]Fact, error) {
	if !g.Exists() {
		return nil, faults.NotFound("grant does not exist")
	}
	m.GrantID = g.ID
	return []Fact{{Type: typ, Payload: m}}, nil
}
