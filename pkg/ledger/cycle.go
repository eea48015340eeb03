package ledger

import (
	"sort"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
)

const CycleStreamType = "cycle"

const EventGrantRegistered = "GrantRegistered"

func CycleStream(cycle string) string { return "cycle-" + cycle }

type GrantRegistered struct {
	GrantCycle string `json:"grant_cycle"`
	GrantID    string `json:"grant_id"`
}

// Cycle indexes the grants funded in one grant cycle. Closeout walks it to
// reconcile and lapse every grant of the cycle.
type Cycle struct {
	ID       string
	GrantIDs []string
}

func (c Cycle) Has(grantID string) bool {
	for _, id := range c.GrantIDs {
		if id == grantID {
			return true
		}
	}
	return false
}

func (c Cycle) Apply(e eventlog.Event) (Cycle, error) {
	if e.Type != EventGrantRegistered {
		return c, unknownEvent("cycle", e)
	}
	p, err := decode[GrantRegistered](e)
	if err != nil {
		return c, err
	}
	if c.Has(p.GrantID) {
		return c, faults.Invariant("cycle %s registers grant %s twice", p.GrantCycle, p.GrantID)
	}
	next := Cycle{ID: p.GrantCycle, GrantIDs: append(append([]string(nil), c.GrantIDs...), p.GrantID)}
	sort.Strings(next.GrantIDs)
	return next, nil
}

// Register adds a grant to the cycle.
func (c Cycle) Register(cycle, grantID string) ([]Fact, error) {
	if c.Has(grantID) {
		return nil, faults.InvalidTransition("cycle", "register grant "+grantID, "REGISTERED")
	}
	return []Fact{{Type: EventGrantRegistered, Payload: GrantRegistered{GrantCycle: cycle, GrantID: grantID}}}, nil
}
