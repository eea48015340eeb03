package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
)

const OutcomeStreamType = "outcome"

const EventCommandOutcomeRecorded = "CommandOutcomeRecorded"

// OutcomeStream names the stream holding the outcome of one idempotency
// scope. The scope is hashed so arbitrary tokens make a bounded stream id.
func OutcomeStream(scope string) string {
	sum := sha256.Sum256([]byte(scope))
	return "outcome-" + hex.EncodeToString(sum[:])
}

// CommandOutcome is the definitive result of a command, written in the same
// append as the events the command produced.
type CommandOutcome struct {
	Operation   string          `json:"operation"`
	ActorID     string          `json:"actor_id"`
	Token       string          `json:"idempotency_key"`
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
}

// Outcome is an outcome stream folded. The zero value means the command
// has not committed.
type Outcome struct {
	CommandOutcome
	Position uint64
}

func (o Outcome) Exists() bool { return o.Fingerprint != "" }

func (o Outcome) Apply(e eventlog.Event) (Outcome, error) {
	if e.Type != EventCommandOutcomeRecorded {
		return o, unknownEvent("outcome", e)
	}
	if o.Exists() {
		return o, faults.Invariant("outcome for %s/%s recorded twice", o.Operation, o.Token)
	}
	p, err := decode[CommandOutcome](e)
	if err != nil {
		return o, err
	}
	return Outcome{CommandOutcome: p, Position: e.GlobalPosition}, nil
}

// Record writes the outcome. An outcome is written once.
func (o Outcome) Record(c CommandOutcome) ([]Fact, error) {
	if o.Exists() {
		return nil, faults.InvalidTransition("outcome", "record", "RECORDED")
	}
	if c.Fingerprint == "" {
		return nil, faults.Validation("outcome fingerprint is required")
	}
	return []Fact{{Type: EventCommandOutcomeRecorded, Payload: c}}, nil
}
