// Package eventlog is the append-only, per-stream store of immutable ledger
// events with optimistic concurrency.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
)

// ErrConcurrencyConflict is returned when a stream's current version differs
// from the expected version of an append. Callers reload and retry.
var ErrConcurrencyConflict = faults.New(faults.KindConcurrencyConflict, "event log: stream version mismatch")

// Event is one committed domain event.
type Event struct {
	EventID        string          `json:"event_id"`
	StreamID       string          `json:"stream_id"`
	StreamType     string          `json:"stream_type"`
	Sequence       uint64          `json:"sequence"`
	GlobalPosition uint64          `json:"global_position"`
	Type           string          `json:"event_type"`
	SchemaVersion  string          `json:"schema_version"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CausationID    string          `json:"causation_id,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
}

// StreamAppend is the part of an atomic append that targets one stream.
//
// ExpectedVersion is the highest sequence the caller observed; 0 means the
// stream must not exist yet. An append with no events only asserts the
// version, fencing a stream that was read but is not written.
type StreamAppend struct {
	StreamID        string
	StreamType      string
	ExpectedVersion uint64
	Events          []Event
}

// Store is the event log contract.
type Store interface {
	// Append commits every stream append atomically. Any version mismatch
	// fails the whole call with ErrConcurrencyConflict and nothing is visible.
	// The committed events are returned with sequence and global position set.
	Append(ctx context.Context, appends ...StreamAppend) ([]Event, error)

	// ReadStreamFrom iterates a stream's events with sequence > afterSeq.
	ReadStreamFrom(ctx context.Context, streamID string, afterSeq uint64) Iterator

	// ReadAll returns up to limit events with global position > after.
	ReadAll(ctx context.Context, after uint64, limit int) ([]Event, error)

	// Head returns the highest committed global position.
	Head(ctx context.Context) (uint64, error)
}

// ReadStream iterates a whole stream from its first event.
func ReadStream(ctx context.Context, s Store, streamID string) Iterator {
	return s.ReadStreamFrom(ctx, streamID, 0)
}

// Prepare fills the fields a store does not assign: event id, stream
// identity, schema version and time.
func Prepare(a StreamAppend, now time.Time) StreamAppend {
	out := a
	out.Events = make([]Event, len(a.Events))
	for i, e := range a.Events {
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
		e.OccurredAt = e.OccurredAt.UTC()
		if len(e.Payload) == 0 {
			e.Payload = json.RawMessage(`{}`)
		}
		if e.SchemaVersion == "" {
			e.SchemaVersion = "1.0.0"
		}
		e.StreamID = a.StreamID
		e.StreamType = a.StreamType
		out.Events[i] = e
	}
	return out
}

// ValidateAppends rejects calls that name a stream twice or carry events
// without a type.
func ValidateAppends(appends []StreamAppend) error {
	seen := make(map[string]struct{}, len(appends))
	for _, a := range appends {
		if a.StreamID == "" {
			return fmt.Errorf("event log: empty stream id")
		}
		if _, dup := seen[a.StreamID]; dup {
			return fmt.Errorf("event log: stream %s appears twice in one append", a.StreamID)
		}
		seen[a.StreamID] = struct{}{}
		for _, e := range a.Events {
			if e.Type == "" {
				return fmt.Errorf("event log: event without type on stream %s", a.StreamID)
			}
		}
	}
	return nil
}

// Conflict builds the error for a version mismatch on one stream.
func Conflict(streamID string, expected, actual uint64) error {
	return fmt.Errorf("%w: stream %s expected version %d, found %d", ErrConcurrencyConflict, streamID, expected, actual)
}
