// Package outbox derives outbound notification records from the ledger's
// event log.
//
// The relay tails the log and writes one Record per notification-worthy
// event. Records are keyed by event id, so re-reading a range of the log
// never duplicates a notification. An external deliverer drains Pending and
// acknowledges with MarkDelivered; delivery itself is not this package's job.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
	"github.com/terryholliday/WVSNP-sub002/pkg/ledger"
)

// Record statuses.
const (
	StatusPending   = "PENDING"
	StatusDelivered = "DELIVERED"
)

// Record is one outbound notification.
type Record struct {
	EventID        string          `json:"event_id"`
	Topic          string          `json:"topic"`
	StreamID       string          `json:"stream_id"`
	GlobalPosition uint64          `json:"global_position"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	Status         string          `json:"status"`
	DeliveredAt    time.Time       `json:"delivered_at,omitzero"`
}

// Store persists records and the relay checkpoint.
type Store interface {
	// Enqueue inserts records, skipping event ids already present, and
	// advances the checkpoint to position. Both happen atomically.
	Enqueue(ctx context.Context, position uint64, records []Record) error
	// Checkpoint is the global position the relay has consumed through.
	Checkpoint(ctx context.Context) (uint64, error)
	// Pending lists undelivered records in log order.
	Pending(ctx context.Context, limit int) ([]Record, error)
	// MarkDelivered acknowledges a record. Unknown ids are an error.
	MarkDelivered(ctx context.Context, eventID string) error
}

var topics = map[string]string{
	ledger.EventVoucherIssued:              "voucher.issued",
	ledger.EventVoucherConfirmed:           "voucher.issued",
	ledger.EventVoucherExpired:             "voucher.expired",
	ledger.EventVoucherVoided:              "voucher.voided",
	ledger.EventClaimApproved:              "claim.decided",
	ledger.EventClaimDenied:                "claim.decided",
	ledger.EventClaimAdjusted:              "claim.decided",
	ledger.EventInvoiceGenerated:           "invoice.generated",
	ledger.EventInvoicePaymentRecorded:     "invoice.paid",
	ledger.EventExportBatchAcknowledged:    "export.acknowledged",
	ledger.EventExportBatchRejected:        "export.rejected",
	ledger.EventGrantCycleClosed:           "cycle.closed",
	ledger.EventCloseoutPreflightEvaluated: "cycle.preflight",
}

// TopicFor returns the notification topic of an event type, if any.
func TopicFor(eventType string) (string, bool) {
	t, ok := topics[eventType]
	return t, ok
}

// FromEvent builds the record for e, or reports false when e is not
// notification-worthy.
func FromEvent(e eventlog.Event, now time.Time) (Record, bool) {
	topic, ok := TopicFor(e.Type)
	if !ok {
		return Record{}, false
	}
	return Record{
		EventID:        e.EventID,
		Topic:          topic,
		StreamID:       e.StreamID,
		GlobalPosition: e.GlobalPosition,
		Payload:        e.Payload,
		CorrelationID:  e.CorrelationID,
		ScheduledAt:    now,
		Status:         StatusPending,
	}, true
}
