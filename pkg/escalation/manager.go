// Package escalation tracks ledger invariant violations that need an
// operator.
//
// An InvariantViolation means the ledger refused to commit something that
// would have broken a budget or transition invariant. Nothing was appended,
// but the condition that produced it (a corrupt stream, a code defect) will
// not go away on retry, so the manager keeps an incident until an operator
// resolves it.
package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of an incident.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

// Incident is one escalated invariant violation.
type Incident struct {
	IncidentID     string    `json:"incident_id"`
	Command        string    `json:"command"`
	IdempotencyKey string    `json:"idempotency_key"`
	CorrelationID  string    `json:"correlation_id"`
	ActorID        string    `json:"actor_id"`
	Message        string    `json:"message"`
	RaisedAt       time.Time `json:"raised_at"`
	Status         Status    `json:"status"`
}

// Receipt records how an incident was resolved.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	IncidentID  string    `json:"incident_id"`
	ResolvedBy  string    `json:"resolved_by"`
	Note        string    `json:"note"`
	ResolvedAt  time.Time `json:"resolved_at"`
	OpenForMs   int64     `json:"open_for_ms"`
	ContentHash string    `json:"content_hash"`
}

// Manager holds incidents in memory.
type Manager struct {
	mu        sync.Mutex
	incidents map[string]*Incident
	clock     func() time.Time
	logger    *slog.Logger
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		incidents: make(map[string]*Incident),
		clock:     time.Now,
		logger:    slog.Default().With("component", "escalation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Raise opens an incident and logs it at error level.
func (m *Manager) Raise(ctx context.Context, in Incident) Incident {
	in.IncidentID = uuid.New().String()
	in.RaisedAt = m.clock()
	in.Status = StatusOpen

	m.mu.Lock()
	stored := in
	m.incidents[in.IncidentID] = &stored
	m.mu.Unlock()

	m.logger.ErrorContext(ctx, "ledger invariant violation escalated",
		"incident_id", in.IncidentID,
		"command", in.Command,
		"idempotency_key", in.IdempotencyKey,
		"correlation_id", in.CorrelationID,
		"actor_id", in.ActorID,
		"message", in.Message,
	)
	return in
}

// Resolve closes an open incident.
func (m *Manager) Resolve(ctx context.Context, incidentID, operatorID, note string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.incidents[incidentID]
	if !ok {
		return Receipt{}, fmt.Errorf("escalation incident %q not found", incidentID)
	}
	if in.Status != StatusOpen {
		return Receipt{}, fmt.Errorf("escalation incident %q is not OPEN (status=%s)", incidentID, in.Status)
	}

	now := m.clock()
	in.Status = StatusResolved
	r := Receipt{
		ReceiptID:  uuid.New().String(),
		IncidentID: incidentID,
		ResolvedBy: operatorID,
		Note:       note,
		ResolvedAt: now,
		OpenForMs:  now.Sub(in.RaisedAt).Milliseconds(),
	}

	hashable := struct {
		IncidentID string `json:"incident_id"`
		Message    string `json:"message"`
		ResolvedBy string `json:"resolved_by"`
	}{incidentID, in.Message, operatorID}
	data, _ := json.Marshal(hashable)
	h := sha256.Sum256(data)
	r.ContentHash = "sha256:" + hex.EncodeToString(h[:])

	m.logger.InfoContext(ctx, "escalation resolved", "incident_id", incidentID, "resolved_by", operatorID)
	return r, nil
}

// Get returns an incident by id.
func (m *Manager) Get(incidentID string) (Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.incidents[incidentID]
	if !ok {
		return Incident{}, false
	}
	return *in, true
}

// Open lists unresolved incidents, oldest first.
func (m *Manager) Open() []Incident {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Incident
	for _, in := range m.incidents {
		if in.Status == StatusOpen {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RaisedAt.Before(out[j].RaisedAt)
		}
		return out[i].IncidentID < out[j].IncidentID
	})
	return out
}
