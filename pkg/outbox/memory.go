package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu         sync.Mutex
	records    map[string]*Record
	checkpoint uint64
	clock      func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record), clock: time.Now}
}

func (m *Memory) Enqueue(_ context.Context, position uint64, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if _, ok := m.records[r.EventID]; ok {
			continue
		}
		r := r
		m.records[r.EventID] = &r
	}
	if position > m.checkpoint {
		m.checkpoint = position
	}
	return nil
}

func (m *Memory) Checkpoint(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint, nil
}

func (m *Memory) Pending(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, r := range m.records {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalPosition < out[j].GlobalPosition })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkDelivered(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[eventID]
	if !ok {
		return fmt.Errorf("outbox: record %s not found", eventID)
	}
	if r.Status != StatusDelivered {
		r.Status = StatusDelivered
		r.DeliveredAt = m.clock()
	}
	return nil
}
