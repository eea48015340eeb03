package eventlog

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	events  []Event
	streams map[string][]int
	clock   func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory event log.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string][]int),
		clock:   time.Now,
	}
}

// WithClock overrides the commit clock for events without OccurredAt.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Append(ctx context.Context, appends ...StreamAppend) ([]Event, error) {
	if err := ValidateAppends(appends); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range appends {
		if current := uint64(len(m.streams[a.StreamID])); current != a.ExpectedVersion {
			return nil, Conflict(a.StreamID, a.ExpectedVersion, current)
		}
	}

	now := m.clock()
	var committed []Event
	for _, a := range appends {
		a = Prepare(a, now)
		for _, e := range a.Events {
			e.Sequence = uint64(len(m.streams[a.StreamID])) + 1
			e.GlobalPosition = uint64(len(m.events)) + 1
			m.events = append(m.events, e)
			m.streams[a.StreamID] = append(m.streams[a.StreamID], len(m.events)-1)
			committed = append(committed, e)
		}
	}
	return committed, nil
}

func (m *Memory) ReadStreamFrom(ctx context.Context, streamID string, afterSeq uint64) Iterator {
	return Paged(ctx, m.page, streamID, afterSeq, DefaultPageSize)
}

func (m *Memory) page(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.streams[streamID]
	if afterSeq >= uint64(len(idx)) {
		return nil, nil
	}
	idx = idx[afterSeq:]
	if len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]Event, len(idx))
	for i, j := range idx {
		out[i] = m.events[j]
	}
	return out, nil
}

func (m *Memory) ReadAll(ctx context.Context, after uint64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if after >= uint64(len(m.events)) {
		return nil, nil
	}
	rest := m.events[after:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]Event, len(rest))
	copy(out, rest)
	return out, nil
}

func (m *Memory) Head(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.events)), nil
}
