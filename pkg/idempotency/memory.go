package idempotency

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Register. Waiters are woken when a key completes
// or is released.
type Memory struct {
	*engine
	mem *memoryBackend
}

var _ Register = (*Memory)(nil)

// NewMemory creates an in-memory register.
func NewMemory(opts Options) *Memory {
	b := &memoryBackend{
		records:   make(map[string]*memoryRecord),
		retention: opts.Retention,
	}
	return &Memory{engine: newEngine(b, opts), mem: b}
}

// WithClock overrides the clock, for lease expiry tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.engine.clock = clock
	return m
}

// Len returns the number of records held.
func (m *Memory) Len() int {
	m.mem.mu.Lock()
	defer m.mem.mu.Unlock()
	return len(m.mem.records)
}

type memoryRecord struct {
	record
	completedAt time.Time
	changed     chan struct{}
}

type memoryBackend struct {
	mu        sync.Mutex
	records   map[string]*memoryRecord
	retention time.Duration
}

func (b *memoryBackend) reserve(_ context.Context, key Key, fingerprint, lease string, now, staleBefore time.Time) (record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := key.String()
	rec, ok := b.records[id]
	if ok && rec.Completed && b.retention > 0 && now.Sub(rec.completedAt) > b.retention {
		delete(b.records, id)
		ok = false
	}
	if !ok {
		b.records[id] = &memoryRecord{
			record:  record{Fingerprint: fingerprint, Lease: lease, ReservedAt: now},
			changed: make(chan struct{}),
		}
		return record{}, true, nil
	}
	if !rec.Completed && rec.Fingerprint == fingerprint && rec.ReservedAt.Before(staleBefore) {
		rec.Lease = lease
		rec.ReservedAt = now
		return record{}, true, nil
	}
	return rec.record, false, nil
}

func (b *memoryBackend) complete(_ context.Context, key Key, lease string, result []byte, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key.String()]
	if !ok || rec.Completed || rec.Lease != lease {
		return ErrLeaseLost
	}
	rec.Completed = true
	rec.Result = append([]byte(nil), result...)
	rec.completedAt = now
	close(rec.changed)
	return nil
}

func (b *memoryBackend) release(_ context.Context, key Key, lease string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := key.String()
	rec, ok := b.records[id]
	if !ok || rec.Completed || rec.Lease != lease {
		return ErrLeaseLost
	}
	delete(b.records, id)
	close(rec.changed)
	return nil
}

func (b *memoryBackend) wait(ctx context.Context, key Key, d time.Duration) {
	b.mu.Lock()
	rec, ok := b.records[key.String()]
	b.mu.Unlock()
	if !ok {
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-rec.changed:
	case <-t.C:
	}
}
