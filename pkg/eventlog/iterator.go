package eventlog

import "context"

// Iterator walks a stream lazily. It is finite and restartable: a new
// iterator from the last seen sequence resumes where this one stopped.
type Iterator interface {
	Next() bool
	Event() Event
	Err() error
}

// PageFunc fetches up to limit events of one stream after a sequence.
type PageFunc func(ctx context.Context, streamID string, afterSeq uint64, limit int) ([]Event, error)

// DefaultPageSize is the number of events fetched per page by Paged.
const DefaultPageSize = 256

type pagedIterator struct {
	ctx      context.Context
	fetch    PageFunc
	streamID string
	after    uint64
	size     int

	page []Event
	pos  int
	cur  Event
	done bool
	err  error
}

// Paged returns an Iterator that fetches pages on demand.
func Paged(ctx context.Context, fetch PageFunc, streamID string, afterSeq uint64, pageSize int) Iterator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &pagedIterator{ctx: ctx, fetch: fetch, streamID: streamID, after: afterSeq, size: pageSize}
}

func (it *pagedIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		page, err := it.fetch(it.ctx, it.streamID, it.after, it.size)
		if err != nil {
			it.err = err
			return false
		}
		if len(page) < it.size {
			it.done = true
		}
		if len(page) == 0 {
			return false
		}
		it.page, it.pos = page, 0
	}
	it.cur = it.page[it.pos]
	it.pos++
	it.after = it.cur.Sequence
	return true
}

func (it *pagedIterator) Event() Event { return it.cur }

func (it *pagedIterator) Err() error { return it.err }

// Collect drains an iterator.
func Collect(it Iterator) ([]Event, error) {
	var out []Event
	for it.Next() {
		out = append(out, it.Event())
	}
	return out, it.Err()
}
