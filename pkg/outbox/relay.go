package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
)

// Relay copies notification-worthy events from the log into a Store.
type Relay struct {
	log     eventlog.Store
	store   Store
	batch   int
	limiter *rate.Limiter
	clock   func() time.Time
	logger  *slog.Logger
}

// NewRelay tails log into store. pollEvery paces Run.
func NewRelay(log eventlog.Store, store Store, pollEvery time.Duration) *Relay {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Relay{
		log:     log,
		store:   store,
		batch:   500,
		limiter: rate.NewLimiter(rate.Every(pollEvery), 1),
		clock:   time.Now,
		logger:  slog.Default().With("component", "outbox"),
	}
}

// WithClock overrides the scheduling clock.
func (r *Relay) WithClock(clock func() time.Time) *Relay {
	r.clock = clock
	return r
}

// Step relays every event committed after the checkpoint and returns how
// many records were enqueued.
func (r *Relay) Step(ctx context.Context) (int, error) {
	enqueued := 0
	for {
		pos, err := r.store.Checkpoint(ctx)
		if err != nil {
			return enqueued, err
		}
		events, err := r.log.ReadAll(ctx, pos, r.batch)
		if err != nil {
			return enqueued, fmt.Errorf("outbox: read after %d: %w", pos, err)
		}
		if len(events) == 0 {
			return enqueued, nil
		}

		now := r.clock()
		var records []Record
		for _, e := range events {
			if rec, ok := FromEvent(e, now); ok {
				records = append(records, rec)
			}
		}
		last := events[len(events)-1].GlobalPosition
		if err := r.store.Enqueue(ctx, last, records); err != nil {
			return enqueued, err
		}
		enqueued += len(records)
		r.logger.DebugContext(ctx, "outbox relayed", "through", last, "records", len(records))
	}
}

// Run relays until ctx ends, logging failures and retrying on the next poll.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := r.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WarnContext(ctx, "outbox relay failed", "error", err)
		}
	}
}
