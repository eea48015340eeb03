package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
)

// DefaultBatchSize is the number of events read per ReadAll call.
const DefaultBatchSize = 500

// Projector keeps Views caught up with an event log.
type Projector struct {
	log     eventlog.Store
	views   *Views
	batch   int
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewProjector tails log into views. pollEvery paces Run.
func NewProjector(log eventlog.Store, views *Views, pollEvery time.Duration) *Projector {
	if pollEvery <= 0 {
		pollEvery = 250 * time.Millisecond
	}
	return &Projector{
		log:     log,
		views:   views,
		batch:   DefaultBatchSize,
		limiter: rate.NewLimiter(rate.Every(pollEvery), 1),
		logger:  slog.Default().With("component", "projection"),
	}
}

// Views returns the views the projector maintains.
func (p *Projector) Views() *Views { return p.views }

// CatchUp applies every event committed after the views' position and
// returns the new position.
func (p *Projector) CatchUp(ctx context.Context) (uint64, error) {
	for {
		pos := p.views.Position()
		events, err := p.log.ReadAll(ctx, pos, p.batch)
		if err != nil {
			return pos, fmt.Errorf("projection: read after %d: %w", pos, err)
		}
		if len(events) == 0 {
			return pos, nil
		}
		if err := p.views.Apply(events...); err != nil {
			return p.views.Position(), fmt.Errorf("projection: apply: %w", err)
		}
	}
}

// CatchUpTo applies events until the views reach at least position.
func (p *Projector) CatchUpTo(ctx context.Context, position uint64) error {
	got, err := p.CatchUp(ctx)
	if err != nil {
		return err
	}
	if got < position {
		return fmt.Errorf("projection: reached %d, want %d", got, position)
	}
	return nil
}

// Rebuild discards the views and replays the log from the start.
func (p *Projector) Rebuild(ctx context.Context) (uint64, error) {
	p.views.mu.Lock()
	p.views.reset()
	p.views.mu.Unlock()
	return p.CatchUp(ctx)
}

// Run polls the log until ctx ends. Apply failures are logged and retried on
// the next poll; the views stay at the last good position.
func (p *Projector) Run(ctx context.Context) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}
		if pos, err := p.CatchUp(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.WarnContext(ctx, "projection catch-up failed", "position", pos, "error", err)
		}
	}
}
