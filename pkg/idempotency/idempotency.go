// Package idempotency maps client idempotency keys to the outcome of the
// first execution, so retried commands replay instead of re-executing.
//
// A key moves through reserve, then complete or release. Reservation is a
// compare-and-set in every backend: of any number of concurrent Begin calls
// for one key, exactly one returns Fresh. The others wait for the holder's
// outcome and return Replayed, or take over if the holder released the key or
// abandoned it past the lease TTL.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/retry"
)

var (
	// ErrKeyReuse is returned when a key is presented with a different request.
	ErrKeyReuse = faults.New(faults.KindKeyReuse, "idempotency key was already used for a different request")

	// ErrInFlight is returned when another execution still holds the key after WaitTimeout.
	ErrInFlight = faults.New(faults.KindRetryable, "a request with this idempotency key is still in progress")

	// ErrLeaseLost is returned by Complete and Release when the caller no longer holds the reservation.
	ErrLeaseLost = errors.New("idempotency: reservation no longer held")
)

// Key scopes a client token to an operation type and an actor.
type Key struct {
	Token     string
	Operation string
	ActorID   string
}

// String encodes the scope with each part length-prefixed, so no two keys
// share a string whatever separators their parts contain.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s|%d:%s|%d:%s", len(k.Operation), k.Operation, len(k.ActorID), k.ActorID, len(k.Token), k.Token)
}

func (k Key) validate() error {
	if k.Token == "" || k.Operation == "" {
		return faults.Validation("idempotency key requires a token and an operation")
	}
	return nil
}

type Status int

const (
	// Fresh means the caller holds the reservation and must execute.
	Fresh Status = iota + 1
	// Replayed means Result is the outcome of an earlier execution.
	Replayed
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Replayed:
		return "replayed"
	}
	return "unknown"
}

// Outcome is the result of Begin. Lease identifies a Fresh reservation.
type Outcome struct {
	Status Status
	Result []byte
	Lease  string
}

// Register is the idempotency contract shared by every backend.
type Register interface {
	Begin(ctx context.Context, key Key, fingerprint string) (Outcome, error)
	Complete(ctx context.Context, key Key, lease string, result []byte) error
	Release(ctx context.Context, key Key, lease string) error
}

// Options tune reservation handling.
type Options struct {
	// LeaseTTL after which a pending reservation counts as abandoned.
	LeaseTTL time.Duration
	// WaitTimeout bounds how long Begin waits on another holder.
	WaitTimeout time.Duration
	// Retention of completed records. Zero keeps them forever.
	Retention time.Duration
	// Poll paces waiting on stores without wake-ups.
	Poll retry.Policy
}

// DefaultOptions suit a single-region deployment.
func DefaultOptions() Options {
	return Options{
		LeaseTTL:    30 * time.Second,
		WaitTimeout: 10 * time.Second,
		Poll:        retry.Policy{Name: "idempotency-wait", BaseMs: 5, MaxMs: 250, MaxJitterMs: 5},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = d.LeaseTTL
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = d.WaitTimeout
	}
	if o.Poll.BaseMs <= 0 {
		o.Poll = d.Poll
	}
	return o
}

// record is a backend row.
type record struct {
	Fingerprint string
	Lease       string
	Completed   bool
	Result      []byte
	ReservedAt  time.Time
}

// backend is the atomic primitive set a storage engine provides.
type backend interface {
	// reserve inserts a pending record, or takes over a pending record with
	// the same fingerprint reserved before staleBefore. It returns the
	// current record when neither happens.
	reserve(ctx context.Context, key Key, fingerprint, lease string, now, staleBefore time.Time) (record, bool, error)
	complete(ctx context.Context, key Key, lease string, result []byte, now time.Time) error
	release(ctx context.Context, key Key, lease string) error
}

// waker lets a backend end a wait early when a key changes.
type waker interface {
	wait(ctx context.Context, key Key, d time.Duration)
}

type engine struct {
	store backend
	opts  Options
	clock func() time.Time
}

func newEngine(store backend, opts Options) *engine {
	return &engine{store: store, opts: opts.withDefaults(), clock: time.Now}
}

func (e *engine) Begin(ctx context.Context, key Key, fingerprint string) (Outcome, error) {
	if err := key.validate(); err != nil {
		return Outcome{}, err
	}
	lease := uuid.NewString()
	deadline := e.clock().Add(e.opts.WaitTimeout)

	for attempt := 0; ; attempt++ {
		now := e.clock()
		rec, reserved, err := e.store.reserve(ctx, key, fingerprint, lease, now, now.Add(-e.opts.LeaseTTL))
		if err != nil {
			return Outcome{}, fmt.Errorf("idempotency: reserve %s: %w", key, err)
		}
		if reserved {
			return Outcome{Status: Fresh, Lease: lease}, nil
		}
		if rec.Fingerprint != fingerprint {
			return Outcome{}, ErrKeyReuse
		}
		if rec.Completed {
			return Outcome{Status: Replayed, Result: rec.Result}, nil
		}
		if !now.Before(deadline) {
			return Outcome{}, ErrInFlight
		}

		delay := retry.ComputeBackoff(retry.Params{Operation: key.Operation, Key: key.Token, AttemptIndex: attempt}, e.opts.Poll)
		if remaining := deadline.Sub(now); delay > remaining {
			delay = remaining
		}
		if w, ok := e.store.(waker); ok {
			w.wait(ctx, key, delay)
		} else {
			sleep(ctx, delay)
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
	}
}

func (e *engine) Complete(ctx context.Context, key Key, lease string, result []byte) error {
	return e.store.complete(ctx, key, lease, result, e.clock())
}

func (e *engine) Release(ctx context.Context, key Key, lease string) error {
	return e.store.release(ctx, key, lease)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
