// Package eventlogtest holds behavior tests every eventlog.Store must pass.
package eventlogtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terryholliday/WVSNP-sub002/pkg/eventlog"
)

func evt(typ string, n int) eventlog.Event {
	return eventlog.Event{Type: typ, Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)), CorrelationID: "corr-1", ActorID: "actor-1"}
}

// Run exercises a fresh store produced by factory for each subtest.
func Run(t *testing.T, factory func(t *testing.T) eventlog.Store) {
	t.Run("AppendAndRead", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		committed, err := s.Append(ctx, eventlog.StreamAppend{
			StreamID: "grant-g1", StreamType: "grant", ExpectedVersion: 0,
			Events: []eventlog.Event{evt("GrantCreated", 1), evt("BudgetAwarded", 2)},
		})
		require.NoError(t, err)
		require.Len(t, committed, 2)
		assert.Equal(t, uint64(1), committed[0].Sequence)
		assert.Equal(t, uint64(2), committed[1].Sequence)
		assert.NotEmpty(t, committed[0].EventID)
		assert.Less(t, committed[0].GlobalPosition, committed[1].GlobalPosition)

		events, err := eventlog.Collect(eventlog.ReadStream(ctx, s, "grant-g1"))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "GrantCreated", events[0].Type)
		assert.Equal(t, "grant", events[0].StreamType)
		assert.Equal(t, "corr-1", events[0].CorrelationID)
		assert.JSONEq(t, `{"n":2}`, string(events[1].Payload))

		rest, err := eventlog.Collect(s.ReadStreamFrom(ctx, "grant-g1", 1))
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "BudgetAwarded", rest[0].Type)

		none, err := eventlog.Collect(eventlog.ReadStream(ctx, s, "grant-missing"))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("VersionMismatchConflicts", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		_, err := s.Append(ctx, eventlog.StreamAppend{StreamID: "voucher-v1", StreamType: "voucher", Events: []eventlog.Event{evt("VoucherIssued", 1)}})
		require.NoError(t, err)

		_, err = s.Append(ctx, eventlog.StreamAppend{StreamID: "voucher-v1", StreamType: "voucher", ExpectedVersion: 0, Events: []eventlog.Event{evt("VoucherIssued", 2)}})
		assert.ErrorIs(t, err, eventlog.ErrConcurrencyConflict)
	})

	t.Run("MultiStreamAppendIsAtomic", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		_, err := s.Append(ctx, eventlog.StreamAppend{StreamID: "grant-g1", StreamType: "grant", Events: []eventlog.Event{evt("GrantCreated", 1)}})
		require.NoError(t, err)

		// grant stream expectation is stale, so voucher-v1 must not appear either.
		_, err = s.Append(ctx,
			eventlog.StreamAppend{StreamID: "voucher-v1", StreamType: "voucher", ExpectedVersion: 0, Events: []eventlog.Event{evt("VoucherIssued", 1)}},
			eventlog.StreamAppend{StreamID: "grant-g1", StreamType: "grant", ExpectedVersion: 0, Events: []eventlog.Event{evt("BudgetEncumbered", 2)}},
		)
		require.ErrorIs(t, err, eventlog.ErrConcurrencyConflict)

		events, err := eventlog.Collect(eventlog.ReadStream(ctx, s, "voucher-v1"))
		require.NoError(t, err)
		assert.Empty(t, events)

		head, err := s.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), head)
	})

	t.Run("EmptyAppendFencesVersion", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		_, err := s.Append(ctx, eventlog.StreamAppend{StreamID: "closeout-2026", StreamType: "closeout", Events: []eventlog.Event{evt("CloseoutStarted", 1)}})
		require.NoError(t, err)

		_, err = s.Append(ctx,
			eventlog.StreamAppend{StreamID: "closeout-2026", ExpectedVersion: 0},
			eventlog.StreamAppend{StreamID: "voucher-v9", StreamType: "voucher", Events: []eventlog.Event{evt("VoucherIssued", 1)}},
		)
		assert.ErrorIs(t, err, eventlog.ErrConcurrencyConflict)

		_, err = s.Append(ctx,
			eventlog.StreamAppend{StreamID: "closeout-2026", ExpectedVersion: 1},
			eventlog.StreamAppend{StreamID: "voucher-v9", StreamType: "voucher", Events: []eventlog.Event{evt("VoucherIssued", 1)}},
		)
		require.NoError(t, err)
	})

	t.Run("ReadAllPaginates", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, err := s.Append(ctx, eventlog.StreamAppend{StreamID: fmt.Sprintf("claim-c%d", i), StreamType: "claim", Events: []eventlog.Event{evt("ClaimSubmitted", i)}})
			require.NoError(t, err)
		}

		first, err := s.ReadAll(ctx, 0, 3)
		require.NoError(t, err)
		require.Len(t, first, 3)

		second, err := s.ReadAll(ctx, first[2].GlobalPosition, 3)
		require.NoError(t, err)
		require.Len(t, second, 2)
		assert.Equal(t, "claim-c4", second[1].StreamID)

		head, err := s.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, second[1].GlobalPosition, head)
	})

	t.Run("RejectsDuplicateStreamInOneCall", func(t *testing.T) {
		s := factory(t)
		_, err := s.Append(context.Background(),
			eventlog.StreamAppend{StreamID: "grant-g1", Events: []eventlog.Event{evt("GrantCreated", 1)}},
			eventlog.StreamAppend{StreamID: "grant-g1", ExpectedVersion: 1, Events: []eventlog.Event{evt("BudgetAwarded", 1)}},
		)
		assert.Error(t, err)
	})

	t.Run("ConcurrentAppendsSerialize", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Append(ctx, eventlog.StreamAppend{StreamID: "grant-race", StreamType: "grant", Events: []eventlog.Event{evt("BudgetEncumbered", i)}})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, eventlog.ErrConcurrencyConflict)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		events, err := eventlog.Collect(eventlog.ReadStream(ctx, s, "grant-race"))
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}
