package idempotency

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
	"github.com/terryholliday/WVSNP-sub002/pkg/sqldb"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.WaitTimeout = 2 * time.Second
	return opts
}

func newKey() Key {
	return Key{Token: uuid.NewString(), Operation: "IssueVoucherOnline", ActorID: "clerk-1"}
}

func runRegisterSuite(t *testing.T, reg Register) {
	ctx := context.Background()

	t.Run("FreshThenReplayed", func(t *testing.T) {
		key := newKey()
		out, err := reg.Begin(ctx, key, "fp-a")
		require.NoError(t, err)
		require.Equal(t, Fresh, out.Status)
		require.NotEmpty(t, out.Lease)

		require.NoError(t, reg.Complete(ctx, key, out.Lease, []byte(`{"ok":true}`)))

		for i := 0; i < 3; i++ {
			again, err := reg.Begin(ctx, key, "fp-a")
			require.NoError(t, err)
			assert.Equal(t, Replayed, again.Status)
			assert.JSONEq(t, `{"ok":true}`, string(again.Result))
		}
	})

	t.Run("DifferentFingerprintIsReuse", func(t *testing.T) {
		key := newKey()
		out, err := reg.Begin(ctx, key, "fp-a")
		require.NoError(t, err)
		require.NoError(t, reg.Complete(ctx, key, out.Lease, []byte(`{}`)))

		_, err = reg.Begin(ctx, key, "fp-b")
		assert.ErrorIs(t, err, ErrKeyReuse)
		assert.Equal(t, faults.KindKeyReuse, faults.KindOf(err))
	})

	t.Run("ScopedByOperationAndActor", func(t *testing.T) {
		key := newKey()
		out, err := reg.Begin(ctx, key, "fp-a")
		require.NoError(t, err)
		require.NoError(t, reg.Complete(ctx, key, out.Lease, []byte(`{}`)))

		other := key
		other.ActorID = "clerk-2"
		fresh, err := reg.Begin(ctx, other, "fp-b")
		require.NoError(t, err)
		assert.Equal(t, Fresh, fresh.Status)
		require.NoError(t, reg.Release(ctx, other, fresh.Lease))
	})

	t.Run("SeparatorsInPartsDoNotCollide", func(t *testing.T) {
		token := uuid.NewString()
		a := Key{Operation: "VoidVoucher", ActorID: "clinic/" + token, Token: "x"}
		b := Key{Operation: "VoidVoucher", ActorID: "clinic", Token: token + "/x"}
		require.NotEqual(t, a.String(), b.String())

		first, err := reg.Begin(ctx, a, "fp-a")
		require.NoError(t, err)
		require.NoError(t, reg.Complete(ctx, a, first.Lease, []byte(`{}`)))

		second, err := reg.Begin(ctx, b, "fp-b")
		require.NoError(t, err)
		assert.Equal(t, Fresh, second.Status)
		require.NoError(t, reg.Release(ctx, b, second.Lease))
	})

	t.Run("ReleaseAllowsRetry", func(t *testing.T) {
		key := newKey()
		out, err := reg.Begin(ctx, key, "fp-a")
		require.NoError(t, err)
		require.NoError(t, reg.Release(ctx, key, out.Lease))

		again, err := reg.Begin(ctx, key, "fp-a")
		require.NoError(t, err)
		assert.Equal(t, Fresh, again.Status)
		assert.ErrorIs(t, reg.Complete(ctx, key, out.Lease, nil), ErrLeaseLost)
		require.NoError(t, reg.Complete(ctx, key, again.Lease, []byte(`{"n":1}`)))
	})

	t.Run("ConcurrentBeginExecutesOnce", func(t *testing.T) {
		key := newKey()
		var executions int32
		var wg sync.WaitGroup
		results := make([]string, 6)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out, err := reg.Begin(ctx, key, "fp-a")
				if !assert.NoError(t, err) {
					return
				}
				if out.Status == Fresh {
					atomic.AddInt32(&executions, 1)
					time.Sleep(20 * time.Millisecond)
					assert.NoError(t, reg.Complete(ctx, key, out.Lease, []byte(`{"voucher":"v-1"}`)))
					results[i] = `{"voucher":"v-1"}`
					return
				}
				results[i] = string(out.Result)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), executions)
		for _, r := range results {
			assert.JSONEq(t, `{"voucher":"v-1"}`, r)
		}
	})
}

func TestMemoryRegister(t *testing.T) {
	runRegisterSuite(t, NewMemory(testOptions()))
}

func TestSQLiteRegister(t *testing.T) {
	ctx := context.Background()
	db, err := sqldb.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	reg := NewSQLRegister(db, testOptions())
	require.NoError(t, reg.Migrate(ctx))
	runRegisterSuite(t, reg)
}

// TestRedisRegister_Integration requires a running Redis on localhost.
func TestRedisRegister_Integration(t *testing.T) {
	client := DialRedis("localhost:6379", "", 0)
	reg := NewRedisRegister(client, "idem-test-"+uuid.NewString(), testOptions())
	if err := reg.Ping(context.Background()); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer func() { _ = client.Close() }()
	runRegisterSuite(t, reg)
}

func TestAbandonedReservationIsTakenOver(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	opts := testOptions()
	opts.LeaseTTL = time.Minute
	reg := NewMemory(opts).WithClock(clock)
	ctx := context.Background()
	key := newKey()

	first, err := reg.Begin(ctx, key, "fp-a")
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	second, err := reg.Begin(ctx, key, "fp-a")
	require.NoError(t, err)
	assert.Equal(t, Fresh, second.Status)
	assert.NotEqual(t, first.Lease, second.Lease)
	assert.ErrorIs(t, reg.Complete(ctx, key, first.Lease, nil), ErrLeaseLost)
}

func TestWaitTimesOutAsRetryable(t *testing.T) {
	opts := testOptions()
	opts.WaitTimeout = 30 * time.Millisecond
	reg := NewMemory(opts)
	ctx := context.Background()
	key := newKey()

	_, err := reg.Begin(ctx, key, "fp-a")
	require.NoError(t, err)

	_, err = reg.Begin(ctx, key, "fp-a")
	assert.ErrorIs(t, err, ErrInFlight)
	assert.True(t, faults.Retryable(err))
}

func TestRetentionExpiresCompletedRecords(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	opts := testOptions()
	opts.Retention = time.Hour
	reg := NewMemory(opts).WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := newKey()

	out, err := reg.Begin(ctx, key, "fp-a")
	require.NoError(t, err)
	require.NoError(t, reg.Complete(ctx, key, out.Lease, []byte(`{}`)))
	assert.Equal(t, 1, reg.Len())

	now = now.Add(2 * time.Hour)
	again, err := reg.Begin(ctx, key, "fp-b")
	require.NoError(t, err)
	assert.Equal(t, Fresh, again.Status)
}

func TestBeginRejectsEmptyKey(t *testing.T) {
	_, err := NewMemory(testOptions()).Begin(context.Background(), Key{Operation: "SubmitClaim"}, "fp")
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}
