package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript atomically reserves a key or reports its current record.
// KEYS[1] = record hash
// ARGV[1] = fingerprint, ARGV[2] = lease, ARGV[3] = now (unix ns), ARGV[4] = stale-before (unix ns)
// Returns {reserved, fingerprint, lease, status, result, reserved_at}.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local fp = ARGV[1]
local lease = ARGV[2]
local now = ARGV[3]
local stale = tonumber(ARGV[4])

if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, "fp", fp, "lease", lease, "status", "PENDING", "reserved_at", now)
    return {1, fp, lease, "PENDING", "", now}
end

local r = redis.call("HMGET", key, "fp", "lease", "status", "result", "reserved_at")
if r[3] == "PENDING" and r[1] == fp and tonumber(r[5]) < stale then
    redis.call("HSET", key, "lease", lease, "reserved_at", now)
    return {1, fp, lease, "PENDING", "", now}
end

return {0, r[1] or "", r[2] or "", r[3] or "", r[4] or "", r[5] or "0"}
`)

// completeScript stores the outcome if ARGV[1] still holds the lease.
// ARGV[2] = result, ARGV[3] = retention in ms (0 keeps forever)
var completeScript = redis.NewScript(`
local key = KEYS[1]
local r = redis.call("HMGET", key, "lease", "status")
if r[1] ~= ARGV[1] or r[2] ~= "PENDING" then
    return 0
end
redis.call("HSET", key, "status", "COMPLETED", "result", ARGV[2])
local retention = tonumber(ARGV[3])
if retention > 0 then
    redis.call("PEXPIRE", key, retention)
end
return 1
`)

// releaseScript drops a pending reservation held by ARGV[1].
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local r = redis.call("HMGET", key, "lease", "status")
if r[1] ~= ARGV[1] or r[2] ~= "PENDING" then
    return 0
end
redis.call("DEL", key)
return 1
`)

// RedisRegister is a Register shared across processes through Redis.
type RedisRegister struct {
	*engine
	client redis.UniversalClient
}

var _ Register = (*RedisRegister)(nil)

// NewRedisRegister uses an existing client.
func NewRedisRegister(client redis.UniversalClient, prefix string, opts Options) *RedisRegister {
	if prefix == "" {
		prefix = "idem"
	}
	b := &redisBackend{client: client, prefix: prefix, retention: opts.Retention}
	return &RedisRegister{engine: newEngine(b, opts), client: client}
}

// DialRedis connects to addr.
func DialRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Ping checks connectivity.
func (r *RedisRegister) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type redisBackend struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func (b *redisBackend) key(k Key) string {
	return fmt.Sprintf("%s:%s", b.prefix, k.String())
}

func (b *redisBackend) reserve(ctx context.Context, key Key, fingerprint, lease string, now, staleBefore time.Time) (record, bool, error) {
	res, err := reserveScript.Run(ctx, b.client, []string{b.key(key)},
		fingerprint, lease, strconv.FormatInt(now.UnixNano(), 10), staleBefore.UnixNano()).Slice()
	if err != nil {
		return record{}, false, fmt.Errorf("redis reserve: %w", err)
	}
	if len(res) != 6 {
		return record{}, false, fmt.Errorf("redis reserve: unexpected reply of %d elements", len(res))
	}

	reserved, _ := res[0].(int64)
	if reserved == 1 {
		return record{}, true, nil
	}
	rec := record{
		Fingerprint: asString(res[1]),
		Lease:       asString(res[2]),
		Completed:   asString(res[3]) == statusCompleted,
		Result:      []byte(asString(res[4])),
	}
	if ns, err := strconv.ParseInt(asString(res[5]), 10, 64); err == nil {
		rec.ReservedAt = time.Unix(0, ns)
	}
	return rec, false, nil
}

func (b *redisBackend) complete(ctx context.Context, key Key, lease string, result []byte, _ time.Time) error {
	n, err := completeScript.Run(ctx, b.client, []string{b.key(key)}, lease, string(result), b.retention.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}

func (b *redisBackend) release(ctx context.Context, key Key, lease string) error {
	n, err := releaseScript.Run(ctx, b.client, []string{b.key(key)}, lease).Int64()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
