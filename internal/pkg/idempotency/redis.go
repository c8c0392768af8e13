package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each key is a hash {status, at, reason}. Both scripts run atomically on the
// server, which is what makes TryAcquire linearizable across processes.
var (
	acquireScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'at')
if not cur[1] then
  redis.call('HSET', KEYS[1], 'status', 'PENDING', 'at', ARGV[1])
  return 'granted'
end
if cur[1] ~= 'PENDING' then
  return 'done'
end
if tonumber(cur[2]) + tonumber(ARGV[2]) <= tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'at', ARGV[1])
  return 'granted'
end
return 'in_flight'
`)

	markScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == 'DONE' or cur == 'FAILED' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'at', ARGV[2], 'reason', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)
)

// Redis is a Ledger backed by redis hashes.
type Redis struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

// NewRedis returns a redis ledger storing keys under prefix.
func NewRedis(client redis.UniversalClient, prefix string, opts Options) *Redis {
	if prefix == "" {
		prefix = "idempotency:"
	}
	return &Redis{client: client, prefix: prefix, opts: opts.withDefaults()}
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (Decision, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}

	now := r.opts.Clock.Now().UnixMilli()
	res, err := acquireScript.Run(ctx, r.client, []string{r.prefix + key}, now, r.opts.Lease.Milliseconds()).Text()
	if err != nil {
		return 0, fmt.Errorf("idempotency: redis acquire: %w", err)
	}

	switch res {
	case "granted":
		return Granted, nil
	case "in_flight":
		return AlreadyInFlight, nil
	case "done":
		return AlreadyDone, nil
	default:
		return 0, ErrInvalidState
	}
}

func (r *Redis) MarkDone(ctx context.Context, key string) error {
	return r.mark(ctx, key, StatusDone, "")
}

func (r *Redis) MarkFailed(ctx context.Context, key, reason string) error {
	return r.mark(ctx, key, StatusFailed, reason)
}

func (r *Redis) mark(ctx context.Context, key string, status Status, reason string) error {
	if err := validKey(key); err != nil {
		return err
	}

	args := []any{status.String(), r.opts.Clock.Now().UnixMilli(), reason, r.opts.Retention.Milliseconds()}
	if err := markScript.Run(ctx, r.client, []string{r.prefix + key}, args...).Err(); err != nil {
		return fmt.Errorf("idempotency: redis mark %s: %w", status, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.prefix+key).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("idempotency: redis get: %w", err)
	}
	if len(fields) == 0 {
		return Entry{}, ErrNotFound
	}

	status, err := parseStatus(fields["status"])
	if err != nil {
		return Entry{}, err
	}
	ms, err := strconv.ParseInt(fields["at"], 10, 64)
	if err != nil {
		return Entry{}, ErrInvalidState
	}

	return Entry{
		Key:           key,
		Status:        status,
		LastAttemptAt: time.UnixMilli(ms).UTC(),
		Reason:        fields["reason"],
	}, nil
}
