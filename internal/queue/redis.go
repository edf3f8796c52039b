// Package queue is the durable work queue between the translator and the
// delivery worker: a FIFO pending list, a time-ordered retry set and a
// dead-letter list, all in Redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/conversion_hook/internal/delivery"
	"github.com/austindbirch/conversion_hook/internal/metrics"
)

// promoteScript moves due ids from the retry set to the pending list. Both
// steps run inside one script so an id is never in both, nor in neither.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return ids
`)

// requeueScript puts an id at the back of the pending list, removing it from
// the retry set and any earlier pending position first.
var requeueScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// Stats are the current sizes of the three structures.
type Stats struct {
	Pending    int64 `json:"pending"`
	Retry      int64 `json:"retry"`
	DeadLetter int64 `json:"dead_letter"`
}

// Redis implements the queue on a go-redis client.
type Redis struct {
	client redis.UniversalClient
	keys   Keys
}

// NewRedis wraps client using the keys derived from prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, keys: NewKeys(prefix)}
}

// Keys exposes the key names, mostly for operators and tests.
func (q *Redis) Keys() Keys { return q.keys }

// PushPending makes id immediately available to workers.
func (q *Redis) PushPending(ctx context.Context, id string) error {
	if err := q.client.LPush(ctx, q.keys.Pending, id).Err(); err != nil {
		metrics.RecordQueueError("push")
		return fmt.Errorf("queue push %s: %w", id, err)
	}
	return nil
}

// PopPending blocks up to timeout for the oldest pending id. ok is false when
// the timeout elapsed with nothing to pop. A pop is exclusive: no two callers
// ever receive the same push.
func (q *Redis) PopPending(ctx context.Context, timeout time.Duration) (id string, ok bool, err error) {
	res, err := q.client.BRPop(ctx, timeout, q.keys.Pending).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		metrics.RecordQueueError("pop")
		return "", false, fmt.Errorf("queue pop: %w", err)
	}
	// BRPOP replies [key, value]
	if len(res) != 2 {
		return "", false, fmt.Errorf("queue pop: unexpected reply %v", res)
	}
	return res[1], true, nil
}

// ScheduleRetry parks id until eta.
func (q *Redis) ScheduleRetry(ctx context.Context, id string, eta time.Time) error {
	err := q.client.ZAdd(ctx, q.keys.Retry, redis.Z{Score: float64(eta.UnixMilli()), Member: id}).Err()
	if err != nil {
		metrics.RecordQueueError("schedule")
		return fmt.Errorf("queue schedule %s: %w", id, err)
	}
	return nil
}

// PromoteDue moves up to limit ids whose eta is <= now into the pending list
// and returns them.
func (q *Redis) PromoteDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := promoteScript.Run(ctx, q.client,
		[]string{q.keys.Retry, q.keys.Pending},
		strconv.FormatInt(now.UnixMilli(), 10), limit,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		metrics.RecordQueueError("promote")
		return nil, fmt.Errorf("queue promote: %w", err)
	}
	return ids, nil
}

// Requeue moves id to the pending list, removing it from the retry set. The
// id appears in the pending list exactly once afterwards.
func (q *Redis) Requeue(ctx context.Context, id string) error {
	if err := requeueScript.Run(ctx, q.client, []string{q.keys.Retry, q.keys.Pending}, id).Err(); err != nil {
		metrics.RecordQueueError("requeue")
		return fmt.Errorf("queue requeue %s: %w", id, err)
	}
	return nil
}

// AppendDeadLetter records a terminally failed delivery for operators.
func (q *Redis) AppendDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := q.client.RPush(ctx, q.keys.DLQ, b).Err(); err != nil {
		metrics.RecordQueueError("dlq")
		return fmt.Errorf("queue dlq %s: %w", dl.DeliveryID, err)
	}
	return nil
}

// DeadLetters returns up to limit of the most recent dead letters, newest last.
func (q *Redis) DeadLetters(ctx context.Context, limit int64) ([]delivery.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.client.LRange(ctx, q.keys.DLQ, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue list dlq: %w", err)
	}
	out := make([]delivery.DeadLetter, 0, len(raw))
	for _, s := range raw {
		var dl delivery.DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Claim takes exclusive ownership of id for ttl. It returns false when
// another worker already holds the claim.
func (q *Redis) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, q.keys.claimKey(id), "1", ttl).Result()
	if err != nil {
		metrics.RecordQueueError("claim")
		return false, fmt.Errorf("queue claim %s: %w", id, err)
	}
	return ok, nil
}

// Release drops the claim on id.
func (q *Redis) Release(ctx context.Context, id string) error {
	return q.client.Del(ctx, q.keys.claimKey(id)).Err()
}

// Stats reads all three sizes in one round trip.
func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.keys.Pending)
	retry := pipe.ZCard(ctx, q.keys.Retry)
	dlq := pipe.LLen(ctx, q.keys.DLQ)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Pending: pending.Val(), Retry: retry.Val(), DeadLetter: dlq.Val()}, nil
}

// Ping checks connectivity.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
