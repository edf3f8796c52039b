package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/conversion_hook/internal/delivery"
)

func newTestQueue(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test"), mr
}

func TestNewKeys(t *testing.T) {
	k := NewKeys("")
	assert.Equal(t, "{convhook}:queue:pending", k.Pending)
	assert.Equal(t, "{convhook}:queue:retry", k.Retry)
	assert.Equal(t, "{convhook}:queue:dlq", k.DLQ)
	assert.Equal(t, "{convhook}:claim:abc", k.claimKey("abc"))
}

func TestPushPopFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.PushPending(ctx, id))
	}
	for _, want := range []string{"a", "b", "c"} {
		id, ok, err := q.PopPending(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, id)
	}
}

func TestPopTimeout(t *testing.T) {
	q, _ := newTestQueue(t)

	id, ok, err := q.PopPending(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestPopIsExclusive(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, q.PushPending(ctx, string(rune('A'+i))))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok, err := q.PopPending(ctx, time.Second)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "id %q popped more than once", id)
	}
}

func TestPromoteDue(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.ScheduleRetry(ctx, "due-1", now.Add(-time.Minute)))
	require.NoError(t, q.ScheduleRetry(ctx, "due-2", now))
	require.NoError(t, q.ScheduleRetry(ctx, "later", now.Add(time.Hour)))

	ids, err := q.PromoteDue(ctx, now, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"due-1", "due-2"}, ids)

	pending, err := mr.List(q.Keys().Pending)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"due-1", "due-2"}, pending)

	retry, err := mr.ZMembers(q.Keys().Retry)
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, retry)

	ids, err = q.PromoteDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPromoteDueRespectsLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second)

	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, q.ScheduleRetry(ctx, id, past))
	}
	ids, err := q.PromoteDue(ctx, time.Now(), 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2, Retry: 1}, st)
}

func TestRequeueMovesFromRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.ScheduleRetry(ctx, "r1", time.Now().Add(time.Hour)))
	require.NoError(t, q.Requeue(ctx, "r1"))
	require.NoError(t, q.Requeue(ctx, "r1"))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Pending)
	assert.Equal(t, int64(0), st.Retry)
}

func TestDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2", "d3"} {
		dl := delivery.NewDeadLetter(delivery.Log{ID: id, Attempts: 3, HTTPStatus: 503}, "max_attempts_exceeded")
		require.NoError(t, q.AppendDeadLetter(ctx, dl))
	}

	got, err := q.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[0].DeliveryID)
	assert.Equal(t, "d3", got[1].DeliveryID)
	assert.Equal(t, delivery.DLQType, got[1].Type)
	assert.Equal(t, 503, got[1].HTTPStatus)
}

func TestClaim(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, q.Release(ctx, "c1"))
	ok, err = q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestErrorsWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedis(client, "down")

	err := q.PushPending(context.Background(), "x")
	assert.Error(t, err)
	_, err = q.Stats(context.Background())
	assert.Error(t, err)
}
