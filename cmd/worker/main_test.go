package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/conversion_hook/internal/config"
	"github.com/austindbirch/conversion_hook/internal/delivery"
	"github.com/austindbirch/conversion_hook/internal/health"
	"github.com/austindbirch/conversion_hook/internal/metrics"
	"github.com/austindbirch/conversion_hook/internal/queue"
)

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

type brokenDLQ struct{}

func (brokenDLQ) DeadLetters(context.Context, int64) ([]delivery.DeadLetter, error) {
	return nil, errors.New("redis down")
}

func newTestQueue(t *testing.T) *queue.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedis(client, "test")
}

func TestWorkerConfig(t *testing.T) {
	cfg := config.FromEnv()
	cfg.Delivery.MaxAttempts = 7
	cfg.Delivery.BaseDelaySeconds = 10
	cfg.CAPI.Timeout = 4 * time.Second
	cfg.CAPI.TestEventCode = "TEST42"

	wc := workerConfig(cfg)

	assert.Equal(t, 7, wc.Policy.MaxAttempts)
	assert.Equal(t, 10*time.Second, wc.Policy.BaseDelay)
	assert.Equal(t, cfg.Worker.PopTimeout, wc.PopTimeout)
	assert.Equal(t, cfg.Worker.PromoteBatch, wc.PromoteBatch)
	assert.Equal(t, cfg.Worker.ClaimTTL, wc.ClaimTTL)
	assert.Equal(t, 8*time.Second, wc.SendTimeout)
	assert.Equal(t, "TEST42", wc.TestEventCode)
}

func TestCAPIConfig(t *testing.T) {
	cfg := config.FromEnv()
	cfg.CAPI.BaseURL = "http://fake-receiver:8081"
	cfg.CAPI.APIVersion = "v19.0"

	cc := capiConfig(cfg)

	assert.Equal(t, "http://fake-receiver:8081", cc.BaseURL)
	assert.Equal(t, "v19.0", cc.APIVersion)
	assert.Equal(t, cfg.CAPI.Timeout, cc.Timeout)
}

func TestOpsRouter_Healthz(t *testing.T) {
	q := newTestQueue(t)

	tests := []struct {
		name       string
		checks     []health.Check
		wantStatus int
	}{
		{"redis up", []health.Check{{Name: "redis", Pinger: q}}, http.StatusOK},
		{"database down", []health.Check{{Name: "redis", Pinger: q}, {Name: "database", Pinger: downPinger{}}}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newOpsRouter(prometheus.NewRegistry(), q, tt.checks...)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var st health.Status
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
			assert.Equal(t, tt.wantStatus == http.StatusOK, st.OK)
		})
	}
}

func TestOpsRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metrics.UpdateQueueDepth("pending", 3)

	h := newOpsRouter(reg, newTestQueue(t))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `convhook_queue_depth{queue="pending"} 3`)
}

func TestOpsRouter_DLQ(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	for _, id := range []string{"d-1", "d-2", "d-3"} {
		require.NoError(t, q.AppendDeadLetter(ctx, delivery.DeadLetter{
			Type:       delivery.DLQType,
			DeliveryID: id,
			Attempts:   5,
			ErrorCode:  "http_503",
		}))
	}
	h := newOpsRouter(prometheus.NewRegistry(), q)

	t.Run("default limit", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dlq", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Count   int                   `json:"count"`
			Entries []delivery.DeadLetter `json:"entries"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, 3, body.Count)
		assert.Equal(t, "d-3", body.Entries[2].DeliveryID)
	})

	t.Run("limit returns newest", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dlq?limit=1", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"delivery_id":"d-3"`)
		assert.NotContains(t, w.Body.String(), `"delivery_id":"d-1"`)
	})

	t.Run("bad limit", func(t *testing.T) {
		for _, v := range []string{"0", "-2", "many"} {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dlq?limit="+v, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", v)
		}
	})

	t.Run("empty list encodes as array", func(t *testing.T) {
		w := httptest.NewRecorder()
		newOpsRouter(prometheus.NewRegistry(), newTestQueue(t)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dlq", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), `"entries":[]`), w.Body.String())
	})

	t.Run("queue unavailable", func(t *testing.T) {
		w := httptest.NewRecorder()
		newOpsRouter(prometheus.NewRegistry(), brokenDLQ{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dlq", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestOpsRouter_MethodNotAllowed(t *testing.T) {
	h := newOpsRouter(prometheus.NewRegistry(), newTestQueue(t))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/dlq", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
