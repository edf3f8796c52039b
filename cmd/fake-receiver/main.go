package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/austindbirch/conversion_hook/internal/config"
	"github.com/austindbirch/conversion_hook/internal/logging"
)

const maxBody = 1 << 20

// receiver imitates the provider's events endpoint. The first failFirstN
// requests fail with failStatus.
type receiver struct {
	failFirstN int
	failStatus int
	delay      time.Duration
	logger     *logging.Logger

	mu       sync.Mutex
	reqCount int
	received int
}

type eventsRequest struct {
	Data          []json.RawMessage `json:"data"`
	TestEventCode string            `json:"test_event_code,omitempty"`
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	status := cfg.FailStatus
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	return &receiver{
		failFirstN: cfg.FailFirstN,
		failStatus: status,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
	}
}

func main() {
	logger := logging.New("convhook-fake-receiver")
	defer logger.Sync()

	if err := config.LoadDotenv(); err != nil {
		logger.Plain().WithError(err).Fatal("failed to load .env")
	}
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	rc := newReceiver(cfg.FakeReceiver, logger)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": rc.failFirstN,
		"fail_status":  rc.failStatus,
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/stats", rc.handleStats)
	r.Post("/{version}/{pixelID}/events", rc.handleEvents)
	return r
}

func (rc *receiver) handleEvents(w http.ResponseWriter, r *http.Request) {
	pixelID := chi.URLParam(r, "pixelID")
	traceID := newTraceID()
	entry := rc.logger.Plain().WithDestination(pixelID).WithField("fbtrace_id", traceID)

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	n, fail := rc.next()
	if fail {
		entry.WithFields(map[string]any{"request": n, "fail_first_n": rc.failFirstN}).Warn("failing request")
		writeError(w, rc.failStatus, "simulated failure", "FakeReceiverException", 2, traceID)
		return
	}

	if r.URL.Query().Get("access_token") == "" {
		writeError(w, http.StatusBadRequest, "An access token is required to request this resource.", "OAuthException", 104, traceID)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body", "OAuthException", 100, traceID)
		return
	}
	var req eventsRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "The parameter data is required", "OAuthException", 100, traceID)
		return
	}

	rc.mu.Lock()
	rc.received += len(req.Data)
	rc.mu.Unlock()

	entry.WithFields(map[string]any{
		"events":          len(req.Data),
		"test_event_code": req.TestEventCode,
		"body":            truncate(string(body), 160),
	}).Info("events received")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"events_received": len(req.Data),
		"messages":        []string{},
		"fbtrace_id":      traceID,
	})
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"requests":        rc.reqCount,
		"events_received": rc.received,
	})
}

// next counts a request and reports whether it falls in the failing window.
func (rc *receiver) next() (int, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.reqCount++
	return rc.reqCount, rc.reqCount <= rc.failFirstN
}

func writeError(w http.ResponseWriter, status int, msg, typ string, code int, traceID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message":    msg,
			"type":       typ,
			"code":       code,
			"fbtrace_id": traceID,
		},
	})
}

func newTraceID() string {
	return "fake-" + uuid.NewString()[:8]
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
