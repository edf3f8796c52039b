// Package worker delivers pending conversion events: it promotes due retries,
// pops ids from the pending queue, sends each event to the provider and
// moves the delivery log through its state machine.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/conversion_hook/internal/capi"
	"github.com/austindbirch/conversion_hook/internal/delivery"
	"github.com/austindbirch/conversion_hook/internal/logging"
	"github.com/austindbirch/conversion_hook/internal/metrics"
	"github.com/austindbirch/conversion_hook/internal/secrets"
	"github.com/austindbirch/conversion_hook/internal/store"
	"github.com/austindbirch/conversion_hook/internal/tracing"
)

// Error codes written to delivery_logs.error_code for failures that never
// reached the provider.
const (
	CodeDestinationUnavailable = "destination_unavailable"
	CodeCredentialError        = "credential_error"
	CodePayloadInvalid         = "payload_invalid"
)

// Store is the worker's view of the delivery log table.
type Store interface {
	GetLog(ctx context.Context, id string) (delivery.Log, error)
	GetDestination(ctx context.Context, companyID, pixelID string) (store.Destination, error)
	UpdateStatus(ctx context.Context, u store.StatusUpdate) error
}

// Queue is the worker's view of the work queue.
type Queue interface {
	PromoteDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	PopPending(ctx context.Context, timeout time.Duration) (string, bool, error)
	ScheduleRetry(ctx context.Context, id string, eta time.Time) error
	PushPending(ctx context.Context, id string) error
	AppendDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id string) error
}

// errRetryNotScheduled marks a retrying log whose id could not be added to
// the retry set. Process falls back to the pending list for it.
var errRetryNotScheduled = errors.New("retry not scheduled")

// Sender delivers events to the provider.
type Sender interface {
	SendEvents(ctx context.Context, destinationID string, cred capi.Credential, events []capi.Event) (capi.SendResult, error)
}

// Config tunes a Worker.
type Config struct {
	Policy        delivery.Policy
	PopTimeout    time.Duration
	PromoteBatch  int
	ClaimTTL      time.Duration
	SendTimeout   time.Duration // bound on one in-flight provider call
	TestEventCode string        // applied when the credential has none
}

func (c Config) withDefaults() Config {
	if c.Policy.MaxAttempts <= 0 {
		c.Policy.MaxAttempts = 5
	}
	if c.Policy.BaseDelay <= 0 {
		c.Policy.BaseDelay = 30 * time.Second
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 5 * time.Second
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 100
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Worker is one delivery loop. Several may share a queue.
type Worker struct {
	store   Store
	queue   Queue
	sender  Sender
	secrets secrets.Resolver
	cfg     Config
	logger  *logging.Logger
	now     func() time.Time
}

// New wires a worker.
func New(s Store, q Queue, sender Sender, resolver secrets.Resolver, cfg Config, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.New("convhook-worker")
	}
	return &Worker{
		store:   s,
		queue:   q,
		sender:  sender,
		secrets: resolver,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// Run loops until ctx is cancelled. A cancelled context ends the loop after
// the current iteration, including any in-flight provider call.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Plain().WithFields(map[string]any{
		"max_attempts": w.cfg.Policy.MaxAttempts,
		"base_delay":   w.cfg.Policy.BaseDelay.String(),
		"pop_timeout":  w.cfg.PopTimeout.String(),
	}).Info("delivery worker started")

	for ctx.Err() == nil {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Plain().WithError(err).Error("worker iteration failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	w.logger.Plain().Info("delivery worker stopped")
	return nil
}

// RunOnce promotes due retries, waits up to PopTimeout for one id and
// processes it. It reports whether an id was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	// Queue calls are detached from ctx so a stop signal never abandons an
	// id between the pop and its processing.
	qctx := context.WithoutCancel(ctx)

	promoted, err := w.queue.PromoteDue(qctx, w.now(), w.cfg.PromoteBatch)
	if err != nil {
		return false, fmt.Errorf("promote retries: %w", err)
	}
	if len(promoted) > 0 {
		w.logger.Plain().WithField("count", len(promoted)).Debug("promoted due retries")
	}

	id, ok, err := w.queue.PopPending(qctx, w.cfg.PopTimeout)
	if err != nil {
		return false, fmt.Errorf("pop pending: %w", err)
	}
	if !ok {
		return false, nil
	}
	_, err = w.Process(qctx, id)
	return true, err
}

// Process delivers one log and returns its resulting status. Delivery
// failures are recorded on the log, not returned; the error is reserved for
// infrastructure failures.
func (w *Worker) Process(ctx context.Context, id string) (status delivery.Status, err error) {
	// Registered first so it runs after the claim is released; another
	// worker popping the id must be able to claim it.
	defer func() {
		if errors.Is(err, errRetryNotScheduled) {
			w.pushUnscheduled(context.WithoutCancel(ctx), id)
		}
	}()

	claimed, err := w.queue.Claim(ctx, id, w.cfg.ClaimTTL)
	switch {
	case err != nil:
		w.logger.Plain().WithDelivery(id).WithError(err).Warn("claim failed, processing unclaimed")
	case !claimed:
		w.logger.Plain().WithDelivery(id).Info("delivery already claimed, skipping")
		return "", nil
	default:
		defer func() { _ = w.queue.Release(context.WithoutCancel(ctx), id) }()
	}

	l, err := w.store.GetLog(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Plain().WithDelivery(id).Error("delivery log not found, dropping id")
		return "", nil
	}
	if err != nil {
		w.park(ctx, id, err)
		return "", err
	}
	if l.Status.Terminal() {
		w.logger.Plain().WithDelivery(id).WithField("status", l.Status).Info("delivery already terminal, skipping")
		return l.Status, nil
	}

	ctx, span := tracing.StartSpan(ctx, "worker.deliver",
		attribute.String("delivery_id", l.ID),
		attribute.String("company_id", l.CompanyID),
		attribute.String("destination_id", l.DestinationID),
		attribute.String("event_name", l.EventName),
		attribute.Int("attempt", l.Attempts+1),
	)
	defer span.End()

	status, err = w.deliver(ctx, l)
	span.SetAttributes(attribute.String("delivery.status", string(status)))
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	return status, err
}

func (w *Worker) deliver(ctx context.Context, l delivery.Log) (delivery.Status, error) {
	dest, err := w.store.GetDestination(ctx, l.CompanyID, l.DestinationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		w.park(ctx, l.ID, err)
		return l.Status, err
	}
	if errors.Is(err, store.ErrNotFound) || !dest.Active {
		return w.fail(ctx, l, CodeDestinationUnavailable, fmt.Sprintf("destination %s missing or inactive", l.DestinationID))
	}

	cred, err := w.secrets.Decrypt(ctx, dest.EncryptedCredential)
	if err != nil {
		return w.fail(ctx, l, CodeCredentialError, err.Error())
	}
	if cred.TestEventCode == "" {
		cred.TestEventCode = w.cfg.TestEventCode
	}

	var ev capi.Event
	if err := json.Unmarshal(l.EventPayload, &ev); err != nil {
		return w.fail(ctx, l, CodePayloadInvalid, err.Error())
	}
	ev.EventTime = l.EventTime.Unix()
	if ev.EventSourceURL == "" {
		ev.EventSourceURL = dest.SourceURL()
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()
	tracing.AddSpanEvent(ctx, "capi.send")
	start := w.now()
	res, sendErr := w.sender.SendEvents(sendCtx, l.DestinationID, cred, []capi.Event{ev})
	latency := time.Since(start)
	at := w.now()

	if sendErr == nil {
		attempt := delivery.Attempt{At: at, HTTPStatus: http.StatusOK, ProviderTraceID: res.TraceID}
		attempts := l.Attempts + 1
		if err := w.store.UpdateStatus(ctx, store.StatusUpdate{ID: l.ID, Status: delivery.StatusSent, Attempts: attempts, Attempt: attempt}); err != nil {
			return w.updateFailed(ctx, l, delivery.StatusSent, err)
		}
		metrics.RecordDelivery(string(delivery.StatusSent), latency)
		w.logger.WithContext(ctx).WithDelivery(l.ID).WithCompany(l.CompanyID).WithDestination(l.DestinationID).
			WithFields(map[string]any{
				"attempts":        attempts,
				"events_received": res.EventsReceived,
				"latency_ms":      latency.Milliseconds(),
			}).Info("delivery sent")
		return delivery.StatusSent, nil
	}

	status := capi.StatusOf(sendErr)
	reason := delivery.ClassifyReason(sendErr, status)
	code := reason
	if status > 0 {
		code = fmt.Sprintf("http_%d", status)
	}
	var traceID string
	var apiErr *capi.APIError
	if errors.As(sendErr, &apiErr) {
		traceID = apiErr.TraceID
	}
	d := w.cfg.Policy.OnFailure(l.Attempts, delivery.IsRetryable(status), at)
	attempt := delivery.Attempt{At: at, HTTPStatus: status, ErrorCode: code, ErrorMessage: sendErr.Error(), ProviderTraceID: traceID}

	return w.apply(ctx, l, d, attempt, reason, latency)
}

// fail moves l straight to failed for a problem no retry can fix.
func (w *Worker) fail(ctx context.Context, l delivery.Log, code, msg string) (delivery.Status, error) {
	at := w.now()
	d := w.cfg.Policy.OnFailure(l.Attempts, false, at)
	return w.apply(ctx, l, d, delivery.Attempt{At: at, ErrorCode: code, ErrorMessage: msg}, code, 0)
}

func (w *Worker) apply(ctx context.Context, l delivery.Log, d delivery.Decision, a delivery.Attempt, reason string, latency time.Duration) (delivery.Status, error) {
	u := store.StatusUpdate{ID: l.ID, Status: d.Status, Attempts: d.Attempts, Attempt: a}
	entry := w.logger.WithContext(ctx).WithDelivery(l.ID).WithCompany(l.CompanyID).WithDestination(l.DestinationID).
		WithFields(map[string]any{
			"attempts":    d.Attempts,
			"http_status": a.HTTPStatus,
			"error_code":  a.ErrorCode,
			"reason":      reason,
		})

	if d.Status == delivery.StatusRetrying {
		u.NextRetryAt = &d.RetryAt
		// The id is parked before the row says retrying: a retrying row
		// must always have its id in a queue structure.
		if err := w.queue.ScheduleRetry(ctx, l.ID, d.RetryAt); err != nil {
			entry.WithError(err).Error("retry scheduling failed, falling back to pending")
			if uerr := w.store.UpdateStatus(ctx, u); uerr != nil && !errors.Is(uerr, store.ErrStaleTransition) {
				entry.WithField("update_error", uerr.Error()).Error("recording retrying status failed")
			}
			return d.Status, fmt.Errorf("%w: %w", errRetryNotScheduled, err)
		}
	}

	if err := w.store.UpdateStatus(ctx, u); err != nil {
		return w.updateFailed(ctx, l, d.Status, err)
	}
	metrics.RecordDelivery(string(d.Status), latency)

	if d.Status == delivery.StatusRetrying {
		tracing.AddSpanEvent(ctx, "delivery.retry_scheduled", attribute.String("retry_at", d.RetryAt.Format(time.RFC3339)))
		metrics.RecordRetry(reason)
		entry.WithField("retry_at", d.RetryAt.UTC().Format(time.RFC3339)).Warn("delivery failed, retry scheduled")
		return d.Status, nil
	}

	l.Status = d.Status
	l.Attempts = d.Attempts
	l.HTTPStatus = a.HTTPStatus
	l.ErrorCode = a.ErrorCode
	l.ErrorMessage = a.ErrorMessage
	dlReason := fmt.Sprintf("%s after %d attempt(s)", reason, d.Attempts)
	tracing.AddSpanEvent(ctx, "delivery.dead_lettered")
	metrics.RecordDLQ(reason)
	if err := w.queue.AppendDeadLetter(ctx, delivery.NewDeadLetter(l, dlReason)); err != nil {
		entry.WithError(err).Error("dead letter append failed")
		return d.Status, err
	}
	entry.Error("delivery failed permanently")
	return d.Status, nil
}

// pushUnscheduled puts id back on the pending list when its retry could not
// be scheduled. The next attempt comes early instead of never.
func (w *Worker) pushUnscheduled(ctx context.Context, id string) {
	entry := w.logger.WithContext(ctx).WithDelivery(id)
	if err := w.queue.PushPending(ctx, id); err != nil {
		entry.WithError(err).Error("could not requeue delivery, id is in no queue")
		return
	}
	entry.Warn("retry unscheduled, delivery pushed back to pending")
}

// updateFailed handles a status write that did not land. A stale transition
// means another worker already finished the log; anything else parks the id
// in the retry set so the row is not orphaned.
func (w *Worker) updateFailed(ctx context.Context, l delivery.Log, target delivery.Status, err error) (delivery.Status, error) {
	if errors.Is(err, store.ErrStaleTransition) {
		w.logger.WithContext(ctx).WithDelivery(l.ID).WithField("target", target).Warn("delivery log changed underneath, transition skipped")
		return "", nil
	}
	w.park(ctx, l.ID, err)
	return l.Status, fmt.Errorf("record %s: %w", target, err)
}

// park re-schedules id one base delay from now after an infrastructure error.
func (w *Worker) park(ctx context.Context, id string, cause error) {
	eta := w.now().Add(w.cfg.Policy.BaseDelay)
	entry := w.logger.WithContext(ctx).WithDelivery(id).WithError(cause)
	if err := w.queue.ScheduleRetry(ctx, id, eta); err != nil {
		entry.WithField("park_error", err.Error()).Error("could not park delivery after store error")
		return
	}
	entry.Warn("store error, delivery parked for retry")
}
