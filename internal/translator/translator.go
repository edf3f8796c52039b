// Package translator turns domain events into provider conversion events and
// records each one exactly once as a pending delivery log.
package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/conversion_hook/internal/capi"
	"github.com/austindbirch/conversion_hook/internal/delivery"
	"github.com/austindbirch/conversion_hook/internal/events"
	"github.com/austindbirch/conversion_hook/internal/logging"
	"github.com/austindbirch/conversion_hook/internal/metrics"
	"github.com/austindbirch/conversion_hook/internal/pii"
	"github.com/austindbirch/conversion_hook/internal/store"
	"github.com/austindbirch/conversion_hook/internal/tracing"
)

// Provider event names.
const (
	EventLead          = "Lead"
	EventQualifiedLead = "QualifiedLead"
	EventPurchase      = "Purchase"
)

// DefaultCurrency applies when neither the event nor the contract carries one.
const DefaultCurrency = "BRL"

// Outcome summarizes what Translate did with an event.
type Outcome string

const (
	OutcomeEnqueued  Outcome = "enqueued"  // new log, pushed
	OutcomeRequeued  Outcome = "requeued"  // existing non-terminal log, moved to pending
	OutcomeDuplicate Outcome = "duplicate" // existing terminal log, nothing done
	OutcomeDropped   Outcome = "dropped"   // not routable, nothing done
	OutcomeError     Outcome = "error"
)

// eventIDNamespace seeds the UUIDv5 provider event ids.
var eventIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/austindbirch/conversion_hook/capi-event"))

// EventID is the provider-side idempotency key for one translation. It depends
// only on what is being reported, so replays produce the same id.
func EventID(sourceType, entityID, eventName string) string {
	return uuid.NewSHA1(eventIDNamespace, []byte(sourceType+"|"+entityID+"|"+eventName)).String()
}

// Store is what the translator reads and writes.
type Store interface {
	GetLead(ctx context.Context, companyID, leadID string) (store.Lead, error)
	GetContract(ctx context.Context, companyID, contractID string) (store.Contract, error)
	DestinationForLead(ctx context.Context, l store.Lead) (store.Destination, error)
	InsertLog(ctx context.Context, l *delivery.Log) error
	GetLogByKey(ctx context.Context, k delivery.IdempotencyKey) (delivery.Log, error)
}

// Queue receives the ids of logs ready for delivery. Requeue moves an id
// that may already sit in the retry set or the pending list so it ends up
// in the pending list exactly once.
type Queue interface {
	PushPending(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) error
}

// errDrop marks an event that is not routable. It is not a failure.
var errDrop = errors.New("not routable")

func drop(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errDrop, fmt.Sprintf(format, args...))
}

// draft is the event-specific part of a translation.
type draft struct {
	eventName string
	entityID  string
	lead      store.Lead
	custom    map[string]any
}

type translateFunc func(ctx context.Context, env events.Envelope) (draft, error)

// Translator dispatches each subscribed event type to its builder.
type Translator struct {
	store    Store
	queue    Queue
	hasher   *pii.Hasher
	logger   *logging.Logger
	handlers map[events.Type]translateFunc
}

// New wires a translator. A nil hasher uses the default country codes.
func New(s Store, q Queue, hasher *pii.Hasher, logger *logging.Logger) *Translator {
	if hasher == nil {
		hasher = pii.NewHasher(pii.DefaultCountryCodes)
	}
	if logger == nil {
		logger = logging.New("convhook-translator")
	}
	t := &Translator{store: s, queue: q, hasher: hasher, logger: logger}
	t.handlers = map[events.Type]translateFunc{
		events.LeadCreated:    t.leadCreated,
		events.LeadQualified:  t.leadQualified,
		events.ContractSigned: t.contractSigned,
	}
	return t
}

// Handle implements events.Handler.
func (t *Translator) Handle(ctx context.Context, env events.Envelope) error {
	_, err := t.Translate(ctx, env)
	return err
}

// Translate records env as a delivery log and enqueues it. Unroutable events
// are dropped with a warning and a nil error.
func (t *Translator) Translate(ctx context.Context, env events.Envelope) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "translator.translate",
		attribute.String("event_id", env.ID),
		attribute.String("event_type", string(env.Type)),
		attribute.String("company_id", env.CompanyID),
	)
	defer span.End()

	outcome, logID, err := t.translate(ctx, env)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	metrics.RecordTranslation(string(env.Type), string(outcome))

	entry := t.logger.WithContext(ctx).WithEvent(env.ID).WithCompany(env.CompanyID).WithField("event_type", env.Type)
	switch {
	case errors.Is(err, errDrop):
		entry.WithField("reason", strings.TrimPrefix(err.Error(), errDrop.Error()+": ")).Warn("event dropped")
		return OutcomeDropped, nil
	case err != nil:
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).Error("event translation failed")
		return OutcomeError, err
	}
	entry.WithDelivery(logID).WithField("outcome", outcome).Info("event translated")
	return outcome, nil
}

func (t *Translator) translate(ctx context.Context, env events.Envelope) (Outcome, string, error) {
	fn, ok := t.handlers[env.Type]
	if !ok {
		return OutcomeDropped, "", drop("unsubscribed event type %q", env.Type)
	}
	d, err := fn(ctx, env)
	if err != nil {
		return outcomeFor(err), "", err
	}

	dest, err := t.store.DestinationForLead(ctx, d.lead)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeDropped, "", drop("no destination for lead %s", d.lead.ID)
	}
	if err != nil {
		return OutcomeError, "", fmt.Errorf("load destination: %w", err)
	}
	if !dest.Active {
		return OutcomeDropped, "", drop("destination %s is inactive", dest.PixelID)
	}

	ev := capi.Event{
		EventName:      d.eventName,
		EventTime:      env.OccurredAt.Unix(),
		EventID:        EventID(string(env.Type), d.entityID, d.eventName),
		ActionSource:   capi.ActionSource,
		EventSourceURL: dest.SourceURL(),
		UserData:       t.userData(d.lead),
		CustomData:     d.custom,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return OutcomeError, "", fmt.Errorf("marshal provider event: %w", err)
	}

	l := delivery.Log{
		CompanyID:       env.CompanyID,
		DestinationID:   dest.PixelID,
		EventName:       d.eventName,
		SourceEventType: string(env.Type),
		SourceEntityID:  d.entityID,
		CorrelationID:   env.CorrelationID,
		EventTime:       env.OccurredAt,
		EventPayload:    payload,
	}

	outcome := OutcomeEnqueued
	err = t.store.InsertLog(ctx, &l)
	if errors.Is(err, store.ErrDuplicate) {
		tracing.AddSpanEvent(ctx, "delivery_log.duplicate")
		existing, gerr := t.store.GetLogByKey(ctx, l.Key())
		if gerr != nil {
			return OutcomeError, "", fmt.Errorf("reload duplicate delivery log: %w", gerr)
		}
		if existing.Status.Terminal() {
			return OutcomeDuplicate, existing.ID, nil
		}
		l.ID = existing.ID
		outcome = OutcomeRequeued
	} else if err != nil {
		return OutcomeError, "", err
	}

	enqueue := t.queue.PushPending
	if outcome == OutcomeRequeued {
		enqueue = t.queue.Requeue
	}
	if err := enqueue(ctx, l.ID); err != nil {
		return OutcomeError, l.ID, err
	}
	return outcome, l.ID, nil
}

func outcomeFor(err error) Outcome {
	if errors.Is(err, errDrop) {
		return OutcomeDropped
	}
	return OutcomeError
}

func (t *Translator) userData(l store.Lead) pii.UserData {
	ud := t.hasher.UserData(pii.Contact{
		Email:       l.Email,
		Phone:       l.Phone,
		Name:        l.Name,
		Fingerprint: l.Fingerprint,
		LeadID:      l.ID,
	})
	ud.ClientIP = l.ClientIP
	ud.UserAgent = l.UserAgent
	ud.FBC = l.FBC
	ud.FBP = l.FBP
	return ud
}

func (t *Translator) loadLead(ctx context.Context, companyID, leadID string) (store.Lead, error) {
	if leadID == "" {
		return store.Lead{}, drop("event has no lead id")
	}
	lead, err := t.store.GetLead(ctx, companyID, leadID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Lead{}, drop("lead %s not found", leadID)
	}
	if err != nil {
		return store.Lead{}, fmt.Errorf("load lead: %w", err)
	}
	return lead, nil
}

func attribution(l store.Lead) map[string]any {
	custom := map[string]any{}
	set := func(k, v string) {
		if v != "" {
			custom[k] = v
		}
	}
	set("utm_source", l.UTMSource)
	set("utm_medium", l.UTMMedium)
	set("utm_campaign", l.UTMCampaign)
	set("campaign_id", l.CampaignID)
	set("ad_id", l.AdID)
	return custom
}

func (t *Translator) leadCreated(ctx context.Context, env events.Envelope) (draft, error) {
	var p events.LeadCreatedPayload
	if err := env.DecodePayload(&p); err != nil {
		return draft{}, drop("%v", err)
	}
	lead, err := t.loadLead(ctx, env.CompanyID, p.LeadID)
	if err != nil {
		return draft{}, err
	}
	return draft{eventName: EventLead, entityID: lead.ID, lead: lead, custom: attribution(lead)}, nil
}

func (t *Translator) leadQualified(ctx context.Context, env events.Envelope) (draft, error) {
	var p events.LeadQualifiedPayload
	if err := env.DecodePayload(&p); err != nil {
		return draft{}, drop("%v", err)
	}
	lead, err := t.loadLead(ctx, env.CompanyID, p.LeadID)
	if err != nil {
		return draft{}, err
	}
	custom := attribution(lead)
	custom["lead_score"] = p.Score
	if len(p.Criteria) > 0 {
		custom["qualification_criteria"] = p.Criteria
	}
	return draft{eventName: EventQualifiedLead, entityID: lead.ID, lead: lead, custom: custom}, nil
}

func (t *Translator) contractSigned(ctx context.Context, env events.Envelope) (draft, error) {
	var p events.ContractSignedPayload
	if err := env.DecodePayload(&p); err != nil {
		return draft{}, drop("%v", err)
	}
	if p.ContractID == "" {
		return draft{}, drop("event has no contract id")
	}
	contract, err := t.store.GetContract(ctx, env.CompanyID, p.ContractID)
	if errors.Is(err, store.ErrNotFound) {
		return draft{}, drop("contract %s not found", p.ContractID)
	}
	if err != nil {
		return draft{}, fmt.Errorf("load contract: %w", err)
	}
	lead, err := t.loadLead(ctx, env.CompanyID, contract.LeadID)
	if err != nil {
		return draft{}, err
	}

	value := contract.Value
	if p.Value != nil {
		value = *p.Value
	}
	currency := firstNonEmpty(p.Currency, contract.Currency, DefaultCurrency)

	custom := attribution(lead)
	custom["value"] = value
	custom["currency"] = strings.ToUpper(currency)
	if contract.TemplateName != "" {
		custom["content_name"] = contract.TemplateName
	}
	return draft{eventName: EventPurchase, entityID: contract.ID, lead: lead, custom: custom}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
