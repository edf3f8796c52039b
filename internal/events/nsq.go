package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/conversion_hook/internal/logging"
	"github.com/austindbirch/conversion_hook/internal/tracing"
)

// Handler processes one domain event.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Subscriber consumes envelopes from NSQ and hands them to a Handler.
// Malformed messages are finished. A handler error requeues the message with
// a growing delay until MaxAttempts, after which it is finished so one bad
// event cannot stall the channel.
type Subscriber struct {
	consumer     *nsq.Consumer
	handler      Handler
	timeout      time.Duration
	maxAttempts  uint16
	requeueDelay time.Duration
	logger       *logging.Logger
}

// SubscriberConfig tunes the NSQ consumer.
type SubscriberConfig struct {
	Topic        string
	Channel      string
	MaxInFlight  int
	Timeout      time.Duration // per-message handler deadline
	MaxAttempts  int           // deliveries of one message before giving up
	RequeueDelay time.Duration // first requeue delay, grows with each attempt
}

const (
	defaultMaxAttempts  = 5
	defaultRequeueDelay = 5 * time.Second
)

// NewSubscriber creates a consumer bound to h. Call Connect to start it.
func NewSubscriber(cfg SubscriberConfig, h Handler, logger *logging.Logger) (*Subscriber, error) {
	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	s := newSubscriber(h, cfg.Timeout, logger)
	if cfg.MaxAttempts > 0 {
		s.maxAttempts = uint16(cfg.MaxAttempts)
	}
	if cfg.RequeueDelay > 0 {
		s.requeueDelay = cfg.RequeueDelay
	}
	s.consumer = consumer
	consumer.AddHandler(s)
	return s, nil
}

func newSubscriber(h Handler, timeout time.Duration, logger *logging.Logger) *Subscriber {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.New("convhook-events")
	}
	return &Subscriber{
		handler:      h,
		timeout:      timeout,
		maxAttempts:  defaultMaxAttempts,
		requeueDelay: defaultRequeueDelay,
		logger:       logger,
	}
}

// HandleMessage implements nsq.Handler. It always returns nil; failed
// messages are requeued explicitly.
func (s *Subscriber) HandleMessage(m *nsq.Message) error {
	env, err := Decode(m.Body)
	if err != nil {
		s.logger.Plain().WithError(err).WithField("nsq_message_id", string(m.ID[:])).Error("dropping malformed event")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = tracing.ExtractHeaders(ctx, env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "events.consume",
		attribute.String("event_id", env.ID),
		attribute.String("event_type", string(env.Type)),
		attribute.String("company_id", env.CompanyID),
	)
	defer span.End()

	err = s.handler.Handle(ctx, env)
	if err == nil {
		return nil
	}
	tracing.SetSpanError(ctx, err)
	entry := s.logger.WithContext(ctx).
		WithEvent(env.ID).
		WithCompany(env.CompanyID).
		WithField("event_type", env.Type).
		WithField("nsq_attempts", m.Attempts).
		WithError(err)
	if m.Attempts >= s.maxAttempts {
		entry.Error("event handling failed, giving up")
		return nil
	}
	delay := s.requeueDelay * time.Duration(m.Attempts)
	tracing.AddSpanEvent(ctx, "event.requeue", attribute.String("delay", delay.String()))
	entry.WithField("delay", delay.String()).Warn("event handling failed, requeued")
	m.Requeue(delay)
	return nil
}

// Connect attaches the consumer to nsqd directly (so the channel exists before
// the first publish) and to lookupd for discovery. Empty addresses are skipped.
func (s *Subscriber) Connect(nsqdAddr, lookupdAddr string) error {
	if nsqdAddr != "" {
		if err := s.consumer.ConnectToNSQD(nsqdAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if lookupdAddr != "" {
		if err := s.consumer.ConnectToNSQLookupd(lookupdAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return nil
}

// Stop drains in-flight messages and waits for the consumer to exit.
func (s *Subscriber) Stop() {
	s.consumer.Stop()
	<-s.consumer.StopChan
}

// Publisher emits envelopes onto a topic.
type Publisher struct {
	producer *nsq.Producer
	topic    string
}

// NewPublisher connects a producer to nsqd.
func NewPublisher(nsqdAddr, topic string) (*Publisher, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &Publisher{producer: p, topic: topic}, nil
}

// Publish stamps the current trace context on env and publishes it.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	env.TraceHeaders = tracing.InjectHeaders(ctx)
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// Stop closes the producer.
func (p *Publisher) Stop() {
	p.producer.Stop()
}
