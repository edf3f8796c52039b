package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/austindbirch/conversion_hook/internal/logging"
)

func TestNewEnvelopeAndDecode(t *testing.T) {
	env, err := NewEnvelope(LeadQualified, "c1", "corr-1", LeadQualifiedPayload{
		LeadID: "lead-1", Score: 87.5, Criteria: []string{"budget", "timing"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.OccurredAt.IsZero())

	b, err := json.Marshal(env)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, LeadQualified, got.Type)
	assert.Equal(t, "corr-1", got.CorrelationID)

	var p LeadQualifiedPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, "lead-1", p.LeadID)
	assert.Equal(t, 87.5, p.Score)
	assert.Equal(t, []string{"budget", "timing"}, p.Criteria)
}

func TestDecodeRejects(t *testing.T) {
	tests := map[string]string{
		"not json":        `{`,
		"missing id":      `{"type":"lead.created","company_id":"c","occurred_at":"2025-01-01T00:00:00Z","payload":{}}`,
		"missing company": `{"id":"e","type":"lead.created","occurred_at":"2025-01-01T00:00:00Z","payload":{}}`,
		"missing time":    `{"id":"e","type":"lead.created","company_id":"c","payload":{}}`,
		"missing payload": `{"id":"e","type":"lead.created","company_id":"c","occurred_at":"2025-01-01T00:00:00Z"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestTypeKnown(t *testing.T) {
	for _, typ := range Types {
		assert.True(t, typ.Known(), typ)
	}
	assert.False(t, Type("lead.deleted").Known())
}

func TestContractSignedPayloadOptionalFields(t *testing.T) {
	var p ContractSignedPayload
	require.NoError(t, json.Unmarshal([]byte(`{"contract_id":"k1"}`), &p))
	assert.Nil(t, p.Value)
	assert.Nil(t, p.SignedAt)

	require.NoError(t, json.Unmarshal([]byte(`{"contract_id":"k1","value":1500.5,"currency":"BRL","signed_at":"2025-03-01T12:00:00Z"}`), &p))
	require.NotNil(t, p.Value)
	assert.Equal(t, 1500.5, *p.Value)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), p.SignedAt.UTC())
}

// recordingDelegate captures how the subscriber responded to a message.
type recordingDelegate struct {
	finished  int
	requeued  int
	lastDelay time.Duration
}

func (d *recordingDelegate) OnFinish(*nsq.Message) { d.finished++ }
func (d *recordingDelegate) OnRequeue(_ *nsq.Message, delay time.Duration, _ bool) {
	d.requeued++
	d.lastDelay = delay
}
func (d *recordingDelegate) OnTouch(*nsq.Message) {}

func message(t *testing.T, body []byte) (*nsq.Message, *recordingDelegate) {
	t.Helper()
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	m.Attempts = 1
	d := &recordingDelegate{}
	m.Delegate = d
	return m, d
}

func leadCreatedBody(t *testing.T) (Envelope, []byte) {
	t.Helper()
	env, err := NewEnvelope(LeadCreated, "c1", "", LeadCreatedPayload{LeadID: "l1"})
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return env, b
}

func TestSubscriberDispatches(t *testing.T) {
	var got []Envelope
	s := newSubscriber(HandlerFunc(func(ctx context.Context, env Envelope) error {
		got = append(got, env)
		if _, ok := ctx.Deadline(); !ok {
			t.Error("handler context has no deadline")
		}
		return nil
	}), time.Second, logging.NewWithZap("test", zap.NewNop()))

	env, b := leadCreatedBody(t)
	m, d := message(t, b)
	assert.NoError(t, s.HandleMessage(m))
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].ID)
	assert.Zero(t, d.requeued)
}

func TestSubscriberRequeuesHandlerErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := newSubscriber(HandlerFunc(func(context.Context, Envelope) error {
		return errors.New("store down")
	}), time.Second, logging.NewWithZap("test", zap.New(core)))
	s.requeueDelay = 2 * time.Second

	_, b := leadCreatedBody(t)
	m, d := message(t, b)
	m.Attempts = 2
	assert.NoError(t, s.HandleMessage(m))

	assert.Equal(t, 1, d.requeued)
	assert.Equal(t, 4*time.Second, d.lastDelay)
	assert.Zero(t, d.finished)
	assert.Equal(t, 1, logs.FilterMessage("event handling failed, requeued").Len())
}

func TestSubscriberGivesUpAfterMaxAttempts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := newSubscriber(HandlerFunc(func(context.Context, Envelope) error {
		return errors.New("store down")
	}), time.Second, logging.NewWithZap("test", zap.New(core)))

	_, b := leadCreatedBody(t)
	m, d := message(t, b)
	m.Attempts = defaultMaxAttempts
	assert.NoError(t, s.HandleMessage(m))

	assert.Zero(t, d.requeued)
	assert.Equal(t, 1, logs.FilterMessage("event handling failed, giving up").Len())
}

func TestSubscriberDropsMalformed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	called := false
	s := newSubscriber(HandlerFunc(func(context.Context, Envelope) error {
		called = true
		return nil
	}), 0, logging.NewWithZap("test", zap.New(core)))

	m, d := message(t, []byte(`not-json`))
	assert.NoError(t, s.HandleMessage(m))
	assert.False(t, called)
	assert.Zero(t, d.requeued)
	assert.Equal(t, 1, logs.FilterMessage("dropping malformed event").Len())
	assert.Equal(t, 30*time.Second, s.timeout)
}
