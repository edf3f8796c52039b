// Package events carries domain events between the platform and the
// translator: a JSON envelope with typed payloads, published to and consumed
// from an NSQ topic.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names a domain event.
type Type string

const (
	LeadCreated    Type = "lead.created"
	LeadQualified  Type = "lead.qualified"
	ContractSigned Type = "contract.signed"
)

// Types lists every subscribed event type.
var Types = []Type{LeadCreated, LeadQualified, ContractSigned}

// Known reports whether t is a subscribed event type.
func (t Type) Known() bool {
	for _, k := range Types {
		if t == k {
			return true
		}
	}
	return false
}

// Envelope is the wire shape of every domain event.
type Envelope struct {
	ID            string            `json:"id"`
	Type          Type              `json:"type"`
	OccurredAt    time.Time         `json:"occurred_at"`
	CompanyID     string            `json:"company_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"`
}

// LeadCreatedPayload is the payload of lead.created.
type LeadCreatedPayload struct {
	LeadID string `json:"lead_id"`
}

// LeadQualifiedPayload is the payload of lead.qualified.
type LeadQualifiedPayload struct {
	LeadID   string   `json:"lead_id"`
	Score    float64  `json:"score"`
	Criteria []string `json:"criteria,omitempty"`
}

// ContractSignedPayload is the payload of contract.signed. Value and Currency
// override the stored contract when present.
type ContractSignedPayload struct {
	ContractID string     `json:"contract_id"`
	Value      *float64   `json:"value,omitempty"`
	Currency   string     `json:"currency,omitempty"`
	SignedAt   *time.Time `json:"signed_at,omitempty"`
}

// NewEnvelope wraps payload in a fresh envelope stamped now.
func NewEnvelope(t Type, companyID, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		ID:            uuid.NewString(),
		Type:          t,
		OccurredAt:    time.Now().UTC(),
		CompanyID:     companyID,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// Decode parses and validates an envelope.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the fields every consumer relies on.
func (e Envelope) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if e.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if e.CompanyID == "" {
		errs = append(errs, errors.New("company_id is required"))
	}
	if e.OccurredAt.IsZero() {
		errs = append(errs, errors.New("occurred_at is required"))
	}
	if len(e.Payload) == 0 {
		errs = append(errs, errors.New("payload is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid envelope: %w", errors.Join(errs...))
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
