package delivery

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a delivery log.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Source event types the translator subscribes to.
const (
	SourceLeadCreated    = "lead.created"
	SourceLeadQualified  = "lead.qualified"
	SourceContractSigned = "contract.signed"
)

// IdempotencyKey identifies a delivery log uniquely. A second translation of
// the same key must never produce a second row.
type IdempotencyKey struct {
	CompanyID       string `json:"company_id"`
	SourceEventType string `json:"source_event_type"`
	SourceEntityID  string `json:"source_entity_id"`
	EventName       string `json:"event_name"`
}

// Log is one row of the delivery_logs table: the audit trail of a single
// provider event and every attempt made to deliver it.
type Log struct {
	ID              string          `json:"id"`
	CompanyID       string          `json:"company_id"`
	DestinationID   string          `json:"destination_id"` // external pixel/account id
	EventName       string          `json:"event_name"`
	SourceEventType string          `json:"source_event_type"`
	SourceEntityID  string          `json:"source_entity_id"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	EventTime       time.Time       `json:"event_time"`
	EventPayload    json.RawMessage `json:"event_payload"` // immutable once inserted
	Status          Status          `json:"status"`
	Attempts        int             `json:"attempts"`
	LastAttemptAt   *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	HTTPStatus      int             `json:"http_status,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ProviderTraceID string          `json:"provider_trace_id,omitempty"`
	SentAt          *time.Time      `json:"sent_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Key returns the idempotency tuple of the log.
func (l Log) Key() IdempotencyKey {
	return IdempotencyKey{
		CompanyID:       l.CompanyID,
		SourceEventType: l.SourceEventType,
		SourceEntityID:  l.SourceEntityID,
		EventName:       l.EventName,
	}
}

// Attempt is the outcome of one call to the provider, as the worker records it.
type Attempt struct {
	At              time.Time
	HTTPStatus      int
	ErrorCode       string
	ErrorMessage    string
	ProviderTraceID string
}
