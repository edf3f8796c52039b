package capi

import (
	"encoding/json"

	"github.com/austindbirch/conversion_hook/internal/pii"
)

// ActionSource is reported on every event built by this service.
const ActionSource = "system_generated"

// Event is one provider conversion event, as stored in event_payload and
// sent inside the request's data array.
type Event struct {
	EventName      string         `json:"event_name"`
	EventTime      int64          `json:"event_time,omitempty"` // epoch seconds, set at send time
	EventID        string         `json:"event_id"`
	ActionSource   string         `json:"action_source"`
	EventSourceURL string         `json:"event_source_url,omitempty"`
	UserData       pii.UserData   `json:"user_data"`
	CustomData     map[string]any `json:"custom_data,omitempty"`
}

// Credential is the decrypted destination secret.
type Credential struct {
	AccessToken   string `json:"access_token"`
	TestEventCode string `json:"test_event_code,omitempty"`
}

// SendResult is what the provider reports for an accepted request.
type SendResult struct {
	EventsReceived int    `json:"events_received"`
	TraceID        string `json:"fbtrace_id,omitempty"`
}

type requestBody struct {
	Data          []Event `json:"data"`
	TestEventCode string  `json:"test_event_code,omitempty"`
}

type errorBody struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
		TraceID string          `json:"fbtrace_id"`
	} `json:"error"`
}
