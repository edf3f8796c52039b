package delivery

import "time"

const DLQType = "delivery.dlq"

// DeadLetter is the summary appended to the dead-letter list when a log
// reaches the failed state.
type DeadLetter struct {
	Type            string `json:"type"`    // "delivery.dlq"
	Version         string `json:"version"` // schema version
	At              string `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason          string `json:"reason"`  // human/debug text
	DeliveryID      string `json:"delivery_id"`
	CompanyID       string `json:"company_id"`
	DestinationID   string `json:"destination_id"`
	EventName       string `json:"event_name"`
	SourceEventType string `json:"source_event_type"`
	SourceEntityID  string `json:"source_entity_id"`
	Attempts        int    `json:"attempts"`
	HTTPStatus      int    `json:"http_status,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

// NewDeadLetter builds the DLQ summary from the log's final state.
func NewDeadLetter(l Log, reason string) DeadLetter {
	return DeadLetter{
		Type:            DLQType,
		Version:         "v1",
		At:              time.Now().UTC().Format(time.RFC3339Nano),
		Reason:          reason,
		DeliveryID:      l.ID,
		CompanyID:       l.CompanyID,
		DestinationID:   l.DestinationID,
		EventName:       l.EventName,
		SourceEventType: l.SourceEventType,
		SourceEntityID:  l.SourceEntityID,
		Attempts:        l.Attempts,
		HTTPStatus:      l.HTTPStatus,
		ErrorCode:       l.ErrorCode,
		LastError:       l.ErrorMessage,
	}
}
