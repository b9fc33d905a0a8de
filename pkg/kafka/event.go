package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope of every message the service publishes or consumes.
// Data holds the type-specific payload; Version is the envelope schema.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	Version       int               `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType, aggregateID, aggregateType, source string, data any) (*Event, error) {
	return NewEventAt(time.Now(), eventType, aggregateID, aggregateType, source, data)
}

// NewEventAt is NewEvent with an explicit occurrence time, used when the
// caller's clock is injected.
func NewEventAt(at time.Time, eventType, aggregateID, aggregateType, source string, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return &Event{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       1,
		Timestamp:     at.UTC(),
		Source:        source,
		Data:          dataBytes,
		Metadata:      make(map[string]string),
	}, nil
}

// WithCorrelationID sets the correlation ID on the event.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithMetadata adds a key-value pair to the event metadata.
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Marshal serializes the event to JSON bytes.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes an envelope. Envelopes without an ID or type are
// rejected since idempotent handlers key on the ID.
func UnmarshalEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if event.EventID == "" || event.EventType == "" {
		return nil, fmt.Errorf("decode event envelope: missing event_id or event_type")
	}
	return &event, nil
}

// UnmarshalData decodes the payload into target.
func (e *Event) UnmarshalData(target any) error {
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}
