package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every message crossing a broker boundary. ID is stable per
// event so redelivered copies deduplicate on the consumer side; Sequence is
// the event's position in its RFQ's stream (0 for events outside one).
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	RFQID         string          `json:"rfq_id,omitempty"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Sequence      uint64          `json:"sequence"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

func NewUUID() uuid.UUID {
	return uuid.New()
}
