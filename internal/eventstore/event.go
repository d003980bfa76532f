// Package eventstore is the append-only per-aggregate event log: every
// command that changes aggregate state emits events here, versioned per
// stream and globally ordered for projections.
package eventstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable, versioned, tenant-scoped fact about an aggregate.
type Event struct {
	EventID          uuid.UUID
	GlobalPosition   int64
	AggregateID      uuid.UUID
	AggregateType    string
	AggregateVersion int
	EventType        string
	TenantID         *uuid.UUID
	ActorID          *uuid.UUID
	OccurredAt       time.Time
	Payload          json.RawMessage
}

// NewEvent constructs an Event ready to append, assigning a fresh EventID
// and the current UTC timestamp. AggregateVersion and GlobalPosition are
// assigned by the store on append.
func NewEvent(aggregateID uuid.UUID, aggregateType, eventType string, tenantID *uuid.UUID, payload json.RawMessage) Event {
	return Event{
		EventID:       uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		TenantID:      tenantID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}
