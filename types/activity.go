package types

import (
	"time"

	"github.com/google/uuid"
)

// Activity types published on the activity channel.
const (
	ActivityEventCreated    = "event.created"
	ActivityEventUpdated    = "event.updated"
	ActivityEventDeleted    = "event.deleted"
	ActivityEventRegistered = "event.registered"
)

// Activity records a mutation of an event for downstream consumers.
type Activity struct {
	Type       string    `json:"type"`
	EventID    uuid.UUID `json:"eventId"`
	UserID     uuid.UUID `json:"userId"`
	OccurredAt time.Time `json:"occurredAt"`
}
