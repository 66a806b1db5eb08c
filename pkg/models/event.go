package models

import (
	"time"
)

// EventPriority orders events for backpressure and filter decisions.
type EventPriority string

const (
	PriorityLow      EventPriority = "LOW"
	PriorityNormal   EventPriority = "NORMAL"
	PriorityHigh     EventPriority = "HIGH"
	PriorityCritical EventPriority = "CRITICAL"
	PriorityUrgent   EventPriority = "URGENT"
)

// priorityRanks defines the numeric order LOW < NORMAL < HIGH < CRITICAL < URGENT.
var priorityRanks = map[EventPriority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
	PriorityUrgent:   4,
}

// Rank returns the numeric rank of a priority. Unknown values rank as NORMAL.
func (p EventPriority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return priorityRanks[PriorityNormal]
}

// Valid reports whether p is a known priority value.
func (p EventPriority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

// EventStatus tracks an event's processing state.
type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventProcessing EventStatus = "PROCESSING"
	EventCompleted  EventStatus = "COMPLETED"
	EventFailed     EventStatus = "FAILED"
	EventCancelled  EventStatus = "CANCELLED"
	EventRetrying   EventStatus = "RETRYING"
)

// Event is the canonical record moving through the gateway. The durable log
// owns the authoritative copy; router and gateway hold read-only snapshots.
type Event struct {
	ID             string        `json:"id"`
	OrgID          string        `json:"orgId"`
	UserID         *string       `json:"userId,omitempty"`
	SessionID      *string       `json:"sessionId,omitempty"`
	EventType      string        `json:"eventType"`
	Channel        string        `json:"channel"`
	Payload        JSONB         `json:"payload"`
	SequenceNumber int64         `json:"sequenceNumber"`
	Checksum       string        `json:"checksum,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Priority       EventPriority `json:"priority"`
	Status         EventStatus   `json:"status"`
	Acknowledgment bool          `json:"acknowledgment"`
	RetryCount     int           `json:"retryCount"`
	Metadata       JSONB         `json:"metadata,omitempty"`
}
