package models

import (
	"time"
)

// Channel is a logical named stream within a tenant. A session may only join
// channels whose OrgID equals the session's.
type Channel struct {
	ChannelID      string    `json:"channelId"`
	OrgID          string    `json:"orgId"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Permissions    JSONB     `json:"permissions,omitempty"`
	MaxSubscribers *int      `json:"maxSubscribers,omitempty"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Subscription is a persistent (tenant, user, channel) tuple plus a filter
// predicate. Duplicate (orgId, userId, channel) is allowed only when the
// filters differ.
type Subscription struct {
	SubscriptionID string               `json:"subscriptionId"`
	OrgID          string               `json:"orgId"`
	UserID         string               `json:"userId"`
	Channel        string               `json:"channel"`
	Filters        *SubscriptionFilters `json:"filters,omitempty"`
	IsActive       bool                 `json:"isActive"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// SubscriptionFilters is a structured predicate over event fields, evaluated
// with AND semantics across clauses. Filters are data, never code.
type SubscriptionFilters struct {
	EventTypes  []string          `json:"eventTypes,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	MinPriority EventPriority     `json:"minPriority,omitempty"`
}

// Matches evaluates the filter clauses against an event.
func (f *SubscriptionFilters) Matches(event *Event) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == event.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, want := range f.Metadata {
		got, ok := event.Metadata[k]
		if !ok {
			return false
		}
		s, ok := got.(string)
		if !ok || s != want {
			return false
		}
	}
	if f.MinPriority != "" {
		if event.Priority.Rank() < f.MinPriority.Rank() {
			return false
		}
	}
	return true
}
