package redis

import (
	"fmt"
)

// Key builders for the persisted state layout. Every key is prefixed with
// the tenant's orgId; cross-tenant reads are impossible by construction as
// long as callers derive the orgId from the principal.

// KeyEvents is the per-tenant event stream.
func KeyEvents(orgID string) string {
	return fmt.Sprintf("events:%s", orgID)
}

// KeyChannelEvents is the per-channel event stream within a tenant.
func KeyChannelEvents(orgID, channel string) string {
	return fmt.Sprintf("events:%s:%s", orgID, channel)
}

// KeyTimeline is the per-tenant sorted set indexing event ids by createdAt.
// Kept outside the events: prefix so it can never collide with a channel
// stream name.
func KeyTimeline(orgID string) string {
	return fmt.Sprintf("timeline:%s", orgID)
}

// KeyFanout is the pub/sub channel for real-time notification of appends.
func KeyFanout(orgID, channel string) string {
	return fmt.Sprintf("apix:channels:%s:%s", orgID, channel)
}

// PatternFanout matches every tenant fanout channel.
func PatternFanout() string {
	return "apix:channels:*"
}

// KeySequence is the per-tenant monotonic sequence counter.
func KeySequence(orgID string) string {
	return fmt.Sprintf("seq:%s", orgID)
}

// KeyDedup marks an (eventType, checksum) as seen within the dedup window.
func KeyDedup(orgID, eventType, checksum string) string {
	return fmt.Sprintf("dedup:%s:%s:%s", orgID, eventType, checksum)
}

// KeyOrder tracks the last processed sequence per session.
func KeyOrder(orgID, sessionID string) string {
	return fmt.Sprintf("order:%s:%s", orgID, sessionID)
}

// KeyAudit stores one audit record.
func KeyAudit(orgID, auditID string) string {
	return fmt.Sprintf("audit:%s:%s", orgID, auditID)
}

// KeyAuditTimeline is the per-tenant audit sorted set, scored by timestamp.
func KeyAuditTimeline(orgID string) string {
	return fmt.Sprintf("audit:%s:timeline", orgID)
}

// KeyAuditAlerts is the pub/sub channel for real-time security alerts.
func KeyAuditAlerts(orgID string) string {
	return fmt.Sprintf("apix:audit:%s:alerts", orgID)
}

// PatternAlerts matches every tenant alert channel.
func PatternAlerts() string {
	return "apix:audit:*:alerts"
}

// KeyAuditAnomaly tracks recent HIGH/CRITICAL record ids per user for the
// anomaly detector. Audit ids are UUIDs, so the literal "anomaly" segment
// cannot collide with a record key.
func KeyAuditAnomaly(orgID, userID string) string {
	return fmt.Sprintf("audit:%s:anomaly:%s", orgID, userID)
}

// KeyEndpoint stores one delivery endpoint configuration.
func KeyEndpoint(orgID, endpointID string) string {
	return fmt.Sprintf("endpoints:%s:%s", orgID, endpointID)
}

// PatternEndpoints matches every endpoint of a tenant, for listing scans.
func PatternEndpoints(orgID string) string {
	return fmt.Sprintf("endpoints:%s:*", orgID)
}

// KeyReceipt stores one delivery receipt.
func KeyReceipt(orgID, receiptID string) string {
	return fmt.Sprintf("receipts:%s:%s", orgID, receiptID)
}

// KeyIdempotency proves an (event, endpoint) pair has been delivered.
func KeyIdempotency(orgID, eventID, endpointID string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", orgID, eventID, endpointID)
}

// KeyDLQ is the per-tenant dead-letter stream.
func KeyDLQ(orgID string) string {
	return fmt.Sprintf("dlq:%s", orgID)
}

// KeyDLQDone is the companion set tombstoning resolved DLQ entries.
func KeyDLQDone(orgID string) string {
	return fmt.Sprintf("dlq:%s:done", orgID)
}

// KeyReplayAttempt stores the receipt-like outcome of one replayed event.
func KeyReplayAttempt(orgID, replayID, eventID string) string {
	return fmt.Sprintf("replay:%s:%s:%s", orgID, replayID, eventID)
}

// PatternReplayAttempts matches every attempt row of one replay job.
func PatternReplayAttempts(orgID, replayID string) string {
	return fmt.Sprintf("replay:%s:%s:*", orgID, replayID)
}

// KeyQuotaAPICalls counts API calls in one hour bucket.
func KeyQuotaAPICalls(orgID string, hourEpoch int64) string {
	return fmt.Sprintf("quota:%s:api_calls:%d", orgID, hourEpoch)
}

// KeyQuotaWSMessages counts session messages in one minute bucket.
func KeyQuotaWSMessages(orgID string, minEpoch int64) string {
	return fmt.Sprintf("quota:%s:ws_messages:%d", orgID, minEpoch)
}

// KeyQuotaUsage tracks a named resource count (sessions, endpoints, ...).
func KeyQuotaUsage(orgID, resource string) string {
	return fmt.Sprintf("quota:%s:usage:%s", orgID, resource)
}

// KeySubscriptions is the per-tenant subscription hash, id -> record.
func KeySubscriptions(orgID string) string {
	return fmt.Sprintf("subs:%s", orgID)
}

// KeySubscriptionsByUser indexes subscription ids per user.
func KeySubscriptionsByUser(orgID, userID string) string {
	return fmt.Sprintf("subs:%s:user:%s", orgID, userID)
}

// KeySubscriptionsByChannel indexes subscription ids per channel.
func KeySubscriptionsByChannel(orgID, channel string) string {
	return fmt.Sprintf("subs:%s:channel:%s", orgID, channel)
}
