package kafka

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncodeDLQMessageExtractsOrgIDFromPayload(t *testing.T) {
	timestamp := time.Date(2025, 6, 5, 12, 30, 0, 0, time.UTC)
	msg := Message{
		Topic:     "apix.events",
		Partition: 2,
		Offset:    42,
		Timestamp: timestamp,
		Key:       []byte("evt-1"),
		Value:     []byte(`{"orgId":"org1","eventType":"order.created"}`),
		Headers: map[string]string{
			"event_type": "order.created",
		},
	}

	payloadBytes, err := EncodeDLQMessage(msg, errors.New("channel name invalid"), "apix-ingest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var payload DLQPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}

	if payload.OrgID != "org1" {
		t.Fatalf("expected orgId org1, got %q", payload.OrgID)
	}
	if payload.Headers["org_id"] != "org1" {
		t.Fatalf("expected org_id header org1, got %q", payload.Headers["org_id"])
	}
	if payload.Headers["event_type"] != "order.created" {
		t.Fatalf("expected event_type header order.created, got %q", payload.Headers["event_type"])
	}
	if payload.Topic != msg.Topic || payload.Partition != msg.Partition || payload.Offset != msg.Offset {
		t.Fatalf("payload topic/partition/offset mismatch")
	}
	if !payload.Timestamp.Equal(timestamp) {
		t.Fatalf("expected timestamp %v, got %v", timestamp, payload.Timestamp)
	}
	if payload.Error == "" {
		t.Fatal("expected error string to be set")
	}
	if payload.Consumer != "apix-ingest" {
		t.Fatalf("expected consumer apix-ingest, got %q", payload.Consumer)
	}

	key, err := base64.StdEncoding.DecodeString(payload.KeyBase64)
	if err != nil {
		t.Fatalf("failed to decode key: %v", err)
	}
	if string(key) != string(msg.Key) {
		t.Fatalf("expected key %q, got %q", string(msg.Key), string(key))
	}

	value, err := payload.Value()
	if err != nil {
		t.Fatalf("failed to decode value: %v", err)
	}
	if string(value) != string(msg.Value) {
		t.Fatalf("expected value %q, got %q", string(msg.Value), string(value))
	}
}

func TestEncodeDLQMessageUsesHeaderOrgID(t *testing.T) {
	msg := Message{
		Topic:     "apix.events",
		Partition: 1,
		Offset:    7,
		Timestamp: time.Now(),
		Value:     []byte("not-json"),
		Headers: map[string]string{
			"org_id": "org2",
		},
	}

	payloadBytes, err := EncodeDLQMessage(msg, errors.New("malformed record"), "apix-ingest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var payload DLQPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}

	if payload.OrgID != "org2" {
		t.Fatalf("expected orgId org2, got %q", payload.OrgID)
	}
	if payload.Headers["org_id"] != "org2" {
		t.Fatalf("expected org_id header org2, got %q", payload.Headers["org_id"])
	}
}

func TestDecodeDLQMessageRoundTrip(t *testing.T) {
	msg := Message{
		Topic:     "apix.events",
		Partition: 0,
		Offset:    3,
		Timestamp: time.Date(2025, 6, 5, 9, 0, 0, 0, time.UTC),
		Value:     []byte(`{"orgId":"org1"}`),
	}

	encoded, err := EncodeDLQMessage(msg, errors.New("validation failed"), "apix-ingest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := DecodeDLQMessage(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.OrgID != "org1" {
		t.Fatalf("expected orgId org1, got %q", decoded.OrgID)
	}
	if decoded.Error != "validation failed" {
		t.Fatalf("expected error string, got %q", decoded.Error)
	}
}
