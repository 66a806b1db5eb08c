package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// DLQPayload captures enough context to replay or inspect a failed Kafka
// message. OrgID is extracted so the bridge can park the payload on the
// owning tenant's dead-letter stream.
type DLQPayload struct {
	Topic       string            `json:"topic"`
	Partition   int32             `json:"partition"`
	Offset      int64             `json:"offset"`
	Timestamp   time.Time         `json:"timestamp"`
	OrgID       string            `json:"orgId,omitempty"`
	KeyBase64   string            `json:"key_base64,omitempty"`
	ValueBase64 string            `json:"value_base64"`
	Headers     map[string]string `json:"headers,omitempty"`
	Error       string            `json:"error"`
	Consumer    string            `json:"consumer"`
}

// EncodeDLQMessage packages a failed record for the dead letter stream.
// The owning tenant is taken from the record value's orgId field when the
// value is JSON, falling back to the org_id header.
func EncodeDLQMessage(msg Message, err error, consumer string) ([]byte, error) {
	payload := DLQPayload{
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Timestamp,
		OrgID:       extractOrgID(msg),
		ValueBase64: base64.StdEncoding.EncodeToString(msg.Value),
		Headers:     msg.Headers,
		Consumer:    consumer,
	}

	if len(msg.Key) > 0 {
		payload.KeyBase64 = base64.StdEncoding.EncodeToString(msg.Key)
	}

	if err != nil {
		payload.Error = err.Error()
	}

	if payload.OrgID != "" {
		if payload.Headers == nil {
			payload.Headers = make(map[string]string, 1)
		}
		if _, ok := payload.Headers["org_id"]; !ok {
			payload.Headers["org_id"] = payload.OrgID
		}
	}

	b, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return nil, fmt.Errorf("marshal dlq payload: %w", marshalErr)
	}

	return b, nil
}

// DecodeDLQMessage parses a DLQ payload back into its structured form.
func DecodeDLQMessage(data []byte) (*DLQPayload, error) {
	var payload DLQPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal dlq payload: %w", err)
	}
	return &payload, nil
}

// Value decodes the original record value.
func (p *DLQPayload) Value() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.ValueBase64)
}

func extractOrgID(msg Message) string {
	var probe struct {
		OrgID string `json:"orgId"`
	}
	if err := json.Unmarshal(msg.Value, &probe); err == nil && probe.OrgID != "" {
		return probe.OrgID
	}
	if org, ok := msg.Headers["org_id"]; ok {
		return org
	}
	return msg.Headers["orgId"]
}
