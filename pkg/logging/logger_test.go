package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("apix")

	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.WithField("k", "v").Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "apix" {
		t.Errorf("expected service field %q, got %v", "apix", entry["service"])
	}
	if entry["k"] != "v" {
		t.Errorf("expected field k=v, got %v", entry["k"])
	}
}

func TestServiceHookDoesNotOverrideExplicitField(t *testing.T) {
	l := NewLoggerWithService("apix")

	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.WithField("service", "other").Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["service"] != "other" {
		t.Errorf("expected explicit service field to win, got %v", entry["service"])
	}
}
