package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestFromContextAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerTo(&buf, "debug", "funds", "test")

	ctx := WithRequestID(context.Background(), "req-42")
	FromContext(ctx, base).Info("withdrawal requested")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["request_id"] != "req-42" {
		t.Fatalf("expected request_id, got %v", line["request_id"])
	}
	if line["service"] != "funds" || line["env"] != "test" {
		t.Fatalf("expected service attrs, got %v", line)
	}
}

func TestFromContextWithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerTo(&buf, "info", "funds", "test")
	FromContext(context.Background(), base).Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug line to be filtered")
	}
}
