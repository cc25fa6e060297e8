package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogRequestStampsServiceName(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	LogRequest(map[string]any{"event": "task_done"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["service"] != "biobank-api" {
		t.Fatalf("service = %v, want biobank-api", entry["service"])
	}
	if entry["event"] != "task_done" {
		t.Fatalf("event = %v", entry["event"])
	}
}
