package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", "json", &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	qlog := Component(log, "queue")
	qlog.Debug().Int("len", 3).Msg("enqueued")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "queue" {
		t.Errorf("component = %v, want queue", entry["component"])
	}
	if entry["message"] != "enqueued" {
		t.Errorf("message = %v, want enqueued", entry["message"])
	}
}

func TestNewLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", "json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info line leaked through warn level: %q", buf.String())
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New("loud", "json", nil); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := New("info", "xml", nil); err == nil {
		t.Error("expected error for bad format")
	}
}
