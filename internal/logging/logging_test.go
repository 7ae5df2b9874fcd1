package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(&buf, "warn", "json"), "engine")
	logger.Info().Msg("hidden")
	logger.Warn().Str("session", "wxid_a").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["component"] != "engine" || entry["session"] != "wxid_a" || entry["message"] != "shown" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "chatty", "json")
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	if bytes.Count(buf.Bytes(), []byte("\n")) != 1 {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
