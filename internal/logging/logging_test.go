package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWriterJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := NewWriter(&buf, FormatJSON, false)
	if err != nil {
		t.Fatal(err)
	}

	log.Info("Client connected", "client", "127.0.0.1:5000")
	log.V(1).Info("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["msg"] != "Client connected" || entry["client"] != "127.0.0.1:5000" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewWriterVerbose(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := NewWriter(&buf, FormatConsole, true)
	if err != nil {
		t.Fatal(err)
	}

	log.V(1).Info("debug line")
	if !strings.Contains(buf.String(), "debug line") {
		t.Fatalf("V(1) line missing: %q", buf.String())
	}
}

func TestNewWriterUnknownFormat(t *testing.T) {
	t.Parallel()

	if _, err := NewWriter(&bytes.Buffer{}, "xml", false); err == nil {
		t.Fatal("expected error")
	}
}
