package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": Debug, "": Info, "WARNING": Warn, " error ": Error}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != JSON {
		t.Fatalf("expected json format, got %v %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Debug, JSON, &buf).With(F("subsystem", "bench"))
	log.Warn("tx underflow", F("sent", 100), F("requested", 4096), F("", "dropped"), F("err", errors.New("boom")))

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if payload["level"] != "WARN" || payload["msg"] != "tx underflow" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["subsystem"] != "bench" || payload["sent"].(float64) != 100 || payload["err"] != "boom" {
		t.Fatalf("fields missing: %v", payload)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Warn, Text, &buf)
	log.Info("hidden")
	log.Error("shown", F("code", 3))
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "ERROR") {
		t.Fatalf("error line missing: %q", out)
	}
}

func TestDefaultLogger(t *testing.T) {
	if Default() == nil {
		t.Fatalf("default logger must not be nil")
	}
	var buf bytes.Buffer
	prev := Default()
	defer SetDefault(prev)
	SetDefault(New(Info, Text, &buf))
	Default().Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("default logger not replaced")
	}
	SetDefault(nil)
	if Default() == nil {
		t.Fatalf("nil must not replace the default logger")
	}
}
