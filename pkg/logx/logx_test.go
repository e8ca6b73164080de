package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithFieldsAreCarried(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("job started", Int("total", 5), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "dispatch" {
		t.Fatalf("comp = %v, want dispatch", m["comp"])
	}
	if m["total"] != float64(5) {
		t.Fatalf("total = %v, want 5", m["total"])
	}
	if m["message"] != "job started" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestMaskPhone(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"905551112233":                "905*******33",
		"905551112233@s.whatsapp.net": "905*******33@s.whatsapp.net",
		"120363025@g.us":              "120363025@g.us",
		"12345":                       "12345",
		"ops-team":                    "ops-team",
	}
	for in, want := range cases {
		if got := MaskPhone(in); got != want {
			t.Fatalf("MaskPhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServiceFileSinkCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nested", "wacrm.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("hello", Phone("sender", "905551112233"))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"905*******33"`) {
		t.Fatalf("masked sender missing: %s", data)
	}
	if strings.Contains(string(data), "905551112233") {
		t.Fatalf("raw number leaked: %s", data)
	}
}
