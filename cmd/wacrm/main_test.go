package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "wacrm dev") {
		t.Fatalf("output = %q", out)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte("whatsapp:\n  base_url: http://gw.local\n  instance: main\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("inbound:\n  idle_window: 0s\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "validate", "-c", good)
	if err != nil {
		t.Fatalf("validate good: %v", err)
	}
	if !strings.Contains(out, "http://gw.local (main)") {
		t.Fatalf("output = %q", out)
	}

	if _, err := run(t, "validate", "-c", bad); err == nil {
		t.Fatalf("expected error for zero idle window")
	}
}
