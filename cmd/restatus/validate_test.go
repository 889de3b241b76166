package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`server:
  http_port: 3000
  htp_port: 80
steam:
  steam_id: "76561197960287930"
legacy:
  enabled: true
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys failed: %v", err)
	}

	want := []string{"legacy.enabled", "server.htp_port"}
	if len(unknown) != len(want) {
		t.Fatalf("Expected %v, got %v", want, unknown)
	}
	for i := range want {
		if unknown[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, unknown[i])
		}
	}
}

func TestDisplayValueRedactsSecrets(t *testing.T) {
	if got := displayValue("security.api_key", "hunter2"); got != "***REDACTED***" {
		t.Errorf("Expected redaction, got %s", got)
	}
	if got := displayValue("security.api_key", ""); got != "" {
		t.Errorf("Expected empty secret to stay empty, got %s", got)
	}
	if got := displayValue("server.http_port", 3000); got != "3000" {
		t.Errorf("Expected 3000, got %s", got)
	}
}
