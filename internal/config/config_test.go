package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 3000 {
		t.Errorf("Expected HTTP port 3000, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Type != "file" {
		t.Errorf("Expected storage type file, got %s", cfg.Storage.Type)
	}
	if !cfg.Security.RequireAPIKey {
		t.Error("Expected require_api_key to default to true")
	}
	if cfg.Usage.RetentionDays != 7 || cfg.Usage.MaxRecords != 1000 {
		t.Errorf("Unexpected usage defaults: %+v", cfg.Usage)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  http_port: 8080
storage:
  type: bolt
  path: /tmp/restatus.bolt
weather:
  owner_location_id: "101010100"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("Expected HTTP port 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Type != "bolt" {
		t.Errorf("Expected storage type bolt, got %s", cfg.Storage.Type)
	}
	if cfg.Weather.OwnerLocationID != "101010100" {
		t.Errorf("Expected owner location id, got %q", cfg.Weather.OwnerLocationID)
	}
}

func TestLoadEnvAliases(t *testing.T) {
	t.Setenv("API_KEY", "secret")
	t.Setenv("MAX_RECORDS", "25")
	t.Setenv("RESTATUS_STEAM_STEAM_ID", "76561198000000000")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Security.APIKey != "secret" {
		t.Errorf("Expected api key from API_KEY, got %q", cfg.Security.APIKey)
	}
	if cfg.Usage.MaxRecords != 25 {
		t.Errorf("Expected max records 25, got %d", cfg.Usage.MaxRecords)
	}
	if cfg.Steam.SteamID != "76561198000000000" {
		t.Errorf("Expected steam id from prefixed env, got %q", cfg.Steam.SteamID)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"bad storage", func(c *Config) { c.Storage.Type = "sqlite" }},
		{"bad reset time", func(c *Config) { c.Usage.DailyResetTime = "25:99" }},
		{"inverted delays", func(c *Config) { c.Bilibili.MinDelay = "3s" }},
		{"zero retention", func(c *Config) { c.Usage.RetentionDays = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestPresenceLocationFallback(t *testing.T) {
	loc := PresenceConfig{Timezone: "Not/AZone"}.Location()
	_, offset := time.Now().In(loc).Zone()
	if offset != 8*60*60 {
		t.Errorf("Expected UTC+8 fallback, got offset %d", offset)
	}
}
