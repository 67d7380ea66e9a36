package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskboard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
auth:
  jwt_secret: s3cret
  token_ttl: 2h
database:
  driver: mysql
  dsn: "tms:pw@tcp(localhost:3306)/tms"
seed:
  users:
    - username: alice
      password_hash: "$2a$10$abcdefghijklmnopqrstuv"
      email: alice@example.com
      groups: [dev]
  applications:
    - acronym: zoo
      rnumber: 10
      permit_create: pl
      permit_done: pl
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("TokenTTL = %v, want 2h", cfg.Auth.TokenTTL)
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Driver = %q, want mysql", cfg.Database.Driver)
	}
	// untouched sections keep their defaults
	if cfg.Database.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Database.Timeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if len(cfg.Seed.Users) != 1 || cfg.Seed.Users[0].Groups[0] != "dev" {
		t.Errorf("Seed.Users = %+v", cfg.Seed.Users)
	}
	if len(cfg.Seed.Applications) != 1 || cfg.Seed.Applications[0].RNumber != 10 {
		t.Errorf("Seed.Applications = %+v", cfg.Seed.Applications)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "database:\n  driver: postgres\n"},
		{"bad log level", "log_level: loud\n"},
		{"bad acronym", "seed:\n  applications:\n    - acronym: \"no spaces\"\n"},
		{"user without hash", "seed:\n  users:\n    - username: bob\n"},
		{"bad yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "taskboard.example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if len(cfg.Seed.Users) != 3 || len(cfg.Seed.Applications) != 1 {
		t.Errorf("seed = %d users, %d apps; want 3, 1", len(cfg.Seed.Users), len(cfg.Seed.Applications))
	}
	if got := cfg.Seed.Applications[0].PermitDone; got != "pl" {
		t.Errorf("PermitDone = %q, want pl", got)
	}
}
