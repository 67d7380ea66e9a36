// Package config defines the taskboard application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level taskboard configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Seed     SeedConfig     `json:"seed" yaml:"seed"`
	LogLevel string         `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls session token issuance.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl" validate:"gte=0"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver  string        `json:"driver" yaml:"driver" validate:"required,oneof=sqlite mysql"`
	DSN     string        `json:"dsn" yaml:"dsn" validate:"required"` // file path for sqlite, DSN for mysql
	Timeout time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"` // per-operation statement timeout
}

// NotifyConfig controls review notifications.
type NotifyConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	BaseURL    string        `json:"base_url" yaml:"base_url" validate:"omitempty,url"` // login link placed in mails
	Timeout    time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
	MaxElapsed time.Duration `json:"max_elapsed" yaml:"max_elapsed" validate:"gte=0"` // retry budget per recipient
	SMTP       SMTPConfig    `json:"smtp" yaml:"smtp"`
}

// SMTPConfig holds mail server settings. An empty Host logs mails instead of sending them.
type SMTPConfig struct {
	Host     string `json:"host" yaml:"host" validate:"omitempty,hostname|ip"`
	Port     int    `json:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	From     string `json:"from" yaml:"from" validate:"omitempty,email"`
}

// SeedConfig lists records inserted at startup when they do not exist yet.
type SeedConfig struct {
	Users        []UserSeed        `json:"users" yaml:"users" validate:"dive"`
	Applications []ApplicationSeed `json:"applications" yaml:"applications" validate:"dive"`
}

// UserSeed defines a directory user and the groups they belong to.
type UserSeed struct {
	Username     string   `json:"username" yaml:"username" validate:"required,min=1,max=64"`
	PasswordHash string   `json:"password_hash" yaml:"password_hash" validate:"required"` // bcrypt hash
	Email        string   `json:"email" yaml:"email" validate:"omitempty,email"`
	Disabled     bool     `json:"disabled,omitempty" yaml:"disabled"`
	Groups       []string `json:"groups,omitempty" yaml:"groups" validate:"dive,required"`
}

// ApplicationSeed defines an application and the group permitted to act in each task state.
type ApplicationSeed struct {
	Acronym      string `json:"acronym" yaml:"acronym" validate:"required,alphanum,max=32"`
	Description  string `json:"description" yaml:"description"`
	RNumber      int    `json:"rnumber" yaml:"rnumber" validate:"gte=0"`
	StartDate    string `json:"start_date,omitempty" yaml:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate      string `json:"end_date,omitempty" yaml:"end_date" validate:"omitempty,datetime=2006-01-02"`
	PermitCreate string `json:"permit_create,omitempty" yaml:"permit_create"`
	PermitOpen   string `json:"permit_open,omitempty" yaml:"permit_open"`
	PermitTodo   string `json:"permit_todo,omitempty" yaml:"permit_todo"`
	PermitDoing  string `json:"permit_doing,omitempty" yaml:"permit_doing"`
	PermitDone   string `json:"permit_done,omitempty" yaml:"permit_done"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			DSN:     "./data/taskboard.db",
			Timeout: 10 * time.Second,
		},
		Notify: NotifyConfig{
			Enabled:    true,
			Timeout:    30 * time.Second,
			MaxElapsed: 2 * time.Minute,
			SMTP: SMTPConfig{
				Port: 587,
			},
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed, validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}
