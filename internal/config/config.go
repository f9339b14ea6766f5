// Package config loads companion configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full companion configuration.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	Remote  RemoteConfig  `yaml:"remote"`
	Mail    MailConfig    `yaml:"mail"`
	Session SessionConfig `yaml:"session"`
}

// RemoteConfig names the booking backend endpoints.
type RemoteConfig struct {
	ProxyURL       string `yaml:"proxy_url"`
	ScriptURL      string `yaml:"script_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the remote call timeout.
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// MailConfig configures the confirmation-mail relay.
type MailConfig struct {
	APIKey         string   `yaml:"api_key"`
	FromEmail      string   `yaml:"from_email"`
	FromName       string   `yaml:"from_name"`
	ReplyTo        string   `yaml:"reply_to"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	SMTPUser string `yaml:"smtp_user"`
	SMTPPass string `yaml:"smtp_pass"`
}

// SessionConfig configures the operator session window.
type SessionConfig struct {
	TTLHours int `yaml:"ttl_hours"`
}

// TTL returns the operator session lifetime.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:    "./data",
		ListenAddr: "localhost:8090",
		LogLevel:   "info",
		Remote: RemoteConfig{
			TimeoutSeconds: 30,
		},
		Mail: MailConfig{
			FromName: "Granny Gear",
			SMTPPort: 587,
		},
		Session: SessionConfig{
			TTLHours: 8,
		},
	}
}

// Load reads the config file at path (optional, may be empty) over the
// defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Remote.TimeoutSeconds <= 0 {
		cfg.Remote.TimeoutSeconds = 30
	}
	if cfg.Session.TTLHours <= 0 {
		cfg.Session.TTLHours = 8
	}

	return cfg, nil
}

// applyEnv overrides select fields from the environment, for container and
// kiosk deployments that never see a config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GG_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GG_PROXY_URL"); v != "" {
		cfg.Remote.ProxyURL = v
	}
	if v := os.Getenv("GG_SCRIPT_URL"); v != "" {
		cfg.Remote.ScriptURL = v
	}
	if v := os.Getenv("GG_MAIL_API_KEY"); v != "" {
		cfg.Mail.APIKey = v
	}
	if v := os.Getenv("GG_SMTP_PASS"); v != "" {
		cfg.Mail.SMTPPass = v
	}
	if v := os.Getenv("GG_ALLOWED_ORIGINS"); v != "" {
		cfg.Mail.AllowedOrigins = splitAndTrim(v)
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
