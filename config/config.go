// Package config loads runtime settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the YAML file read when Load is given no path.
const EnvConfigPath = "COOPED_CONFIG"

// EnvFile is loaded into the environment when present. Variables already set win.
var EnvFile = ".env"

// DefaultBlockedDomains applies until the user saves their own list.
var DefaultBlockedDomains = []string{
	"youtube.com",
	"tiktok.com",
	"instagram.com",
	"facebook.com",
	"x.com",
	"twitter.com",
	"reddit.com",
}

// Config holds runtime settings. Secrets are read from the environment only.
type Config struct {
	Port           string        `yaml:"port"`
	BaseURL        string        `yaml:"base_url"`
	RemoteURL      string        `yaml:"remote_url"`
	AnonKey        string        `yaml:"anon_key"`
	LocalStorage   string        `yaml:"local_storage"`
	StorageBucket  string        `yaml:"storage_bucket"`
	SQLitePath     string        `yaml:"sqlite_path"`
	MailFrom       string        `yaml:"mail_from"`
	MailFromName   string        `yaml:"mail_from_name"`
	LogLevel       string        `yaml:"log_level"`
	BrevoAPIKey    string        `yaml:"-"`
	GoogleCredJSON string        `yaml:"-"`
	BlockedDomains []string      `yaml:"blocked_domains"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	RemoteTimeout  time.Duration `yaml:"remote_timeout"`
}

func defaults() *Config {
	return &Config{
		Port:           "8080",
		MailFromName:   "Cooped",
		LogLevel:       "info",
		BlockedDomains: DefaultBlockedDomains,
		SyncInterval:   5 * time.Minute,
		RemoteTimeout:  30 * time.Second,
	}
}

// Load builds the config from defaults, then the YAML file at path (or
// $COOPED_CONFIG when path is empty), then environment variables, which
// may come from a .env file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", EnvFile, err)
	}

	cfg := defaults()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Port, "PORT")
	set(&cfg.BaseURL, "BASE_URL")
	set(&cfg.RemoteURL, "COOPED_SUPABASE_URL")
	set(&cfg.AnonKey, "COOPED_ANON_KEY")
	set(&cfg.LocalStorage, "LOCAL_STORAGE")
	set(&cfg.StorageBucket, "STORAGE_BUCKET")
	set(&cfg.SQLitePath, "SQLITE_PATH")
	set(&cfg.MailFrom, "MAIL_FROM")
	set(&cfg.MailFromName, "MAIL_FROM_NAME")
	set(&cfg.LogLevel, "LOG_LEVEL")
	set(&cfg.BrevoAPIKey, "BREVO_API_KEY")
	set(&cfg.GoogleCredJSON, "GOOGLE_CREDENTIALS_JSON")

	if v := strings.TrimSpace(os.Getenv("COOPED_BLOCKED_DOMAINS")); v != "" {
		var domains []string
		for d := range strings.SplitSeq(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		cfg.BlockedDomains = domains
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.SyncInterval < time.Second {
		errs = append(errs, fmt.Errorf("sync_interval %s is too short", c.SyncInterval))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("remote_timeout %s must be positive", c.RemoteTimeout))
	}
	backends := 0
	for _, v := range []string{c.LocalStorage, c.StorageBucket, c.SQLitePath} {
		if v != "" {
			backends++
		}
	}
	if backends > 1 {
		errs = append(errs, errors.New("set only one of local_storage, storage_bucket and sqlite_path"))
	}
	if c.BrevoAPIKey != "" && c.MailFrom == "" {
		errs = append(errs, errors.New("MAIL_FROM is required with BREVO_API_KEY"))
	}
	return errors.Join(errs...)
}

// RemoteConfigured reports whether the hosted store can be reached.
func (c *Config) RemoteConfigured() bool {
	return c.RemoteURL != "" && c.AnonKey != ""
}
