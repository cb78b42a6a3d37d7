// Package config loads service configuration from defaults, a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"nightvibe/fetch"
	"nightvibe/lexicon"
	"nightvibe/orchestrator"
	"nightvibe/pkg/vibe"
	"nightvibe/scraper"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSQLitePath is used when no storage backend is configured.
const DefaultSQLitePath = "./data/nightvibe.db"

// Config is the service configuration model.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Fetch    FetchConfig   `yaml:"fetch"`
	Storage  StorageConfig `yaml:"storage"`
	Scrape   ScrapeConfig  `yaml:"scrape"`
	Sweep    SweepConfig   `yaml:"sweep"`
	Alert    AlertConfig   `yaml:"alert"`
	LogLevel string        `yaml:"logLevel"`
	// Service account JSON for Google clients. If empty, application default credentials are used.
	CredentialsJSON string `yaml:"credentialsJSON"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// Per-IP token bucket for trigger endpoints. Zero disables limiting.
	TriggerRPS   float64 `yaml:"triggerRPS"`
	TriggerBurst int     `yaml:"triggerBurst"`
}

type FetchConfig struct {
	// If empty, read from env SCRAPER_API_KEY
	APIKey   string        `yaml:"apiKey"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	RPS      float64       `yaml:"rps"`
	Burst    int           `yaml:"burst"`
	Attempts uint          `yaml:"attempts"`
}

type StorageConfig struct {
	DatabaseURL string `yaml:"databaseURL"`
	SQLitePath  string `yaml:"sqlitePath"`
	Bucket      string `yaml:"bucket"`
	LocalPath   string `yaml:"localPath"`
}

type ScrapeConfig struct {
	MaxResults int                 `yaml:"maxResults"`
	Lexicons   map[string][]string `yaml:"lexicons"` // Per-platform overrides
	Emojis     []string            `yaml:"emojis"`
}

type SweepConfig struct {
	Platform string        `yaml:"platform"`
	Cities   []string      `yaml:"cities"`
	Pacing   time.Duration `yaml:"pacing"`
	// Interval between scheduled sweeps. Zero leaves sweeps to POST /sweep.
	Interval       time.Duration `yaml:"interval"`
	Retention      time.Duration `yaml:"retention"`
	IngestAttempts uint          `yaml:"ingestAttempts"`
}

// Alert providers.
const (
	AlertGmail = "gmail"
	AlertBrevo = "brevo"
	AlertMock  = "mock"
)

type AlertConfig struct {
	// gmail, brevo or mock. Empty disables sweep report emails.
	Provider string   `yaml:"provider"`
	To       []string `yaml:"to"`
	FromAddr string   `yaml:"fromAddr"`
	FromName string   `yaml:"fromName"`
	// If empty, read from env BREVO_API_KEY
	BrevoAPIKey string `yaml:"brevoAPIKey"`
	Always      bool   `yaml:"always"` // Also mail clean sweeps
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8080", TriggerRPS: 1, TriggerBurst: 5},
		Fetch: FetchConfig{
			Endpoint: fetch.DefaultEndpoint,
			Timeout:  60 * time.Second,
			RPS:      1,
			Burst:    1,
			Attempts: 2,
		},
		Scrape: ScrapeConfig{
			MaxResults: scraper.DefaultMaxResults,
			Emojis:     append([]string(nil), lexicon.PartyEmojis...),
		},
		Sweep: SweepConfig{
			Platform:       string(vibe.Twitter),
			Cities:         append([]string(nil), orchestrator.DefaultCities...),
			Pacing:         orchestrator.DefaultPacing,
			Retention:      orchestrator.DefaultRetention,
			IngestAttempts: 2,
		},
		LogLevel: "info",
	}
}

// Load reads YAML config from path over the defaults, then applies the environment.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ResolveEnv(); err != nil {
		return cfg, err
	}
	if cfg.Storage.DatabaseURL == "" && cfg.Storage.SQLitePath == "" && cfg.Storage.Bucket == "" && cfg.Storage.LocalPath == "" {
		cfg.Storage.SQLitePath = DefaultSQLitePath
	}
	return cfg, nil
}

// ResolveEnv overrides config fields with environment variables that are set.
func (c *Config) ResolveEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Fetch.APIKey, "SCRAPER_API_KEY")
	setString(&c.Fetch.Endpoint, "SCRAPER_ENDPOINT")
	setString(&c.Storage.DatabaseURL, "DATABASE_URL")
	setString(&c.Storage.SQLitePath, "SQLITE_PATH")
	setString(&c.Storage.Bucket, "STORAGE_BUCKET")
	setString(&c.Storage.LocalPath, "LOCAL_STORAGE")
	setString(&c.CredentialsJSON, "GOOGLE_CREDENTIALS_JSON")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Alert.Provider, "ALERT_PROVIDER")
	setString(&c.Alert.BrevoAPIKey, "BREVO_API_KEY")
	if v := os.Getenv("ALERT_EMAIL"); v != "" {
		c.Alert.To = strings.Split(v, ",")
	}

	var errs []error
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SWEEP_INTERVAL: %w", err))
		}
		c.Sweep.Interval = d
	}
	if v := os.Getenv("FETCH_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FETCH_RPS: %w", err))
		}
		c.Fetch.RPS = f
	}
	if v := os.Getenv("FETCH_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FETCH_BURST: %w", err))
		}
		c.Fetch.Burst = n
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Scrape.MaxResults <= 0 {
		errs = append(errs, errors.New("scrape maxResults must be positive"))
	}
	if _, err := c.Lexicons(); err != nil {
		errs = append(errs, err)
	}
	if _, err := vibe.ParsePlatform(c.Sweep.Platform); err != nil {
		errs = append(errs, fmt.Errorf("sweep platform: %w", err))
	}
	if len(c.Sweep.Cities) == 0 {
		errs = append(errs, errors.New("sweep cities must not be empty"))
	}
	if c.Sweep.Retention <= 0 {
		errs = append(errs, errors.New("sweep retention must be positive"))
	}
	if c.Sweep.Pacing < 0 || c.Sweep.Interval < 0 {
		errs = append(errs, errors.New("sweep durations must not be negative"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Alert.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *AlertConfig) validate() error {
	switch a.Provider {
	case "":
		return nil
	case AlertGmail, AlertMock:
	case AlertBrevo:
		if a.BrevoAPIKey == "" || a.FromAddr == "" {
			return errors.New("brevo alerts need an API key and a from address")
		}
	default:
		return fmt.Errorf("unknown alert provider %q", a.Provider)
	}
	for _, to := range a.To {
		if strings.TrimSpace(to) != "" {
			return nil
		}
	}
	return errors.New("alert recipients must not be empty")
}

// Lexicons converts the per-platform keyword overrides. Empty lists are rejected.
func (c *Config) Lexicons() (map[vibe.Platform]lexicon.Lexicon, error) {
	out := make(map[vibe.Platform]lexicon.Lexicon, len(c.Scrape.Lexicons))
	for name, words := range c.Scrape.Lexicons {
		p, err := vibe.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("lexicon: %w", err)
		}
		var lex lexicon.Lexicon
		for _, w := range words {
			if w = strings.TrimSpace(w); w != "" {
				lex = append(lex, w)
			}
		}
		if len(lex) == 0 {
			return nil, fmt.Errorf("lexicon for %s is empty", p)
		}
		out[p] = lex
	}
	return out, nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}
