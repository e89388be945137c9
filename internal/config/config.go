package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// NOTE: Load writes a default config on first run; Save is atomic and keeps
// the file at 0600 since it may carry basic auth credentials.

// FeedConfig describes a single ICS subscription.
type FeedConfig struct {
	// ID keys stored events; it must stay stable across restarts.
	ID   string `yaml:"id" json:"id" validate:"required,excludesall=/"`
	Name string `yaml:"name" json:"name"`
	// URL accepts http(s) and webcal(s) schemes.
	URL string `yaml:"url" json:"url" validate:"required,url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"password" validate:"required"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=console json"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// Timezone is the IANA zone used for floating and all-day values and
	// for display.
	Timezone string `yaml:"timezone" json:"timezone" validate:"required,timezone"`

	// RefreshCron is a cron spec (e.g. "*/15 * * * *") for periodic sync.
	RefreshCron string `yaml:"refresh" json:"refresh" validate:"required"`

	// LookaheadDays is how far past now a sync expands recurring events.
	LookaheadDays    int `yaml:"lookahead_days" json:"lookahead_days" validate:"gte=1,ltefield=MaxLookaheadDays"`
	MaxLookaheadDays int `yaml:"max_lookahead_days" json:"max_lookahead_days" validate:"gte=1"`

	// MaxOccurrences caps the occurrences generated per event and run.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences" validate:"gte=1"`

	// SystemTimezones lets TZIDs without a VTIMEZONE resolve through the
	// system tz database.
	SystemTimezones bool `yaml:"system_timezones" json:"system_timezones"`

	// FetchTimeoutSeconds bounds a single feed download.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds" validate:"gte=0"`

	// Concurrency bounds parallel ingestions during a sync.
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"gte=1"`

	CacheDir  string `yaml:"cache_dir" json:"cache_dir" validate:"required"`
	StorePath string `yaml:"store_path" json:"store_path" validate:"required"`

	Feeds []FeedConfig `yaml:"feeds" json:"feeds" validate:"dive"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty" validate:"omitempty"`

	Log LogConfig `yaml:"log" json:"log"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              "127.0.0.1:8080",
		Timezone:            "UTC",
		RefreshCron:         "*/15 * * * *",
		LookaheadDays:       90,
		MaxLookaheadDays:    365,
		MaxOccurrences:      5000,
		SystemTimezones:     true,
		FetchTimeoutSeconds: 15,
		Concurrency:         4,
		CacheDir:            "./var/ics-cache",
		StorePath:           "./var/calfeed.db",
		Feeds:               []FeedConfig{},
		Log:                 LogConfig{Level: "info", Format: "console"},
	}
}

// Normalize fills in missing/zero values so partially filled configs still
// behave.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.MaxLookaheadDays <= 0 {
		c.MaxLookaheadDays = def.MaxLookaheadDays
	}
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = def.LookaheadDays
	}
	if c.LookaheadDays > c.MaxLookaheadDays {
		c.LookaheadDays = c.MaxLookaheadDays
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = def.MaxOccurrences
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.StorePath == "" {
		c.StorePath = def.StorePath
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		if c.Feeds[i].ID == "" {
			c.Feeds[i].ID = feedID(c.Feeds[i])
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// feedID derives an id from the name, then the URL host.
func feedID(f FeedConfig) string {
	id := strings.TrimSpace(strings.ToLower(f.Name))
	if id == "" {
		id = f.URL
		if i := strings.Index(id, "://"); i >= 0 {
			id = id[i+3:]
		}
		if i := strings.IndexAny(id, "/?"); i >= 0 {
			id = id[:i]
		}
	}
	return strings.NewReplacer("/", "-", " ", "-").Replace(id)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and feed id uniqueness.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	seen := make(map[string]bool, len(c.Feeds))
	for _, f := range c.Feeds {
		if seen[f.ID] {
			return fmt.Errorf("invalid config: duplicate feed id %q", f.ID)
		}
		seen[f.ID] = true
	}
	return nil
}

// FetchTimeout returns the per-feed download timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c *Config) Lookahead() time.Duration {
	return time.Duration(c.LookaheadDays) * 24 * time.Hour
}

func (c *Config) MaxLookahead() time.Duration {
	return time.Duration(c.MaxLookaheadDays) * 24 * time.Hour
}

// Location loads the configured zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calfeed-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience wrapper around the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
