// Package config loads the daemon and CLI configuration from
// <data dir>/config.json, with environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the persistent application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Store      StoreConfig      `json:"store"`
	Logging    LoggingConfig    `json:"logging"`
	Policy     PolicyConfig     `json:"policy"`
	Classifier ClassifierConfig `json:"classifier"`
	Sources    SourcesConfig    `json:"sources"`
	Sync       SyncConfig       `json:"sync"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Addr            string   `json:"addr" validate:"required"`
	ShutdownTimeout Duration `json:"shutdown_timeout" validate:"gte=0"`
}

// StoreConfig locates the SQLite database. Empty Path means
// <data dir>/happyfeed.db.
type StoreConfig struct {
	Path string `json:"path,omitempty"`
}

// LoggingConfig controls the log file. Empty Dir means <data dir>/logs.
type LoggingConfig struct {
	Level string `json:"level" validate:"oneof=debug info warn error"`
	Dir   string `json:"dir,omitempty"`
}

// PolicyConfig tunes the blocklist snapshot cache
type PolicyConfig struct {
	CacheTTL Duration `json:"cache_ttl" validate:"gte=0"`
}

// ClassifierConfig selects and tunes the external categorizer
type ClassifierConfig struct {
	Provider       string   `json:"provider" validate:"oneof=openai ollama none"`
	Model          string   `json:"model,omitempty"`
	OpenAIKey      string   `json:"openai_api_key,omitempty"`
	OpenAIEndpoint string   `json:"openai_endpoint,omitempty"`
	OllamaEndpoint string   `json:"ollama_endpoint,omitempty"`
	Timeout        Duration `json:"timeout" validate:"gte=0"`

	BatchSize   int      `json:"batch_size" validate:"gte=1,ltefield=Ceiling"`
	Ceiling     int      `json:"ceiling" validate:"gte=1,lte=1000"`
	MinInterval Duration `json:"min_interval" validate:"gte=0"`
	Prefetch    int      `json:"image_prefetch" validate:"gte=1,lte=32"`

	BreakerFailureRatio float64  `json:"breaker_failure_ratio" validate:"gt=0,lte=1"`
	BreakerMinRequests  uint32   `json:"breaker_min_requests" validate:"gte=1"`
	BreakerOpenFor      Duration `json:"breaker_open_for" validate:"gte=0"`
}

// FeedConfig is one RSS or Atom feed
type FeedConfig struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url" validate:"required,url"`
}

// SourcesConfig controls ingest and the background schedules
type SourcesConfig struct {
	RedditEnabled bool         `json:"reddit_enabled"`
	RedditBase    string       `json:"reddit_base,omitempty" validate:"omitempty,url"`
	RedditListing string       `json:"reddit_listing" validate:"required"`
	Feeds         []FeedConfig `json:"feeds" validate:"dive"`

	IngestInterval   Duration `json:"ingest_interval" validate:"gte=0"`
	ClassifyInterval Duration `json:"classify_interval" validate:"gte=0"` // 0 disables
	VisibleTarget    int      `json:"visible_target" validate:"gte=1"`
	MaxAttempts      int      `json:"max_attempts" validate:"gte=1,lte=50"`
	MaxAge           Duration `json:"max_age,omitempty" validate:"gte=0"` // 0 keeps all
}

// SyncConfig points at the optional S3 mirror of the database. An empty
// Bucket disables mirroring.
type SyncConfig struct {
	Bucket   string `json:"bucket,omitempty"`
	Key      string `json:"key,omitempty" validate:"required_with=Bucket"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" validate:"omitempty,url"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Policy: PolicyConfig{
			CacheTTL: Duration(5 * time.Minute),
		},
		Classifier: ClassifierConfig{
			Provider:            "openai",
			Model:               "gpt-4.1-nano",
			OllamaEndpoint:      "http://localhost:11434",
			Timeout:             Duration(60 * time.Second),
			BatchSize:           100,
			Ceiling:             200,
			MinInterval:         Duration(100 * time.Millisecond),
			Prefetch:            4,
			BreakerFailureRatio: 0.6,
			BreakerMinRequests:  5,
			BreakerOpenFor:      Duration(30 * time.Second),
		},
		Sources: SourcesConfig{
			RedditEnabled:    true,
			RedditListing:    "all",
			IngestInterval:   Duration(15 * time.Minute),
			ClassifyInterval: Duration(5 * time.Minute),
			VisibleTarget:    100,
			MaxAttempts:      5,
		},
		Sync: SyncConfig{
			Key: "happyfeed.db",
		},
	}
}

// DataDir returns $HAPPYFEED_HOME, or ~/.happyfeed.
func DataDir() string {
	if dir := os.Getenv("HAPPYFEED_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".happyfeed")
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.json")
}

// DBPath returns the configured database path or the default.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(DataDir(), "happyfeed.db")
}

// LogDir returns the configured log directory or the default.
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(DataDir(), "logs")
}

// LoadEnv loads KEY=value pairs from the given dotenv files (".env" when
// none are named) without overriding variables that are already set.
// Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads config from ConfigPath, or returns defaults
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads config from path. A missing file yields the defaults.
// Environment overrides are applied either way, then the result is
// validated.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.AutoPopulateFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to ConfigPath
func (c *Config) Save() error {
	return c.SaveTo(ConfigPath())
}

// SaveTo writes config to path
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600) // Restrictive permissions for API keys
}

// AutoPopulateFromEnv applies environment overrides
func (c *Config) AutoPopulateFromEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Classifier.OpenAIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		c.Classifier.OllamaEndpoint = host
	}
	if p := os.Getenv("HAPPYFEED_PROVIDER"); p != "" {
		c.Classifier.Provider = p
	}
	if addr := os.Getenv("HAPPYFEED_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if db := os.Getenv("HAPPYFEED_DB"); db != "" {
		c.Store.Path = db
	}
	if lvl := os.Getenv("HAPPYFEED_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = strings.ToLower(lvl)
	}
	if bucket := os.Getenv("HAPPYFEED_S3_BUCKET"); bucket != "" {
		c.Sync.Bucket = bucket
	}
	if key := os.Getenv("HAPPYFEED_S3_KEY"); key != "" {
		c.Sync.Key = key
	}
	if region := os.Getenv("AWS_REGION"); region != "" && c.Sync.Region == "" {
		c.Sync.Region = region
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field ranges and cross-field rules.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Duration is a time.Duration written as a string ("5m", "100ms") in JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"5m\": %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
