// Package config loads the server configuration. Sources are layered, the
// later ones winning: built-in defaults, an optional JSONC file, environment
// variables, then explicitly passed command-line flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

var (
	// ErrInvalid is returned when the merged configuration fails validation.
	ErrInvalid = errors.New("config: invalid configuration")

	// ErrFile is returned when the config file cannot be read or parsed.
	ErrFile = errors.New("config: cannot load config file")
)

// Duration is a time.Duration that reads as "15s" in JSON.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"15s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config holds all server settings.
type Config struct {
	Port string `json:"port"`

	// FeedBaseURL is the upstream real-time ticket feed. Empty selects the
	// database provider when DatabaseURL is set, otherwise the in-memory one.
	FeedBaseURL    string   `json:"feed_base_url"`
	FeedRatePerSec float64  `json:"feed_rate_per_sec"`
	FeedBurst      int      `json:"feed_burst"`
	FetchTimeout   Duration `json:"fetch_timeout"`

	RefreshInterval Duration `json:"refresh_interval"`

	DatabaseURL string   `json:"database_url"`
	RedisURL    string   `json:"redis_url"`
	CacheTTL    Duration `json:"cache_ttl"`

	// SeedFile is a JSONC fixture for the in-memory provider.
	SeedFile string `json:"seed_file"`

	ViewportWidth  float64 `json:"viewport_width"`
	ViewportHeight float64 `json:"viewport_height"`

	LogLevel string `json:"log_level"`

	// Source is the config file that was loaded, if any.
	Source string `json:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:            "8080",
		FeedRatePerSec:  5,
		FeedBurst:       5,
		FetchTimeout:    Duration(10 * time.Second),
		RefreshInterval: Duration(30 * time.Second),
		CacheTTL:        Duration(15 * time.Second),
		ViewportWidth:   375,
		ViewportHeight:  800,
		LogLevel:        "info",
	}
}

// Level returns the configured slog level.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Load builds the configuration from args (without the program name) and
// the environment lookup getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("listing-engine", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "path to a JSONC config file")
	port := fs.String("port", "", "HTTP listen port")
	feedURL := fs.String("feed-url", "", "upstream ticket feed base URL")
	feedRate := fs.Float64("feed-rate", 0, "upstream requests per second")
	dbURL := fs.String("database-url", "", "PostgreSQL connection string")
	redisURL := fs.String("redis-url", "", "Redis URL for the feed cache")
	refresh := fs.Duration("refresh-interval", 0, "ticket refresh interval")
	fetchTimeout := fs.Duration("fetch-timeout", 0, "timeout for one feed fetch")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	seedFile := fs.String("seed-file", "", "JSONC tickets fixture for the in-memory provider")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	path := getenv("LISTING_CONFIG")
	if fs.Changed("config") {
		path = *configPath
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
		cfg.Source = path
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	if fs.Changed("port") {
		cfg.Port = *port
	}
	if fs.Changed("feed-url") {
		cfg.FeedBaseURL = *feedURL
	}
	if fs.Changed("feed-rate") {
		cfg.FeedRatePerSec = *feedRate
	}
	if fs.Changed("database-url") {
		cfg.DatabaseURL = *dbURL
	}
	if fs.Changed("redis-url") {
		cfg.RedisURL = *redisURL
	}
	if fs.Changed("refresh-interval") {
		cfg.RefreshInterval = Duration(*refresh)
	}
	if fs.Changed("fetch-timeout") {
		cfg.FetchTimeout = Duration(*fetchTimeout)
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("seed-file") {
		cfg.SeedFile = *seedFile
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile overlays the keys present in a JSONC file onto cfg. Unknown keys
// are an error.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrFile, path, err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("%w %s: invalid JSONC: %w", ErrFile, path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w %s: %w", ErrFile, path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := map[string]*string{
		"PORT":          &cfg.Port,
		"FEED_BASE_URL": &cfg.FeedBaseURL,
		"DATABASE_URL":  &cfg.DatabaseURL,
		"REDIS_URL":     &cfg.RedisURL,
		"LOG_LEVEL":     &cfg.LogLevel,
		"SEED_FILE":     &cfg.SeedFile,
	}
	for key, dst := range str {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	dur := map[string]*Duration{
		"REFRESH_INTERVAL": &cfg.RefreshInterval,
		"FETCH_TIMEOUT":    &cfg.FetchTimeout,
		"CACHE_TTL":        &cfg.CacheTTL,
	}
	for key, dst := range dur {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, key, err)
		}
		*dst = Duration(d)
	}

	if v := strings.TrimSpace(getenv("FEED_RATE_PER_SEC")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: FEED_RATE_PER_SEC: %w", ErrInvalid, err)
		}
		cfg.FeedRatePerSec = f
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Port == "" {
		problems = append(problems, "port is empty")
	}
	if c.RefreshInterval <= 0 {
		problems = append(problems, "refresh_interval must be positive")
	}
	if c.FetchTimeout <= 0 {
		problems = append(problems, "fetch_timeout must be positive")
	}
	if c.CacheTTL <= 0 {
		problems = append(problems, "cache_ttl must be positive")
	}
	if c.FeedRatePerSec <= 0 {
		problems = append(problems, "feed_rate_per_sec must be positive")
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		problems = append(problems, "viewport must be positive")
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
