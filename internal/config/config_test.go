package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "listing.jsonc")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil, env(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("defaults (-want +got):\n%s", diff)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("level = %v", cfg.Level())
	}
}

func TestLoad_Layering(t *testing.T) {
	path := writeFile(t, `{
		// JSONC: comments and trailing commas are fine
		"port": "9000",
		"feed_base_url": "https://feed.example.com",
		"refresh_interval": "45s",
		"log_level": "debug",
	}`)

	cfg, err := Load(
		[]string{"--config", path, "--refresh-interval", "5s"},
		env(map[string]string{"PORT": "7000", "REFRESH_INTERVAL": "20s"}),
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "7000" {
		t.Errorf("env should override file: port = %q", cfg.Port)
	}
	if cfg.FeedBaseURL != "https://feed.example.com" {
		t.Errorf("file value lost: feed = %q", cfg.FeedBaseURL)
	}
	if time.Duration(cfg.RefreshInterval) != 5*time.Second {
		t.Errorf("flag should override env: refresh = %v", time.Duration(cfg.RefreshInterval))
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.Level())
	}
	if cfg.Source != path {
		t.Errorf("source = %q", cfg.Source)
	}
	// Untouched keys keep their defaults.
	if time.Duration(cfg.CacheTTL) != 15*time.Second {
		t.Errorf("cache ttl = %v", time.Duration(cfg.CacheTTL))
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeFile(t, `{"port": "9100"}`)
	cfg, err := Load(nil, env(map[string]string{"LISTING_CONFIG": path}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9100" {
		t.Errorf("port = %q", cfg.Port)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		file string
		want error
	}{
		{name: "unknown flag", args: []string{"--nope"}, want: ErrInvalid},
		{name: "unknown file key", file: `{"prot": "80"}`, want: ErrFile},
		{name: "broken jsonc", file: `{"port": `, want: ErrFile},
		{name: "bad duration in file", file: `{"cache_ttl": 15}`, want: ErrFile},
		{name: "bad env duration", env: map[string]string{"FETCH_TIMEOUT": "soon"}, want: ErrInvalid},
		{name: "non-positive interval", args: []string{"--refresh-interval", "0s"}, want: ErrInvalid},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "loud"}, want: ErrInvalid},
		{name: "missing file", args: []string{"--config", "/does/not/exist.jsonc"}, want: ErrFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.args
			if tt.file != "" {
				args = append(args, "--config", writeFile(t, tt.file))
			}
			_, err := Load(args, env(tt.env))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
