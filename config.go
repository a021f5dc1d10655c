package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default API and geolocation endpoints
const (
	DefaultBaseURL      = "https://story-api.dicoding.dev/v1"
	DefaultGeoLookupURL = "http://ip-api.com/json/"
)

const appName = "storyshare"

// Config holds every tunable of the client. Durations accept Go duration
// strings ("15s", "5m") in both YAML and environment variables.
type Config struct {
	BaseURL            string        `yaml:"base_url" env:"STORYSHARE_BASE_URL"`
	DatabasePath       string        `yaml:"database_path" env:"STORYSHARE_DATABASE_PATH"`
	RequestTimeout     time.Duration `yaml:"request_timeout" env:"STORYSHARE_REQUEST_TIMEOUT"`
	MaxRetries         int           `yaml:"max_retries" env:"STORYSHARE_MAX_RETRIES"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay" env:"STORYSHARE_RETRY_BASE_DELAY"`
	CacheTTL           time.Duration `yaml:"cache_ttl" env:"STORYSHARE_CACHE_TTL"`
	GeolocationTimeout time.Duration `yaml:"geolocation_timeout" env:"STORYSHARE_GEOLOCATION_TIMEOUT"`
	GeoLookupURL       string        `yaml:"geo_lookup_url" env:"STORYSHARE_GEO_LOOKUP_URL"`
	DefaultLat         float64       `yaml:"default_lat" env:"STORYSHARE_DEFAULT_LAT"`
	DefaultLon         float64       `yaml:"default_lon" env:"STORYSHARE_DEFAULT_LON"`
	LogLevel           string        `yaml:"log_level" env:"STORYSHARE_LOG_LEVEL"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:            DefaultBaseURL,
		DatabasePath:       filepath.Join(xdg.DataHome, appName, appName+".db"),
		RequestTimeout:     15 * time.Second,
		MaxRetries:         3,
		RetryBaseDelay:     time.Second,
		CacheTTL:           5 * time.Minute,
		GeolocationTimeout: 10 * time.Second,
		GeoLookupURL:       DefaultGeoLookupURL,
		DefaultLat:         jakarta.Lat,
		DefaultLon:         jakarta.Lon,
		LogLevel:           "warn",
	}
}

// DefaultConfigPath is where LoadConfig looks when no path is given
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// DefaultCenter returns the configured fallback map centre
func (c Config) DefaultCenter() Coordinates {
	return Coordinates{Lat: c.DefaultLat, Lon: c.DefaultLon}
}

// Validate checks that the configuration is usable
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BaseURL) == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_base_delay must not be negative, got %s", c.RetryBaseDelay))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache_ttl must be positive, got %s", c.CacheTTL))
	}
	if c.GeolocationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("geolocation_timeout must be positive, got %s", c.GeolocationTimeout))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to warn
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// loadConfigFromURL loads YAML configuration from a remote URL with timeout,
// on top of base
func loadConfigFromURL(url string, base Config) (Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return base, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return base, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return base, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return base, fmt.Errorf("failed to read response: %w", err)
	}

	return parseConfig(body, base)
}

// loadConfigFromFile loads YAML configuration from a local file, on top of base
func loadConfigFromFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read file: %w", err)
	}
	return parseConfig(data, base)
}

func parseConfig(data []byte, base Config) (Config, error) {
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// LoadConfig builds the configuration with the following priority, lowest first:
// 1. Built-in defaults
// 2. Local file (configPath, or the XDG default if it exists)
// 3. Remote URL (only when configURL is set and the local file was not loaded)
// 4. STORYSHARE_* environment variables
func LoadConfig(configPath, configURL string) (Config, error) {
	cfg := DefaultConfig()
	loaded := false

	path := configPath
	if path == "" {
		if _, err := os.Stat(DefaultConfigPath()); err == nil {
			path = DefaultConfigPath()
		}
	}

	if path != "" {
		slog.Debug("Loading config from local file", "path", path)
		fileCfg, err := loadConfigFromFile(path, cfg)
		switch {
		case err != nil && configURL == "":
			return cfg, err
		case err != nil:
			slog.Warn("Failed to load local config, trying remote", "error", err)
		default:
			slog.Info("Successfully loaded config from local file", "path", path)
			cfg = fileCfg
			loaded = true
		}
	}

	if !loaded && configURL != "" {
		slog.Debug("Loading config from remote URL", "url", configURL)
		remoteCfg, err := loadConfigFromURL(configURL, cfg)
		if err != nil {
			slog.Warn("Failed to load remote config, using defaults", "error", err)
		} else {
			slog.Info("Successfully loaded config from remote URL", "url", configURL)
			cfg = remoteCfg
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
