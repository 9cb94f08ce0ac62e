package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"riderlink/internal/backoff"
)

type Config struct {
	APIURL               string        `yaml:"api_url"`
	SocketURL            string        `yaml:"socket_url"`
	DBFile               string        `yaml:"db"`
	PresenceThreshold    time.Duration `yaml:"presence_threshold"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectAttempts    int           `yaml:"reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectJitter      float64       `yaml:"reconnect_jitter"`
	ReconnectStableAfter time.Duration `yaml:"reconnect_stable_after"`
	SnapshotPollInterval time.Duration `yaml:"snapshot_poll_interval"`
	MetricsAddr          string        `yaml:"metrics_addr"`
	LogLevel             string        `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		APIURL:               "http://localhost:8080",
		DBFile:               "riderlink.db",
		PresenceThreshold:    5 * time.Minute,
		ConnectTimeout:       20 * time.Second,
		ReconnectAttempts:    5,
		ReconnectDelay:       time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectJitter:      0.2,
		ReconnectStableAfter: 10 * time.Second,
		SnapshotPollInterval: 30 * time.Second,
		LogLevel:             "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by RIDERLINK_CONFIG, and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RIDERLINK_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.SocketURL == "" {
		cfg.SocketURL = cfg.APIURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.APIURL = getEnv("RIDERLINK_API_URL", c.APIURL)
	c.SocketURL = getEnv("RIDERLINK_SOCKET_URL", c.SocketURL)
	c.DBFile = getEnv("RIDERLINK_DB", c.DBFile)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	var err error
	if c.PresenceThreshold, err = getDuration("PRESENCE_THRESHOLD", c.PresenceThreshold); err != nil {
		return err
	}
	if c.ConnectTimeout, err = getDuration("CONNECT_TIMEOUT", c.ConnectTimeout); err != nil {
		return err
	}
	if c.ReconnectAttempts, err = getInt("RECONNECT_ATTEMPTS", c.ReconnectAttempts); err != nil {
		return err
	}
	if c.ReconnectDelay, err = getDuration("RECONNECT_DELAY", c.ReconnectDelay); err != nil {
		return err
	}
	if c.ReconnectStableAfter, err = getDuration("RECONNECT_STABLE_AFTER", c.ReconnectStableAfter); err != nil {
		return err
	}
	if c.ReconnectMaxDelay, err = getDuration("RECONNECT_MAX_DELAY", c.ReconnectMaxDelay); err != nil {
		return err
	}
	if c.ReconnectJitter, err = getFloat("RECONNECT_JITTER", c.ReconnectJitter); err != nil {
		return err
	}
	if c.SnapshotPollInterval, err = getDuration("SNAPSHOT_POLL_INTERVAL", c.SnapshotPollInterval); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	for name, raw := range map[string]string{"RIDERLINK_API_URL": c.APIURL, "RIDERLINK_SOCKET_URL": c.SocketURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw))
		}
	}
	if c.DBFile == "" {
		errs = append(errs, errors.New("RIDERLINK_DB is required"))
	}
	if c.PresenceThreshold <= 0 {
		errs = append(errs, errors.New("PRESENCE_THRESHOLD must be greater than 0"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("CONNECT_TIMEOUT must be greater than 0"))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("RECONNECT_ATTEMPTS must not be negative"))
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("RECONNECT_DELAY must be greater than 0"))
	}
	if c.ReconnectStableAfter <= 0 {
		errs = append(errs, errors.New("RECONNECT_STABLE_AFTER must be greater than 0"))
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		errs = append(errs, errors.New("RECONNECT_MAX_DELAY must not be less than RECONNECT_DELAY"))
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		errs = append(errs, errors.New("RECONNECT_JITTER must be between 0 and 1"))
	}
	if c.SnapshotPollInterval <= 0 {
		errs = append(errs, errors.New("SNAPSHOT_POLL_INTERVAL must be greater than 0"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ReconnectPolicy is exponential from ReconnectDelay up to ReconnectMaxDelay.
// Setting both delays equal with zero jitter gives a fixed delay.
func (c *Config) ReconnectPolicy() backoff.Policy {
	p := backoff.Exponential(c.ReconnectDelay, c.ReconnectMaxDelay)
	p.Jitter = c.ReconnectJitter
	return p
}

// ReconnectAttemptsLimit converts the configured count for the realtime
// channel. A configured 0 disables reconnection, which the channel expresses
// as a negative limit since its own 0 means the default.
func (c *Config) ReconnectAttemptsLimit() int {
	if c.ReconnectAttempts == 0 {
		return -1
	}
	return c.ReconnectAttempts
}

func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: unknown level %q", s)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
