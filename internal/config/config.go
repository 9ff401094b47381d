package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/park285/relaychess/internal/domain"
	"github.com/park285/relaychess/internal/obslog"
	yaml "gopkg.in/yaml.v3"
)

// Relay backends.
const (
	BackendWS     = "ws"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type AppConfig struct {
	RelayURLs    []string
	RelayBackend string
	SecretKey    string

	RedisURL    string
	RedisPrefix string
	DatabaseURL string

	BroadcastTimeout   time.Duration
	PollInterval       time.Duration
	CacheTTL           time.Duration
	DefaultTimeControl domain.TimeControl

	// ListenAddr, when set, serves the configured store as a NIP-01 relay.
	ListenAddr  string
	MessagesDir string

	Log obslog.Config
}

// fileConfig is the YAML overlay; durations are Go duration strings.
type fileConfig struct {
	RelayURLs          []string       `yaml:"relay_urls"`
	RelayBackend       string         `yaml:"relay_backend"`
	SecretKey          string         `yaml:"secret_key"`
	RedisURL           string         `yaml:"redis_url"`
	RedisPrefix        string         `yaml:"redis_prefix"`
	DatabaseURL        string         `yaml:"database_url"`
	BroadcastTimeout   string         `yaml:"broadcast_timeout"`
	PollInterval       string         `yaml:"poll_interval"`
	CacheTTL           string         `yaml:"cache_ttl"`
	DefaultTimeControl string         `yaml:"default_time_control"`
	ListenAddr         string         `yaml:"listen_addr"`
	MessagesDir        string         `yaml:"messages_dir"`
	Log                *obslog.Config `yaml:"log"`
}

func defaults() *AppConfig {
	return &AppConfig{
		RelayBackend:       BackendWS,
		RedisPrefix:        "relay",
		BroadcastTimeout:   5 * time.Second,
		PollInterval:       10 * time.Second,
		CacheTTL:           time.Minute,
		DefaultTimeControl: domain.TimeControl{InitialSeconds: 600},
		Log:                obslog.DefaultConfig(),
	}
}

// Load reads defaults, then the YAML file named by RELAYCHESS_CONFIG, then
// environment variables; later sources win.
func Load() (*AppConfig, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("RELAYCHESS_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *AppConfig) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(fc.RelayURLs) > 0 {
		cfg.RelayURLs = splitList(strings.Join(fc.RelayURLs, ","))
	}
	setString(&cfg.RelayBackend, fc.RelayBackend)
	setString(&cfg.SecretKey, fc.SecretKey)
	setString(&cfg.RedisURL, fc.RedisURL)
	setString(&cfg.RedisPrefix, fc.RedisPrefix)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.MessagesDir, fc.MessagesDir)
	for key, pair := range map[string]struct {
		dst *time.Duration
		raw string
	}{
		"broadcast_timeout": {&cfg.BroadcastTimeout, fc.BroadcastTimeout},
		"poll_interval":     {&cfg.PollInterval, fc.PollInterval},
		"cache_ttl":         {&cfg.CacheTTL, fc.CacheTTL},
	} {
		if err := setDuration(pair.dst, pair.raw); err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
	}
	if v := strings.TrimSpace(fc.DefaultTimeControl); v != "" {
		tc, err := domain.ParseTimeControl(v)
		if err != nil {
			return fmt.Errorf("config default_time_control: %w", err)
		}
		cfg.DefaultTimeControl = tc
	}
	if fc.Log != nil {
		cfg.Log = *fc.Log
	}
	return nil
}

func (cfg *AppConfig) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("RELAY_URLS")); v != "" {
		cfg.RelayURLs = splitList(v)
	}
	setString(&cfg.RelayBackend, os.Getenv("RELAY_BACKEND"))
	setString(&cfg.SecretKey, os.Getenv("NOSTR_SECRET_KEY"))
	setString(&cfg.RedisURL, os.Getenv("REDIS_URL"))
	setString(&cfg.RedisPrefix, os.Getenv("REDIS_PREFIX"))
	setString(&cfg.DatabaseURL, os.Getenv("DATABASE_URL"))
	setString(&cfg.ListenAddr, os.Getenv("RELAY_LISTEN_ADDR"))
	setString(&cfg.MessagesDir, os.Getenv("MESSAGES_DIR"))

	if err := setDuration(&cfg.BroadcastTimeout, os.Getenv("BROADCAST_TIMEOUT")); err != nil {
		return fmt.Errorf("BROADCAST_TIMEOUT: %w", err)
	}
	if err := setDuration(&cfg.PollInterval, os.Getenv("POLL_INTERVAL")); err != nil {
		return fmt.Errorf("POLL_INTERVAL: %w", err)
	}
	if err := setDuration(&cfg.CacheTTL, os.Getenv("CACHE_TTL")); err != nil {
		return fmt.Errorf("CACHE_TTL: %w", err)
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_TIME_CONTROL")); v != "" {
		tc, err := domain.ParseTimeControl(v)
		if err != nil {
			return fmt.Errorf("DEFAULT_TIME_CONTROL: %w", err)
		}
		cfg.DefaultTimeControl = tc
	}

	setString(&cfg.Log.Level, os.Getenv("LOG_LEVEL"))
	setString(&cfg.Log.Format, os.Getenv("LOG_FORMAT"))
	setString(&cfg.Log.File, os.Getenv("LOG_FILE"))
	setBool(&cfg.Log.ToConsole, os.Getenv("LOG_TO_CONSOLE"))
	setBool(&cfg.Log.ToFile, os.Getenv("LOG_TO_FILE"))
	setBool(&cfg.Log.Caller, os.Getenv("LOG_CALLER"))
	return nil
}

func (cfg *AppConfig) validate() error {
	cfg.RelayBackend = strings.ToLower(strings.TrimSpace(cfg.RelayBackend))
	switch cfg.RelayBackend {
	case BackendWS:
		if len(cfg.RelayURLs) == 0 {
			return errors.New("RELAY_URLS is required for the ws backend")
		}
		for _, u := range cfg.RelayURLs {
			if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
				return fmt.Errorf("relay url %q must use ws:// or wss://", u)
			}
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown RELAY_BACKEND %q", cfg.RelayBackend)
	}
	if cfg.BroadcastTimeout <= 0 || cfg.PollInterval <= 0 {
		return errors.New("BROADCAST_TIMEOUT and POLL_INTERVAL must be positive")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
	}
}

func setBool(dst *bool, v string) {
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		*dst = b
	}
}

// setDuration accepts Go durations ("5s") or bare seconds ("5").
func setDuration(dst *time.Duration, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
