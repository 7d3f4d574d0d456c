// Package config provides the configuration schema, environment loader, and
// backend-list validation for the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/veyra-ai/gateway/internal/classifier"
)

// Config is the root configuration for the gatewayd process (spec.md §6).
type Config struct {
	ListenAddr string
	LogLevel   string

	SessionTTL            time.Duration
	RequestDeadline       time.Duration
	ProbeInterval         time.Duration
	MaxRetries            int
	BackendConcurrencyCap int

	SessionStoreURL string

	Backends []BackendConfig
}

// BackendConfig describes one entry in the Backend Registry (spec.md §3).
type BackendConfig struct {
	Key        string             `yaml:"key" json:"key"`
	BaseURL    string             `yaml:"base_url" json:"base_url"`
	ModelID    string             `yaml:"model_id" json:"model_id"`
	UseCase    classifier.UseCase `yaml:"use_case" json:"use_case"`
	IsFallback bool               `yaml:"is_fallback" json:"is_fallback"`
	HealthPath string             `yaml:"health_path" json:"health_path"`
	TimeoutMS  int                `yaml:"timeout_ms" json:"timeout_ms"`
}

// Defaults mirror spec.md §3/§6.
const (
	defaultSessionTTL      = 30 * time.Minute
	defaultRequestDeadline = 30 * time.Second
	defaultProbeInterval   = 10 * time.Second
	defaultMaxRetries      = 2
	defaultConcurrencyCap  = 64
)

// FromEnv builds a Config from environment variables (read via getenv, so
// tests can supply a fake), falling back to spec.md's defaults for anything
// unset. BACKENDS (inline JSON) or BACKENDS_FILE (a YAML path) supplies the
// backend list; BACKENDS_FILE wins if both are set.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		ListenAddr:      valueOr(getenv("LISTEN_ADDR"), ":8080"),
		LogLevel:        valueOr(getenv("LOG_LEVEL"), "info"),
		SessionStoreURL: getenv("SESSION_STORE_URL"),
	}

	var err error
	if cfg.SessionTTL, err = durationSecondsOr(getenv("SESSION_TTL_SECONDS"), defaultSessionTTL); err != nil {
		return nil, fmt.Errorf("config: SESSION_TTL_SECONDS: %w", err)
	}
	if cfg.RequestDeadline, err = durationMillisOr(getenv("REQUEST_DEADLINE_MS"), defaultRequestDeadline); err != nil {
		return nil, fmt.Errorf("config: REQUEST_DEADLINE_MS: %w", err)
	}
	if cfg.ProbeInterval, err = durationSecondsOr(getenv("PROBE_INTERVAL_SECONDS"), defaultProbeInterval); err != nil {
		return nil, fmt.Errorf("config: PROBE_INTERVAL_SECONDS: %w", err)
	}
	if cfg.MaxRetries, err = intOr(getenv("MAX_RETRIES"), defaultMaxRetries); err != nil {
		return nil, fmt.Errorf("config: MAX_RETRIES: %w", err)
	}
	if cfg.BackendConcurrencyCap, err = intOr(getenv("BACKEND_CONCURRENCY_CAP"), defaultConcurrencyCap); err != nil {
		return nil, fmt.Errorf("config: BACKEND_CONCURRENCY_CAP: %w", err)
	}

	backends, err := loadBackends(getenv("BACKENDS_FILE"), getenv("BACKENDS"))
	if err != nil {
		return nil, err
	}
	cfg.Backends = backends

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is a convenience wrapper over [FromEnv] using [os.Getenv].
func Load() (*Config, error) {
	return FromEnv(os.Getenv)
}

// Validate checks cfg for internal coherence, returning a joined error
// listing every failure found (the teacher's internal/config.Validate
// pattern: collect everything wrong, don't stop at the first).
func Validate(cfg *Config) error {
	var errs []error

	if len(cfg.Backends) == 0 {
		errs = append(errs, errors.New("at least one backend must be configured (BACKENDS or BACKENDS_FILE)"))
	}

	seenKeys := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.Key == "" {
			errs = append(errs, fmt.Errorf("%s.key is required", prefix))
		} else if seenKeys[b.Key] {
			errs = append(errs, fmt.Errorf("%s.key %q is a duplicate", prefix, b.Key))
		}
		seenKeys[b.Key] = true

		if b.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required", prefix))
		}
		if b.UseCase == "" {
			errs = append(errs, fmt.Errorf("%s.use_case is required", prefix))
		}
	}

	if cfg.SessionTTL <= 0 {
		errs = append(errs, errors.New("session TTL must be positive"))
	}
	if cfg.RequestDeadline <= 0 {
		errs = append(errs, errors.New("request deadline must be positive"))
	}
	if cfg.BackendConcurrencyCap <= 0 {
		errs = append(errs, errors.New("backend concurrency cap must be positive"))
	}

	return errors.Join(errs...)
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOr(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func durationSecondsOr(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

func durationMillisOr(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
