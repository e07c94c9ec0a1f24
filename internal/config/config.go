// Package config loads the engine's single structured configuration
// document (Section 6). Values come from the environment, with an
// optional YAML file providing defaults that env vars override — the
// teacher's utils.GetEnv pattern, generalized to validate required keys
// up front instead of silently defaulting them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Error is returned by Load when a required key is missing, so
// cmd/orchestrator can abort startup with a precise message (Section 7:
// "Configuration error -> Startup aborts").
type Error struct {
	Key string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: missing required key %q", e.Key)
}

type Config struct {
	Enabled bool `yaml:"enabled"`

	IngressSecret string `yaml:"ingress_secret"`

	TrackerBaseURL   string `yaml:"tracker_base_url"`
	TrackerTokenID   string `yaml:"tracker_token_id"`
	TrackerTokenSecret string `yaml:"tracker_token_secret"`

	WorkspaceRoot     string `yaml:"workspace_root"`
	ExecutorProfile   string `yaml:"executor_profile"`

	// StageTimeouts holds per-stage deadlines in minutes, keyed by stage name.
	// A missing entry falls back to DefaultStageTimeoutMinutes.
	StageTimeouts map[string]int `yaml:"stage_timeouts"`
	DefaultStageTimeoutMinutes int `yaml:"default_stage_timeout_minutes"`

	MaxConcurrentProjects int `yaml:"max_concurrent_projects"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryWindow      time.Duration `yaml:"-"`
	RetryWindowMinutes int         `yaml:"retry_window_minutes"`

	DatabaseDSN string `yaml:"database_dsn"`
	DatabaseDriver string `yaml:"database_driver"` // "postgres" or "sqlite"

	RedisAddr string `yaml:"redis_addr"`

	AdminJWTSecret string `yaml:"admin_jwt_secret"`

	IngressDedupRetention time.Duration `yaml:"-"`
	IngressDedupRetentionMinutes int    `yaml:"ingress_dedup_retention_minutes"`

	HTTPPort string `yaml:"http_port"`
	LogMode  string `yaml:"log_mode"`
}

// Load reads an optional YAML file at path (ignored if empty or missing),
// then overlays environment variables, validates required keys, and
// returns the assembled Config.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Enabled:                    true,
		DefaultStageTimeoutMinutes: 60,
		MaxConcurrentProjects:      8,
		RetryMaxAttempts:           5,
		RetryWindowMinutes:         15,
		IngressDedupRetentionMinutes: 1440,
		DatabaseDriver:             "postgres",
		HTTPPort:                   "8080",
		LogMode:                    "production",
	}

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	overlayEnv(cfg)

	for _, req := range []struct {
		key string
		val string
	}{
		{"INGRESS_SECRET", cfg.IngressSecret},
		{"TRACKER_BASE_URL", cfg.TrackerBaseURL},
		{"TRACKER_TOKEN_ID", cfg.TrackerTokenID},
		{"TRACKER_TOKEN_SECRET", cfg.TrackerTokenSecret},
		{"WORKSPACE_ROOT", cfg.WorkspaceRoot},
	} {
		if strings.TrimSpace(req.val) == "" {
			return nil, &Error{Key: req.key}
		}
	}

	cfg.RetryWindow = time.Duration(cfg.RetryWindowMinutes) * time.Minute
	cfg.IngressDedupRetention = time.Duration(cfg.IngressDedupRetentionMinutes) * time.Minute

	return cfg, nil
}

func overlayEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	setBool("ENABLED", &cfg.Enabled)
	setStr("INGRESS_SECRET", &cfg.IngressSecret)
	setStr("TRACKER_BASE_URL", &cfg.TrackerBaseURL)
	setStr("TRACKER_TOKEN_ID", &cfg.TrackerTokenID)
	setStr("TRACKER_TOKEN_SECRET", &cfg.TrackerTokenSecret)
	setStr("WORKSPACE_ROOT", &cfg.WorkspaceRoot)
	setStr("EXECUTOR_PROFILE", &cfg.ExecutorProfile)
	setInt("DEFAULT_STAGE_TIMEOUT_MINUTES", &cfg.DefaultStageTimeoutMinutes)
	setInt("MAX_CONCURRENT_PROJECTS", &cfg.MaxConcurrentProjects)
	setInt("RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts)
	setInt("RETRY_WINDOW_MINUTES", &cfg.RetryWindowMinutes)
	setInt("INGRESS_DEDUP_RETENTION_MINUTES", &cfg.IngressDedupRetentionMinutes)
	setStr("DATABASE_DSN", &cfg.DatabaseDSN)
	setStr("DATABASE_DRIVER", &cfg.DatabaseDriver)
	setStr("REDIS_ADDR", &cfg.RedisAddr)
	setStr("ADMIN_JWT_SECRET", &cfg.AdminJWTSecret)
	setStr("HTTP_PORT", &cfg.HTTPPort)
	setStr("LOG_MODE", &cfg.LogMode)
}

// StageTimeout resolves the configured per-stage deadline, falling back to
// DefaultStageTimeoutMinutes.
func (c *Config) StageTimeout(stage string) time.Duration {
	if m, ok := c.StageTimeouts[stage]; ok && m > 0 {
		return time.Duration(m) * time.Minute
	}
	return time.Duration(c.DefaultStageTimeoutMinutes) * time.Minute
}
