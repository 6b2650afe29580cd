// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"learnwork/consultation/llm"
)

// Config is the service configuration. Values come from defaults, then an
// optional YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	Port           string `yaml:"port"`
	DatabaseURL    string `yaml:"database_url"`
	DatabaseDriver string `yaml:"database_driver"`
	RedisURL       string `yaml:"redis_url"`

	AI AIConfig `yaml:"ai"`

	CacheTTL          time.Duration `yaml:"cache_ttl"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`

	BlockingWorkers int           `yaml:"blocking_workers"`
	BlockingQueue   int           `yaml:"blocking_queue"`
	DispatchWorkers int           `yaml:"dispatch_workers"`
	DispatchQueue   int           `yaml:"dispatch_queue"`
	DispatchLockTTL time.Duration `yaml:"dispatch_lock_ttl"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	EscalationKeywords []string `yaml:"escalation_keywords"`

	JWTSecret   string   `yaml:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins"`

	Notifier NotifierConfig `yaml:"notifier"`

	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	ReconcileStaleAfter time.Duration `yaml:"reconcile_stale_after"`
}

// AIConfig configures the completion provider
type AIConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIPath         string        `yaml:"api_path"`
	APIKey          string        `yaml:"api_key"`
	APIKeySecretARN string        `yaml:"api_key_secret_arn"`
	AWSRegion       string        `yaml:"aws_region"`
	TextModel       string        `yaml:"text_model"`
	VisionModel     string        `yaml:"vision_model"`
	Timeout         time.Duration `yaml:"timeout"`
	StreamTimeout   time.Duration `yaml:"stream_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`

	// MaxTokens and Temperature are sent with answer requests when set;
	// zero leaves the provider default.
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// NotifierConfig selects the notification sender
type NotifierConfig struct {
	Mode       string `yaml:"mode"`
	WebhookURL string `yaml:"webhook_url"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Port:           "8080",
		DatabaseDriver: string(DialectPostgres),
		AI: AIConfig{
			BaseURL:       llm.DefaultBaseURL,
			APIPath:       llm.DefaultAPIPath,
			TextModel:     llm.DefaultTextModel,
			VisionModel:   llm.DefaultVisionModel,
			Timeout:       llm.DefaultTimeout,
			StreamTimeout: llm.DefaultStreamTimeout,
			MaxRetries:    3,
			RetryBackoff:  time.Second,
		},
		CacheTTL:            DefaultCacheTTL,
		StreamIdleTimeout:   DefaultStreamIdleTimeout,
		BlockingWorkers:     16,
		BlockingQueue:       256,
		DispatchWorkers:     8,
		DispatchQueue:       512,
		DispatchLockTTL:     DefaultLockTTL,
		DispatchTimeout:     10 * time.Minute,
		EscalationKeywords:  append([]string(nil), DefaultKeywords...),
		CORSOrigins:         []string{"*"},
		Notifier:            NotifierConfig{Mode: string(NotifierLog)},
		ReconcileInterval:   time.Minute,
		ReconcileStaleAfter: 10 * time.Minute,
	}
}

// LoadConfig builds the configuration from defaults, CONFIG_FILE and the
// environment, then validates it.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} and ${VAR:-default} references
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		def := ""
		if idx := strings.Index(name, ":-"); idx != -1 {
			def = name[idx+2:]
			name = name[:idx]
		}
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		return def
	})
}

// applyEnv overrides fields from getenv; unset or empty variables keep the
// current value.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error

	str := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(dst *int, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	float := func(dst *float64, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	list := func(dst *[]string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = splitList(v)
		}
	}

	str(&c.Port, "PORT")
	str(&c.DatabaseURL, "DATABASE_URL")
	str(&c.DatabaseDriver, "DATABASE_DRIVER")
	str(&c.RedisURL, "REDIS_URL")

	str(&c.AI.BaseURL, "AI_BASE_URL")
	str(&c.AI.APIPath, "AI_API_PATH")
	str(&c.AI.APIKey, "AI_API_KEY")
	str(&c.AI.APIKeySecretARN, "AI_API_KEY_SECRET_ARN")
	str(&c.AI.AWSRegion, "AWS_REGION")
	str(&c.AI.TextModel, "AI_TEXT_MODEL")
	str(&c.AI.VisionModel, "AI_VISION_MODEL")
	dur(&c.AI.Timeout, "AI_TIMEOUT")
	dur(&c.AI.StreamTimeout, "AI_STREAM_TIMEOUT")
	num(&c.AI.MaxRetries, "AI_MAX_RETRIES")
	dur(&c.AI.RetryBackoff, "AI_RETRY_BACKOFF")
	num(&c.AI.MaxTokens, "AI_MAX_TOKENS")
	float(&c.AI.Temperature, "AI_TEMPERATURE")

	dur(&c.CacheTTL, "CACHE_TTL")
	dur(&c.StreamIdleTimeout, "STREAM_IDLE_TIMEOUT")
	num(&c.BlockingWorkers, "BLOCKING_WORKERS")
	num(&c.BlockingQueue, "BLOCKING_QUEUE")
	num(&c.DispatchWorkers, "DISPATCH_WORKERS")
	num(&c.DispatchQueue, "DISPATCH_QUEUE")
	dur(&c.DispatchLockTTL, "DISPATCH_LOCK_TTL")
	dur(&c.DispatchTimeout, "DISPATCH_TIMEOUT")
	list(&c.EscalationKeywords, "ESCALATION_KEYWORDS")

	str(&c.JWTSecret, "JWT_SECRET")
	list(&c.CORSOrigins, "CORS_ORIGINS")
	str(&c.Notifier.Mode, "NOTIFIER_MODE")
	str(&c.Notifier.WebhookURL, "NOTIFIER_WEBHOOK_URL")

	dur(&c.ReconcileInterval, "RECONCILE_INTERVAL")
	dur(&c.ReconcileStaleAfter, "RECONCILE_STALE_AFTER")

	return errors.Join(errs...)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks ranges and combinations.
func (c Config) Validate() error {
	var errs []error

	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("port %q is not a number", c.Port))
	}
	if _, err := ParseDialect(c.DatabaseDriver); err != nil {
		errs = append(errs, err)
	}
	if c.AI.Timeout <= 0 {
		errs = append(errs, errors.New("ai timeout must be positive"))
	}
	if c.AI.MaxRetries < 0 {
		errs = append(errs, errors.New("ai max retries must not be negative"))
	}
	if c.AI.MaxTokens < 0 {
		errs = append(errs, errors.New("ai max tokens must not be negative"))
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		errs = append(errs, errors.New("ai temperature must be within 0..2"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be positive"))
	}
	if c.StreamIdleTimeout <= 0 {
		errs = append(errs, errors.New("stream idle timeout must be positive"))
	}
	if c.BlockingWorkers < 1 || c.DispatchWorkers < 1 {
		errs = append(errs, errors.New("worker counts must be at least 1"))
	}
	if c.BlockingQueue < 0 || c.DispatchQueue < 0 {
		errs = append(errs, errors.New("queue sizes must not be negative"))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("dispatch timeout must be positive"))
	}
	switch NotifierMode(strings.ToLower(c.Notifier.Mode)) {
	case NotifierLog, "":
	case NotifierWebhook:
		if c.Notifier.WebhookURL == "" {
			errs = append(errs, errors.New("webhook notifier needs a webhook url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notifier mode %q", c.Notifier.Mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// RetryConfig is the gateway retry policy derived from the AI settings.
func (c AIConfig) RetryConfig() llm.RetryConfig {
	rc := llm.DefaultRetryConfig()
	rc.MaxRetries = c.MaxRetries
	if c.RetryBackoff > 0 {
		rc.InitialBackoff = c.RetryBackoff
	}
	return rc
}
