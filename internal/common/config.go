package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Queue       QueueConfig      `toml:"queue"`
	Cache       CacheConfig      `toml:"cache"`
	Encryption  EncryptionConfig `toml:"encryption"`
	Processing  ProcessingConfig `toml:"processing"`
	Services    ServicesConfig   `toml:"services"`
	LLM         LLMConfig        `toml:"llm"`
	Claude      ClaudeConfig     `toml:"claude"`
	Gemini      GeminiConfig     `toml:"gemini"`
	Feedback    FeedbackConfig   `toml:"feedback"`
	Logging     LoggingConfig    `toml:"logging"`
	Features    map[string]bool  `toml:"features"` // Feature flags, overridable via FEATURE_FLAG_<NAME>
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type QueueConfig struct {
	UseRedis          bool   `toml:"use_redis"`          // Use the Redis broker instead of the embedded Badger queue
	RedisURL          string `toml:"redis_url"`          // Redis address, e.g. "localhost:6379"
	PollInterval      string `toml:"poll_interval"`      // e.g. "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent workers per queue
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
}

type CacheConfig struct {
	Enabled           bool   `toml:"enabled"`
	RedisURL          string `toml:"redis_url"`
	KeyPrefix         string `toml:"key_prefix"`
	DefaultTTLSeconds int    `toml:"default_ttl_seconds"`
	FailureThreshold  int    `toml:"failure_threshold"` // Consecutive errors before the cache marks itself unhealthy
}

type EncryptionConfig struct {
	Enabled bool   `toml:"enabled"`
	Key     string `toml:"key"` // 32 raw bytes or 64 hex chars
}

type ProcessingConfig struct {
	JobTimeout       string   `toml:"job_timeout"`       // Hard per-job deadline, default "18m"
	MaxFileSizeBytes int64    `toml:"max_file_size"`     // Upload size limit
	AllowedMimeTypes []string `toml:"allowed_mime_types"`
	CleanupAfter     string   `toml:"cleanup_after"`     // Clear content of jobs without feedback older than this
	CleanupSchedule  string   `toml:"cleanup_schedule"`  // Cron expression for the safety-net sweep
}

type ServicesConfig struct {
	OCRServiceURL  string `toml:"ocr_service_url"`
	OCRAPIKey      string `toml:"ocr_api_key"`
	PIIServiceURL  string `toml:"pii_service_url"`
	PIIAPIKey      string `toml:"pii_api_key"`
	UseExternalPII bool   `toml:"use_external_pii"`
	DifyRAGURL     string `toml:"dify_rag_url"`
	DifyRAGAPIKey  string `toml:"dify_rag_api_key"`
	UseDifyRAG     bool   `toml:"use_dify_rag"`
}

type LLMConfig struct {
	DefaultProvider string `toml:"default_provider"` // "claude" or "gemini"
}

type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Timeout     string  `toml:"timeout"`
	Temperature float32 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
}

type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Timeout     string  `toml:"timeout"`
	Temperature float32 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
}

type FeedbackConfig struct {
	RateLimitPerMinute int `toml:"rate_limit_per_minute"` // Per-IP submissions, default 10
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// DefaultConfig returns the configuration defaults applied before any file or
// environment override.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/klartext",
			},
		},
		Queue: QueueConfig{
			UseRedis:          false,
			RedisURL:          "localhost:6379",
			PollInterval:      "1s",
			Concurrency:       2,
			VisibilityTimeout: "5m",
			MaxReceive:        3,
		},
		Cache: CacheConfig{
			Enabled:           false,
			RedisURL:          "localhost:6379",
			KeyPrefix:         "klartext",
			DefaultTTLSeconds: 300,
			FailureThreshold:  5,
		},
		Encryption: EncryptionConfig{
			Enabled: true,
		},
		Processing: ProcessingConfig{
			JobTimeout:       "18m",
			MaxFileSizeBytes: 20 * 1024 * 1024,
			AllowedMimeTypes: []string{"application/pdf", "image/png", "image/jpeg", "image/tiff"},
			CleanupAfter:     "48h",
			CleanupSchedule:  "0 * * * *",
		},
		LLM: LLMConfig{
			DefaultProvider: "claude",
		},
		Claude: ClaudeConfig{
			Model:       "claude-sonnet-4-20250514",
			Timeout:     "120s",
			Temperature: 0.3,
			MaxTokens:   8192,
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.5-flash",
			Timeout:     "120s",
			Temperature: 0.3,
			MaxTokens:   8192,
		},
		Feedback: FeedbackConfig{
			RateLimitPerMinute: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Features: map[string]bool{
			"vision_llm_fallback_enabled": true,
			"pii_regex_fallback_enabled":  true,
		},
	}
}

// LoadFromFiles loads configuration in priority order:
// defaults -> file1 -> file2 -> ... -> environment variables.
// Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of the
// file-based configuration. Variable names follow the deployment contract.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Queue.RedisURL = v
		cfg.Cache.RedisURL = v
	}
	if v, ok := envBool("USE_REDIS_QUEUE"); ok {
		cfg.Queue.UseRedis = v
	}
	if v, ok := envBool("ENCRYPTION_ENABLED"); ok {
		cfg.Encryption.Enabled = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("OCR_SERVICE_URL"); v != "" {
		cfg.Services.OCRServiceURL = v
	}
	if v := os.Getenv("OCR_SERVICE_API_KEY"); v != "" {
		cfg.Services.OCRAPIKey = v
	}
	if v := os.Getenv("PII_SERVICE_URL"); v != "" {
		cfg.Services.PIIServiceURL = v
	}
	if v := os.Getenv("EXTERNAL_PII_API_KEY"); v != "" {
		cfg.Services.PIIAPIKey = v
	}
	if v, ok := envBool("USE_EXTERNAL_PII"); ok {
		cfg.Services.UseExternalPII = v
	}
	if v := os.Getenv("DIFY_RAG_URL"); v != "" {
		cfg.Services.DifyRAGURL = v
	}
	if v := os.Getenv("DIFY_RAG_API_KEY"); v != "" {
		cfg.Services.DifyRAGAPIKey = v
	}
	if v, ok := envBool("USE_DIFY_RAG"); ok {
		cfg.Services.UseDifyRAG = v
	}
	if v, ok := envBool("CACHE_ENABLED"); ok {
		cfg.Cache.Enabled = v
	}
	if v := os.Getenv("CACHE_DEFAULT_TTL_SECONDS"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil && ttl > 0 {
			cfg.Cache.DefaultTTLSeconds = ttl
		}
	}
	if v := os.Getenv("CACHE_KEY_PREFIX"); v != "" {
		cfg.Cache.KeyPrefix = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Claude.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
	}

	// FEATURE_FLAG_<NAME>=true/false overrides individual feature flags.
	// The flag name is lowercased, e.g. FEATURE_FLAG_VISION_LLM_FALLBACK_ENABLED.
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "FEATURE_FLAG_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(parts[0], "FEATURE_FLAG_"))
		if val, err := strconv.ParseBool(parts[1]); err == nil {
			if cfg.Features == nil {
				cfg.Features = make(map[string]bool)
			}
			cfg.Features[name] = val
		}
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

// Validate checks configuration consistency at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.Badger.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if _, err := time.ParseDuration(c.Processing.JobTimeout); err != nil {
		return fmt.Errorf("invalid job_timeout %q: %w", c.Processing.JobTimeout, err)
	}
	if _, err := time.ParseDuration(c.Processing.CleanupAfter); err != nil {
		return fmt.Errorf("invalid cleanup_after %q: %w", c.Processing.CleanupAfter, err)
	}
	if _, err := time.ParseDuration(c.Queue.PollInterval); err != nil {
		return fmt.Errorf("invalid poll_interval %q: %w", c.Queue.PollInterval, err)
	}
	if _, err := time.ParseDuration(c.Queue.VisibilityTimeout); err != nil {
		return fmt.Errorf("invalid visibility_timeout %q: %w", c.Queue.VisibilityTimeout, err)
	}
	if c.Encryption.Enabled && c.Environment == "production" && c.Encryption.Key == "" {
		return fmt.Errorf("encryption is enabled but no key is configured (set ENCRYPTION_KEY)")
	}
	switch c.LLM.DefaultProvider {
	case "claude", "gemini":
	default:
		return fmt.Errorf("invalid default_provider %q (must be claude or gemini)", c.LLM.DefaultProvider)
	}
	return nil
}

// JobTimeoutDuration returns the parsed per-job hard deadline.
func (c *Config) JobTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Processing.JobTimeout)
	if err != nil {
		return 18 * time.Minute
	}
	return d
}

// CleanupAfterDuration returns the parsed content-retention window.
func (c *Config) CleanupAfterDuration() time.Duration {
	d, err := time.ParseDuration(c.Processing.CleanupAfter)
	if err != nil {
		return 48 * time.Hour
	}
	return d
}

// FeatureEnabled reports whether a named feature flag is on.
func (c *Config) FeatureEnabled(name string) bool {
	if c.Features == nil {
		return false
	}
	return c.Features[strings.ToLower(name)]
}
