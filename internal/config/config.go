// Package config handles gateway configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL tenant registry (optional, uses in-memory if not set)
	RedisURL    string // Shared cache + rate limiter store (optional, process-local if not set)

	// Security
	AdminSecret string // Guards the tenant admin endpoints
	JWTSecret   string // HS256 key for bearer tokens carrying the tenant claim (optional)
	CORSOrigins []string

	// Upstream webhooks
	WebhookTimeout time.Duration
	Tenants        []TenantSeed // Static tenants from TENANT_<ID>_WEBHOOK_URL / TENANT_<ID>_SECRET

	// Reconciliation
	DriftWarnThreshold float64
	DriftFailThreshold float64
	DriftTolerance     float64
	SeverityPolicy     string // "legacy" or "graded"
	BalanceFactsPath   string // JSONPath to the account facts inside the upstream body

	// Cache
	CacheTTL            map[string]time.Duration // by resource kind
	CacheStaleRetention time.Duration

	// Rate limiting
	RateLimitWindow time.Duration
	RateLimits      map[string]int // by limit class

	// Narrative enrichment
	GeminiAPIKey     string
	GeminiModel      string
	NarrativeTimeout time.Duration

	// Observability
	OTLPEndpoint string

	// Drift monitor
	MonitorInterval time.Duration
}

// TenantSeed is a tenant whose credentials come from the environment.
type TenantSeed struct {
	ID          string
	WebhookURL  string
	Secret      string
	ContentType string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultWebhookTimeout     = 9 * time.Second
	DefaultDriftWarn          = 100.0
	DefaultDriftFail          = 500.0
	DefaultDriftTolerance     = 1.0
	DefaultSeverityPolicy     = "legacy"
	DefaultBalanceFactsPath   = "$.data.accounts"
	DefaultStaleRetention     = 24 * time.Hour
	DefaultRateLimitWindow    = time.Minute
	DefaultGeminiModel        = "gemini-2.5-flash"
	DefaultNarrativeTimeout   = 6 * time.Second
	DefaultMonitorInterval    = 15 * time.Minute
	minWebhookTimeout         = time.Second
	maxWebhookTimeout         = 30 * time.Second
	tenantEnvPrefix           = "TENANT_"
	tenantWebhookURLEnvSuffix = "_WEBHOOK_URL"
)

// DefaultCacheTTL is the freshness bound per resource kind.
var DefaultCacheTTL = map[string]time.Duration{
	"inbox":      time.Minute,
	"pnl":        5 * time.Minute,
	"balance":    2 * time.Minute,
	"overhead":   5 * time.Minute,
	"categories": 10 * time.Minute,
}

// DefaultRateLimits are requests per window by limit class.
var DefaultRateLimits = map[string]int{
	"read":    100,
	"write":   30,
	"auth":    5,
	"reports": 10,
	"health":  200,
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		CORSOrigins:         getEnvList("CORS_ORIGINS", []string{"*"}),
		WebhookTimeout:      clampDuration(getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout), minWebhookTimeout, maxWebhookTimeout),
		Tenants:             loadTenantSeeds(os.Environ()),
		DriftWarnThreshold:  getEnvFloat("DRIFT_WARN_THRESHOLD", DefaultDriftWarn),
		DriftFailThreshold:  getEnvFloat("DRIFT_FAIL_THRESHOLD", DefaultDriftFail),
		DriftTolerance:      getEnvFloat("DRIFT_TOLERANCE", DefaultDriftTolerance),
		SeverityPolicy:      strings.ToLower(getEnv("DRIFT_SEVERITY_POLICY", DefaultSeverityPolicy)),
		BalanceFactsPath:    getEnv("BALANCE_FACTS_PATH", DefaultBalanceFactsPath),
		CacheTTL:            make(map[string]time.Duration, len(DefaultCacheTTL)),
		CacheStaleRetention: getEnvDuration("CACHE_STALE_RETENTION", DefaultStaleRetention),
		RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
		RateLimits:          make(map[string]int, len(DefaultRateLimits)),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:         getEnv("GEMINI_MODEL", DefaultGeminiModel),
		NarrativeTimeout:    getEnvDuration("NARRATIVE_TIMEOUT", DefaultNarrativeTimeout),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MonitorInterval:     getEnvDuration("MONITOR_INTERVAL", DefaultMonitorInterval),
	}

	for kind, ttl := range DefaultCacheTTL {
		cfg.CacheTTL[kind] = getEnvDuration("CACHE_TTL_"+strings.ToUpper(kind), ttl)
	}
	for class, limit := range DefaultRateLimits {
		cfg.RateLimits[class] = int(getEnvInt64("RATE_LIMIT_"+strings.ToUpper(class), int64(limit)))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are coherent
func (c *Config) Validate() error {
	if c.DriftTolerance < 0 {
		return fmt.Errorf("DRIFT_TOLERANCE must not be negative")
	}
	if c.DriftWarnThreshold < c.DriftTolerance {
		return fmt.Errorf("DRIFT_WARN_THRESHOLD must be >= DRIFT_TOLERANCE")
	}
	if c.DriftFailThreshold < c.DriftWarnThreshold {
		return fmt.Errorf("DRIFT_FAIL_THRESHOLD must be >= DRIFT_WARN_THRESHOLD")
	}
	if c.SeverityPolicy != "legacy" && c.SeverityPolicy != "graded" {
		return fmt.Errorf("DRIFT_SEVERITY_POLICY must be \"legacy\" or \"graded\", got %q", c.SeverityPolicy)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	for class, limit := range c.RateLimits {
		if limit <= 0 {
			return fmt.Errorf("RATE_LIMIT_%s must be positive", strings.ToUpper(class))
		}
	}
	for kind, ttl := range c.CacheTTL {
		if ttl <= 0 {
			return fmt.Errorf("CACHE_TTL_%s must be positive", strings.ToUpper(kind))
		}
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	for _, t := range c.Tenants {
		if t.Secret == "" {
			return fmt.Errorf("TENANT_%s_SECRET is required when a webhook URL is set", strings.ToUpper(t.ID))
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// loadTenantSeeds collects TENANT_<ID>_WEBHOOK_URL entries and their secrets.
// IDs are lowercased; underscores in the env name stay as-is.
func loadTenantSeeds(environ []string) []TenantSeed {
	var seeds []TenantSeed
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if !strings.HasPrefix(name, tenantEnvPrefix) || !strings.HasSuffix(name, tenantWebhookURLEnvSuffix) {
			continue
		}
		rawID := strings.TrimSuffix(strings.TrimPrefix(name, tenantEnvPrefix), tenantWebhookURLEnvSuffix)
		if rawID == "" {
			continue
		}
		seeds = append(seeds, TenantSeed{
			ID:          strings.ToLower(rawID),
			WebhookURL:  value,
			Secret:      os.Getenv(tenantEnvPrefix + rawID + "_SECRET"),
			ContentType: os.Getenv(tenantEnvPrefix + rawID + "_CONTENT_TYPE"),
		})
	}
	return seeds
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
