package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Crawl concurrency bounds.
const (
	MinConcurrency = 1
	MaxConcurrency = 16
)

// Config holds application configuration
type Config struct {
	Port           string
	Environment    string // development, staging, production
	LogLevel       string
	LogFormat      string
	AllowedOrigins string

	BaseURL      string
	Gnmkdm       string
	SSOEntryPath string
	SSOHost      string

	// Exactly one key source is used: PEM text, a PEM file, or the dynamic
	// modulus/exponent endpoint, in that order.
	SSOPublicKeyPEM  string
	SSOPublicKeyFile string
	SSOPublicKeyURL  string

	LoginRetries     int
	SessionTTL       time.Duration
	TaskRetention    time.Duration
	CrawlConcurrency int

	UpstreamRPS     float64
	UpstreamBurst   int
	UpstreamTimeout time.Duration

	RabbitMQURL     string
	OpenAPISpecPath string
}

// Load loads configuration from environment variables and validates it
func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := FromEnv()
	if err != nil {
		log.Fatalf("Configuration parsing failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	return cfg
}

// FromEnv reads every setting from the environment, applying defaults.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:8080"),

		BaseURL:      getEnv("JWXT_BASE_URL", "https://jwxt.shu.edu.cn"),
		Gnmkdm:       getEnv("JWXT_GNMKDM", "N253512"),
		SSOEntryPath: getEnv("SSO_ENTRY_PATH", ""),
		SSOHost:      getEnv("SSO_HOST", "newsso.shu.edu.cn"),

		SSOPublicKeyPEM:  os.Getenv("SSO_PUBLIC_KEY_PEM"),
		SSOPublicKeyFile: os.Getenv("SSO_PUBLIC_KEY_FILE"),
		SSOPublicKeyURL:  os.Getenv("SSO_PUBLIC_KEY_URL"),

		LoginRetries:     p.int("LOGIN_RETRIES", 2),
		SessionTTL:       p.duration("SESSION_TTL", 6*time.Hour),
		TaskRetention:    p.duration("TASK_RETENTION", time.Hour),
		CrawlConcurrency: p.int("CRAWL_CONCURRENCY", 12),

		UpstreamRPS:     p.float("UPSTREAM_RPS", 8),
		UpstreamBurst:   p.int("UPSTREAM_BURST", 16),
		UpstreamTimeout: p.duration("UPSTREAM_TIMEOUT", 20*time.Second),

		RabbitMQURL:     os.Getenv("RABBITMQ_URL"),
		OpenAPISpecPath: getEnv("OPENAPI_SPEC_PATH", "artifacts/openapi.yaml"),
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// Validate checks configuration for correctness and clamps bounded values
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("JWXT_BASE_URL must be an absolute URL (got %q)", c.BaseURL)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("JWXT_BASE_URL must use https in production (got %q)", c.BaseURL)
	}

	if strings.TrimSpace(c.SSOPublicKeyPEM) == "" && c.SSOPublicKeyFile == "" && c.SSOPublicKeyURL == "" {
		return fmt.Errorf("one of SSO_PUBLIC_KEY_PEM, SSO_PUBLIC_KEY_FILE or SSO_PUBLIC_KEY_URL must be set")
	}

	if c.LoginRetries < 0 {
		return fmt.Errorf("LOGIN_RETRIES must not be negative (got %d)", c.LoginRetries)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive (got %s)", c.SessionTTL)
	}
	if c.TaskRetention <= 0 {
		return fmt.Errorf("TASK_RETENTION must be positive (got %s)", c.TaskRetention)
	}
	if c.UpstreamRPS <= 0 || c.UpstreamBurst <= 0 {
		return fmt.Errorf("UPSTREAM_RPS and UPSTREAM_BURST must be positive")
	}

	if clamped := min(max(c.CrawlConcurrency, MinConcurrency), MaxConcurrency); clamped != c.CrawlConcurrency {
		log.Printf("CRAWL_CONCURRENCY %d clamped to %d", c.CrawlConcurrency, clamped)
		c.CrawlConcurrency = clamped
	}

	if c.IsProduction() && c.AllowedOrigins != "" {
		log.Println("WARNING: Ensure ALLOWED_ORIGINS uses HTTPS in production")
	}

	return nil
}

// PublicKeyPEM returns the static key text, reading SSO_PUBLIC_KEY_FILE when
// the inline value is empty. An empty result selects the dynamic key source.
func (c *Config) PublicKeyPEM() (string, error) {
	if strings.TrimSpace(c.SSOPublicKeyPEM) != "" {
		return c.SSOPublicKeyPEM, nil
	}
	if c.SSOPublicKeyFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.SSOPublicKeyFile)
	if err != nil {
		return "", fmt.Errorf("read SSO_PUBLIC_KEY_FILE: %w", err)
	}
	return string(data), nil
}

// EventsEnabled reports whether events are published to RabbitMQ.
func (c *Config) EventsEnabled() bool {
	return c.RabbitMQURL != ""
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev" || c.Environment == ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser keeps the first malformed value it sees.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
