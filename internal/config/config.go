package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	OpenAIAPIKey  string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `mapstructure:"OPENAI_BASE_URL"`
	LLMModel      string        `mapstructure:"LLM_MODEL"`
	LLMTimeout    time.Duration `mapstructure:"LLM_TIMEOUT"`

	TriageHistoryTurns      int     `mapstructure:"TRIAGE_HISTORY_TURNS"`
	TriageHandoffConfidence float64 `mapstructure:"TRIAGE_HANDOFF_CONFIDENCE"`
	OnCallProviderID        string  `mapstructure:"ONCALL_PROVIDER_ID"`

	WebhookTimeout          time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	WebhookRateLimit        int           `mapstructure:"WEBHOOK_RATE_LIMIT"`
	WebhookRateWindow       time.Duration `mapstructure:"WEBHOOK_RATE_WINDOW"`
	WebhookFailureThreshold int           `mapstructure:"WEBHOOK_FAILURE_THRESHOLD"`

	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "LLM_MODEL", "LLM_TIMEOUT",
	"TRIAGE_HISTORY_TURNS", "TRIAGE_HANDOFF_CONFIDENCE", "ONCALL_PROVIDER_ID",
	"WEBHOOK_TIMEOUT", "WEBHOOK_RATE_LIMIT", "WEBHOOK_RATE_WINDOW", "WEBHOOK_FAILURE_THRESHOLD",
	"SHUTDOWN_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_TIMEOUT", "30s")
	v.SetDefault("TRIAGE_HISTORY_TURNS", 10)
	v.SetDefault("TRIAGE_HANDOFF_CONFIDENCE", 0.7)
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("WEBHOOK_RATE_LIMIT", 10)
	v.SetDefault("WEBHOOK_RATE_WINDOW", "1m")
	v.SetDefault("WEBHOOK_FAILURE_THRESHOLD", 10)
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, requests default to admin.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LLMEnabled reports whether a language model key is configured. Without one
// the server still runs but automated replies are disabled.
func (c *Config) LLMEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.WebhookRateLimit <= 0 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT must be positive, got %d", c.WebhookRateLimit)
	}
	if c.WebhookRateWindow <= 0 {
		return fmt.Errorf("WEBHOOK_RATE_WINDOW must be positive, got %s", c.WebhookRateWindow)
	}
	if c.WebhookFailureThreshold <= 0 {
		return fmt.Errorf("WEBHOOK_FAILURE_THRESHOLD must be positive, got %d", c.WebhookFailureThreshold)
	}
	if c.TriageHandoffConfidence < 0 || c.TriageHandoffConfidence > 1 {
		return fmt.Errorf("TRIAGE_HANDOFF_CONFIDENCE must be within [0,1], got %v", c.TriageHandoffConfidence)
	}
	if c.TriageHistoryTurns <= 0 {
		return fmt.Errorf("TRIAGE_HISTORY_TURNS must be positive, got %d", c.TriageHistoryTurns)
	}
	return nil
}
