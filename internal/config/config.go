package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"` // empty uses the embedded migrations
	RedisURL      string   `mapstructure:"REDIS_URL"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	LogFile       string   `mapstructure:"LOG_FILE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// LLM gateway
	LLMProvider    string        `mapstructure:"LLM_PROVIDER"`
	LLMAPIKey      string        `mapstructure:"LLM_API_KEY"`
	LLMBaseURL     string        `mapstructure:"LLM_BASE_URL"`
	LLMModel       string        `mapstructure:"LLM_MODEL"`
	LLMTimeout     time.Duration `mapstructure:"LLM_TIMEOUT"`
	LLMTemperature float64       `mapstructure:"LLM_TEMPERATURE"`
	LLMMaxTokens   int           `mapstructure:"LLM_MAX_TOKENS"`

	// Orchestration
	MaxToolRounds int           `mapstructure:"ASSISTANT_MAX_TOOL_ROUNDS"`
	HistoryLimit  int           `mapstructure:"ASSISTANT_HISTORY_LIMIT"`
	ContextTTL    time.Duration `mapstructure:"ASSISTANT_CONTEXT_TTL"`

	// Usage ledger
	DailyTokenLimit int64  `mapstructure:"USAGE_DAILY_TOKEN_LIMIT"`
	UsageBackend    string `mapstructure:"USAGE_BACKEND"`

	CommitStatementTimeout time.Duration `mapstructure:"COMMIT_STATEMENT_TIMEOUT"`
	QueryStatementTimeout  time.Duration `mapstructure:"QUERY_STATEMENT_TIMEOUT"`

	AuditVerifySchedule string `mapstructure:"AUDIT_VERIFY_SCHEDULE"`
	OTLPEndpoint        string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "DEFAULT_TENANT",
	"CORS_ORIGINS", "LOG_FILE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"LLM_PROVIDER", "LLM_API_KEY", "LLM_BASE_URL", "LLM_MODEL", "LLM_TIMEOUT",
	"LLM_TEMPERATURE", "LLM_MAX_TOKENS",
	"ASSISTANT_MAX_TOOL_ROUNDS", "ASSISTANT_HISTORY_LIMIT", "ASSISTANT_CONTEXT_TTL",
	"USAGE_DAILY_TOKEN_LIMIT", "USAGE_BACKEND",
	"COMMIT_STATEMENT_TIMEOUT", "QUERY_STATEMENT_TIMEOUT",
	"AUDIT_VERIFY_SCHEDULE", "OTEL_EXPORTER_OTLP_ENDPOINT",
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
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_TIMEOUT", "60s")
	v.SetDefault("LLM_TEMPERATURE", 0.2)
	v.SetDefault("LLM_MAX_TOKENS", 1500)
	v.SetDefault("ASSISTANT_MAX_TOOL_ROUNDS", 3)
	v.SetDefault("ASSISTANT_HISTORY_LIMIT", 20)
	v.SetDefault("ASSISTANT_CONTEXT_TTL", "2m")
	v.SetDefault("USAGE_DAILY_TOKEN_LIMIT", 500000)
	v.SetDefault("USAGE_BACKEND", "postgres")
	v.SetDefault("COMMIT_STATEMENT_TIMEOUT", "5s")
	v.SetDefault("QUERY_STATEMENT_TIMEOUT", "3s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
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
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
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

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set outside development (current ENV=%q)", c.Env)
	}
	if c.LLMProvider != "openai" {
		return fmt.Errorf("LLM_PROVIDER must be \"openai\", got %q", c.LLMProvider)
	}
	if c.IsProduction() && c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required in production")
	}
	if c.MaxToolRounds < 2 || c.MaxToolRounds > 10 {
		return fmt.Errorf("ASSISTANT_MAX_TOOL_ROUNDS must be between 2 and 10, got %d", c.MaxToolRounds)
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive")
	}
	if c.DailyTokenLimit <= 0 {
		return fmt.Errorf("USAGE_DAILY_TOKEN_LIMIT must be positive, got %d", c.DailyTokenLimit)
	}
	switch c.UsageBackend {
	case "postgres":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when USAGE_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("USAGE_BACKEND must be \"postgres\" or \"redis\", got %q", c.UsageBackend)
	}
	return nil
}
