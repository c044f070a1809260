package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string   `mapstructure:"PORT"`
	Env                    string   `mapstructure:"ENV"`
	AuthMode               string   `mapstructure:"AUTH_MODE"`
	AuthSigningKey         string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer             string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience           string   `mapstructure:"AUTH_AUDIENCE"`
	DatabaseURL            string   `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL               string   `mapstructure:"REDIS_URL"`
	CORSOrigins            []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS           float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int      `mapstructure:"RATE_LIMIT_BURST"`
	Timezone               string   `mapstructure:"TIMEZONE"`
	DefaultSessionCapacity int      `mapstructure:"DEFAULT_SESSION_CAPACITY"`
	InternalHorizonDays    int      `mapstructure:"INTERNAL_HORIZON_DAYS"`
	PublicHorizonDays      int      `mapstructure:"PUBLIC_HORIZON_DAYS"`
	FilterElapsedSlots     bool     `mapstructure:"FILTER_ELAPSED_SLOTS"`
	BookingMaxRetries      int      `mapstructure:"BOOKING_MAX_RETRIES"`
	SweepSchedule          string   `mapstructure:"SWEEP_SCHEDULE"`
	WorkerConcurrency      int      `mapstructure:"WORKER_CONCURRENCY"`
	MigrationsDir          string   `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TIMEZONE", "DEFAULT_SESSION_CAPACITY",
	"INTERNAL_HORIZON_DAYS", "PUBLIC_HORIZON_DAYS", "FILTER_ELAPSED_SLOTS",
	"BOOKING_MAX_RETRIES", "SWEEP_SCHEDULE", "WORKER_CONCURRENCY", "MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("DEFAULT_SESSION_CAPACITY", 30)
	v.SetDefault("INTERNAL_HORIZON_DAYS", 14)
	v.SetDefault("PUBLIC_HORIZON_DAYS", 16)
	v.SetDefault("FILTER_ELAPSED_SLOTS", false)
	v.SetDefault("BOOKING_MAX_RETRIES", 3)
	v.SetDefault("SWEEP_SCHEDULE", "5 0 * * *")
	v.SetDefault("WORKER_CONCURRENCY", 10)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
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

	if cfg.DatabaseURL == "" && !cfg.IsDev() {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: requests without a bearer token are accepted; X-Doctor-ID selects the doctor.")
		if cfg.DatabaseURL == "" {
			log.Println("WARNING: DATABASE_URL not set, using the in-memory store.")
		}
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

// UseMemoryStore reports whether repositories should be backed by process memory.
func (c *Config) UseMemoryStore() bool {
	return c.DatabaseURL == ""
}

// ResolvedAuthMode returns the effective auth mode. An explicit AUTH_MODE wins;
// otherwise development maps to "development" and everything else to "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Location returns the time zone used to decide what "today" is.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"jwt\"")
	}
	if c.IsProduction() && c.UseMemoryStore() {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.DefaultSessionCapacity <= 0 {
		return fmt.Errorf("DEFAULT_SESSION_CAPACITY must be positive, got %d", c.DefaultSessionCapacity)
	}
	if c.InternalHorizonDays <= 0 || c.PublicHorizonDays <= 0 {
		return fmt.Errorf("slot horizons must be positive (internal=%d, public=%d)",
			c.InternalHorizonDays, c.PublicHorizonDays)
	}
	if c.BookingMaxRetries < 1 {
		return fmt.Errorf("BOOKING_MAX_RETRIES must be at least 1, got %d", c.BookingMaxRetries)
	}
	return nil
}
