package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Port                        string        `mapstructure:"PORT"`
	Env                         string        `mapstructure:"ENV"`
	DatabaseURL                 string        `mapstructure:"DATABASE_URL"`
	DBMaxConns                  int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns                  int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir               string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL                    string        `mapstructure:"REDIS_URL"`
	RelayChannel                string        `mapstructure:"RELAY_CHANNEL"`
	AuthSigningKey              string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer                  string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience                string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins                 []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS                float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst              int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout              time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout             time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	DefaultNotificationDuration int           `mapstructure:"DEFAULT_NOTIFICATION_DURATION"`
	EscalationTimeout           time.Duration `mapstructure:"ESCALATION_TIMEOUT"`
	EscalationFallbackHospital  string        `mapstructure:"ESCALATION_FALLBACK_HOSPITAL_ID"`
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
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("RELAY_CHANNEL", "referral-events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("DEFAULT_NOTIFICATION_DURATION", 120)
	v.SetDefault("ESCALATION_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
		"REDIS_URL", "RELAY_CHANNEL", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
		"SHUTDOWN_TIMEOUT", "DEFAULT_NOTIFICATION_DURATION", "ESCALATION_TIMEOUT",
		"ESCALATION_FALLBACK_HOSPITAL_ID",
	} {
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
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: X-Hospital-ID headers are trusted without a token.")
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

// NotificationDuration is the escalation window applied to hospitals that
// have no notification_duration of their own.
func (c *Config) NotificationDuration() time.Duration {
	if c.DefaultNotificationDuration <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.DefaultNotificationDuration) * time.Second
}

// FallbackHospitalID parses ESCALATION_FALLBACK_HOSPITAL_ID. It returns
// uuid.Nil when unset.
func (c *Config) FallbackHospitalID() uuid.UUID {
	if c.EscalationFallbackHospital == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(c.EscalationFallbackHospital)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// SigningKey decodes AUTH_SIGNING_KEY. Empty when unset.
func (c *Config) SigningKey() []byte {
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil
	}
	return key
}

// Validate checks that the configuration is safe to run. Outside development
// a hex AUTH_SIGNING_KEY of at least 32 bytes is required so hospital
// principals come from verified tokens.
func (c *Config) Validate() error {
	if c.AuthSigningKey != "" {
		keyBytes, err := hex.DecodeString(c.AuthSigningKey)
		if err != nil {
			return fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	} else if !c.IsDev() {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}

	if c.EscalationFallbackHospital != "" {
		if _, err := uuid.Parse(c.EscalationFallbackHospital); err != nil {
			return fmt.Errorf("ESCALATION_FALLBACK_HOSPITAL_ID is not a valid uuid: %w", err)
		}
	}

	if c.DefaultNotificationDuration < 0 {
		return fmt.Errorf("DEFAULT_NOTIFICATION_DURATION must not be negative, got %d", c.DefaultNotificationDuration)
	}
	if c.EscalationTimeout <= 0 {
		return fmt.Errorf("ESCALATION_TIMEOUT must be positive")
	}

	return nil
}
