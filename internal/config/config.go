package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverFile     = "file"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	AuthMode         string        `mapstructure:"AUTH_MODE"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	AMQPURL          string        `mapstructure:"AMQP_URL"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL      string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey   string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	LedgerDriver     string        `mapstructure:"LEDGER_DRIVER"`
	RequestStore     string        `mapstructure:"REQUEST_STORE"`
	RequestStorePath string        `mapstructure:"REQUEST_STORE_PATH"`
	SQLitePath       string        `mapstructure:"SQLITE_PATH"`
	DirectoryFile    string        `mapstructure:"DIRECTORY_FILE"`
	SlotDuration     time.Duration `mapstructure:"SLOT_DURATION"`
	ClinicTimezone   string        `mapstructure:"CLINIC_TIMEZONE"`
	LockTTL          time.Duration `mapstructure:"LOCK_TTL"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AMQP_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "CORS_ORIGINS", "LEDGER_DRIVER", "REQUEST_STORE",
	"REQUEST_STORE_PATH", "SQLITE_PATH", "DIRECTORY_FILE", "SLOT_DURATION",
	"CLINIC_TIMEZONE", "LOCK_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LEDGER_DRIVER", DriverSQLite)
	v.SetDefault("REQUEST_STORE", DriverFile)
	v.SetDefault("REQUEST_STORE_PATH", "data/appointment_requests.json")
	v.SetDefault("SQLITE_PATH", "data/ledger.db")
	v.SetDefault("SLOT_DURATION", "30m")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("LOCK_TTL", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode is AUTH_MODE when set, "development" when ENV=development,
// and "jwt" otherwise.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Location is the clinic time zone in which approval dates and times are
// interpreted.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}
	return loc, nil
}

// Validate checks driver and credential combinations before anything is
// opened.
func (c *Config) Validate() error {
	switch c.LedgerDriver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("LEDGER_DRIVER must be \"postgres\", \"sqlite\" or \"memory\", got %q", c.LedgerDriver)
	}
	switch c.RequestStore {
	case DriverPostgres, DriverFile:
	default:
		return fmt.Errorf("REQUEST_STORE must be \"postgres\" or \"file\", got %q", c.RequestStore)
	}
	if (c.LedgerDriver == DriverPostgres || c.RequestStore == DriverPostgres) && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when a postgres driver is selected")
	}
	if c.RequestStore == DriverFile && c.RequestStorePath == "" {
		return fmt.Errorf("REQUEST_STORE_PATH is required when REQUEST_STORE is \"file\"")
	}
	if c.LedgerDriver == DriverSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when LEDGER_DRIVER is \"sqlite\"")
	}
	if c.SlotDuration <= 0 {
		return fmt.Errorf("SLOT_DURATION must be positive, got %s", c.SlotDuration)
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if !c.IsDev() {
			return fmt.Errorf("AUTH_MODE=development is only allowed with ENV=development")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	return nil
}
