// Package config loads the identityd service configuration with viper from
// a YAML file and IDENTITY_* environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	identity "github.com/cropai/identity"
)

type HTTPConfig struct {
	Address string
	Timeout time.Duration
}

// PostgresConfig selects the relational store. An empty DSN runs the
// in-memory store.
type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SMTPConfig configures email delivery. An empty Host logs codes instead of
// sending them.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// IdentityConfig is the subset of identity.Config exposed to operators.
// Zero values keep the engine defaults.
type IdentityConfig struct {
	AccessSecret  string
	RefreshSecret string
	DeviceSecret  string
	// SealKey is hex encoded, 32 bytes.
	SealKey string

	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	MaxAttempts   int
	Lockout       time.Duration
	FailureWindow time.Duration
	ChallengeTTL  time.Duration
	DeviceTTL     time.Duration
	SeedFile      string
	SweepSchedule string
}

type AppConfig struct {
	Environment string
	HTTP        HTTPConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	SMTP        SMTPConfig
	Identity    IdentityConfig
}

// Load reads path, or identity.yaml from . and ./config when path is empty.
// A missing default file is not an error; a missing explicit path is.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("identity")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("IDENTITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")

	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.timeout", "15s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 20)
	v.SetDefault("postgres.maxidle", 5)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "no-reply@crop-ai.local")
	v.SetDefault("smtp.fromname", "Crop-AI")

	// Secrets have empty defaults so AutomaticEnv can bind them.
	v.SetDefault("identity.accesssecret", "")
	v.SetDefault("identity.refreshsecret", "")
	v.SetDefault("identity.devicesecret", "")
	v.SetDefault("identity.sealkey", "")
	v.SetDefault("identity.issuer", "")
	v.SetDefault("identity.seedfile", "")
	v.SetDefault("identity.sweepschedule", "@every 1h")
}

// Development reports whether the service runs in development mode.
func (c *AppConfig) Development() bool {
	return strings.EqualFold(c.Environment, "development")
}

// EngineConfig maps the operator settings onto identity.Config and
// validates the result.
func (c *AppConfig) EngineConfig() (identity.Config, error) {
	ic := c.Identity
	cfg := identity.DefaultConfig()

	cfg.JWT.AccessKey = []byte(ic.AccessSecret)
	cfg.JWT.RefreshKey = []byte(ic.RefreshSecret)
	cfg.JWT.DeviceKey = []byte(ic.DeviceSecret)
	seal, err := hex.DecodeString(strings.TrimSpace(ic.SealKey))
	if err != nil {
		return identity.Config{}, fmt.Errorf("identity.sealkey: %w", err)
	}
	cfg.MFA.SealKey = seal

	if ic.Issuer != "" {
		cfg.JWT.Issuer = ic.Issuer
		cfg.MFA.Issuer = ic.Issuer
	}
	if ic.AccessTTL > 0 {
		cfg.JWT.AccessTTL = ic.AccessTTL
	}
	if ic.RefreshTTL > 0 {
		cfg.JWT.RefreshTTL = ic.RefreshTTL
	}
	if ic.MaxAttempts > 0 {
		cfg.Throttle.MaxAttempts = ic.MaxAttempts
	}
	if ic.Lockout > 0 {
		cfg.Throttle.Lockout = ic.Lockout
	}
	if ic.FailureWindow > 0 {
		cfg.Throttle.FailureWindow = ic.FailureWindow
	}
	if ic.ChallengeTTL > 0 {
		cfg.MFA.ChallengeTTL = ic.ChallengeTTL
	}
	if ic.DeviceTTL > 0 {
		cfg.Device.TTL = ic.DeviceTTL
	}

	if err := cfg.Validate(); err != nil {
		return identity.Config{}, err
	}
	return cfg, nil
}
