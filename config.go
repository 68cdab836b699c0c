package identity

import (
	"bytes"
	"errors"
	"time"
)

// Config holds every tunable of the engine. Start from DefaultConfig and
// set the keys; Build rejects a config that fails Validate.
type Config struct {
	JWT      JWTConfig
	Password PasswordConfig
	Throttle ThrottleConfig
	MFA      MFAConfig
	Device   DeviceConfig
	Audit    AuditConfig
	Reset    ResetConfig
}

// JWTConfig configures the token codec. The three keys must differ.
type JWTConfig struct {
	AccessKey  []byte
	RefreshKey []byte
	DeviceKey  []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Audience   string
	Leeway     time.Duration
}

type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
	MaxBytes    int
}

// ThrottleConfig drives both the address throttle and the account lock.
type ThrottleConfig struct {
	MaxAttempts   int
	Lockout       time.Duration
	FailureWindow time.Duration
	Retention     time.Duration
	RedisPrefix   string
}

type MFAConfig struct {
	// SealKey encrypts TOTP secrets, backup codes and delivered codes at
	// rest. It must be 32 bytes.
	SealKey         []byte
	Issuer          string
	ChallengeTTL    time.Duration
	MaxAttempts     int
	BackupCodeCount int
	CodeDigits      int
	SetupTTL        time.Duration
	RedisPrefix     string
}

type DeviceConfig struct {
	TTL time.Duration
}

type AuditConfig struct {
	HistoryPageLimit int
}

type ResetConfig struct {
	CodeTTL     time.Duration
	MaxAttempts int
	CodeDigits  int
	RedisPrefix string
}

// DefaultConfig returns the defaults with no keys set.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Issuer:     "Crop-AI",
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   8,
			MaxBytes:    1024,
		},
		Throttle: ThrottleConfig{
			MaxAttempts:   5,
			Lockout:       30 * time.Minute,
			FailureWindow: time.Hour,
			Retention:     24 * time.Hour,
			RedisPrefix:   "idt:thr",
		},
		MFA: MFAConfig{
			Issuer:          "Crop-AI",
			ChallengeTTL:    10 * time.Minute,
			MaxAttempts:     5,
			BackupCodeCount: 8,
			CodeDigits:      6,
			SetupTTL:        10 * time.Minute,
			RedisPrefix:     "idt:mfa",
		},
		Device: DeviceConfig{
			TTL: 30 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			HistoryPageLimit: 100,
		},
		Reset: ResetConfig{
			CodeTTL:     15 * time.Minute,
			MaxAttempts: 5,
			CodeDigits:  6,
			RedisPrefix: "idt:reset",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.AccessKey = cloneBytes(cfg.JWT.AccessKey)
	out.JWT.RefreshKey = cloneBytes(cfg.JWT.RefreshKey)
	out.JWT.DeviceKey = cloneBytes(cfg.JWT.DeviceKey)
	out.MFA.SealKey = cloneBytes(cfg.MFA.SealKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// JWT
	if len(c.JWT.AccessKey) < 32 || len(c.JWT.RefreshKey) < 32 || len(c.JWT.DeviceKey) < 32 {
		return errors.New("JWT keys must be at least 32 bytes")
	}
	if bytes.Equal(c.JWT.AccessKey, c.JWT.RefreshKey) ||
		bytes.Equal(c.JWT.AccessKey, c.JWT.DeviceKey) ||
		bytes.Equal(c.JWT.RefreshKey, c.JWT.DeviceKey) {
		return errors.New("JWT access, refresh and device keys must be distinct")
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be longer than AccessTTL")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > time.Minute {
		return errors.New("JWT Leeway must be between 0 and 1m")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 1 || (c.Password.MaxBytes > 0 && c.Password.MinLength > c.Password.MaxBytes) {
		return errors.New("Password MinLength is out of range")
	}

	// Throttle
	if c.Throttle.MaxAttempts < 2 {
		return errors.New("Throttle MaxAttempts must be >= 2")
	}
	if c.Throttle.Lockout <= 0 || c.Throttle.FailureWindow <= 0 || c.Throttle.Retention <= 0 {
		return errors.New("Throttle durations must be > 0")
	}

	// MFA
	if len(c.MFA.SealKey) != 32 {
		return errors.New("MFA SealKey must be 32 bytes")
	}
	if c.MFA.ChallengeTTL <= 0 || c.MFA.SetupTTL <= 0 {
		return errors.New("MFA ChallengeTTL and SetupTTL must be > 0")
	}
	if c.MFA.MaxAttempts <= 0 || c.MFA.MaxAttempts > 255 {
		return errors.New("MFA MaxAttempts must be between 1 and 255")
	}
	if c.MFA.BackupCodeCount < 0 || c.MFA.BackupCodeCount > 32 {
		return errors.New("MFA BackupCodeCount must be between 0 and 32")
	}
	if c.MFA.CodeDigits < 6 || c.MFA.CodeDigits > 10 {
		return errors.New("MFA CodeDigits must be between 6 and 10")
	}

	if c.Device.TTL <= 0 {
		return errors.New("Device TTL must be > 0")
	}
	if c.Audit.HistoryPageLimit <= 0 {
		return errors.New("Audit HistoryPageLimit must be > 0")
	}

	// Reset
	if c.Reset.CodeTTL <= 0 || c.Reset.MaxAttempts <= 0 {
		return errors.New("Reset CodeTTL and MaxAttempts must be > 0")
	}
	if c.Reset.CodeDigits < 6 || c.Reset.CodeDigits > 10 {
		return errors.New("Reset CodeDigits must be between 6 and 10")
	}
	return nil
}
