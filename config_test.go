package identity

import (
	"bytes"
	"testing"
	"time"
)

func TestDefaultConfigNeedsKeys(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected defaults without keys to be rejected")
	}
	if cfg.Throttle.MaxAttempts != 5 || cfg.Throttle.Lockout != 30*time.Minute {
		t.Fatalf("unexpected throttle defaults %+v", cfg.Throttle)
	}
	if cfg.MFA.ChallengeTTL != 10*time.Minute || cfg.MFA.MaxAttempts != 5 || cfg.MFA.BackupCodeCount != 8 {
		t.Fatalf("unexpected mfa defaults %+v", cfg.MFA)
	}
	if cfg.JWT.AccessTTL != 15*time.Minute || cfg.JWT.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unexpected token lifetimes %+v", cfg.JWT)
	}

	cfg = testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected test config to validate, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short access key", func(c *Config) { c.JWT.AccessKey = []byte("short") }},
		{"shared keys", func(c *Config) { c.JWT.RefreshKey = bytes.Clone(c.JWT.AccessKey) }},
		{"refresh not longer than access", func(c *Config) { c.JWT.RefreshTTL = c.JWT.AccessTTL }},
		{"large leeway", func(c *Config) { c.JWT.Leeway = 2 * time.Minute }},
		{"weak argon2 memory", func(c *Config) { c.Password.Memory = 1024 }},
		{"single attempt", func(c *Config) { c.Throttle.MaxAttempts = 1 }},
		{"zero lockout", func(c *Config) { c.Throttle.Lockout = 0 }},
		{"seal key length", func(c *Config) { c.MFA.SealKey = make([]byte, 16) }},
		{"short codes", func(c *Config) { c.MFA.CodeDigits = 4 }},
		{"no mfa attempts", func(c *Config) { c.MFA.MaxAttempts = 0 }},
		{"no device ttl", func(c *Config) { c.Device.TTL = 0 }},
		{"no page limit", func(c *Config) { c.Audit.HistoryPageLimit = 0 }},
		{"reset digits", func(c *Config) { c.Reset.CodeDigits = 11 }},
	}
	for _, tc := range cases {
		cfg := testConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected Validate to fail", tc.name)
		}
	}
}

func TestCloneConfigCopiesKeys(t *testing.T) {
	cfg := testConfig()
	clone := cloneConfig(cfg)
	cfg.JWT.AccessKey[0] = 'x'
	cfg.MFA.SealKey[0] = 'x'
	if clone.JWT.AccessKey[0] != 'a' || clone.MFA.SealKey[0] != 's' {
		t.Fatalf("expected clone to own its key material")
	}
}
