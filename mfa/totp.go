package mfa

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod = 30
	totpSkew   = 1
)

// Enrollment is a freshly generated TOTP secret and its provisioning URI.
type Enrollment struct {
	Secret string
	URI    string
}

// TOTP generates and validates RFC 6238 codes: six digits, SHA-1,
// 30 second steps, one step of tolerance either side.
type TOTP struct {
	issuer string
}

func NewTOTP(issuer string) *TOTP {
	return &TOTP{issuer: issuer}
}

func (t *TOTP) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Generate creates a new secret for account.
func (t *TOTP) Generate(account string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}
	return &Enrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// Validate reports whether code is valid for secret at now. Malformed codes
// and secrets are simply invalid.
func (t *TOTP) Validate(code, secret string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != otp.DigitsSix.Length() || !isDigits(code) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now, t.opts())
	return err == nil && ok
}

// Code returns the code for secret at now.
func (t *TOTP) Code(secret string, now time.Time) (string, error) {
	o := t.opts()
	return totp.GenerateCodeCustom(secret, now, o)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
