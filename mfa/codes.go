package mfa

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"math/big"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	backupAlphabet = "0123456789ABCDEF"
	// BackupCodeLength is the length of every backup code.
	BackupCodeLength = 8
)

var ErrInvalidDigits = errors.New("invalid code digits")

// NumericCode returns a uniformly random decimal code of the given length.
func NumericCode(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", ErrInvalidDigits
	}

	var b strings.Builder
	b.Grow(digits)
	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// EqualCode compares two codes in constant time.
func EqualCode(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewBackupCodes returns n distinct uppercase hex recovery codes.
func NewBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(codes) < n {
		code, err := gonanoid.Generate(backupAlphabet, BackupCodeLength)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// NormalizeBackupCode uppercases code and strips spaces and dashes.
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// LooksLikeBackupCode reports whether code has the backup code shape.
func LooksLikeBackupCode(code string) bool {
	code = NormalizeBackupCode(code)
	if len(code) != BackupCodeLength {
		return false
	}
	return strings.Trim(code, backupAlphabet) == ""
}

// ConsumeBackupCode removes code from codes. It returns the remaining codes
// and whether code was present. Every stored code is compared.
func ConsumeBackupCode(codes []string, code string) ([]string, bool) {
	code = NormalizeBackupCode(code)
	match := -1
	for i, c := range codes {
		if EqualCode(c, code) && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return codes, false
	}
	rest := make([]string, 0, len(codes)-1)
	rest = append(rest, codes[:match]...)
	rest = append(rest, codes[match+1:]...)
	return rest, true
}

// EncodeBackupCodes and DecodeBackupCodes convert between the list and its
// stored form.
func EncodeBackupCodes(codes []string) []byte {
	return []byte(strings.Join(codes, ","))
}

func DecodeBackupCodes(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	return strings.Split(string(raw), ",")
}
