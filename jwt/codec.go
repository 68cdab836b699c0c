package jwt

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType is the value of the "type" claim.
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
	TypeDevice  TokenType = "device"
)

const minKeyBytes = 32

var (
	// ErrExpiredToken is returned when a well-formed, correctly signed token is past its expiry.
	ErrExpiredToken = errors.New("token expired")
	// ErrInvalidToken covers malformed tokens, bad signatures and type mismatches.
	ErrInvalidToken = errors.New("invalid token")
)

// Config configures a Codec. AccessKey, RefreshKey and DeviceKey must be
// distinct so a leak of one cannot forge tokens of another kind.
type Config struct {
	AccessKey  []byte
	RefreshKey []byte
	DeviceKey  []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	DeviceTTL  time.Duration
	Issuer     string
	Audience   string
	Leeway     time.Duration
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	Type        TokenType `json:"type"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token: subject, jti and lifetime only.
type RefreshClaims struct {
	Type TokenType `json:"type"`
	jwt.RegisteredClaims
}

// DeviceClaims binds a trusted device to an identity.
type DeviceClaims struct {
	DeviceID string    `json:"did"`
	Type     TokenType `json:"type"`
	jwt.RegisteredClaims
}

func (c *AccessClaims) tokenType() TokenType  { return c.Type }
func (c *RefreshClaims) tokenType() TokenType { return c.Type }
func (c *DeviceClaims) tokenType() TokenType  { return c.Type }

// IdentityID parses the numeric subject.
func (c *AccessClaims) IdentityID() (int64, error) { return parseSubject(c.Subject) }

// IdentityID parses the numeric subject.
func (c *RefreshClaims) IdentityID() (int64, error) { return parseSubject(c.Subject) }

// IdentityID parses the numeric subject.
func (c *DeviceClaims) IdentityID() (int64, error) { return parseSubject(c.Subject) }

// HasPermission reports whether perm is among the embedded permissions.
func (c *AccessClaims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type typedClaims interface {
	jwt.Claims
	tokenType() TokenType
}

// AccessInput is the identity data embedded into an access token.
type AccessInput struct {
	IdentityID  int64
	Email       string
	Username    string
	Roles       []string
	Permissions []string
}

// Codec signs and verifies tokens. It holds no mutable state.
type Codec struct {
	config Config
}

// NewCodec validates cfg and returns a Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.DeviceTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	keys := map[string][]byte{
		"access":  cfg.AccessKey,
		"refresh": cfg.RefreshKey,
		"device":  cfg.DeviceKey,
	}
	for name, key := range keys {
		if len(key) < minKeyBytes {
			return nil, fmt.Errorf("%s key must be at least %d bytes", name, minKeyBytes)
		}
	}
	if bytes.Equal(cfg.AccessKey, cfg.RefreshKey) ||
		bytes.Equal(cfg.AccessKey, cfg.DeviceKey) ||
		bytes.Equal(cfg.RefreshKey, cfg.DeviceKey) {
		return nil, errors.New("access, refresh and device keys must be distinct")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)

	return &Codec{config: cfg}, nil
}

// AccessTTL is the configured access-token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.config.AccessTTL }

// IssueAccess mints an access token valid from now for AccessTTL.
// Permissions are de-duplicated, keeping first-seen order.
func (c *Codec) IssueAccess(in AccessInput, now time.Time) (string, *AccessClaims, error) {
	claims := &AccessClaims{
		Email:            in.Email,
		Username:         in.Username,
		Roles:            unique(in.Roles),
		Permissions:      unique(in.Permissions),
		Type:             TypeAccess,
		RegisteredClaims: c.registered(in.IdentityID, now, c.config.AccessTTL),
	}
	token, err := c.sign(claims, c.config.AccessKey)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// IssueRefresh mints a refresh token valid from now for RefreshTTL.
func (c *Codec) IssueRefresh(identityID int64, now time.Time) (string, *RefreshClaims, error) {
	claims := &RefreshClaims{
		Type:             TypeRefresh,
		RegisteredClaims: c.registered(identityID, now, c.config.RefreshTTL),
	}
	token, err := c.sign(claims, c.config.RefreshKey)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// IssueDevice mints a device-trust token for deviceID.
func (c *Codec) IssueDevice(identityID int64, deviceID string, now time.Time) (string, *DeviceClaims, error) {
	claims := &DeviceClaims{
		DeviceID:         deviceID,
		Type:             TypeDevice,
		RegisteredClaims: c.registered(identityID, now, c.config.DeviceTTL),
	}
	token, err := c.sign(claims, c.config.DeviceKey)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// ParseAccess verifies an access token as of now.
func (c *Codec) ParseAccess(token string, now time.Time) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(token, claims, c.config.AccessKey, TypeAccess, now); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token as of now.
func (c *Codec) ParseRefresh(token string, now time.Time) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.parse(token, claims, c.config.RefreshKey, TypeRefresh, now); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseDevice verifies a device-trust token as of now.
func (c *Codec) ParseDevice(token string, now time.Time) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	if err := c.parse(token, claims, c.config.DeviceKey, TypeDevice, now); err != nil {
		return nil, err
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", ErrInvalidToken)
	}
	return claims, nil
}

func (c *Codec) registered(identityID int64, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	rc := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(identityID, 10),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    c.config.Issuer,
	}
	if c.config.Audience != "" {
		rc.Audience = jwt.ClaimStrings{c.config.Audience}
	}
	return rc
}

func (c *Codec) sign(claims jwt.Claims, key []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func (c *Codec) parse(tokenStr string, claims typedClaims, key []byte, expected TokenType, now time.Time) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}
	if c.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.config.Issuer))
	}
	if c.config.Audience != "" {
		options = append(options, jwt.WithAudience(c.config.Audience))
	}

	token, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	if claims.tokenType() != expected {
		return fmt.Errorf("%w: expected %s token", ErrInvalidToken, expected)
	}
	if _, err := parseSubject(subjectOf(claims)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

func subjectOf(claims jwt.Claims) string {
	sub, _ := claims.GetSubject()
	return sub
}

func parseSubject(sub string) (int64, error) {
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid subject")
	}
	return id, nil
}

func unique(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
