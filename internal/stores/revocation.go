package stores

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore is the token blacklist. Entries expire with the token
// they revoke since an expired token is rejected anyway.
type RevocationStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRevocationStore returns a store rooted at prefix.
func NewRevocationStore(redisClient redis.UniversalClient, prefix string) *RevocationStore {
	if prefix == "" {
		prefix = "revoked"
	}
	return &RevocationStore{redis: redisClient, prefix: prefix}
}

func (s *RevocationStore) key(jti string) string {
	return s.prefix + ":" + jti
}

// Revoke blacklists jti until expiresAt. Tokens already past expiry are
// not recorded.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt, now time.Time) error {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	err := s.redis.Set(ctx, s.key(jti), strconv.FormatInt(expiresAt.Unix(), 10), ttl).Err()
	return backendErr(err)
}

// IsRevoked reports whether jti is blacklisted.
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(jti)).Result()
	if err != nil {
		return false, backendErr(err)
	}
	return n > 0, nil
}
