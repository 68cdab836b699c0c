package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeRecordVersion1 = 1
	maxBlobLen              = 1 << 16
)

// Challenge is a pending multi-factor verification. Code and Payload hold
// sealed bytes; the store never sees plaintext codes or secrets.
type Challenge struct {
	IdentityID  int64
	Method      string
	Code        []byte
	Payload     []byte
	Attempts    uint16
	MaxAttempts uint16
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether now is past the challenge expiry.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Exhausted reports whether no attempts remain.
func (c *Challenge) Exhausted() bool {
	return c.Attempts >= c.MaxAttempts
}

// Remaining is the number of attempts left before exhaustion.
func (c *Challenge) Remaining() int {
	if c.Exhausted() {
		return 0
	}
	return int(c.MaxAttempts - c.Attempts)
}

// ChallengeStore keeps challenges under prefix:<id>. Records outlive their
// logical expiry by grace so an expired challenge can still be reported as
// expired rather than missing.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
	grace  time.Duration
}

// NewChallengeStore returns a store rooted at prefix.
func NewChallengeStore(redisClient redis.UniversalClient, prefix string, grace time.Duration) *ChallengeStore {
	if prefix == "" {
		prefix = "mfa:ch"
	}
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &ChallengeStore{redis: redisClient, prefix: prefix, grace: grace}
}

func (s *ChallengeStore) key(id string) string {
	return s.prefix + ":" + id
}

// Save writes the challenge, replacing any record with the same id.
func (s *ChallengeStore) Save(ctx context.Context, id string, c *Challenge, now time.Time) error {
	encoded, err := encodeChallenge(c)
	if err != nil {
		return err
	}
	ttl := c.ExpiresAt.Sub(now) + s.grace
	if ttl <= 0 {
		ttl = s.grace
	}
	if err := s.redis.Set(ctx, s.key(id), encoded, ttl).Err(); err != nil {
		return backendErr(err)
	}
	return nil
}

// Get loads a challenge without judging its expiry.
func (s *ChallengeStore) Get(ctx context.Context, id string) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, backendErr(err)
	}
	return decodeChallenge(data)
}

// Delete removes the challenge. Missing records are not an error.
func (s *ChallengeStore) Delete(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, s.key(id)).Err(); err != nil {
		return backendErr(err)
	}
	return nil
}

// Consume deletes the challenge and reports whether this caller removed it.
// Only one of several concurrent callers observes true.
func (s *ChallengeStore) Consume(ctx context.Context, id string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, backendErr(err)
	}
	return n > 0, nil
}

// recordChallengeFailureLua bumps the big-endian attempt counter at bytes
// 10-11 of an encoded challenge (after the version byte and the identity
// id) and deletes the record once it reaches the maximum at bytes 12-13.
//
// KEYS[1] challenge
// ARGV[1] version, ARGV[2] fallback ttl in milliseconds
// Returns {record, exhausted}; record carries the new counter.
var recordChallengeFailureLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end
if string.byte(data, 1) ~= tonumber(ARGV[1]) or string.len(data) < 13 then
  return {err='invalid_record'}
end
local attempts = string.byte(data, 10) * 256 + string.byte(data, 11) + 1
local max = string.byte(data, 12) * 256 + string.byte(data, 13)
if attempts > 65535 then
  attempts = 65535
end
data = string.sub(data, 1, 9) .. string.char(math.floor(attempts / 256), attempts % 256) .. string.sub(data, 12)
if attempts >= max then
  redis.call('DEL', KEYS[1])
  return {data, 1}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
  ttl = tonumber(ARGV[2])
end
redis.call('SET', KEYS[1], data, 'PX', ttl)
return {data, 0}
`)

// RecordFailure atomically increments the attempt counter. When the counter
// reaches MaxAttempts the record is deleted and exhausted is true.
func (s *ChallengeStore) RecordFailure(ctx context.Context, id string) (*Challenge, bool, error) {
	res, err := recordChallengeFailureLua.Run(ctx, s.redis,
		[]string{s.key(id)},
		challengeRecordVersion1, s.grace.Milliseconds(),
	).Slice()
	if err != nil {
		if err.Error() == "not_found" {
			return nil, false, ErrNotFound
		}
		return nil, false, backendErr(err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("%w: unexpected challenge reply", ErrBackend)
	}
	data, ok := res[0].(string)
	if !ok {
		return nil, false, fmt.Errorf("%w: unexpected challenge reply", ErrBackend)
	}
	record, err := decodeChallenge([]byte(data))
	if err != nil {
		return nil, false, err
	}
	exhausted, _ := res[1].(int64)
	return record, exhausted == 1, nil
}

func encodeChallenge(c *Challenge) ([]byte, error) {
	if len(c.Method) > 255 || len(c.Code) >= maxBlobLen || len(c.Payload) >= maxBlobLen {
		return nil, errors.New("challenge field length exceeded")
	}

	var buf bytes.Buffer
	buf.WriteByte(challengeRecordVersion1)
	fields := []any{
		c.IdentityID,
		c.Attempts,
		c.MaxAttempts,
		c.CreatedAt.UnixMilli(),
		c.ExpiresAt.UnixMilli(),
		uint8(len(c.Method)),
	}
	for _, f := range fields {
		if err := binary.Write(&buf, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	buf.WriteString(c.Method)
	for _, blob := range [][]byte{c.Code, c.Payload} {
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(blob))); err != nil {
			return nil, err
		}
		buf.Write(blob)
	}
	return buf.Bytes(), nil
}

func decodeChallenge(data []byte) (*Challenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersion1 {
		return nil, fmt.Errorf("invalid challenge record version %d", version)
	}

	var (
		c                Challenge
		created, expires int64
		methodLen        uint8
	)
	for _, f := range []any{&c.IdentityID, &c.Attempts, &c.MaxAttempts, &created, &expires, &methodLen} {
		if err := binary.Read(reader, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	method := make([]byte, methodLen)
	if _, err := io.ReadFull(reader, method); err != nil {
		return nil, err
	}
	c.Method = string(method)
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.ExpiresAt = time.UnixMilli(expires).UTC()

	blobs := make([][]byte, 2)
	for i := range blobs {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		blobs[i] = make([]byte, n)
		if _, err := io.ReadFull(reader, blobs[i]); err != nil {
			return nil, err
		}
	}
	c.Code, c.Payload = blobs[0], blobs[1]
	return &c, nil
}
