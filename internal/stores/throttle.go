package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AccountScope keys the record shared by every address of one identity.
const AccountScope = "*"

// ThrottleRecord counts failed logins for one (identity, address) pair.
// IdentityID 0 keys address-only records.
type ThrottleRecord struct {
	FailedAttempts uint32
	LastAttemptAt  time.Time
	BlockedUntil   time.Time
}

// Blocked reports whether the record carries an unexpired block.
func (r *ThrottleRecord) Blocked(now time.Time) bool {
	return !r.BlockedUntil.IsZero() && r.BlockedUntil.After(now)
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	// Allowed is false when the pair was already blocked or at its limit.
	Allowed bool
	// Count is the number of attempts in the current window, this one
	// included when Allowed.
	Count int
	// BlockedUntil is set once the limit is reached. An allowed
	// reservation carrying it was the last one before the block.
	BlockedUntil time.Time
}

// Records are hashes with fields n, last and until. Times are unix
// milliseconds and until is 0 when no block is set. Every mutation runs as
// a single script so concurrent logins never lose a count.

// KEYS[1] record
// ARGV[1] now, ARGV[2] max attempts, ARGV[3] lockout, ARGV[4] retention
// Returns {blocked, until}.
var throttleCheckLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local f = redis.call('HMGET', KEYS[1], 'n', 'until')
if not f[1] then
  return {0, 0}
end
local n = tonumber(f[1])
local blocked = tonumber(f[2] or '0')
if blocked > now then
  return {1, blocked}
end
if blocked > 0 then
  n = 0
  blocked = 0
elseif n < tonumber(ARGV[2]) then
  return {0, 0}
else
  blocked = now + tonumber(ARGV[3])
end
redis.call('HSET', KEYS[1], 'n', n, 'until', blocked)
local ttl = tonumber(ARGV[4])
if blocked - now > ttl then
  ttl = blocked - now
end
redis.call('PEXPIRE', KEYS[1], ttl)
if blocked > 0 then
  return {1, blocked}
end
return {0, 0}
`)

// KEYS[1] record
// ARGV[1] now, ARGV[2] limit, ARGV[3] lockout, ARGV[4] window (0 keeps
// the count until reset), ARGV[5] retention
// Returns {allowed, count, until}.
var throttleReserveLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[4])
local f = redis.call('HMGET', KEYS[1], 'n', 'last', 'until')
local n = tonumber(f[1] or '0')
local last = tonumber(f[2] or '0')
local blocked = tonumber(f[3] or '0')
if blocked > now then
  return {0, n, blocked}
end
if blocked > 0 then
  n = 0
  blocked = 0
end
if window > 0 and last <= now - window then
  n = 0
end
local allowed = 0
if n < limit then
  allowed = 1
  n = n + 1
  last = now
end
if n >= limit then
  blocked = now + tonumber(ARGV[3])
end
redis.call('HSET', KEYS[1], 'n', n, 'last', last, 'until', blocked)
local ttl = tonumber(ARGV[5])
if blocked - now > ttl then
  ttl = blocked - now
end
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, n, blocked}
`)

// KEYS[1] record
// ARGV[1] now, ARGV[2] retention
var throttleFailureLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local n = redis.call('HINCRBY', KEYS[1], 'n', 1)
redis.call('HSET', KEYS[1], 'last', now)
local ttl = tonumber(ARGV[2])
local rest = tonumber(redis.call('HGET', KEYS[1], 'until') or '0') - now
if rest > ttl then
  ttl = rest
end
redis.call('PEXPIRE', KEYS[1], ttl)
return n
`)

// KEYS[1] record
// ARGV[1] retention
var throttleResetLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'n', 0, 'until', 0)
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// KEYS[1] record
// ARGV[1] older than, ARGV[2] now
var throttleSweepLua = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'last', 'until')
if not f[1] then
  return 0
end
if tonumber(f[2] or '0') > tonumber(ARGV[2]) then
  return 0
end
if tonumber(f[1]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// ThrottleStore persists throttle records. Keys expire after the retention
// window (or after the block, whichever is later); Sweep removes stale
// records explicitly for backends that keep them longer.
type ThrottleStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewThrottleStore returns a store rooted at prefix.
func NewThrottleStore(redisClient redis.UniversalClient, prefix string, retention time.Duration) *ThrottleStore {
	if prefix == "" {
		prefix = "thr"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &ThrottleStore{redis: redisClient, prefix: prefix, retention: retention}
}

func (s *ThrottleStore) key(identityID int64, address string) string {
	who := "-"
	if identityID > 0 {
		who = strconv.FormatInt(identityID, 10)
	}
	return s.prefix + ":" + who + ":" + address
}

// Get loads the record for the pair.
func (s *ThrottleStore) Get(ctx context.Context, identityID int64, address string) (*ThrottleRecord, error) {
	fields, err := s.redis.HMGet(ctx, s.key(identityID, address), "n", "last", "until").Result()
	if err != nil {
		return nil, backendErr(err)
	}
	if fields[0] == nil {
		return nil, ErrNotFound
	}

	var values [3]int64
	for i, f := range fields {
		if f == nil {
			continue
		}
		raw, ok := f.(string)
		if !ok {
			return nil, fmt.Errorf("invalid throttle field %T", f)
		}
		if values[i], err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid throttle field: %w", err)
		}
	}

	record := &ThrottleRecord{
		FailedAttempts: uint32(values[0]),
		LastAttemptAt:  time.UnixMilli(values[1]).UTC(),
	}
	if values[2] > 0 {
		record.BlockedUntil = time.UnixMilli(values[2]).UTC()
	}
	return record, nil
}

// ShouldThrottle reports whether the pair is blocked at now. A record that
// has reached maxAttempts without a block is blocked until now+lockout and
// persisted in the same script. A record whose block has elapsed is
// cleared so the pair starts over.
func (s *ThrottleStore) ShouldThrottle(
	ctx context.Context,
	identityID int64,
	address string,
	maxAttempts int,
	lockout time.Duration,
	now time.Time,
) (bool, time.Time, error) {
	res, err := throttleCheckLua.Run(ctx, s.redis,
		[]string{s.key(identityID, address)},
		now.UnixMilli(), maxAttempts, lockout.Milliseconds(), s.retention.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, time.Time{}, backendErr(err)
	}
	if len(res) != 2 {
		return false, time.Time{}, fmt.Errorf("%w: unexpected throttle reply", ErrBackend)
	}
	if res[0] == 0 {
		return false, time.Time{}, nil
	}
	return true, time.UnixMilli(res[1]).UTC(), nil
}

// Reserve counts an attempt for the pair before it is evaluated. At most
// limit reservations succeed per window, however many callers race; the
// one that reaches limit also blocks the pair until now+lockout. A
// positive window restarts the count when the last attempt is older than
// it. Reset clears the count after a successful login.
func (s *ThrottleStore) Reserve(
	ctx context.Context,
	identityID int64,
	address string,
	limit int,
	lockout, window time.Duration,
	now time.Time,
) (Reservation, error) {
	res, err := throttleReserveLua.Run(ctx, s.redis,
		[]string{s.key(identityID, address)},
		now.UnixMilli(), limit, lockout.Milliseconds(), window.Milliseconds(), s.retention.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Reservation{}, backendErr(err)
	}
	if len(res) != 3 {
		return Reservation{}, fmt.Errorf("%w: unexpected throttle reply", ErrBackend)
	}

	r := Reservation{Allowed: res[0] == 1, Count: int(res[1])}
	if res[2] > 0 {
		r.BlockedUntil = time.UnixMilli(res[2]).UTC()
	}
	return r, nil
}

// RecordFailure increments the counter for the pair, creating the record on
// the first failure, and returns the new count.
func (s *ThrottleStore) RecordFailure(ctx context.Context, identityID int64, address string, now time.Time) (int, error) {
	n, err := throttleFailureLua.Run(ctx, s.redis,
		[]string{s.key(identityID, address)},
		now.UnixMilli(), s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, backendErr(err)
	}
	return int(n), nil
}

// Reset zeroes the counter and clears any block. It reports whether a
// record existed.
func (s *ThrottleStore) Reset(ctx context.Context, identityID int64, address string) (bool, error) {
	n, err := throttleResetLua.Run(ctx, s.redis,
		[]string{s.key(identityID, address)},
		s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return false, backendErr(err)
	}
	return n == 1, nil
}

// Sweep deletes records whose last attempt is older than olderThan and that
// are not currently blocked. It returns the number of deleted records.
func (s *ThrottleStore) Sweep(ctx context.Context, olderThan time.Time, now time.Time) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.prefix+":*", 256).Result()
		if err != nil {
			return deleted, backendErr(err)
		}
		for _, key := range keys {
			n, err := throttleSweepLua.Run(ctx, s.redis, []string{key},
				olderThan.UnixMilli(), now.UnixMilli()).Int64()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return deleted, backendErr(err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
