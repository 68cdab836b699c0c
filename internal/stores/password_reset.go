package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const resetRecordVersion1 = 1

var (
	ErrResetSecretMismatch   = errors.New("reset secret mismatch")
	ErrResetAttemptsExceeded = errors.New("reset attempts exceeded")
)

// ResetRecord is a pending password reset. Only the SHA-256 of the code
// is stored.
type ResetRecord struct {
	IdentityID int64
	SecretHash [32]byte
	ExpiresAt  time.Time
	Attempts   uint16
}

// ResetStore keeps at most one pending reset per identity; a new request
// replaces the previous code.
type ResetStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewResetStore(redisClient redis.UniversalClient, prefix string) *ResetStore {
	if prefix == "" {
		prefix = "pwreset"
	}
	return &ResetStore{redis: redisClient, prefix: prefix}
}

func (s *ResetStore) key(identityID int64) string {
	return s.prefix + ":" + strconv.FormatInt(identityID, 10)
}

func (s *ResetStore) Save(ctx context.Context, record *ResetRecord, now time.Time) error {
	ttl := record.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return errors.New("reset record already expired")
	}
	encoded, err := encodeReset(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(record.IdentityID), encoded, ttl).Err(); err != nil {
		return backendErr(err)
	}
	return nil
}

// Consume checks providedHash against the pending reset. A match deletes
// the record. A mismatch counts an attempt and deletes the record once
// maxAttempts is reached.
func (s *ResetStore) Consume(
	ctx context.Context,
	identityID int64,
	providedHash [32]byte,
	maxAttempts int,
	now time.Time,
) (*ResetRecord, error) {
	key := s.key(identityID)
	var matched *ResetRecord

	err := watch(ctx, s.redis, key, func(tx *redis.Tx) error {
		matched = nil
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		record, err := decodeReset(data)
		if err != nil {
			return err
		}

		del := func() error {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}

		if now.After(record.ExpiresAt) {
			if err := del(); err != nil {
				return err
			}
			return ErrNotFound
		}

		if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				if err := del(); err != nil {
					return err
				}
				return ErrResetAttemptsExceeded
			}
			updated, err := encodeReset(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, record.ExpiresAt.Sub(now))
				return nil
			})
			if err != nil {
				return err
			}
			return ErrResetSecretMismatch
		}

		if err := del(); err != nil {
			return err
		}
		matched = record
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrResetSecretMismatch) || errors.Is(err, ErrResetAttemptsExceeded) {
			return nil, err
		}
		return nil, backendErr(err)
	}
	return matched, nil
}

func encodeReset(record *ResetRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(resetRecordVersion1)
	for _, f := range []any{record.IdentityID, record.Attempts, record.ExpiresAt.UnixMilli()} {
		if err := binary.Write(&buf, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	buf.Write(record.SecretHash[:])
	return buf.Bytes(), nil
}

func decodeReset(data []byte) (*ResetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersion1 {
		return nil, fmt.Errorf("invalid reset record version %d", version)
	}

	var (
		record  ResetRecord
		expires int64
	)
	for _, f := range []any{&record.IdentityID, &record.Attempts, &expires} {
		if err := binary.Read(reader, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}
	record.ExpiresAt = time.UnixMilli(expires).UTC()
	return &record, nil
}
