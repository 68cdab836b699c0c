package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 8

var (
	// ErrNotFound is returned when the keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrBackend wraps Redis transport failures.
	ErrBackend = errors.New("store backend unavailable")
)

// watch runs fn in an optimistic transaction on key, retrying when another
// client modifies the key between WATCH and EXEC.
func watch(ctx context.Context, rdb redis.UniversalClient, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: transaction contention on %s", ErrBackend, key)
}

func backendErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBackend) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackend, err)
}
