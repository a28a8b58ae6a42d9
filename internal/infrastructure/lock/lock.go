package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var ErrLockFailed = errors.New("could not acquire lock")

// Release frees everything a successful acquisition took. It is safe to call
// more than once.
type Release func()

// Locker serializes work per key. Acquire blocks until every key is held or
// ctx is done; keys are taken in sorted order so overlapping callers cannot
// deadlock. TryAcquire takes a single key without waiting.
type Locker interface {
	Acquire(ctx context.Context, keys []string) (Release, error)
	TryAcquire(ctx context.Context, key string) (Release, bool, error)
}

func AccountKey(accountID int64) string {
	return fmt.Sprintf("mlm:lock:account:%d", accountID)
}

func ClosingKey(period, category string) string {
	return fmt.Sprintf("mlm:lock:closing:%s:%s", period, category)
}

func AccountKeys(accountIDs []int64) []string {
	keys := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		keys = append(keys, AccountKey(id))
	}
	return normalize(keys)
}

// normalize sorts keys and drops duplicates.
func normalize(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
