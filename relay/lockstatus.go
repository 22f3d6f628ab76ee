package relay

import (
	"context"
	"strconv"
	"strings"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
	"github.com/KairosTechnologies2024/fleetsapi/storage"
)

const (
	lockCacheTTL     = 15 * time.Minute
	lockCacheMaxKeys = 10000
)

// LockTracker is the read-through cache over the lock-status projection.
// Observed control-topic messages update the cache and are mirrored to
// durable storage; a cache miss on read falls through to storage.
type LockTracker struct {
	store  storage.LockStatusStore
	cache  cache.Cache[string, int]
	logger Logger
}

// NewLockTracker creates a tracker backed by the given store. A nil store
// leaves the tracker memory-only.
func NewLockTracker(store storage.LockStatusStore, logger Logger) *LockTracker {
	if logger == nil {
		logger = defaultLogger{}
	}
	return &LockTracker{
		store:  store,
		cache:  cache.NewCache[string, int]().WithTTL(lockCacheTTL).WithMaxKeys(lockCacheMaxKeys),
		logger: logger,
	}
}

// Observe records a lock state seen on the bus for a device. The cache is
// updated first so readers see the new state even when the storage mirror
// fails; the mirror failure is logged and reported.
func (t *LockTracker) Observe(ctx context.Context, serial string, status int) error {
	t.cache.Set(serial, status, 0)
	if t.store == nil {
		return nil
	}
	if err := t.store.Upsert(ctx, serial, status); err != nil {
		t.logger.Errorf("lock status mirror for %s failed: %v", serial, err)
		return errors.WrapTransient(err, "LockTracker", "Observe", "mirror lock status")
	}
	return nil
}

// Warm preloads the cache from the durable projection so the first viewer
// of each device sees its last known state without a storage round trip.
func (t *LockTracker) Warm(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	statuses, err := t.store.All(ctx)
	if err != nil {
		return errors.WrapTransient(err, "LockTracker", "Warm", "load lock statuses")
	}
	for serial, status := range statuses {
		t.cache.Set(serial, status, 0)
	}
	t.logger.Debugf("lock status cache warmed with %d devices", len(statuses))
	return nil
}

// ObservePayload parses a raw control-topic payload and records it. Device
// firmware publishes the state as a bare integer code.
func (t *LockTracker) ObservePayload(ctx context.Context, serial string, payload []byte) error {
	status, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return errors.WrapInvalid(err, "LockTracker", "ObservePayload", "parse lock status")
	}
	return t.Observe(ctx, serial, status)
}

// Status returns the last known lock state for a device, serving from the
// cache and falling through to storage on a miss. ErrNoStatus when the
// device has never reported.
func (t *LockTracker) Status(ctx context.Context, serial string) (int, error) {
	if status, ok := t.cache.Get(serial); ok {
		return status, nil
	}
	if t.store == nil {
		return 0, errors.WrapInvalid(errors.ErrNoStatus, "LockTracker", "Status", "look up lock status")
	}
	status, err := t.store.Get(ctx, serial)
	if err != nil {
		return 0, err
	}
	t.cache.Set(serial, status, 0)
	return status, nil
}
