package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
)

func TestLockTrackerObserveAndStatus(t *testing.T) {
	store := newMemLockStore()
	tracker := NewLockTracker(store, nil)

	require.NoError(t, tracker.Observe(context.Background(), "dev1", 1))

	status, err := tracker.Status(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, 1, status)

	persisted, err := store.Get(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, 1, persisted)
}

func TestLockTrackerReadThrough(t *testing.T) {
	store := newMemLockStore()
	require.NoError(t, store.Upsert(context.Background(), "dev1", 3))
	tracker := NewLockTracker(store, nil)

	// cache miss falls through to storage
	status, err := tracker.Status(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, 3, status)

	// second read is served from the cache even if storage breaks
	store.getErr = errors.ErrStorageUnavailable
	status, err = tracker.Status(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, 3, status)
}

func TestLockTrackerWarm(t *testing.T) {
	store := newMemLockStore()
	require.NoError(t, store.Upsert(context.Background(), "dev1", 1))
	require.NoError(t, store.Upsert(context.Background(), "dev2", 0))

	tracker := NewLockTracker(store, nil)
	require.NoError(t, tracker.Warm(context.Background()))

	// both devices are served from the cache even if storage breaks
	store.getErr = errors.ErrStorageUnavailable
	status, err := tracker.Status(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, 1, status)
	status, err = tracker.Status(context.Background(), "dev2")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestLockTrackerUnknownDevice(t *testing.T) {
	tracker := NewLockTracker(newMemLockStore(), nil)

	_, err := tracker.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, errors.ErrNoStatus)
}

func TestLockTrackerMemoryOnly(t *testing.T) {
	tracker := NewLockTracker(nil, nil)

	_, err := tracker.Status(context.Background(), "dev1")
	assert.ErrorIs(t, err, errors.ErrNoStatus)

	require.NoError(t, tracker.Observe(context.Background(), "dev1", 1))
	status, err := tracker.Status(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, 1, status)
}

func TestLockTrackerObservePayload(t *testing.T) {
	tracker := NewLockTracker(newMemLockStore(), nil)

	require.NoError(t, tracker.ObservePayload(context.Background(), "dev1", []byte(" 2\n")))
	status, err := tracker.Status(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, 2, status)

	err = tracker.ObservePayload(context.Background(), "dev1", []byte("locked"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
