// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	unlock, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be re-acquired")

	_, ok, _ = l.TryLock(ctx, "other", time.Minute)
	assert.True(t, ok, "keys are independent")

	unlock()
	unlock2, ok, _ := l.TryLock(ctx, "k", time.Minute)
	assert.True(t, ok)

	// A stale unlock must not release somebody else's lease.
	unlock()
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok)
	unlock2()
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	_, ok, _ := l.TryLock(ctx, "k", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = l.TryLock(ctx, "k", time.Second)
	assert.True(t, ok, "expired lease must be taken over")
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	l := NewRedisLocker(client)
	key := dispatchLockKey(42)
	assert.Equal(t, "consultation:dispatch:42", key)

	unlock, ok, err := l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(key))

	_, ok, err = l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	assert.False(t, mr.Exists(key))

	// Expired leases are taken over and the old holder cannot release them.
	unlockOld, ok, _ := l.TryLock(ctx, key, time.Second)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)
	_, ok, _ = l.TryLock(ctx, key, time.Minute)
	require.True(t, ok)
	unlockOld()
	assert.True(t, mr.Exists(key))
}

func TestRedisLockerBackendError(t *testing.T) {
	mr, client := newMiniredis(t)
	l := NewRedisLocker(client)
	mr.Close()

	_, ok, err := l.TryLock(context.Background(), "k", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
