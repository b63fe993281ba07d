package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokercore/tablecore/internal/kvstore"
)

func TestAcquireActionLockGrantsAndRejectsConcurrentHolder(t *testing.T) {
	m := newManager(t)
	kv := kvstore.New(kvstore.NewFakeClient())
	ctx := context.Background()

	token, ok, err := m.AcquireActionLock(ctx, kv, 1, 42, "bet", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = m.AcquireActionLock(ctx, kv, 1, 42, "bet", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second acquire against the same chat/user/action must fail while the first token is held")
}

func TestReleaseActionLockRequiresMatchingToken(t *testing.T) {
	m := newManager(t)
	kv := kvstore.New(kvstore.NewFakeClient())
	ctx := context.Background()

	token, ok, err := m.AcquireActionLock(ctx, kv, 1, 42, "bet", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := m.ReleaseActionLock(ctx, kv, 1, 42, "bet", "wrong-token")
	require.NoError(t, err)
	assert.False(t, released, "release must reject a token that does not match the one on record")

	released, err = m.ReleaseActionLock(ctx, kv, 1, 42, "bet", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, ok, err = m.AcquireActionLock(ctx, kv, 1, 42, "bet", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a correctly-released lock must be re-acquirable")
}

func TestEstimateQueuePositionCountsEveryHeldTokenForChat(t *testing.T) {
	m := newManager(t)
	kv := kvstore.New(kvstore.NewFakeClient())
	ctx := context.Background()

	position, err := m.EstimateQueuePosition(ctx, kv, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, position)

	_, _, err = m.AcquireActionLock(ctx, kv, 1, 42, "bet", time.Minute)
	require.NoError(t, err)
	_, _, err = m.AcquireActionLock(ctx, kv, 1, 43, "fold", time.Minute)
	require.NoError(t, err)
	// A different chat must never contribute to this chat's position.
	_, _, err = m.AcquireActionLock(ctx, kv, 2, 44, "bet", time.Minute)
	require.NoError(t, err)

	position, err = m.EstimateQueuePosition(ctx, kv, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, position)
}

func TestAcquireActionLockWithRetrySucceedsOnceHolderReleases(t *testing.T) {
	m := newManager(t)
	kv := kvstore.New(kvstore.NewFakeClient())
	ctx := context.Background()

	token, ok, err := m.AcquireActionLock(ctx, kv, 1, 42, "bet", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = m.ReleaseActionLock(ctx, kv, 1, 42, "bet", token)
		close(released)
	}()

	got, err := m.AcquireActionLockWithRetry(ctx, kv, 1, 42, "bet", time.Minute, 10, 10*time.Millisecond, time.Second, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	<-released
}

func TestAcquireActionLockWithRetryReportsProgressOncePerDistinctPosition(t *testing.T) {
	m := newManager(t)
	kv := kvstore.New(kvstore.NewFakeClient())
	ctx := context.Background()

	// The key under contention plus one unrelated holder in the same chat
	// so EstimateQueuePosition starts at 2, drops to 1 when the unrelated
	// holder releases, then the contended key itself is released to let
	// the retry loop finally succeed.
	betToken, ok, err := m.AcquireActionLock(ctx, kv, 1, 42, "bet", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	otherToken, ok, err := m.AcquireActionLock(ctx, kv, 1, 2, "fold", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	var positions []int
	progress := func(_ context.Context, position int) {
		positions = append(positions, position)
	}

	go func() {
		time.Sleep(60 * time.Millisecond)
		_, _ = m.ReleaseActionLock(ctx, kv, 1, 2, "fold", otherToken)
		time.Sleep(140 * time.Millisecond)
		_, _ = m.ReleaseActionLock(ctx, kv, 1, 42, "bet", betToken)
	}()

	_, err = m.AcquireActionLockWithRetry(ctx, kv, 1, 42, "bet", time.Minute, 15, 5*time.Millisecond, 2*time.Second, progress)
	require.NoError(t, err)

	require.NotEmpty(t, positions, "progress callback must fire at least once while waiting")
	assert.Contains(t, positions, 2)
	assert.Contains(t, positions, 1)
	for i := 1; i < len(positions); i++ {
		assert.NotEqual(t, positions[i-1], positions[i], "progress callback fired twice for the same position")
	}
}

func TestAcquireActionLockWithRetryTimesOut(t *testing.T) {
	m := newManager(t)
	kv := kvstore.New(kvstore.NewFakeClient())
	ctx := context.Background()

	_, ok, err := m.AcquireActionLock(ctx, kv, 1, 42, "bet", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.AcquireActionLockWithRetry(ctx, kv, 1, 42, "bet", time.Minute, 3, 10*time.Millisecond, 60*time.Millisecond, nil)
	require.Error(t, err)
}

func TestTableWriteLockKeyRoundTrip(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.AcquireTableWriteLock(ctx, "holder-1", 7, time.Second))
	m.ReleaseTableWriteLock("holder-1", 7)

	done := make(chan struct{})
	go func() {
		_ = m.AcquireTableWriteLock(ctx, "holder-2", 7, time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second holder blocked on a released table write lock")
	}
}
