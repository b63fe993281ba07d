package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokercore/tablecore/internal/config"
	"github.com/pokercore/tablecore/internal/pokerlog"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store, err := config.NewStore("")
	require.NoError(t, err)
	return New(store, pokerlog.Noop())
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "holder-1", "table:1", LevelTableWrite))
	m.Release("holder-1", "table:1")

	// The pool entry must be free again: a second holder does not block.
	done := make(chan struct{})
	go func() {
		_ = m.Acquire(ctx, "holder-2", "table:1", LevelTableWrite)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second holder blocked on a released lock")
	}
}

func TestAcquireIsReentrantForSameHolder(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "holder-1", "table:1", LevelTableWrite))
	require.NoError(t, m.Acquire(ctx, "holder-1", "table:1", LevelTableWrite))

	m.Release("holder-1", "table:1")
	// Still held once more (depth 2 -> 1): another holder must still block.
	acquired := make(chan struct{})
	go func() {
		_ = m.Acquire(ctx, "holder-2", "table:1", LevelTableWrite)
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired a lock still held by the first")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release("holder-1", "table:1")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired after full release")
	}
}

func TestHierarchyViolationRejectsOutOfOrderAcquire(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "holder-1", "wallet:1", LevelWallet))

	err := m.Acquire(ctx, "holder-1", "table:1", LevelTableWrite)
	require.Error(t, err)
	var hv *HierarchyViolationError
	require.ErrorAs(t, err, &hv)
	assert.Equal(t, LevelWallet, hv.HeldLevel)
	assert.Equal(t, LevelTableWrite, hv.WantLevel)
}

func TestHierarchyAllowsStrictlyAscendingAcquire(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "holder-1", "table:1", LevelTableWrite))
	require.NoError(t, m.Acquire(ctx, "holder-1", "player:1", LevelPlayer))
	require.NoError(t, m.Acquire(ctx, "holder-1", "pot:1", LevelPot))
	require.NoError(t, m.Acquire(ctx, "holder-1", "wallet:1", LevelWallet))
}

func TestHierarchyAllowsSameLevelDifferentKey(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "holder-1", "pot:1", LevelPot))
	require.NoError(t, m.Acquire(ctx, "holder-1", "pot:2", LevelPot))

	// Releasing one same-level key must not clear the hierarchy bookkeeping
	// for the other same-level key still held.
	m.Release("holder-1", "pot:1")
	err := m.Acquire(ctx, "holder-1", "table:1", LevelTableWrite)
	require.Error(t, err)
	var hv *HierarchyViolationError
	require.ErrorAs(t, err, &hv)
}

func TestAcquireTimedRespectsContextCancellation(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "holder-1", "table:1", LevelTableWrite))

	err := m.AcquireTimed(ctx, "holder-2", "table:1", LevelTableWrite, 100*time.Millisecond, 1, 10*time.Millisecond)
	require.Error(t, err)
}

func TestReapIdleRemovesUnheldEntries(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "holder-1", "table:1", LevelTableWrite))
	m.Release("holder-1", "table:1")

	removed := m.reapIdle(time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)
}

func TestReapIdleLeavesHeldEntries(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "holder-1", "table:1", LevelTableWrite))

	removed := m.reapIdle(time.Now().Add(time.Hour))
	assert.Equal(t, 0, removed)
}
