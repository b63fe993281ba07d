package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokercore/tablecore/internal/pokerlog"
)

func TestTryConsumeUnderLimitSucceeds(t *testing.T) {
	tr := New(pokerlog.Noop(), 10)
	for i := 0; i < 10; i++ {
		ok := tr.TryConsume(1, "round-1", CategoryTurn)
		require.True(t, ok, "consume %d should succeed", i)
	}
	stats := tr.Snapshot(1, "round-1")
	assert.Equal(t, 10, stats.Turn)
	assert.Equal(t, 10, stats.Total())
}

func TestTryConsumeRejectsOverLimit(t *testing.T) {
	tr := New(pokerlog.Noop(), 3)
	for i := 0; i < 3; i++ {
		require.True(t, tr.TryConsume(1, "round-1", CategoryStage))
	}
	assert.False(t, tr.TryConsume(1, "round-1", CategoryStage))
	assert.Equal(t, 3, tr.Snapshot(1, "round-1").Total())
}

func TestTryConsumeCapIsSharedAcrossCategories(t *testing.T) {
	tr := New(pokerlog.Noop(), 4)
	require.True(t, tr.TryConsume(1, "round-1", CategoryTurn))
	require.True(t, tr.TryConsume(1, "round-1", CategoryStage))
	require.True(t, tr.TryConsume(1, "round-1", CategoryInline))
	require.True(t, tr.TryConsume(1, "round-1", CategoryCountdown))
	assert.False(t, tr.TryConsume(1, "round-1", CategoryTurn))
}

func TestReleaseIsInverseOfConsume(t *testing.T) {
	tr := New(pokerlog.Noop(), 5)
	require.True(t, tr.TryConsume(1, "round-1", CategoryTurn))
	require.True(t, tr.TryConsume(1, "round-1", CategoryTurn))
	tr.Release(1, "round-1", CategoryTurn)
	assert.Equal(t, 1, tr.Snapshot(1, "round-1").Turn)
}

func TestReleaseNeverGoesBelowZero(t *testing.T) {
	tr := New(pokerlog.Noop(), 5)
	tr.Release(1, "round-1", CategoryTurn)
	assert.Equal(t, 0, tr.Snapshot(1, "round-1").Turn)
}

func TestDifferentRoundsAreIndependent(t *testing.T) {
	tr := New(pokerlog.Noop(), 1)
	require.True(t, tr.TryConsume(1, "round-1", CategoryTurn))
	assert.True(t, tr.TryConsume(1, "round-2", CategoryTurn))
	assert.False(t, tr.TryConsume(1, "round-1", CategoryTurn))
}

func TestEmptyRoundIDAlwaysAllowed(t *testing.T) {
	tr := New(pokerlog.Noop(), 1)
	for i := 0; i < 5; i++ {
		assert.True(t, tr.TryConsume(1, "", CategoryTurn))
	}
	assert.Equal(t, Stats{}, tr.Snapshot(1, ""))
}

func TestResetClearsStatsAndHistory(t *testing.T) {
	tr := New(pokerlog.Noop(), 5)
	require.True(t, tr.TryConsume(1, "round-1", CategoryTurn))
	tr.Reset(1, "round-1")
	assert.Equal(t, Stats{}, tr.Snapshot(1, "round-1"))
	assert.Empty(t, tr.History(1, "round-1"))
}

func TestHistoryRecordsEachConsume(t *testing.T) {
	tr := New(pokerlog.Noop(), 5)
	require.True(t, tr.TryConsume(1, "round-1", CategoryTurn))
	require.True(t, tr.TryConsume(1, "round-1", CategoryStage))
	history := tr.History(1, "round-1")
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Turn)
	assert.Equal(t, 1, history[1].Stage)
}

func TestInfoThresholdRatioControlsNotificationPoint(t *testing.T) {
	tr := New(pokerlog.Noop(), 10, WithInfoThresholdRatio(0.5))
	assert.Equal(t, 10, tr.Limit())
	for i := 0; i < 5; i++ {
		require.True(t, tr.TryConsume(1, "round-1", CategoryTurn))
	}
	// No observable side effect beyond the log line, but consuming past
	// the threshold must not itself start rejecting.
	assert.True(t, tr.TryConsume(1, "round-1", CategoryTurn))
}

func TestLimitDefaultsWhenNonPositive(t *testing.T) {
	tr := New(pokerlog.Noop(), 0)
	assert.Equal(t, 10, tr.Limit())
}
