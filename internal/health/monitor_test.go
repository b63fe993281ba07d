package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokercore/tablecore/internal/config"
	"github.com/pokercore/tablecore/internal/kvstore"
	"github.com/pokercore/tablecore/internal/pokerlog"
	"github.com/pokercore/tablecore/internal/rollout"
)

func newMonitor(t *testing.T, opts ...Option) (*Monitor, *config.Store, *rollout.Gate) {
	t.Helper()
	store, err := config.NewStore("")
	require.NoError(t, err)
	store.SetRolloutPercentage(40)
	gate := rollout.New(store, pokerlog.Noop())
	kv := kvstore.New(kvstore.NewFakeClient())
	m := New(store, gate, kv, pokerlog.Noop(), opts...)
	return m, store, gate
}

func TestAggregateHealthyWithNoActivity(t *testing.T) {
	m, _, _ := newMonitor(t)
	agg := m.Aggregate()
	assert.True(t, agg.Healthy)
	assert.Equal(t, 0, agg.Metrics.TotalActions)
}

func TestAggregateReflectsRecordedFailures(t *testing.T) {
	m, _, _ := newMonitor(t)
	for i := 0; i < 10; i++ {
		m.RecordActionMetrics(99, 10*time.Millisecond, true)
	}
	m.RecordActionMetrics(99, 10*time.Millisecond, false)

	agg := m.Aggregate()
	assert.Equal(t, 11, agg.Metrics.TotalActions)
	assert.InDelta(t, 1.0/11, agg.Metrics.ErrorRate, 0.001)
}

func TestWindowIsHealthyBelowThresholds(t *testing.T) {
	w := newWindow(time.Now())
	w.actionSuccess = 95
	w.actionFailure = 5
	w.actionDurNanos = int64(95 * time.Millisecond)
	w.actionDurCount = 1
	assert.True(t, w.isHealthy())
}

func TestWindowIsUnhealthyOnHighErrorRate(t *testing.T) {
	w := newWindow(time.Now())
	w.actionSuccess = 80
	w.actionFailure = 20
	assert.False(t, w.isHealthy())
}

func TestWindowIsUnhealthyOnSlowActions(t *testing.T) {
	w := newWindow(time.Now())
	w.actionSuccess = 10
	w.actionDurNanos = int64(10 * 300 * time.Millisecond)
	w.actionDurCount = 10
	assert.False(t, w.isHealthy())
}

func TestCheckHealthTriggersRollbackAfterConsecutiveUnhealthyWindows(t *testing.T) {
	m, store, gate := newMonitor(t, WithWindowLength(10*time.Millisecond), WithUnhealthyThreshold(2))

	chatID := int64(555)
	for round := 0; round < 2; round++ {
		m.RecordActionMetrics(chatID, 10*time.Millisecond, false)
		m.RecordActionMetrics(chatID, 10*time.Millisecond, false)
		// Force the window to look old enough to be evaluated.
		m.mu.Lock()
		m.windows[chatID].windowStart = time.Now().Add(-time.Hour)
		m.mu.Unlock()
		m.checkHealth(context.Background())
	}

	assert.Equal(t, 20, store.Current().LockManager.RolloutPercentage)
	assert.Equal(t, 20, gate.RolloutPercentage())
}

func TestCheckHealthResetsCounterOnHealthyWindow(t *testing.T) {
	m, store, _ := newMonitor(t, WithWindowLength(10*time.Millisecond), WithUnhealthyThreshold(2))

	chatID := int64(7)
	m.RecordActionMetrics(chatID, 10*time.Millisecond, false)
	m.RecordActionMetrics(chatID, 10*time.Millisecond, false)
	m.mu.Lock()
	m.windows[chatID].windowStart = time.Now().Add(-time.Hour)
	m.mu.Unlock()
	m.checkHealth(context.Background())
	assert.Equal(t, 1, m.unhealthyN[chatID])

	m.RecordActionMetrics(chatID, 10*time.Millisecond, true)
	m.mu.Lock()
	m.windows[chatID].windowStart = time.Now().Add(-time.Hour)
	m.mu.Unlock()
	m.checkHealth(context.Background())
	assert.Equal(t, 0, m.unhealthyN[chatID])

	assert.Equal(t, 40, store.Current().LockManager.RolloutPercentage)
}
