// Package health implements the per-chat sliding-window rollout monitor of
// spec.md §4.G, grounded on
// original_source/pokerapp/utils/rollout_metrics.py::RolloutMonitor.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pokercore/tablecore/internal/config"
	"github.com/pokercore/tablecore/internal/kvstore"
	"github.com/pokercore/tablecore/internal/metrics"
	"github.com/pokercore/tablecore/internal/pokerlog"
	"github.com/pokercore/tablecore/internal/rollout"
)

// window holds one chat's sliding-window counters, mirroring
// rollout_metrics.py's RolloutMetrics dataclass.
type window struct {
	lockWaitCount  int
	lockHoldCount  int
	lockHoldNanos  int64
	lockErrors     int
	actionDurNanos int64
	actionDurCount int
	actionSuccess  int
	actionFailure  int
	windowStart    time.Time
}

func newWindow(now time.Time) *window {
	return &window{windowStart: now}
}

// isHealthy mirrors RolloutMetrics.is_healthy: error rate <= 5%, lock
// error rate <= 1%, mean action duration <= 200ms.
func (w *window) isHealthy() bool {
	totalActions := w.actionSuccess + w.actionFailure
	if totalActions > 0 {
		errorRate := float64(w.actionFailure) / float64(totalActions)
		if errorRate > 0.05 {
			return false
		}
	}
	totalLocks := w.lockWaitCount + w.lockErrors
	if totalLocks > 0 {
		lockErrorRate := float64(w.lockErrors) / float64(totalLocks)
		if lockErrorRate > 0.01 {
			return false
		}
	}
	if w.actionDurCount > 0 {
		avg := time.Duration(w.actionDurNanos / int64(w.actionDurCount))
		if avg > 200*time.Millisecond {
			return false
		}
	}
	return true
}

func (w *window) reset(now time.Time) {
	*w = window{windowStart: now}
}

// AggregateMetrics is the read-only snapshot exposed by the health
// endpoint (spec.md §6).
type AggregateMetrics struct {
	Healthy bool `json:"healthy"`
	Metrics struct {
		TotalActions  int     `json:"total_actions"`
		SuccessRate   float64 `json:"success_rate"`
		ErrorRate     float64 `json:"error_rate"`
		LockErrorRate float64 `json:"lock_error_rate"`
	} `json:"metrics"`
}

// Monitor tracks per-chat windows and triggers an automatic rollback
// (halving the rollout percentage) once a chat reports unhealthyThreshold
// consecutive unhealthy windows.
type Monitor struct {
	store  *config.Store
	gate   *rollout.Gate
	kv     *kvstore.Store
	log    pokerlog.Logger

	windowLength        time.Duration
	unhealthyThreshold  int

	mu          sync.Mutex
	windows     map[int64]*window
	unhealthyN  map[int64]int
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithWindowLength overrides the default 60s window.
func WithWindowLength(d time.Duration) Option {
	return func(m *Monitor) { m.windowLength = d }
}

// WithUnhealthyThreshold overrides the default 3 consecutive windows.
func WithUnhealthyThreshold(n int) Option {
	return func(m *Monitor) { m.unhealthyThreshold = n }
}

// New builds a Monitor.
func New(store *config.Store, gate *rollout.Gate, kv *kvstore.Store, log pokerlog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:              store,
		gate:               gate,
		kv:                 kv,
		log:                log,
		windowLength:       60 * time.Second,
		unhealthyThreshold: 3,
		windows:            map[int64]*window{},
		unhealthyN:         map[int64]int{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) windowFor(chatID int64, now time.Time) *window {
	w, ok := m.windows[chatID]
	if !ok {
		w = newWindow(now)
		m.windows[chatID] = w
	}
	return w
}

// RecordLockMetrics records one lock acquisition attempt's outcome,
// observing how long the caller waited for the lock and, on success, how
// long it then held it (spec.md §6's lock_wait_duration_seconds histogram
// plus the per-chat window's lock-error-rate counters).
func (m *Monitor) RecordLockMetrics(chatID int64, waited, held time.Duration, success bool) {
	metrics.LockWaitDuration.Observe(waited.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windowFor(chatID, time.Now())
	if success {
		w.lockWaitCount++
		w.lockHoldCount++
		w.lockHoldNanos += int64(held)
	} else {
		w.lockErrors++
	}
}

// RecordActionMetrics records one betting action's outcome and duration.
func (m *Monitor) RecordActionMetrics(chatID int64, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windowFor(chatID, time.Now())
	w.actionDurNanos += int64(duration)
	w.actionDurCount++
	if success {
		w.actionSuccess++
	} else {
		w.actionFailure++
	}
}

// Run blocks, evaluating every chat's window once per windowLength until
// ctx is cancelled, mirroring RolloutMonitor._monitor_loop.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(m.windowLength)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.checkHealth(ctx)
			}
		}
	})
	return g.Wait()
}

func (m *Monitor) checkHealth(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var unhealthyChats []int64
	for chatID, w := range m.windows {
		if now.Sub(w.windowStart) < m.windowLength {
			continue
		}
		if w.isHealthy() {
			m.unhealthyN[chatID] = 0
		} else {
			m.unhealthyN[chatID]++
			m.log.Warn("unhealthy rollout window", "chat_id", chatID, "consecutive_unhealthy_windows", m.unhealthyN[chatID])
			if m.unhealthyN[chatID] >= m.unhealthyThreshold {
				unhealthyChats = append(unhealthyChats, chatID)
			}
		}
		w.reset(now)
	}
	m.mu.Unlock()

	if len(unhealthyChats) > 0 {
		m.triggerRollback(ctx, unhealthyChats)
	}
}

// triggerRollback halves the rollout percentage, persists it via the KV
// store, and asks the rollout gate to pick it up immediately.
func (m *Monitor) triggerRollback(ctx context.Context, unhealthyChats []int64) {
	sample := unhealthyChats
	if len(sample) > 5 {
		sample = sample[:5]
	}
	m.log.Crit("triggering automatic rollback", "reason", "unhealthy_metrics", "affected_chats", len(unhealthyChats), "sample_chat_ids", sample)

	current := m.gate.RolloutPercentage()
	next := current / 2
	if next < 0 {
		next = 0
	}

	if _, err := m.kv.HSet(ctx, "poker:system_constants", map[string]string{
		"lock_manager.rollout_percentage": fmt.Sprint(next),
	}); err != nil {
		m.log.Error("failed to persist rollback percentage to kv", "error", err)
	}

	m.store.SetRolloutPercentage(next)
	m.gate.SyncFromStore()

	m.log.Crit("rollback completed", "old_percentage", current, "new_percentage", next)
}

// Aggregate returns the read-only health snapshot served by the HTTP
// endpoint (spec.md §6), aggregating every per-chat window currently held,
// mirroring health_endpoints.py::fine_grained_locks_health.
func (m *Monitor) Aggregate() AggregateMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var totalActions, totalSuccesses, totalFailures, lockErrors, totalLocks int
	for _, w := range m.windows {
		totalActions += w.actionSuccess + w.actionFailure
		totalSuccesses += w.actionSuccess
		totalFailures += w.actionFailure
		lockErrors += w.lockErrors
		totalLocks += w.lockWaitCount + w.lockErrors
	}

	errorRate := float64(totalFailures) / float64(max1(totalActions))
	lockErrorRate := float64(lockErrors) / float64(max1(totalLocks))

	var out AggregateMetrics
	out.Healthy = errorRate < 0.05 && lockErrorRate < 0.01
	out.Metrics.TotalActions = totalActions
	out.Metrics.SuccessRate = float64(totalSuccesses) / float64(max1(totalActions))
	out.Metrics.ErrorRate = errorRate
	out.Metrics.LockErrorRate = lockErrorRate
	return out
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
