package lockmgr

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pokercore/tablecore/internal/config"
	"github.com/pokercore/tablecore/internal/kvstore"
	"github.com/pokercore/tablecore/internal/metrics"
)

// queueKey returns the distributed queue-depth marker list for a lock key,
// grounded on utils/rollout_metrics.py's use of a Redis list as a cheap
// contention gauge shared across processes.
func queueKey(key string) string {
	return "poker:lockqueue:" + key
}

// DefaultQueueDepthThreshold is the default queue-depth ceiling
// acquire_with_smart_retry aborts against immediately rather than joining
// an already-deep wait line (spec.md §4.B).
const DefaultQueueDepthThreshold = 8

// AcquireSmart acquires key for holder at level using the distributed
// smart-retry strategy from lock_manager.py's acquire_with_smart_retry: the
// holder samples the current queue depth and aborts immediately if it
// exceeds queueDepthThreshold (DefaultQueueDepthThreshold when <= 0),
// otherwise enqueues a marker so other processes can sample contention via
// LLen, then retries acquisition on a fixed backoff schedule with jitter,
// recording attempt/success counters under lockType so dashboards can tell
// which lock class is contended.
func (m *Manager) AcquireSmart(ctx context.Context, holder, key string, level Level, kv *kvstore.Store, lockType string, retry config.LockRetry, queueDepthThreshold int) error {
	if queueDepthThreshold <= 0 {
		queueDepthThreshold = DefaultQueueDepthThreshold
	}

	marker := holder + ":" + fmt.Sprint(time.Now().UnixNano())
	if kv != nil {
		if depth, err := kv.LLen(ctx, queueKey(key)); err == nil {
			metrics.LockQueueDepth.Observe(float64(depth))
			if depth > int64(queueDepthThreshold) {
				m.log.Warn("smart retry: aborting, queue too deep", "key", key, "depth", depth, "threshold", queueDepthThreshold)
				return fmt.Errorf("lockmgr: smart retry aborted for %s: queue depth %d exceeds threshold %d", key, depth, queueDepthThreshold)
			}
		}
		if _, err := kv.LPush(ctx, queueKey(key), marker); err != nil {
			m.log.Warn("smart retry: enqueue failed", "key", key, "error", err)
		}
		defer func() {
			_, _ = kv.LRem(ctx, queueKey(key), marker)
		}()
	}

	schedule := retry.BackoffDelaysSeconds
	if len(schedule) == 0 {
		schedule = config.DefaultLockRetry().BackoffDelaysSeconds
	}

	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultLockRetry().MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		metrics.LockRetryAttempts.WithLabelValues(lockType, fmt.Sprint(attempt)).Inc()

		attemptTimeout := time.Duration(schedule[0] * float64(time.Second))
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := m.Acquire(attemptCtx, holder, key, level)
		cancel()

		if err == nil {
			metrics.LockRetrySuccess.WithLabelValues(lockType).Inc()
			metrics.LockAcquisitionSuccess.WithLabelValues(lockType, fmt.Sprint(attempt)).Inc()
			return nil
		}
		lastErr = err
		if _, ok := err.(*HierarchyViolationError); ok {
			return err
		}

		delaySeconds := schedule[len(schedule)-1]
		if attempt < len(schedule) {
			delaySeconds = schedule[attempt]
		}
		delay := time.Duration(delaySeconds * float64(time.Second))
		jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
		graceBuffer := time.Duration(retry.GraceBufferSeconds * float64(time.Second))

		select {
		case <-time.After(delay + jitter + graceBuffer/time.Duration(maxAttempts)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("lockmgr: smart retry exhausted for %s after %d attempts: %w", key, maxAttempts, lastErr)
}
