package lockmgr

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pokercore/tablecore/internal/kvstore"
)

// actionTokenKey mirrors the "action:lock:{chat}:{user}:{action}" namespace
// from spec.md §4.B, grounded on test_action_lock_queue.py's
// _InMemoryActionLockBackend key layout.
func actionTokenKey(chatID, userID int64, action string) string {
	return fmt.Sprintf("action:lock:%d:%d:%s", chatID, userID, action)
}

func actionTokenPattern(chatID int64) string {
	return fmt.Sprintf("action:lock:%d:*", chatID)
}

// AcquireActionLock sets action:lock:{chat}:{user}:{action} with NX and a
// TTL, returning an opaque token the caller must present to release it.
// Returns "", false if the key is already held.
func (m *Manager) AcquireActionLock(ctx context.Context, kv *kvstore.Store, chatID, userID int64, action string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := kv.SetNX(ctx, actionTokenKey(chatID, userID, action), token, int64(ttl/time.Second))
	if err != nil {
		return "", false, fmt.Errorf("lockmgr: acquire action lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseActionLock deletes the action token key only if its stored value
// still matches token, the compare-and-delete semantics the durable action
// token's release requires so a stale caller can never clear a lock some
// other holder has since acquired.
func (m *Manager) ReleaseActionLock(ctx context.Context, kv *kvstore.Store, chatID, userID int64, action, token string) (bool, error) {
	ok, err := kv.TokenRelease(ctx, actionTokenKey(chatID, userID, action), token)
	if err != nil {
		return false, fmt.Errorf("lockmgr: release action lock: %w", err)
	}
	return ok, nil
}

// EstimateQueuePosition counts every action:lock:{chat}:* key currently
// held, matching test_action_lock_queue.py's
// TestEstimateQueuePositionRedis expectation that position counts all
// active tokens for the chat regardless of which user/action they guard.
func (m *Manager) EstimateQueuePosition(ctx context.Context, kv *kvstore.Store, chatID int64) (int, error) {
	keys, err := kv.Scan(ctx, actionTokenPattern(chatID))
	if err != nil {
		return 0, fmt.Errorf("lockmgr: estimate queue position: %w", err)
	}
	return len(keys), nil
}

// ProgressCallback is invoked once per distinct (decreasing) queue
// position observed while AcquireActionLockWithRetry is waiting, never on
// a repeated position, matching test_progress_callback_deduplication.
type ProgressCallback func(ctx context.Context, queuePosition int)

// AcquireActionLockWithRetry retries AcquireActionLock up to maxRetries+1
// times, doubling the wait after each attempt starting from initialBackoff,
// and stops once totalTimeout has elapsed, reporting queue-position progress
// at most once per distinct position.
func (m *Manager) AcquireActionLockWithRetry(
	ctx context.Context,
	kv *kvstore.Store,
	chatID, userID int64,
	action string,
	ttl time.Duration,
	maxRetries int,
	initialBackoff time.Duration,
	totalTimeout time.Duration,
	progress ProgressCallback,
) (string, error) {
	deadline := time.Now().Add(totalTimeout)
	lastPosition := -1
	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		token, ok, err := m.AcquireActionLock(ctx, kv, chatID, userID, action, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}

		position, err := m.EstimateQueuePosition(ctx, kv, chatID)
		if err == nil && progress != nil && (lastPosition < 0 || position < lastPosition) {
			progress(ctx, position)
			lastPosition = position
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
	}
	return "", fmt.Errorf("lockmgr: action lock %s not acquired within %s", actionTokenKey(chatID, userID, action), totalTimeout)
}

// TableReadLockKey and TableWriteLockKey name the distinct keys
// table_read_lock/table_write_lock map to per spec.md §4.B. Only the write
// key has an acquisition helper (AcquireTableWriteLock, at LevelTableWrite);
// there is no read-lock helper, and nothing in the Manager lets several
// holders share a read lock.
func TableReadLockKey(chatID int64) string {
	return "table:read:" + strconv.FormatInt(chatID, 10)
}

func TableWriteLockKey(chatID int64) string {
	return "table:write:" + strconv.FormatInt(chatID, 10)
}

// AcquireTableWriteLock is the orchestrator's entry point for phase 3 of
// spec.md §4.E: a 30s-default timed, exclusive acquisition at
// LevelTableWrite.
func (m *Manager) AcquireTableWriteLock(ctx context.Context, holder string, chatID int64, timeout time.Duration) error {
	return m.AcquireTimed(ctx, holder, TableWriteLockKey(chatID), LevelTableWrite, timeout, 3, time.Second)
}

// ReleaseTableWriteLock releases the lock taken by AcquireTableWriteLock.
func (m *Manager) ReleaseTableWriteLock(holder string, chatID int64) {
	m.Release(holder, TableWriteLockKey(chatID))
}
