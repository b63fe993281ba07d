package lockmgr

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pokercore/tablecore/internal/config"
	"github.com/pokercore/tablecore/internal/metrics"
	"github.com/pokercore/tablecore/internal/pokerlog"
)

// entry is the mutex backing one lock key, plus the re-entrancy bookkeeping
// lock_manager.py keeps on its _LockInfo dataclass (owner, depth).
type entry struct {
	mu sync.Mutex

	meta sync.Mutex // guards held/owner/depth/level/lastUse below
	held    bool
	owner   string
	depth   int
	level   Level
	lastUse time.Time
}

// Manager owns the pool of per-key mutexes and the per-holder hierarchy
// bookkeeping. One Manager is shared by every table in the process, exactly
// as one LockManager instance is shared across pokerapp's handlers.
type Manager struct {
	store *config.Store
	log   pokerlog.Logger

	poolMu sync.Mutex
	pool   map[string]*entry

	heldMu sync.Mutex
	held   map[string]map[Level]int // holder -> level -> count of keys held at that level

	idleTTL time.Duration
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithIdleTTL overrides how long an unheld pool entry survives before the
// reaper removes it. Defaults to 10 minutes.
func WithIdleTTL(d time.Duration) Option {
	return func(m *Manager) { m.idleTTL = d }
}

// New builds a Manager. store is kept on the Manager but not read by it;
// AcquireSmart takes its backoff schedule as an argument. log receives warnings for relaxed non-owner releases and hierarchy
// violations, matching lock_manager.py's logger.warning calls.
func New(store *config.Store, log pokerlog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		log:     log,
		pool:    map[string]*entry{},
		held:    map[string]map[Level]int{},
		idleTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) entryFor(key string) *entry {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	e, ok := m.pool[key]
	if !ok {
		e = &entry{}
		m.pool[key] = e
	}
	return e
}

// Acquire blocks until key is locked on behalf of holder at level, or ctx is
// done. It implements the fast-path-then-validate sequence from
// lock_manager.py: the underlying mutex is always taken (or re-entered)
// first; the hierarchy is validated only once the mutex is actually held, so
// an already-correct caller never pays a validation cost up front, but a
// caller climbing the hierarchy out of order releases the mutex it just took
// rather than leaving it dangling.
func (m *Manager) Acquire(ctx context.Context, holder, key string, level Level) error {
	e := m.entryFor(key)

	e.meta.Lock()
	if e.held && e.owner == holder {
		e.depth++
		e.lastUse = time.Now()
		e.meta.Unlock()
		return nil
	}
	e.meta.Unlock()

	if err := m.lockWithContext(ctx, &e.mu); err != nil {
		return err
	}

	if violation := m.checkHierarchy(holder, level); violation != nil {
		e.mu.Unlock()
		m.log.Warn("lock hierarchy violation", "holder", holder, "key", key, "level", level.String())
		return violation
	}

	e.meta.Lock()
	e.held = true
	e.owner = holder
	e.depth = 1
	e.level = level
	e.lastUse = time.Now()
	e.meta.Unlock()

	m.heldMu.Lock()
	levels, ok := m.held[holder]
	if !ok {
		levels = map[Level]int{}
		m.held[holder] = levels
	}
	levels[level]++
	m.heldMu.Unlock()

	return nil
}

// checkHierarchy returns a HierarchyViolationError if holder already holds
// any level strictly greater than the requested level. Locks must be
// acquired in non-decreasing level order; same-level acquisitions (e.g. two
// distinct pot keys, or LevelDeck alongside LevelBetting, which share a
// level number by design) are permitted per spec.md §4.B, and the per-level
// count in m.held lets two distinct keys at the same level be held
// concurrently without either release erroneously clearing the other's
// bookkeeping.
func (m *Manager) checkHierarchy(holder string, level Level) error {
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	for held := range m.held[holder] {
		if held > level {
			return &HierarchyViolationError{Holder: holder, HeldLevel: held, WantLevel: level}
		}
	}
	return nil
}

func (m *Manager) lockWithContext(ctx context.Context, mu *sync.Mutex) error {
	done := make(chan struct{})
	go func() {
		mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above will still complete the Lock eventually and
		// leave the mutex held forever with nobody to release it, so we
		// spin off a releaser once it succeeds.
		go func() {
			<-done
			mu.Unlock()
		}()
		return ctx.Err()
	}
}

// Release unlocks key on behalf of holder. If holder does not own the lock,
// Release logs a warning and still performs the accounting decrement,
// mirroring utils/locks.py's deliberately relaxed release path: a stuck
// caller releasing a lock it lost ownership of (e.g. after a timeout) must
// never corrupt the depth counter for the actual owner.
func (m *Manager) Release(holder, key string) {
	m.poolMu.Lock()
	e, ok := m.pool[key]
	m.poolMu.Unlock()
	if !ok {
		return
	}

	e.meta.Lock()
	if !e.held || e.depth <= 0 {
		e.meta.Unlock()
		m.log.Warn("releasing lock that is not held", "holder", holder, "key", key)
		return
	}
	owner := e.owner
	if owner != holder {
		m.log.Warn("releasing lock not owned by holder", "holder", holder, "actual_owner", owner, "key", key)
	}
	e.depth--
	stillHeld := e.depth > 0
	level := e.level
	e.meta.Unlock()

	if stillHeld {
		return
	}

	e.meta.Lock()
	e.held = false
	e.owner = ""
	e.depth = 0
	e.lastUse = time.Now()
	e.meta.Unlock()

	m.heldMu.Lock()
	if levels, ok := m.held[owner]; ok {
		levels[level]--
		if levels[level] <= 0 {
			delete(levels, level)
		}
		if len(levels) == 0 {
			delete(m.held, owner)
		}
	}
	m.heldMu.Unlock()

	e.mu.Unlock()
}

// AcquireTimed apportions timeout evenly across maxRetries+1 attempts and
// sleeps between attempts with exponential backoff (backoffBase * 2**attempt)
// plus up to 25% jitter; the sleeps are not counted against timeout. This is
// the behavior
// utils/locks.py's acquire_with_timeout wraps around the manager for
// single-process callers that need a bounded wait instead of a context
// cancellation.
func (m *Manager) AcquireTimed(ctx context.Context, holder, key string, level Level, timeout time.Duration, maxRetries int, backoffBase time.Duration) error {
	attempts := maxRetries + 1
	perAttempt := timeout / time.Duration(attempts)
	if perAttempt <= 0 {
		perAttempt = timeout
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		err := m.Acquire(attemptCtx, holder, key, level)
		cancel()
		if err == nil {
			metrics.LockAcquisitionSuccess.WithLabelValues(level.String(), fmt.Sprint(attempt)).Inc()
			return nil
		}
		lastErr = err
		if _, ok := err.(*HierarchyViolationError); ok {
			return err
		}
		sleep := backoffBase * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Int63n(int64(sleep) / 4 + 1))
		select {
		case <-time.After(sleep + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("lockmgr: failed to acquire %s after %d attempts: %w", key, attempts, lastErr)
}

// reapIdle removes unheld entries from the pool that have not been touched
// within idleTTL, bounding memory in a long-running process the way
// lock_manager.py's periodic cleanup task does for its in-process dict of
// locks.
func (m *Manager) reapIdle(now time.Time) int {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	removed := 0
	for key, e := range m.pool {
		e.meta.Lock()
		idle := !e.held && now.Sub(e.lastUse) > m.idleTTL
		e.meta.Unlock()
		if idle {
			delete(m.pool, key)
			removed++
		}
	}
	return removed
}

// RunReaper blocks, reaping idle pool entries every interval until ctx is
// done. Intended to run as one goroutine for the lifetime of the process.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.reapIdle(now); n > 0 {
				m.log.Debug("reaped idle locks", "count", n)
			}
		}
	}
}
