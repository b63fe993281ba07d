// Package budget implements the per-(chat, round) outbound message budget
// of spec.md §4.H, grounded on
// original_source/pokerapp/utils/request_tracker.py::RequestTracker.
package budget

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pokercore/tablecore/internal/pokerlog"
)

// VerboseEnvVar is the opt-in for per-consume verbose logging, matching
// request_tracker.py's POKERBOT_REQUEST_TRACKER_VERBOSE.
const VerboseEnvVar = "TABLECORE_REQUEST_TRACKER_VERBOSE"

// Category enumerates the four tracked outbound-message kinds.
type Category string

const (
	CategoryTurn      Category = "turn"
	CategoryStage     Category = "stage"
	CategoryInline    Category = "inline"
	CategoryCountdown Category = "countdown"
)

// Stats is the counter bucket for one (chat, round), mirroring
// RequestStats.
type Stats struct {
	Turn      int `json:"turn"`
	Stage     int `json:"stage"`
	Inline    int `json:"inline"`
	Countdown int `json:"countdown"`
}

// Total returns the sum across all four categories.
func (s Stats) Total() int {
	return s.Turn + s.Stage + s.Inline + s.Countdown
}

func (s *Stats) increment(cat Category) error {
	switch cat {
	case CategoryTurn:
		s.Turn++
	case CategoryStage:
		s.Stage++
	case CategoryInline:
		s.Inline++
	case CategoryCountdown:
		s.Countdown++
	default:
		return fmt.Errorf("budget: unknown category %q", cat)
	}
	return nil
}

func (s *Stats) decrement(cat Category) error {
	switch cat {
	case CategoryTurn:
		s.Turn = maxInt(s.Turn-1, 0)
	case CategoryStage:
		s.Stage = maxInt(s.Stage-1, 0)
	case CategoryInline:
		s.Inline = maxInt(s.Inline-1, 0)
	case CategoryCountdown:
		s.Countdown = maxInt(s.Countdown-1, 0)
	default:
		return fmt.Errorf("budget: unknown category %q", cat)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type key struct {
	chatID  int64
	roundID string
}

type historyEntry struct {
	at       time.Time
	category Category
	stats    Stats
}

// Tracker enforces a shared per-round cap across the four message
// categories, with a once-per-round info-level threshold notification.
type Tracker struct {
	log           pokerlog.Logger
	limit         int
	infoThreshold int

	mu       sync.Mutex
	stats    map[key]*Stats
	notified map[key]bool
	history  map[key][]historyEntry
}

// Option configures a Tracker at construction time.
type Option func(*Tracker)

// WithInfoThresholdRatio overrides the default 0.75 info-threshold ratio.
// Pass 0 to disable the threshold notification entirely.
func WithInfoThresholdRatio(ratio float64) Option {
	return func(t *Tracker) {
		if ratio <= 0 {
			t.infoThreshold = 0
			return
		}
		t.infoThreshold = minInt(t.limit, maxInt(1, int(math.Ceil(float64(t.limit)*ratio))))
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// New builds a Tracker with the default limit (10) and info threshold
// (ceil(limit*0.75)).
func New(log pokerlog.Logger, limit int, opts ...Option) *Tracker {
	if limit <= 0 {
		limit = 10
	}
	t := &Tracker{
		log:           log,
		limit:         limit,
		infoThreshold: int(math.Ceil(float64(limit) * 0.75)),
		stats:         map[key]*Stats{},
		notified:      map[key]bool{},
		history:       map[key][]historyEntry{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TryConsume atomically checks and increments the budget for
// (chatID, roundID). Returns false without mutating state if the total
// would exceed the limit.
func (t *Tracker) TryConsume(chatID int64, roundID string, category Category) bool {
	if roundID == "" {
		return true
	}
	k := key{chatID, roundID}

	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.stats[k]
	if !ok {
		stats = &Stats{}
		t.stats[k] = stats
	}
	priorTotal := stats.Total()
	if priorTotal >= t.limit {
		t.log.Info("request budget exhausted", "chat_id", chatID, "round_id", roundID, "category", category, "limit", t.limit)
		return false
	}
	if err := stats.increment(category); err != nil {
		t.log.Error("request budget: invalid category", "error", err)
		return false
	}
	currentTotal := stats.Total()
	t.history[k] = append(t.history[k], historyEntry{at: time.Now(), category: category, stats: *stats})

	if t.infoThreshold > 0 && priorTotal < t.infoThreshold && t.infoThreshold <= currentTotal && !t.notified[k] {
		t.log.Info("request usage nearing limit", "chat_id", chatID, "round_id", roundID, "total", currentTotal, "limit", t.limit)
		t.notified[k] = true
	}
	if verboseEnabled() {
		t.log.Info("request reservation (verbose)", "chat_id", chatID, "round_id", roundID, "category", category, "stats", *stats)
	}
	return true
}

// Release undoes a previously reserved request when no outbound call was
// actually made, never going below zero per category.
func (t *Tracker) Release(chatID int64, roundID string, category Category) {
	if roundID == "" {
		return
	}
	k := key{chatID, roundID}

	t.mu.Lock()
	defer t.mu.Unlock()
	stats, ok := t.stats[k]
	if !ok {
		return
	}
	_ = stats.decrement(category)
}

// Snapshot returns a copy of the current stats for (chatID, roundID).
func (t *Tracker) Snapshot(chatID int64, roundID string) Stats {
	if roundID == "" {
		return Stats{}
	}
	k := key{chatID, roundID}

	t.mu.Lock()
	defer t.mu.Unlock()
	stats, ok := t.stats[k]
	if !ok {
		return Stats{}
	}
	return *stats
}

// Reset clears all tracked state for (chatID, roundID), including history
// and the once-per-round notification flag.
func (t *Tracker) Reset(chatID int64, roundID string) {
	if roundID == "" {
		return
	}
	k := key{chatID, roundID}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, k)
	delete(t.notified, k)
	delete(t.history, k)
}

// History returns the stats snapshot recorded after each successful consume
// for (chatID, roundID), oldest first; the consumed category is not returned.
func (t *Tracker) History(chatID int64, roundID string) []Stats {
	if roundID == "" {
		return nil
	}
	k := key{chatID, roundID}

	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.history[k]
	out := make([]Stats, len(entries))
	for i, e := range entries {
		out[i] = e.stats
	}
	return out
}

// Limit returns the configured per-round cap.
func (t *Tracker) Limit() int {
	return t.limit
}

func verboseEnabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(VerboseEnvVar)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
