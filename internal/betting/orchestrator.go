// Package betting implements the end-to-end atomic betting action handler
// of spec.md §4.E, the only component that composes the KV client,
// wallet, lock, and state-store subsystems, grounded on
// original_source/pokerapp/betting_handler.py.
package betting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pokercore/tablecore/internal/health"
	"github.com/pokercore/tablecore/internal/lockmgr"
	"github.com/pokercore/tablecore/internal/metrics"
	"github.com/pokercore/tablecore/internal/pokerlog"
	"github.com/pokercore/tablecore/internal/wallet"
)

// BettingResult is the outcome of Handle; the orchestrator never raises to
// its caller, every exit point constructs one of these (spec.md §4.E, §7).
type BettingResult struct {
	Success       bool
	Message       string
	NewState      json.RawMessage
	ReservationID string
}

// TransitionFunc is the opaque, pure state-transition function the
// orchestrator delegates hand-ranking and pot math to (spec.md §1
// Non-goals): given the reloaded state and the validated action/amount it
// returns the next state snapshot.
type TransitionFunc func(state json.RawMessage, userID, chatID int64, action string, amount int64) (json.RawMessage, error)

// GameHook groups the four game-engine entry points the orchestrator
// consumes (spec.md §6).
type GameHook struct {
	LoadGameState            func(ctx context.Context, chatID int64) (json.RawMessage, error)
	LoadGameStateWithVersion func(ctx context.Context, chatID int64) (json.RawMessage, int64, error)
	SaveGameStateWithVersion func(ctx context.Context, chatID int64, state json.RawMessage, expectedVersion int64) (bool, error)
	Apply                    TransitionFunc
}

// Orchestrator is the sole composer of wallet, lock, and state-store
// subsystems for one player action.
type Orchestrator struct {
	wallet  *wallet.Service
	locks   *lockmgr.Manager
	hook    GameHook
	log     pokerlog.Logger
	monitor *health.Monitor

	tableLockTimeout time.Duration
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithTableLockTimeout overrides the default 30s table write lock timeout.
func WithTableLockTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.tableLockTimeout = d }
}

// WithHealthMonitor feeds every action's duration/success and the table
// write lock's wait/hold duration into m, per the §2/§4.G control flow
// where the betting handler (E) feeds the rollout monitor (G).
func WithHealthMonitor(m *health.Monitor) Option {
	return func(o *Orchestrator) { o.monitor = m }
}

// New builds an Orchestrator.
func New(w *wallet.Service, locks *lockmgr.Manager, hook GameHook, log pokerlog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		wallet:           w,
		locks:            locks,
		hook:             hook,
		log:              log,
		tableLockTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type playerView struct {
	UserID     int64 `json:"user_id"`
	Chips      int64 `json:"chips"`
	CurrentBet int64 `json:"current_bet"`
	Folded     bool  `json:"folded"`
}

type gameView struct {
	CurrentBet      int64        `json:"current_bet"`
	CurrentPlayerID *int64       `json:"current_player_id"`
	Stage           string       `json:"stage"`
	Pot             int64        `json:"pot"`
	Players         []playerView `json:"players"`
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Handle processes exactly one betting action end-to-end per the
// eight-phase algorithm of spec.md §4.E.
func (o *Orchestrator) Handle(ctx context.Context, userID, chatID int64, action string, amount *int64) (out *BettingResult) {
	holder := "betting:" + uuid.NewString()
	start := time.Now()
	defer func() {
		metrics.ActionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
		if o.monitor != nil {
			o.monitor.RecordActionMetrics(chatID, time.Since(start), out != nil && out.Success)
		}
	}()

	// Phase 1 — validate outside any lock.
	rawState, err := o.hook.LoadGameState(ctx, chatID)
	if err != nil {
		return &BettingResult{Success: false, Message: fmt.Sprintf("Action failed: %v", err)}
	}
	if rawState == nil {
		return &BettingResult{Success: false, Message: "No active game"}
	}

	var gv gameView
	if err := json.Unmarshal(rawState, &gv); err != nil {
		return &BettingResult{Success: false, Message: fmt.Sprintf("Action failed: %v", err)}
	}

	var player *playerView
	for i := range gv.Players {
		if gv.Players[i].UserID == userID {
			player = &gv.Players[i]
			break
		}
	}
	if player == nil {
		return &BettingResult{Success: false, Message: "You are not in this game"}
	}
	if player.Folded {
		return &BettingResult{Success: false, Message: "You have already folded"}
	}

	toCall := maxInt64(gv.CurrentBet-player.CurrentBet, 0)

	var requiredAmount int64
	switch action {
	case "fold":
		requiredAmount = 0
	case "check":
		if toCall > 0 {
			return &BettingResult{Success: false, Message: "Cannot check - must call or fold"}
		}
		requiredAmount = 0
	case "call":
		requiredAmount = toCall
	case "raise":
		if amount == nil || *amount <= gv.CurrentBet {
			return &BettingResult{Success: false, Message: "Invalid raise amount"}
		}
		requiredAmount = *amount - player.CurrentBet
	case "all_in":
		requiredAmount = player.Chips
	default:
		return &BettingResult{Success: false, Message: fmt.Sprintf("Unknown action: %s", action)}
	}

	// Phase 2 — reserve, outside any lock.
	var reservationID string
	if requiredAmount > 0 {
		ok, resID, message := o.wallet.Reserve(ctx, userID, chatID, requiredAmount, map[string]string{
			"action": action,
			"stage":  gv.Stage,
		})
		if !ok {
			return &BettingResult{Success: false, Message: message}
		}
		reservationID = resID
	}

	// Everything from here runs with the table write lock held (phase 3);
	// committedReservationID/committedAmount track how far the 2PC
	// sequence progressed so the exception path below knows whether to
	// roll back a pending reservation or directly refund a committed one.
	var committedReservationID string
	var committedAmount int64
	lockHeld := false
	var lockAcquiredAt time.Time

	result := func() (res *BettingResult) {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("betting action panicked", "user_id", userID, "chat_id", chatID, "action", action, "panic", r)
				res = o.compensate(ctx, reservationID, committedReservationID, userID, chatID, committedAmount, fmt.Sprintf("panic: %v", r))
			}
			if lockHeld {
				o.locks.ReleaseTableWriteLock(holder, chatID)
			}
		}()

		waitStart := time.Now()
		err := o.locks.AcquireTableWriteLock(ctx, holder, chatID, o.tableLockTimeout)
		waited := time.Since(waitStart)
		if err != nil {
			if o.monitor != nil {
				o.monitor.RecordLockMetrics(chatID, waited, 0, false)
			}
			res := o.compensate(ctx, reservationID, committedReservationID, userID, chatID, committedAmount, fmt.Sprintf("lock acquisition failed: %v", err))
			res.Message = "State conflict - action cancelled, funds returned"
			return res
		}
		lockHeld = true
		lockAcquiredAt = time.Now()
		defer func() {
			if o.monitor != nil {
				o.monitor.RecordLockMetrics(chatID, waited, time.Since(lockAcquiredAt), true)
			}
		}()

		// Phase 4 — re-read state under the lock.
		raw2, version, err := o.hook.LoadGameStateWithVersion(ctx, chatID)
		if err != nil {
			return o.compensate(ctx, reservationID, committedReservationID, userID, chatID, committedAmount, fmt.Sprintf("reload failed: %v", err))
		}
		if raw2 == nil {
			if reservationID != "" {
				o.wallet.Rollback(ctx, reservationID, "game_not_found", false)
			}
			return &BettingResult{Success: false, Message: "Game not found or ended"}
		}
		var gv2 gameView
		if err := json.Unmarshal(raw2, &gv2); err != nil {
			return o.compensate(ctx, reservationID, committedReservationID, userID, chatID, committedAmount, fmt.Sprintf("reload decode failed: %v", err))
		}
		if gv2.CurrentPlayerID != nil && *gv2.CurrentPlayerID != userID {
			if reservationID != "" {
				o.wallet.Rollback(ctx, reservationID, "not_players_turn", false)
			}
			return &BettingResult{Success: false, Message: "Not your turn"}
		}

		// Phase 5 — commit the reservation.
		if reservationID != "" {
			ok, message := o.wallet.Commit(ctx, reservationID)
			if !ok {
				return &BettingResult{Success: false, Message: fmt.Sprintf("Failed to commit bet: %s", message)}
			}
			committedReservationID = reservationID
			committedAmount = requiredAmount
			reservationID = ""
		}

		// Phase 6 — apply the pure transition.
		newState, err := o.hook.Apply(raw2, userID, chatID, action, requiredAmount)
		if err != nil {
			return o.compensate(ctx, "", committedReservationID, userID, chatID, committedAmount, fmt.Sprintf("transition failed: %v", err))
		}

		// Phase 7 — CAS save.
		saved, err := o.hook.SaveGameStateWithVersion(ctx, chatID, newState, version)
		if err != nil {
			return o.compensate(ctx, "", committedReservationID, userID, chatID, committedAmount, fmt.Sprintf("save failed: %v", err))
		}
		if !saved {
			o.log.Error("version conflict, triggering refund", "chat_id", chatID)
			if committedAmount > 0 {
				o.wallet.DirectRefund(ctx, committedReservationID, userID, chatID, committedAmount, "state_conflict")
			}
			return &BettingResult{Success: false, Message: "State conflict - action cancelled, funds returned"}
		}

		// Phase 8 — success.
		o.log.Info("betting action successful", "user_id", userID, "chat_id", chatID, "action", action, "amount", requiredAmount)
		return &BettingResult{
			Success:       true,
			Message:       successMessage(action),
			NewState:      newState,
			ReservationID: committedReservationID,
		}
	}()

	return result
}

// compensate implements the exception-path cleanup of spec.md §5/§7: a
// still-pending reservation is rolled back, a committed-but-unsaved one is
// directly refunded.
func (o *Orchestrator) compensate(ctx context.Context, pendingReservationID, committedReservationID string, userID, chatID, committedAmount int64, reason string) *BettingResult {
	if pendingReservationID != "" {
		o.wallet.Rollback(ctx, pendingReservationID, reason, false)
	} else if committedAmount > 0 {
		o.wallet.DirectRefund(ctx, committedReservationID, userID, chatID, committedAmount, reason)
	}
	return &BettingResult{Success: false, Message: fmt.Sprintf("Action failed: %s", reason)}
}

func successMessage(action string) string {
	if action == "" {
		return "Action successful"
	}
	b := []byte(action)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b) + " successful"
}
