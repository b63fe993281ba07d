package betting

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokercore/tablecore/internal/config"
	"github.com/pokercore/tablecore/internal/kvstore"
	"github.com/pokercore/tablecore/internal/lockmgr"
	"github.com/pokercore/tablecore/internal/pokerlog"
	"github.com/pokercore/tablecore/internal/wallet"
)

// fakeLedger mirrors test_two_phase_commit.py's FakeWalletRepository.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[[2]int64]int64
}

func (f *fakeLedger) GetBalance(_ context.Context, u, c int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[[2]int64{u, c}], nil
}

func (f *fakeLedger) Debit(_ context.Context, u, c, amount int64, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := [2]int64{u, c}
	if f.balances[k] < amount {
		return wallet.ErrInsufficientFunds
	}
	f.balances[k] -= amount
	return nil
}

func (f *fakeLedger) Credit(_ context.Context, u, c, amount int64, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[[2]int64{u, c}] += amount
	return nil
}

func (f *fakeLedger) balance(u, c int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[[2]int64{u, c}]
}

// fakeGameEngine mirrors test_two_phase_commit.py's FakeGameEngine: a
// single-chat versioned JSON document plus a one-shot forced-save-failure
// toggle used to exercise the CAS-conflict refund branch.
type fakeGameEngine struct {
	mu           sync.Mutex
	states       map[int64]map[string]interface{}
	failNextSave bool
}

func newFakeGameEngine() *fakeGameEngine {
	return &fakeGameEngine{states: map[int64]map[string]interface{}{}}
}

func (e *fakeGameEngine) seed(chatID int64, state map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[chatID] = state
}

func (e *fakeGameEngine) load(chatID int64) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[chatID]
}

func (e *fakeGameEngine) hook() GameHook {
	return GameHook{
		LoadGameState: func(_ context.Context, chatID int64) (json.RawMessage, error) {
			state := e.load(chatID)
			if state == nil {
				return nil, nil
			}
			return json.Marshal(state)
		},
		LoadGameStateWithVersion: func(_ context.Context, chatID int64) (json.RawMessage, int64, error) {
			state := e.load(chatID)
			if state == nil {
				return nil, 0, nil
			}
			raw, err := json.Marshal(state)
			version, _ := state["version"].(int)
			return raw, int64(version), err
		},
		SaveGameStateWithVersion: func(_ context.Context, chatID int64, state json.RawMessage, expectedVersion int64) (bool, error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.failNextSave {
				e.failNextSave = false
				return false, nil
			}
			current := e.states[chatID]
			currentVersion, _ := current["version"].(int)
			if int64(currentVersion) != expectedVersion {
				return false, nil
			}
			var next map[string]interface{}
			if err := json.Unmarshal(state, &next); err != nil {
				return false, err
			}
			next["version"] = currentVersion + 1
			e.states[chatID] = next
			return true, nil
		},
		Apply: func(state json.RawMessage, userID, chatID int64, action string, amount int64) (json.RawMessage, error) {
			var doc map[string]interface{}
			if err := json.Unmarshal(state, &doc); err != nil {
				return nil, err
			}
			players, _ := doc["players"].([]interface{})
			for _, p := range players {
				player := p.(map[string]interface{})
				if int64(player["user_id"].(float64)) == userID {
					if action == "fold" {
						player["folded"] = true
					} else {
						chips, _ := player["chips"].(float64)
						currentBet, _ := player["current_bet"].(float64)
						player["chips"] = chips - float64(amount)
						player["current_bet"] = currentBet + float64(amount)
					}
					break
				}
			}
			pot, _ := doc["pot"].(float64)
			doc["pot"] = pot + float64(amount)
			return json.Marshal(doc)
		},
	}
}

func seedStateOne() map[string]interface{} {
	return map[string]interface{}{
		"version":           1,
		"current_player_id": 1,
		"current_bet":       100,
		"pot":               0,
		"players": []interface{}{
			map[string]interface{}{"user_id": 1, "chips": 1000, "current_bet": 0, "folded": false},
		},
	}
}

func newOrchestrator(t *testing.T, ledger *fakeLedger) (*Orchestrator, *fakeGameEngine) {
	t.Helper()
	kv := kvstore.New(kvstore.NewFakeClient())
	store, err := config.NewStore("")
	require.NoError(t, err)
	locks := lockmgr.New(store, pokerlog.Noop())
	walletSvc := wallet.New(ledger, kv, nil, pokerlog.Noop())
	engine := newFakeGameEngine()
	orch := New(walletSvc, locks, engine.hook(), pokerlog.Noop())
	return orch, engine
}

func TestHandleHappyPathCall(t *testing.T) {
	ledger := &fakeLedger{balances: map[[2]int64]int64{{1, 99}: 1000}}
	orch, engine := newOrchestrator(t, ledger)
	engine.seed(99, seedStateOne())

	result := orch.Handle(context.Background(), 1, 99, "call", nil)
	require.True(t, result.Success, result.Message)
	assert.Equal(t, int64(900), ledger.balance(1, 99))

	state := engine.load(99)
	assert.Equal(t, 2, state["version"])
	assert.Equal(t, float64(100), state["pot"])
}

func TestHandleInsufficientFunds(t *testing.T) {
	ledger := &fakeLedger{balances: map[[2]int64]int64{{1, 99}: 50}}
	orch, engine := newOrchestrator(t, ledger)
	engine.seed(99, seedStateOne())

	result := orch.Handle(context.Background(), 1, 99, "call", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "Insufficient")
	assert.Equal(t, int64(50), ledger.balance(1, 99))
}

func TestHandleVersionConflictTriggersRefund(t *testing.T) {
	ledger := &fakeLedger{balances: map[[2]int64]int64{{1, 99}: 1000}}
	orch, engine := newOrchestrator(t, ledger)
	engine.seed(99, seedStateOne())
	engine.failNextSave = true

	result := orch.Handle(context.Background(), 1, 99, "call", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "conflict")
	assert.Equal(t, int64(1000), ledger.balance(1, 99))
}

func TestHandleNotPlayersTurn(t *testing.T) {
	ledger := &fakeLedger{balances: map[[2]int64]int64{{2, 99}: 1000}}
	orch, engine := newOrchestrator(t, ledger)
	state := seedStateOne()
	players := state["players"].([]interface{})
	players = append(players, map[string]interface{}{"user_id": 2, "chips": 1000, "current_bet": 0, "folded": false})
	state["players"] = players
	engine.seed(99, state)

	result := orch.Handle(context.Background(), 2, 99, "call", nil)
	assert.False(t, result.Success)
	assert.Equal(t, "Not your turn", result.Message)
}

func TestHandleUnknownAction(t *testing.T) {
	ledger := &fakeLedger{balances: map[[2]int64]int64{{1, 99}: 1000}}
	orch, engine := newOrchestrator(t, ledger)
	engine.seed(99, seedStateOne())

	result := orch.Handle(context.Background(), 1, 99, "bluff", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "Unknown action")
}

func TestHandleNoActiveGame(t *testing.T) {
	ledger := &fakeLedger{balances: map[[2]int64]int64{{1, 99}: 1000}}
	orch, _ := newOrchestrator(t, ledger)

	result := orch.Handle(context.Background(), 1, 99, "call", nil)
	assert.False(t, result.Success)
	assert.Equal(t, "No active game", result.Message)
}
