// Package lockmgr implements the hierarchical, re-entrant lock manager that
// every table, player, pot, deck, betting, wallet, and chat mutation goes
// through, grounded on original_source/pokerapp/lock_manager.py and
// utils/locks.py. A holder may only acquire a level strictly greater than
// any it already holds, except that further keys at a level it already
// holds are permitted (tracked by reference count, not rejected). The
// underlying mutex is always taken first; the hierarchy check runs only
// once it is actually held, so a caller climbing out of order pays for
// acquiring the mutex before being turned away.
package lockmgr

import "fmt"

// Level is a position in the lock hierarchy. One holder may hold several
// distinct keys at the same level at once (LevelDeck and LevelBetting share
// a number); only acquiring a level below one already held is rejected.
type Level int

const (
	LevelTableRead  Level = 1
	LevelTableWrite Level = 2
	LevelPlayer     Level = 3
	LevelPot        Level = 4
	LevelDeck       Level = 5
	LevelBetting    Level = 5
	LevelWallet     Level = 6
	LevelChat       Level = 7
)

func (l Level) String() string {
	switch l {
	case LevelTableRead:
		return "table_read"
	case LevelTableWrite:
		return "table_write"
	case LevelPlayer:
		return "player"
	case LevelPot:
		return "pot"
	case LevelDeck:
		return "deck/betting"
	case LevelWallet:
		return "wallet"
	case LevelChat:
		return "chat"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// HierarchyViolationError reports that holder already holds a lock at
// heldLevel and cannot additionally acquire wantLevel without risking
// deadlock against another holder acquiring the same two levels in the
// opposite order.
type HierarchyViolationError struct {
	Holder    string
	HeldLevel Level
	WantLevel Level
}

func (e *HierarchyViolationError) Error() string {
	return fmt.Sprintf("lockmgr: holder %s already holds level %s, cannot acquire %s out of order",
		e.Holder, e.HeldLevel, e.WantLevel)
}
