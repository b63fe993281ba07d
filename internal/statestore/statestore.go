// Package statestore implements the versioned game-state document store of
// spec.md §4.D: opaque JSON state keyed by chat id, persisted with a
// compare-and-swap on an integer version, grounded on
// betting_handler.py::_load_state_with_version and the versioned-document
// pattern used across the retrieval pack's KV-backed state stores.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pokercore/tablecore/internal/kvstore"
)

// VersionedState pairs the opaque state document with its stored version.
type VersionedState struct {
	State   json.RawMessage
	Version int64
}

// Store wraps the kvstore CAS primitive with the chat-id key namespacing
// and absent-document defaulting described in spec.md §4.D.
type Store struct {
	kv     *kvstore.Store
	prefix string
	ttl    int64
}

// New builds a Store. prefix namespaces game-state keys (default
// "poker:state:"); ttlSeconds is attached to every save (0 disables
// expiry).
func New(kv *kvstore.Store, prefix string, ttlSeconds int64) *Store {
	if prefix == "" {
		prefix = "poker:state:"
	}
	return &Store{kv: kv, prefix: prefix, ttl: ttlSeconds}
}

func (s *Store) key(chatID int64) string {
	return fmt.Sprintf("%s%d", s.prefix, chatID)
}

// LoadWithVersion returns the state plus its integer version. A missing
// document returns nil and no error; the first save of such a document
// must pass expectedVersion 0.
func (s *Store) LoadWithVersion(ctx context.Context, chatID int64) (*VersionedState, error) {
	record, err := s.kv.HGetAll(ctx, s.key(chatID))
	if err != nil {
		return nil, fmt.Errorf("statestore: load %d: %w", chatID, err)
	}
	stateJSON, ok := record["state"]
	if !ok || stateJSON == "" {
		return nil, nil
	}
	var version int64
	if v, ok := record["version"]; ok {
		_, _ = fmt.Sscanf(v, "%d", &version)
	}
	return &VersionedState{State: json.RawMessage(stateJSON), Version: version}, nil
}

// SaveWithVersion calls the KV CAS primitive: on version mismatch it
// returns false and leaves both the store and the caller's copy
// untouched; on success the stored version becomes expectedVersion+1.
func (s *Store) SaveWithVersion(ctx context.Context, chatID int64, state json.RawMessage, expectedVersion int64) (bool, error) {
	ok, err := s.kv.GameStateSave(ctx, s.key(chatID), state, expectedVersion, s.ttl)
	if err != nil {
		return false, fmt.Errorf("statestore: save %d: %w", chatID, err)
	}
	return ok, nil
}
