// Package kvstore wraps a remote key-value store's scripted atomic
// primitives behind a narrow Client interface, the same shape as
// pokerapp's RedisClient Protocol (redis_client.py): eval, hgetall,
// expire, delete, lpush, exists, hset, plus llen/scan for queue and DLQ
// bookkeeping. Store exposes the five named script tags with bit-stable
// return contracts (spec.md §4.A) so callers never need to parse anything
// beyond these exact strings.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReservationStatus enumerates the lifecycle states of a chip reservation.
type ReservationStatus string

const (
	StatusPending    ReservationStatus = "pending"
	StatusCommitted  ReservationStatus = "committed"
	StatusRolledBack ReservationStatus = "rolled_back"
	StatusExpired    ReservationStatus = "expired"
)

// Reservation is the durable record described in spec.md §3.
type Reservation struct {
	ReservationID string            `json:"reservation_id"`
	UserID        int64             `json:"user_id"`
	ChatID        int64             `json:"chat_id"`
	Amount        int64             `json:"amount"`
	CreatedAt     int64             `json:"created_at"`
	Status        ReservationStatus `json:"status"`
	Metadata      map[string]string `json:"metadata"`
}

// Client is the minimal remote KV surface the rest of the core depends on.
// A real implementation talks to Valkey/Redis (see ValkeyClient); tests
// substitute the in-memory FakeClient, mirroring
// original_source/tests/test_two_phase_commit.py's FakeRedisClient.
type Client interface {
	// Eval runs a server-side script identified by its leading comment tag
	// (e.g. "-- reservation_create") against keys/args and returns the raw
	// result, which Store type-asserts according to the script contract.
	Eval(ctx context.Context, script string, keys []string, args []interface{}) (interface{}, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttlSeconds int64) (bool, error)
	Delete(ctx context.Context, key string) (int64, error)
	LPush(ctx context.Context, key string, value string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	// LRem removes up to one occurrence of value from the list at key,
	// used to dequeue a holder's own queue-depth marker once it acquires
	// (or gives up on) a contended lock.
	LRem(ctx context.Context, key string, value string) (int64, error)
	// SetNX sets key to value with a TTL only if key does not already exist,
	// the primitive action tokens are built on (SET key token NX EX ttl in
	// the AzielCF Valkey example).
	SetNX(ctx context.Context, key, value string, ttlSeconds int64) (bool, error)
}

// Script tags are package-level constants so both ValkeyClient and
// FakeClient can dispatch on an identical leading-comment prefix, the same
// convention test_two_phase_commit.py's fake relies on.
const (
	scriptReservationCreate   = "-- reservation_create\n"
	scriptReservationCommit   = "-- reservation_commit\n"
	scriptReservationRollback = "-- reservation_rollback\n"
	scriptGameStateSave       = "-- game_state_save\n"
	scriptTokenRelease        = "-- token_release\n"
)

// Store implements the five scripted primitives of spec.md §4.A over a
// Client.
type Store struct {
	client Client
}

// New wraps an existing Client.
func New(client Client) *Store {
	return &Store{client: client}
}

// ReservationKey returns the durable storage key for a reservation id,
// matching the "poker:reservation:{id}" namespace of spec.md §6.
func ReservationKey(reservationID string) string {
	return "poker:reservation:" + reservationID
}

// ReservationCreate implements reservation_create: returns true if the key
// did not previously exist and was created, else false.
func (s *Store) ReservationCreate(
	ctx context.Context,
	key string,
	userID, chatID, amount int64,
	status ReservationStatus,
	metadata map[string]string,
	now int64,
) (bool, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("kvstore: marshal metadata: %w", err)
	}
	res, err := s.client.Eval(ctx, scriptReservationCreate, []string{key},
		[]interface{}{userID, chatID, amount, string(status), string(metaJSON), now})
	if err != nil {
		return false, fmt.Errorf("kvstore: reservation_create: %w", err)
	}
	return toInt64(res) == 1, nil
}

// ReservationCommit implements reservation_commit. Return values are the
// exact strings from spec.md §4.A: "ok", "committed", "missing", or the
// raw current status for any other terminal state.
func (s *Store) ReservationCommit(ctx context.Context, key string) (string, error) {
	res, err := s.client.Eval(ctx, scriptReservationCommit, []string{key}, nil)
	if err != nil {
		return "", fmt.Errorf("kvstore: reservation_commit: %w", err)
	}
	return toString(res), nil
}

// ReservationRollback implements reservation_rollback. allowCommitted
// mirrors the Python call's `allow_committed` flag: when true a committed
// reservation may still be compensated (returning "compensated").
func (s *Store) ReservationRollback(ctx context.Context, key string, allowCommitted bool, reason string) (string, error) {
	allow := "0"
	if allowCommitted {
		allow = "1"
	}
	res, err := s.client.Eval(ctx, scriptReservationRollback, []string{key}, []interface{}{allow, reason})
	if err != nil {
		return "", fmt.Errorf("kvstore: reservation_rollback: %w", err)
	}
	return toString(res), nil
}

// GameStateSave implements game_state_save: returns true on a
// match-and-increment CAS, false otherwise.
func (s *Store) GameStateSave(ctx context.Context, key string, stateJSON json.RawMessage, expectedVersion int64, ttlSeconds int64) (bool, error) {
	res, err := s.client.Eval(ctx, scriptGameStateSave, []string{key},
		[]interface{}{string(stateJSON), expectedVersion, ttlSeconds})
	if err != nil {
		return false, fmt.Errorf("kvstore: game_state_save: %w", err)
	}
	return toInt64(res) == 1, nil
}

// SetNX sets up a durable action token, atomically, with a TTL.
func (s *Store) SetNX(ctx context.Context, key, value string, ttlSeconds int64) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttlSeconds)
	if err != nil {
		return false, fmt.Errorf("kvstore: setnx %s: %w", key, err)
	}
	return ok, nil
}

// TokenRelease deletes key only if its current value matches token,
// implemented as a compare-and-delete script so release never removes a
// token some other holder has since re-acquired.
func (s *Store) TokenRelease(ctx context.Context, key, token string) (bool, error) {
	res, err := s.client.Eval(ctx, scriptTokenRelease, []string{key}, []interface{}{token})
	if err != nil {
		return false, fmt.Errorf("kvstore: token_release: %w", err)
	}
	return toInt64(res) == 1, nil
}

// HGetAll, Expire, Delete, LPush, Exists, HSet, LLen, Scan pass straight
// through to the underlying Client; Store exists to keep every caller
// going through one seam for instrumentation and error wrapping.

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("kvstore: hgetall %s: %w", key, err)
	}
	return m, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttlSeconds int64) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttlSeconds)
	if err != nil {
		return false, fmt.Errorf("kvstore: expire %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Delete(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) LPush(ctx context.Context, key string, value string) (int64, error) {
	n, err := s.client.LPush(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kvstore: lpush %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("kvstore: exists %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) (int64, error) {
	n, err := s.client.HSet(ctx, key, fields)
	if err != nil {
		return 0, fmt.Errorf("kvstore: hset %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("kvstore: llen %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Scan(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("kvstore: scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *Store) LRem(ctx context.Context, key string, value string) (int64, error) {
	n, err := s.client.LRem(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kvstore: lrem %s: %w", key, err)
	}
	return n, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
