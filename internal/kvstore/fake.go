package kvstore

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
)

// FakeClient is an in-memory Client used by tests across the module,
// grounded directly on original_source/tests/test_two_phase_commit.py's
// FakeRedisClient (reservation/state_store/lists maps, script dispatch by
// leading-comment prefix) and test_action_lock_queue.py's
// _InMemoryActionLockBackend (wildcard pattern matching on keys()).
type FakeClient struct {
	mu sync.Mutex

	reservations map[string]*fakeReservationRecord
	stateStore   map[string]*fakeStateRecord
	lists        map[string][]string
	strings      map[string]string

	// FailNextGameStateSave forces the next game_state_save call to report
	// a CAS failure regardless of version match, so a conflict path can be
	// exercised deterministically.
	FailNextGameStateSave bool
}

type fakeReservationRecord struct {
	userID, chatID, amount int64
	status                 string
	metadata               string
	createdAt               int64
}

type fakeStateRecord struct {
	version int64
	state   string
}

// NewFakeClient returns an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		reservations: map[string]*fakeReservationRecord{},
		stateStore:   map[string]*fakeStateRecord{},
		lists:        map[string][]string{},
		strings:      map[string]string{},
	}
}

func (f *FakeClient) Eval(_ context.Context, script string, keys []string, args []interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keys[0]

	switch {
	case strings.HasPrefix(script, scriptReservationCreate):
		if _, ok := f.reservations[key]; ok {
			return int64(0), nil
		}
		f.reservations[key] = &fakeReservationRecord{
			userID:    args[0].(int64),
			chatID:    args[1].(int64),
			amount:    args[2].(int64),
			status:    args[3].(string),
			metadata:  args[4].(string),
			createdAt: args[5].(int64),
		}
		return int64(1), nil

	case strings.HasPrefix(script, scriptReservationCommit):
		record, ok := f.reservations[key]
		if !ok {
			return "missing", nil
		}
		if record.status == string(StatusCommitted) {
			return "committed", nil
		}
		if record.status != string(StatusPending) {
			return record.status, nil
		}
		record.status = string(StatusCommitted)
		return "ok", nil

	case strings.HasPrefix(script, scriptReservationRollback):
		record, ok := f.reservations[key]
		if !ok {
			return "missing", nil
		}
		allowCommitted := args[0].(string) == "1"
		if record.status == string(StatusRolledBack) {
			return "rolled_back", nil
		}
		if record.status == string(StatusCommitted) {
			if allowCommitted {
				record.status = string(StatusRolledBack)
				return "compensated", nil
			}
			return "committed", nil
		}
		if record.status != string(StatusPending) {
			return record.status, nil
		}
		record.status = string(StatusRolledBack)
		return "rolled_back", nil

	case strings.HasPrefix(script, scriptGameStateSave):
		if f.FailNextGameStateSave {
			f.FailNextGameStateSave = false
			return int64(0), nil
		}
		stateJSON := args[0].(string)
		expectedVersion := args[1].(int64)
		current, ok := f.stateStore[key]
		if !ok {
			current = &fakeStateRecord{version: 0, state: "{}"}
			f.stateStore[key] = current
		}
		if current.version != expectedVersion {
			return int64(0), nil
		}
		current.version++
		current.state = stateJSON
		return int64(1), nil

	case strings.HasPrefix(script, scriptTokenRelease):
		token := args[0].(string)
		if f.strings[key] == token {
			delete(f.strings, key)
			return int64(1), nil
		}
		return int64(0), nil
	}

	return nil, fmt.Errorf("kvstore: fake client: unexpected script %q", script)
}

func (f *FakeClient) HGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record, ok := f.reservations[key]; ok {
		return map[string]string{
			"user_id":    strconv.FormatInt(record.userID, 10),
			"chat_id":    strconv.FormatInt(record.chatID, 10),
			"amount":     strconv.FormatInt(record.amount, 10),
			"status":     record.status,
			"metadata":   record.metadata,
			"created_at": strconv.FormatInt(record.createdAt, 10),
		}, nil
	}
	if store, ok := f.stateStore[key]; ok {
		return map[string]string{
			"state":   store.state,
			"version": strconv.FormatInt(store.version, 10),
		}, nil
	}
	return map[string]string{}, nil
}

func (f *FakeClient) Expire(context.Context, string, int64) (bool, error) {
	return true, nil
}

func (f *FakeClient) Delete(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	if _, ok := f.reservations[key]; ok {
		delete(f.reservations, key)
		removed++
	}
	if _, ok := f.stateStore[key]; ok {
		delete(f.stateStore, key)
		removed++
	}
	if _, ok := f.strings[key]; ok {
		delete(f.strings, key)
		removed++
	}
	return removed, nil
}

func (f *FakeClient) LPush(_ context.Context, key string, value string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append([]string{value}, f.lists[key]...)
	return int64(len(f.lists[key])), nil
}

func (f *FakeClient) LRem(_ context.Context, key string, value string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	for i, v := range list {
		if v == value {
			f.lists[key] = append(list[:i], list[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (f *FakeClient) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, a := f.reservations[key]
	_, b := f.stateStore[key]
	_, c := f.strings[key]
	return a || b || c, nil
}

func (f *FakeClient) HSet(_ context.Context, key string, fields map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	f.stateStore[key] = &fakeStateRecord{version: version, state: fields["state"]}
	return 1, nil
}

func (f *FakeClient) LLen(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[key])), nil
}

func (f *FakeClient) Scan(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.strings {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *FakeClient) SetNX(_ context.Context, key, value string, _ int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.strings[key]; ok {
		return false, nil
	}
	f.strings[key] = value
	return true, nil
}

// Lists exposes the raw DLQ/queue lists for assertions in tests.
func (f *FakeClient) Lists() map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]string, len(f.lists))
	for k, v := range f.lists {
		out[k] = append([]string(nil), v...)
	}
	return out
}
