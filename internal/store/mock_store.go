// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/2389/coven-relay/internal/event"
	"github.com/2389/coven-relay/internal/filter"
)

// MockStore is an in-memory Store implementation for testing.
// Setting InsertErr or QueryErr makes the matching calls fail.
type MockStore struct {
	mu         sync.RWMutex
	records    map[string]*event.Record // keyed by record ID
	tombstones map[string]string        // record ID -> deleting pubkey
	allow      map[string]*AllowEntry   // keyed by pubkey

	InsertErr error
	QueryErr  error
	PingErr   error

	inserts int
	closed  bool
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		records:    make(map[string]*event.Record),
		tombstones: make(map[string]string),
		allow:      make(map[string]*AllowEntry),
	}
}

// Insert applies the same retention rules as SQLiteStore, without
// coordinate ("a" tag) deletions.
func (m *MockStore) Insert(ctx context.Context, rec *event.Record) (InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertErr != nil {
		return 0, m.InsertErr
	}
	class := rec.Class()
	if !class.Stored() {
		return InsertIgnored, nil
	}
	if _, ok := m.records[rec.ID]; ok {
		return InsertDuplicate, nil
	}
	if m.tombstones[rec.ID] == rec.PubKey {
		return InsertIgnored, nil
	}

	result := InsertStored
	if class.IsReplaceable() {
		var older []string
		for id, old := range m.records {
			if old.PubKey != rec.PubKey || old.Kind != rec.Kind || coordinateDTag(old) != coordinateDTag(rec) {
				continue
			}
			if !event.Supersedes(rec, old) {
				return InsertIgnored, nil
			}
			older = append(older, id)
		}
		for _, id := range older {
			delete(m.records, id)
			result = InsertReplaced
		}
	}

	cp := *rec
	m.records[rec.ID] = &cp
	m.inserts++

	if class == event.Deletion {
		m.applyDeletionLocked(rec)
	}
	return result, nil
}

// Query returns matching records using filter.Matches directly.
func (m *MockStore) Query(ctx context.Context, filters filter.Filters, opts QueryOptions) ([]*event.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.QueryErr != nil {
		return nil, m.QueryErr
	}

	all := make([]*event.Record, 0, len(m.records))
	for _, r := range m.records {
		if m.tombstones[r.ID] == r.PubKey {
			continue
		}
		all = append(all, r)
	}
	SortNewestFirst(all)

	seen := make(map[string]struct{})
	var out []*event.Record
	for i := range filters {
		f := &filters[i]
		limit := f.EffectiveLimit(opts.DefaultLimit, opts.HardCap)
		n := 0
		for _, r := range all {
			if n >= limit {
				break
			}
			if !f.Matches(r) {
				continue
			}
			n++
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			cp := *r
			out = append(out, &cp)
		}
	}
	SortNewestFirst(out)
	if opts.HardCap > 0 && len(out) > opts.HardCap {
		out = out[:opts.HardCap]
	}
	return out, nil
}

// ApplyDeletion tombstones the "e" targets of deletion by the same author.
func (m *MockStore) ApplyDeletion(ctx context.Context, deletion *event.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyDeletionLocked(deletion), nil
}

func (m *MockStore) applyDeletionLocked(deletion *event.Record) int {
	hidden := 0
	for _, id := range deletion.Tags.Values("e") {
		if id == deletion.ID {
			continue
		}
		m.tombstones[id] = deletion.PubKey
		if r, ok := m.records[id]; ok && r.PubKey == deletion.PubKey {
			hidden++
		}
	}
	return hidden
}

// Stats counts the mock's contents.
func (m *MockStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Records:    int64(len(m.records)),
		Tombstones: int64(len(m.tombstones)),
		AllowList:  int64(len(m.allow)),
	}, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PingErr
}

// InsertCount returns how many records were persisted.
func (m *MockStore) InsertCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inserts
}

// SetInsertErr sets InsertErr under the lock.
func (m *MockStore) SetInsertErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertErr = err
}

// SetPingErr sets PingErr under the lock.
func (m *MockStore) SetPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingErr = err
}

// SetQueryErr sets QueryErr under the lock.
func (m *MockStore) SetQueryErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueryErr = err
}

// UpsertAllowEntry stores a copy of entry.
func (m *MockStore) UpsertAllowEntry(ctx context.Context, entry *AllowEntry) error {
	if !event.IsHex64(entry.Pubkey) {
		return ErrInvalidPubkey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	if old, ok := m.allow[entry.Pubkey]; ok {
		cp.CreatedAt = old.CreatedAt
	}
	m.allow[entry.Pubkey] = &cp
	return nil
}

// GetAllowEntry retrieves an entry by pubkey.
func (m *MockStore) GetAllowEntry(ctx context.Context, pubkey string) (*AllowEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.allow[pubkey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// DeleteAllowEntry removes an entry.
func (m *MockStore) DeleteAllowEntry(ctx context.Context, pubkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allow[pubkey]; !ok {
		return ErrNotFound
	}
	delete(m.allow, pubkey)
	return nil
}

// ListAllowEntries returns all entries ordered by pubkey.
func (m *MockStore) ListAllowEntries(ctx context.Context) ([]*AllowEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AllowEntry, 0, len(m.allow))
	for _, e := range m.allow {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pubkey < out[j].Pubkey })
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
