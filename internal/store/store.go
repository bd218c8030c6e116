// ABOUTME: Store interfaces and data types for relay persistence
// ABOUTME: Defines insert outcomes, query options, and allow-list entries

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-relay/internal/event"
	"github.com/2389/coven-relay/internal/filter"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidPubkey is returned when an allow-list entry has a malformed key
var ErrInvalidPubkey = errors.New("pubkey must be 64 lowercase hex characters")

// InsertResult describes what Insert did with a record.
type InsertResult int

const (
	// InsertStored means the record was persisted.
	InsertStored InsertResult = iota
	// InsertReplaced means the record was persisted and superseded an older
	// record with the same replaceable key.
	InsertReplaced
	// InsertIgnored means the record was valid but not persisted: an older or
	// equal replaceable, a deleted id, or an ephemeral record.
	InsertIgnored
	// InsertDuplicate means a record with the same id is already stored.
	InsertDuplicate
)

func (r InsertResult) String() string {
	switch r {
	case InsertStored:
		return "stored"
	case InsertReplaced:
		return "replaced"
	case InsertIgnored:
		return "ignored"
	case InsertDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Persisted reports whether the record is now visible to queries.
func (r InsertResult) Persisted() bool {
	return r == InsertStored || r == InsertReplaced
}

// QueryOptions bounds a historical query.
type QueryOptions struct {
	// DefaultLimit applies to filters without their own limit.
	DefaultLimit int
	// HardCap bounds every filter and the merged result.
	HardCap int
}

// DefaultQueryOptions mirrors the relay's default limits.
var DefaultQueryOptions = QueryOptions{DefaultLimit: 100, HardCap: 500}

// Stats summarizes store contents for health reporting.
type Stats struct {
	Records    int64
	Tombstones int64
	AllowList  int64
}

// AllowEntry grants an identity admission to the relay.
type AllowEntry struct {
	Pubkey    string
	Cohorts   []string
	ExpiresAt *time.Time // nil never expires
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
	UpdatedBy string
}

// Expired reports whether the entry's expiry is at or before now.
func (e *AllowEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// RecordStore persists and queries signed records.
type RecordStore interface {
	// Insert persists rec according to its retention class. Writes are
	// transactional; the record is visible to Query once Insert returns.
	Insert(ctx context.Context, rec *event.Record) (InsertResult, error)

	// Query returns records matching any filter, newest first (created_at
	// desc, id desc), excluding tombstoned records.
	Query(ctx context.Context, filters filter.Filters, opts QueryOptions) ([]*event.Record, error)

	// ApplyDeletion tombstones the records a deletion record references,
	// limited to records by the deletion's own author. Returns the number of
	// stored records newly hidden.
	ApplyDeletion(ctx context.Context, deletion *event.Record) (int, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// AllowListStore manages the admission allow-list.
type AllowListStore interface {
	UpsertAllowEntry(ctx context.Context, entry *AllowEntry) error
	GetAllowEntry(ctx context.Context, pubkey string) (*AllowEntry, error)
	DeleteAllowEntry(ctx context.Context, pubkey string) error
	ListAllowEntries(ctx context.Context) ([]*AllowEntry, error)
}

// Store is the full persistence surface used by the relay.
type Store interface {
	RecordStore
	AllowListStore

	// Close releases any resources held by the store
	Close() error
}
