// ABOUTME: Lock-free allow-list snapshot refreshed periodically from the store
// ABOUTME: Lookups read an atomic pointer; expired entries are treated as absent

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// AllowListSource loads every allow-list entry.
type AllowListSource interface {
	ListAllowEntries(ctx context.Context) ([]*store.AllowEntry, error)
}

type allowSnapshot struct {
	entries  map[string]*store.AllowEntry
	loadedAt time.Time
}

// AllowList is an in-memory view of the store's allow-list.
type AllowList struct {
	src    AllowListSource
	snap   atomic.Pointer[allowSnapshot]
	now    func() time.Time
	logger *slog.Logger
}

// NewAllowList creates an empty allow-list backed by src. Call Refresh (or
// Run) before serving traffic; until then every lookup misses.
func NewAllowList(src AllowListSource, logger *slog.Logger) *AllowList {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AllowList{
		src:    src,
		now:    time.Now,
		logger: logger.With("component", "allowlist"),
	}
	a.snap.Store(&allowSnapshot{entries: map[string]*store.AllowEntry{}})
	return a
}

// StaticAllowList builds an allow-list from fixed entries, with no source.
func StaticAllowList(entries ...*store.AllowEntry) *AllowList {
	a := NewAllowList(nil, nil)
	a.swap(entries)
	return a
}

// Refresh replaces the snapshot with the store's current entries. On error
// the previous snapshot stays in place.
func (a *AllowList) Refresh(ctx context.Context) error {
	if a.src == nil {
		return nil
	}
	entries, err := a.src.ListAllowEntries(ctx)
	if err != nil {
		return fmt.Errorf("loading allow-list: %w", err)
	}
	a.swap(entries)
	return nil
}

func (a *AllowList) swap(entries []*store.AllowEntry) {
	m := make(map[string]*store.AllowEntry, len(entries))
	for _, e := range entries {
		m[e.Pubkey] = e
	}
	a.snap.Store(&allowSnapshot{entries: m, loadedAt: a.now()})
}

// Run refreshes the snapshot every interval until ctx is done.
func (a *AllowList) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Refresh(ctx); err != nil {
				a.logger.Warn("allow-list refresh failed, keeping previous snapshot", "error", err)
				continue
			}
			a.logger.Debug("allow-list refreshed", "entries", a.Len())
		}
	}
}

// Lookup returns the live entry for pubkey. Expired entries are not returned.
func (a *AllowList) Lookup(pubkey string) (*store.AllowEntry, bool) {
	e, ok := a.snap.Load().entries[pubkey]
	if !ok || e.Expired(a.now()) {
		return nil, false
	}
	return e, true
}

// Allowed reports whether pubkey has a live entry.
func (a *AllowList) Allowed(pubkey string) bool {
	_, ok := a.Lookup(pubkey)
	return ok
}

// Len returns the number of entries in the snapshot, expired ones included.
func (a *AllowList) Len() int {
	return len(a.snap.Load().entries)
}

// LoadedAt returns when the current snapshot was taken.
func (a *AllowList) LoadedAt() time.Time {
	return a.snap.Load().loadedAt
}
