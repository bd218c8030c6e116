// ABOUTME: Shared fixtures for store tests
// ABOUTME: Opens a temp-dir SQLite store and signs records with fresh keys

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/event"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newKey(t *testing.T) *event.Keypair {
	t.Helper()
	k, err := event.GenerateKey()
	require.NoError(t, err)
	return k
}

func sign(t *testing.T, k *event.Keypair, kind int, createdAt int64, tags event.Tags, content string) *event.Record {
	t.Helper()
	r := &event.Record{CreatedAt: createdAt, Kind: kind, Tags: tags, Content: content}
	require.NoError(t, k.Sign(r))
	return r
}

func ids(recs []*event.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func intPtr(n int) *int { return &n }

func i64Ptr(n int64) *int64 { return &n }
