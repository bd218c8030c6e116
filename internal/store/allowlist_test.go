// ABOUTME: Tests for allow-list persistence
// ABOUTME: Covers upsert semantics, expiry round trip, and delete/list

package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowEntry_UpsertGetDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	pk := newKey(t).PubKey

	_, err := s.GetAllowEntry(ctx, pk)
	assert.ErrorIs(t, err, ErrNotFound)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.UpsertAllowEntry(ctx, &AllowEntry{
		Pubkey:    pk,
		Cohorts:   []string{"beta"},
		ExpiresAt: &expires,
		Notes:     "early access",
		UpdatedBy: "cli",
	}))

	got, err := s.GetAllowEntry(ctx, pk)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, got.Cohorts)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))
	assert.Equal(t, "early access", got.Notes)
	assert.Equal(t, "cli", got.UpdatedBy)
	created := got.CreatedAt

	require.NoError(t, s.UpsertAllowEntry(ctx, &AllowEntry{Pubkey: pk, Notes: "permanent"}))
	got, err = s.GetAllowEntry(ctx, pk)
	require.NoError(t, err)
	assert.Nil(t, got.ExpiresAt)
	assert.Empty(t, got.Cohorts)
	assert.Equal(t, "permanent", got.Notes)
	assert.Equal(t, created, got.CreatedAt, "created_at survives updates")

	require.NoError(t, s.DeleteAllowEntry(ctx, pk))
	assert.ErrorIs(t, s.DeleteAllowEntry(ctx, pk), ErrNotFound)
}

func TestAllowEntry_RejectsBadPubkey(t *testing.T) {
	s := setupTestStore(t)
	err := s.UpsertAllowEntry(context.Background(), &AllowEntry{Pubkey: strings.ToUpper(newKey(t).PubKey)})
	assert.ErrorIs(t, err, ErrInvalidPubkey)
}

func TestListAllowEntries_Sorted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	var want []string
	for range 3 {
		pk := newKey(t).PubKey
		want = append(want, pk)
		require.NoError(t, s.UpsertAllowEntry(ctx, &AllowEntry{Pubkey: pk}))
	}

	entries, err := s.ListAllowEntries(ctx)
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.Pubkey)
	}
	assert.ElementsMatch(t, want, got)
	assert.IsNonDecreasing(t, got)
}

func TestAllowEntry_Expired(t *testing.T) {
	now := time.Now()
	past, future := now.Add(-time.Second), now.Add(time.Second)

	assert.False(t, (&AllowEntry{}).Expired(now))
	assert.True(t, (&AllowEntry{ExpiresAt: &past}).Expired(now))
	assert.True(t, (&AllowEntry{ExpiresAt: &now}).Expired(now))
	assert.False(t, (&AllowEntry{ExpiresAt: &future}).Expired(now))
}
