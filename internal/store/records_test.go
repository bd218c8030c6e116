// ABOUTME: Tests for record insert, retention classes, deletion and query
// ABOUTME: Runs against a real SQLite database in a temp directory

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/event"
	"github.com/2389/coven-relay/internal/filter"
)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "relay.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestOpenSQLiteStore_UnknownDriver(t *testing.T) {
	_, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "x.db"), Options{Driver: "postgres"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	k := newKey(t)
	rec := sign(t, k, event.KindText, 100, nil, "persisted")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	_, err = s.Insert(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Query(ctx, filter.Filters{{IDs: []string{rec.ID}}}, DefaultQueryOptions)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Content)
}

func TestInsert_RegularAndDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	k := newKey(t)
	rec := sign(t, k, event.KindText, 100, event.Tags{{"t", "go"}}, "hello")

	res, err := s.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, InsertStored, res)

	res, err = s.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, InsertDuplicate, res)

	got, err := s.Query(ctx, filter.Filters{{IDs: []string{rec.ID}}}, DefaultQueryOptions)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec, got[0])
}

func TestInsert_EphemeralNotStored(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rec := sign(t, newKey(t), 20001, 100, nil, "typing")

	res, err := s.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, InsertIgnored, res)

	got, err := s.Query(ctx, filter.Filters{{}}, DefaultQueryOptions)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInsert_ReplaceableEitherOrder(t *testing.T) {
	k := newKey(t)
	older := sign(t, k, event.KindMetadata, 100, nil, `{"name":"old"}`)
	newer := sign(t, k, event.KindMetadata, 200, nil, `{"name":"new"}`)

	tests := []struct {
		name  string
		order []*event.Record
		want  []InsertResult
	}{
		{"older then newer", []*event.Record{older, newer}, []InsertResult{InsertStored, InsertReplaced}},
		{"newer then older", []*event.Record{newer, older}, []InsertResult{InsertStored, InsertIgnored}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			ctx := context.Background()
			for i, r := range tt.order {
				res, err := s.Insert(ctx, r)
				require.NoError(t, err)
				assert.Equal(t, tt.want[i], res)
			}

			got, err := s.Query(ctx, filter.Filters{{Authors: []string{k.PubKey}, Kinds: []int{event.KindMetadata}}}, DefaultQueryOptions)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, newer.ID, got[0].ID)
		})
	}
}

func TestInsert_ReplaceableTieBreakSmallerID(t *testing.T) {
	k := newKey(t)
	a := sign(t, k, 10002, 500, nil, "a")
	b := sign(t, k, 10002, 500, nil, "b")
	winner, loser := a, b
	if b.ID < a.ID {
		winner, loser = b, a
	}

	for _, order := range [][]*event.Record{{winner, loser}, {loser, winner}} {
		s := setupTestStore(t)
		ctx := context.Background()
		for _, r := range order {
			_, err := s.Insert(ctx, r)
			require.NoError(t, err)
		}
		got, err := s.Query(ctx, filter.Filters{{Kinds: []int{10002}}}, DefaultQueryOptions)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, winner.ID, got[0].ID)
	}
}

func TestInsert_ParameterizedByDTag(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	k := newKey(t)

	fooV1 := sign(t, k, 30023, 100, event.Tags{{"d", "foo"}}, "foo v1")
	barV1 := sign(t, k, 30023, 100, event.Tags{{"d", "bar"}}, "bar v1")
	fooV2 := sign(t, k, 30023, 200, event.Tags{{"d", "foo"}}, "foo v2")

	for _, r := range []*event.Record{fooV1, barV1} {
		res, err := s.Insert(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, InsertStored, res)
	}
	res, err := s.Insert(ctx, fooV2)
	require.NoError(t, err)
	assert.Equal(t, InsertReplaced, res)

	got, err := s.Query(ctx, filter.Filters{{Kinds: []int{30023}}}, DefaultQueryOptions)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{fooV2.ID, barV1.ID}, ids(got))
}

func TestInsert_ReplaceableIsolatedPerAuthor(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := sign(t, newKey(t), event.KindContacts, 100, nil, "")
	b := sign(t, newKey(t), event.KindContacts, 200, nil, "")

	for _, r := range []*event.Record{a, b} {
		res, err := s.Insert(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, InsertStored, res)
	}
}

func TestDeletion_SameAuthor(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	k := newKey(t)
	target := sign(t, k, event.KindText, 100, nil, "oops")
	_, err := s.Insert(ctx, target)
	require.NoError(t, err)

	del := sign(t, k, event.KindDeletion, 101, event.Tags{{"e", target.ID}}, "")
	res, err := s.Insert(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, InsertStored, res)

	got, err := s.Query(ctx, filter.Filters{{IDs: []string{target.ID}}}, DefaultQueryOptions)
	require.NoError(t, err)
	assert.Empty(t, got)

	// The deletion record itself stays queryable.
	got, err = s.Query(ctx, filter.Filters{{Kinds: []int{event.KindDeletion}}}, DefaultQueryOptions)
	require.NoError(t, err)
	assert.Equal(t, []string{del.ID}, ids(got))

	// Re-submitting the deleted record does not resurrect it.
	res, err = s.Insert(ctx, target)
	require.NoError(t, err)
	assert.NotEqual(t, InsertStored, res)
}

func TestDeletion_OtherAuthorHasNoEffect(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	target := sign(t, newKey(t), event.KindText, 100, nil, "mine")
	_, err := s.Insert(ctx, target)
	require.NoError(t, err)

	spoof := sign(t, newKey(t), event.KindDeletion, 101, event.Tags{{"e", target.ID}}, "")
	_, err = s.Insert(ctx, spoof)
	require.NoError(t, err)

	n, err := s.ApplyDeletion(ctx, spoof)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.Query(ctx, filter.Filters{{IDs: []string{target.ID}}}, DefaultQueryOptions)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDeletion_BeforeTarget(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	k := newKey(t)
	target := sign(t, k, event.KindText, 100, nil, "late")
	del := sign(t, k, event.KindDeletion, 101, event.Tags{{"e", target.ID}}, "")

	_, err := s.Insert(ctx, del)
	require.NoError(t, err)
	res, err := s.Insert(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, InsertIgnored, res)
}

func TestDeletion_Coordinate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	k := newKey(t)
	article := sign(t, k, 30023, 100, event.Tags{{"d", "post"}}, "v1")
	_, err := s.Insert(ctx, article)
	require.NoError(t, err)

	coord := fmt.Sprintf("30023:%s:post", k.PubKey)
	del := sign(t, k, event.KindDeletion, 150, event.Tags{{"a", coord}}, "")
	n, err := s.ApplyDeletion(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Query(ctx, filter.Filters{{Kinds: []int{30023}}}, DefaultQueryOptions)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Older versions arriving late stay hidden; newer ones are accepted.
	stale := sign(t, k, 30023, 120, event.Tags{{"d", "post"}}, "v0")
	res, err := s.Insert(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, InsertIgnored, res)

	fresh := sign(t, k, 30023, 200, event.Tags{{"d", "post"}}, "v2")
	res, err = s.Insert(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, res.Persisted())
}

func TestApplyDeletion_RejectsNonDeletion(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.ApplyDeletion(context.Background(), sign(t, newKey(t), event.KindText, 1, nil, ""))
	assert.Error(t, err)
}

func TestQuery_OrderLimitAndCap(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	k := newKey(t)
	for i := range 20 {
		_, err := s.Insert(ctx, sign(t, k, event.KindText, int64(1000+i), nil, fmt.Sprintf("n%d", i)))
		require.NoError(t, err)
	}

	got, err := s.Query(ctx, filter.Filters{{Limit: intPtr(5)}}, DefaultQueryOptions)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i-1].CreatedAt, got[i].CreatedAt)
	}
	assert.Equal(t, int64(1019), got[0].CreatedAt)

	got, err = s.Query(ctx, filter.Filters{{Limit: intPtr(1000)}}, QueryOptions{DefaultLimit: 3, HardCap: 7})
	require.NoError(t, err)
	assert.Len(t, got, 7)

	got, err = s.Query(ctx, filter.Filters{{}}, QueryOptions{DefaultLimit: 3, HardCap: 7})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.Query(ctx, filter.Filters{{Limit: intPtr(0)}}, DefaultQueryOptions)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuery_SameTimestampOrderedByIDDesc(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	k := newKey(t)
	for i := range 4 {
		_, err := s.Insert(ctx, sign(t, k, event.KindText, 42, nil, fmt.Sprintf("same-%d", i)))
		require.NoError(t, err)
	}
	got, err := s.Query(ctx, filter.Filters{{}}, DefaultQueryOptions)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i-1].ID, got[i].ID)
	}
}

func TestQuery_MergesFiltersWithoutDuplicates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice, bob := newKey(t), newKey(t)
	a := sign(t, alice, event.KindText, 100, nil, "a")
	b := sign(t, bob, event.KindText, 200, nil, "b")
	for _, r := range []*event.Record{a, b} {
		_, err := s.Insert(ctx, r)
		require.NoError(t, err)
	}

	got, err := s.Query(ctx, filter.Filters{
		{Authors: []string{alice.PubKey}},
		{Kinds: []int{event.KindText}},
	}, DefaultQueryOptions)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID}, ids(got))
}

func TestQuery_TagsAndTimeBounds(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	k := newKey(t)
	ref := "aa" + fmt.Sprintf("%062d", 0)

	tagged := sign(t, k, event.KindText, 100, event.Tags{{"e", ref}, {"t", "go"}}, "tagged")
	secondValue := sign(t, k, event.KindText, 110, event.Tags{{"t", "rust", "go"}}, "only first value counts")
	plain := sign(t, k, event.KindText, 120, nil, "plain")
	for _, r := range []*event.Record{tagged, secondValue, plain} {
		_, err := s.Insert(ctx, r)
		require.NoError(t, err)
	}

	tests := []struct {
		name string
		f    filter.Filter
		want []string
	}{
		{"tag value", filter.Filter{Tags: map[string][]string{"t": {"go"}}}, []string{tagged.ID}},
		{"tag OR values", filter.Filter{Tags: map[string][]string{"t": {"go", "rust"}}}, []string{secondValue.ID, tagged.ID}},
		{"tag AND names", filter.Filter{Tags: map[string][]string{"t": {"go"}, "e": {ref}}}, []string{tagged.ID}},
		{"since inclusive", filter.Filter{Since: i64Ptr(110)}, []string{plain.ID, secondValue.ID}},
		{"until inclusive", filter.Filter{Until: i64Ptr(110)}, []string{secondValue.ID, tagged.ID}},
		{"empty set", filter.Filter{Kinds: []int{}}, []string{}},
		{"unknown tag value", filter.Filter{Tags: map[string][]string{"t": {"zig"}}}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, filter.Filters{tt.f}, DefaultQueryOptions)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

// Every record Query returns must satisfy the shared predicate, and every
// stored record the predicate accepts must be returned when limits allow.
func TestQuery_AgreesWithMatches(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	keys := []*event.Keypair{newKey(t), newKey(t), newKey(t)}

	var stored []*event.Record
	for i := range 30 {
		k := keys[i%len(keys)]
		tags := event.Tags{{"t", fmt.Sprintf("topic%d", i%4)}}
		r := sign(t, k, []int{1, 2, 7}[i%3], int64(100+i), tags, fmt.Sprintf("r%d", i))
		_, err := s.Insert(ctx, r)
		require.NoError(t, err)
		stored = append(stored, r)
	}

	filters := []filter.Filter{
		{Kinds: []int{1, 2}},
		{Authors: []string{keys[0].PubKey}, Since: i64Ptr(110)},
		{Tags: map[string][]string{"t": {"topic1", "topic3"}}, Until: i64Ptr(120)},
		{Authors: []string{keys[1].PubKey, keys[2].PubKey}, Kinds: []int{7}},
	}
	for i, f := range filters {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			got, err := s.Query(ctx, filter.Filters{f}, DefaultQueryOptions)
			require.NoError(t, err)

			var want []*event.Record
			for _, r := range stored {
				if f.Matches(r) {
					want = append(want, r)
				}
			}
			SortNewestFirst(want)
			assert.Equal(t, ids(want), ids(got))
		})
	}
}

func TestStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	k := newKey(t)
	target := sign(t, k, event.KindText, 1, nil, "")
	_, err := s.Insert(ctx, target)
	require.NoError(t, err)
	_, err = s.Insert(ctx, sign(t, k, event.KindDeletion, 2, event.Tags{{"e", target.ID}}, ""))
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Records)
	assert.Equal(t, int64(1), st.Tombstones)
	assert.NoError(t, s.Ping(ctx))
}
