// ABOUTME: Tests for filter decoding and matching
// ABOUTME: Covers per-field AND, within-field OR, tag sets, and inclusive bounds

package filter

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/event"
)

var (
	alice = strings.Repeat("a", 64)
	bob   = strings.Repeat("b", 64)
	id1   = strings.Repeat("1", 64)
	id2   = strings.Repeat("2", 64)
)

func record() *event.Record {
	return &event.Record{
		ID:        id1,
		PubKey:    alice,
		CreatedAt: 1000,
		Kind:      1,
		Tags:      event.Tags{{"e", id2}, {"p", bob}, {"t", "go"}, {"t", "relay"}},
		Content:   "hi",
	}
}

func decode(t *testing.T, raw string) Filter {
	t.Helper()
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	return f
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"empty filter matches all", `{}`, true},
		{"kind hit", `{"kinds":[1]}`, true},
		{"kind miss", `{"kinds":[0,3]}`, false},
		{"kind OR", `{"kinds":[7,1]}`, true},
		{"author hit", `{"authors":["` + alice + `"]}`, true},
		{"author miss", `{"authors":["` + bob + `"]}`, false},
		{"id hit", `{"ids":["` + id1 + `"]}`, true},
		{"id miss", `{"ids":["` + id2 + `"]}`, false},
		{"since inclusive", `{"since":1000}`, true},
		{"since after", `{"since":1001}`, false},
		{"until inclusive", `{"until":1000}`, true},
		{"until before", `{"until":999}`, false},
		{"tag e hit", `{"#e":["` + id2 + `"]}`, true},
		{"tag p miss", `{"#p":["` + alice + `"]}`, false},
		{"tag t OR", `{"#t":["rust","relay"]}`, true},
		{"AND across fields", `{"kinds":[1],"#t":["go"],"authors":["` + alice + `"]}`, true},
		{"AND fails on one", `{"kinds":[1],"#t":["rust"]}`, false},
		{"empty set matches nothing", `{"kinds":[]}`, false},
		{"unknown tag name", `{"#x":["go"]}`, false},
		{"unknown keys ignored", `{"search":"x","kinds":[1]}`, true},
		{"limit does not constrain", `{"limit":0}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := decode(t, tt.filter)
			assert.Equal(t, tt.want, f.Matches(record()))
		})
	}
}

func TestFilters_MatchesAny(t *testing.T) {
	fs := Filters{decode(t, `{"kinds":[7]}`), decode(t, `{"#t":["go"]}`)}
	assert.True(t, fs.Matches(record()))

	fs = Filters{decode(t, `{"kinds":[7]}`), decode(t, `{"#t":["rust"]}`)}
	assert.False(t, fs.Matches(record()))

	assert.False(t, Filters{}.Matches(record()))
}

func TestUnmarshal_Errors(t *testing.T) {
	cases := []string{
		`[]`,
		`null`,
		`{"kinds":"1"}`,
		`{"ids":["short"]}`,
		`{"authors":["` + strings.ToUpper(alice) + `"]}`,
		`{"since":"yesterday"}`,
		`{"#e":"x"}`,
	}
	for _, raw := range cases {
		var f Filter
		err := json.Unmarshal([]byte(raw), &f)
		assert.ErrorIs(t, err, ErrInvalidFilter, raw)
	}
}

func TestUnmarshal_IgnoresMultiLetterTagKeys(t *testing.T) {
	f := decode(t, `{"#emoji":["x"],"#d":["slug"]}`)
	assert.Equal(t, map[string][]string{"d": {"slug"}}, f.Tags)
}

func TestMarshal_RoundTrip(t *testing.T) {
	f := decode(t, `{"kinds":[1,2],"#t":["go"],"since":5,"limit":10}`)
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kinds":[1,2],"#t":["go"],"since":5,"limit":10}`, string(data))
}

func TestEffectiveLimit(t *testing.T) {
	f := decode(t, `{}`)
	assert.Equal(t, 100, f.EffectiveLimit(100, 500))

	f = decode(t, `{"limit":20}`)
	assert.Equal(t, 20, f.EffectiveLimit(100, 500))

	f = decode(t, `{"limit":5000}`)
	assert.Equal(t, 500, f.EffectiveLimit(100, 500))

	f = decode(t, `{"limit":0}`)
	assert.Equal(t, 0, f.EffectiveLimit(100, 500))
}

func TestEmpty(t *testing.T) {
	assert.True(t, (&Filter{Kinds: []int{}}).Empty())
	assert.False(t, (&Filter{}).Empty())
	since, until := int64(10), int64(5)
	assert.True(t, (&Filter{Since: &since, Until: &until}).Empty())
}
