// ABOUTME: Tests for record validation
// ABOUTME: Covers id determinism, signature checks, tag shape, size and skew limits

package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_AcceptsSignedRecord(t *testing.T) {
	k := newTestKey(t)
	r := signedRecord(t, k, KindText, Tags{{"p", k.PubKey}, {"t", "go"}}, "hello relay")

	got, err := Validate(CandidateFrom(r), Limits{})
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.Tags, got.Tags)
	assert.Equal(t, "hello relay", got.Content)
}

func TestComputeID_Deterministic(t *testing.T) {
	tags := Tags{{"e", "abc", "wss://relay.example"}, {"d", ""}}
	a := ComputeID("ff", 1700000000, 30023, tags, "line1\nline2 \"quoted\" \\ <b>")
	b := ComputeID("ff", 1700000000, 30023, tags, "line1\nline2 \"quoted\" \\ <b>")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestSerialize_MinimalEscaping(t *testing.T) {
	got := string(Serialize("pk", 1, 1, Tags{{"t", "a&b"}}, "<x>\n\t\"\u0001 "))
	assert.Equal(t, `[0,"pk",1,1,[["t","a&b"]],"<x>\n\t\"\u0001`+" "+`"]`, got)
}

func TestValidate_RejectsContentMutation(t *testing.T) {
	k := newTestKey(t)
	r := signedRecord(t, k, KindText, nil, "original content")

	for i := range len(r.Content) {
		c := CandidateFrom(r)
		b := []byte(c.Content)
		b[i] ^= 0x01
		c.Content = string(b)

		_, err := Validate(c, Limits{})
		require.Error(t, err, "mutation at byte %d", i)
		assert.ErrorIs(t, err, ErrInvalidID)
	}
}

func TestValidate_RejectsTagMutation(t *testing.T) {
	k := newTestKey(t)
	r := signedRecord(t, k, KindText, Tags{{"t", "golang"}}, "c")

	c := CandidateFrom(r)
	c.Tags = json.RawMessage(`[["t","golanh"]]`)
	_, err := Validate(c, Limits{})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestValidate_RejectsSignatureFromAnotherKey(t *testing.T) {
	k1 := newTestKey(t)
	k2 := newTestKey(t)
	r := signedRecord(t, k1, KindText, nil, "x")
	other := signedRecord(t, k2, KindText, nil, "x")

	c := CandidateFrom(r)
	c.Sig = other.Sig
	_, err := Validate(c, Limits{})
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidate_RejectsRecomputedIDUnderOldSignature(t *testing.T) {
	k := newTestKey(t)
	r := signedRecord(t, k, KindText, nil, "before")

	mutated := *r
	mutated.Content = "after"
	mutated.ID = mutated.ComputeID()

	_, err := Validate(CandidateFrom(&mutated), Limits{})
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidate_ContentTooLarge(t *testing.T) {
	k := newTestKey(t)
	r := signedRecord(t, k, KindText, nil, "0123456789")

	_, err := Validate(CandidateFrom(r), Limits{MaxContentBytes: 5})
	assert.ErrorIs(t, err, ErrContentTooLarge)

	_, err = Validate(CandidateFrom(r), Limits{MaxContentBytes: 10})
	assert.NoError(t, err)
}

func TestValidate_InvalidTags(t *testing.T) {
	k := newTestKey(t)
	r := signedRecord(t, k, KindText, nil, "x")

	cases := map[string]string{
		"null":            `null`,
		"missing":         ``,
		"object":          `{"t":"x"}`,
		"string entry":    `["t"]`,
		"number element":  `[["t",1]]`,
		"null element":    `[["t",null]]`,
		"empty tag":       `[[]]`,
		"nested array":    `[["t",["x"]]]`,
		"null entry":      `[null]`,
		"truncated array": `[["t","x"]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			c := CandidateFrom(r)
			c.Tags = json.RawMessage(raw)
			_, err := Validate(c, Limits{})
			assert.ErrorIs(t, err, ErrInvalidTags)
		})
	}
}

func TestValidate_InvalidPubKeyAndID(t *testing.T) {
	k := newTestKey(t)
	r := signedRecord(t, k, KindText, nil, "x")

	c := CandidateFrom(r)
	c.PubKey = "ABC"
	_, err := Validate(c, Limits{})
	assert.ErrorIs(t, err, ErrInvalidPubKey)

	c = CandidateFrom(r)
	c.ID = "00" + r.ID[2:]
	_, err = Validate(c, Limits{})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestValidate_FutureSkew(t *testing.T) {
	k := newTestKey(t)
	now := time.Unix(1_700_000_000, 0)
	r := &Record{CreatedAt: now.Add(time.Hour).Unix(), Kind: KindText, Content: "later"}
	require.NoError(t, k.Sign(r))

	limits := Limits{MaxFutureSkew: 15 * time.Minute, Now: func() time.Time { return now }}
	_, err := Validate(CandidateFrom(r), limits)
	assert.ErrorIs(t, err, ErrInvalidCreatedAt)

	limits.MaxFutureSkew = 2 * time.Hour
	_, err = Validate(CandidateFrom(r), limits)
	assert.NoError(t, err)
}

func TestValidationError_Message(t *testing.T) {
	_, err := Validate(&Candidate{PubKey: "zz"}, Limits{})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, InvalidPubKey, verr.Code)
	assert.NotEmpty(t, verr.Error())
}

func TestKeypairFromHex_RoundTrip(t *testing.T) {
	k := newTestKey(t)
	k2, err := KeypairFromHex(k.SecretHex())
	require.NoError(t, err)
	assert.Equal(t, k.PubKey, k2.PubKey)

	_, err = KeypairFromHex("1234")
	assert.Error(t, err)
}
