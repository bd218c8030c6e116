// ABOUTME: Shared fixtures for admission tests
// ABOUTME: Builds signed auth proofs and controllers with a fixed clock

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/event"
	"github.com/2389/coven-relay/internal/store"
)

var testNow = time.Unix(1_750_000_000, 0)

func fixedClock() time.Time { return testNow }

func newKey(t *testing.T) *event.Keypair {
	t.Helper()
	k, err := event.GenerateKey()
	require.NoError(t, err)
	return k
}

func proof(t *testing.T, k *event.Keypair, kind int, createdAt int64, tags event.Tags) *event.Record {
	t.Helper()
	r := &event.Record{CreatedAt: createdAt, Kind: kind, Tags: tags}
	require.NoError(t, k.Sign(r))
	return r
}

func authProof(t *testing.T, k *event.Keypair, challenge string) *event.Record {
	t.Helper()
	return proof(t, k, event.KindAuth, testNow.Unix(), event.Tags{{"challenge", challenge}})
}

func newController(t *testing.T, p Policy, entries ...*store.AllowEntry) *Controller {
	t.Helper()
	c := NewController(p, StaticAllowList(entries...), nil, WithClock(fixedClock))
	t.Cleanup(c.Close)
	return c
}
