// ABOUTME: Shared helpers for event package tests
// ABOUTME: Builds signed records and candidates from a fresh keypair

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) *Keypair {
	t.Helper()
	k, err := GenerateKey()
	require.NoError(t, err)
	return k
}

func signedRecord(t *testing.T, k *Keypair, kind int, tags Tags, content string) *Record {
	t.Helper()
	r := &Record{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, k.Sign(r))
	return r
}
