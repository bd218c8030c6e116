// ABOUTME: Key generation and record signing helpers
// ABOUTME: Used by the keygen command and by tests that need valid records

package event

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Keypair holds a secp256k1 secret key and its x-only public key in hex.
type Keypair struct {
	priv   *secp256k1.PrivateKey
	PubKey string
}

// GenerateKey creates a new random keypair.
func GenerateKey() (*Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	return keypairFrom(priv), nil
}

// KeypairFromHex parses a 32-byte hex secret key.
func KeypairFromHex(secret string) (*Keypair, error) {
	b, err := hex.DecodeString(secret)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("secret key must be 64 hex characters")
	}
	return keypairFrom(secp256k1.PrivKeyFromBytes(b)), nil
}

func keypairFrom(priv *secp256k1.PrivateKey) *Keypair {
	return &Keypair{
		priv:   priv,
		PubKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// SecretHex returns the secret key in hex.
func (k *Keypair) SecretHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// Sign sets r.PubKey, r.ID and r.Sig. The remaining fields must already be set.
func (k *Keypair) Sign(r *Record) error {
	r.PubKey = k.PubKey
	if r.Tags == nil {
		r.Tags = Tags{}
	}
	r.ID = r.ComputeID()

	idBytes, err := hex.DecodeString(r.ID)
	if err != nil {
		return fmt.Errorf("decoding id: %w", err)
	}
	sig, err := schnorr.Sign(k.priv, idBytes)
	if err != nil {
		return fmt.Errorf("signing record: %w", err)
	}
	r.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
