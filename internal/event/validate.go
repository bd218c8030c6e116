// ABOUTME: Pure record validation: structure, size, id digest, and signature
// ABOUTME: Converts a wire Candidate into an immutable Record or a ValidationError

package event

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// DefaultMaxContentBytes is the content ceiling when Limits leaves it unset.
const DefaultMaxContentBytes = 64 * 1024

// MaxKind is the largest kind a record may carry.
const MaxKind = 65535

// Code classifies a validation failure.
type Code string

const (
	InvalidID        Code = "invalid_id"
	InvalidSignature Code = "invalid_signature"
	InvalidPubKey    Code = "invalid_pubkey"
	InvalidTags      Code = "invalid_tags"
	InvalidKind      Code = "invalid_kind"
	InvalidCreatedAt Code = "invalid_created_at"
	ContentTooLarge  Code = "content_too_large"
)

// ValidationError reports why a candidate was rejected.
type ValidationError struct {
	Code   Code
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}

// Is matches on Code so callers can test against the sentinel values below.
func (e *ValidationError) Is(target error) bool {
	var t *ValidationError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidID        = &ValidationError{Code: InvalidID}
	ErrInvalidSignature = &ValidationError{Code: InvalidSignature}
	ErrInvalidPubKey    = &ValidationError{Code: InvalidPubKey}
	ErrInvalidTags      = &ValidationError{Code: InvalidTags}
	ErrInvalidKind      = &ValidationError{Code: InvalidKind}
	ErrInvalidCreatedAt = &ValidationError{Code: InvalidCreatedAt}
	ErrContentTooLarge  = &ValidationError{Code: ContentTooLarge}
)

func invalid(code Code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Limits bounds what Validate accepts.
type Limits struct {
	// MaxContentBytes caps len(content). Zero means DefaultMaxContentBytes.
	MaxContentBytes int
	// MaxFutureSkew rejects created_at further than this ahead of Now.
	// Zero disables the check.
	MaxFutureSkew time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Validate checks a candidate and returns the validated record.
func Validate(c *Candidate, limits Limits) (*Record, error) {
	if c == nil {
		return nil, invalid(InvalidID, "missing record")
	}
	if !isHex(c.PubKey, 64) {
		return nil, invalid(InvalidPubKey, "pubkey must be 64 lowercase hex characters")
	}
	if c.Kind < 0 || c.Kind > MaxKind {
		return nil, invalid(InvalidKind, "kind %d out of range", c.Kind)
	}

	maxContent := limits.MaxContentBytes
	if maxContent <= 0 {
		maxContent = DefaultMaxContentBytes
	}
	if len(c.Content) > maxContent {
		return nil, invalid(ContentTooLarge, "content is %d bytes, limit is %d", len(c.Content), maxContent)
	}

	tags, err := ParseTags(c.Tags)
	if err != nil {
		return nil, err
	}

	if limits.MaxFutureSkew > 0 {
		now := time.Now
		if limits.Now != nil {
			now = limits.Now
		}
		if c.CreatedAt > now().Add(limits.MaxFutureSkew).Unix() {
			return nil, invalid(InvalidCreatedAt, "created_at is too far in the future")
		}
	}

	rec := &Record{
		ID:        c.ID,
		PubKey:    c.PubKey,
		CreatedAt: c.CreatedAt,
		Kind:      c.Kind,
		Tags:      tags,
		Content:   c.Content,
		Sig:       c.Sig,
	}

	if !isHex(c.ID, 64) || rec.ComputeID() != c.ID {
		return nil, invalid(InvalidID, "id does not match the record's content")
	}
	if err := VerifySignature(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ParseTags decodes a raw tag array. Every entry must be a non-empty array
// of strings; null is rejected at both levels.
func ParseTags(raw json.RawMessage) (Tags, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, invalid(InvalidTags, "tags must be an array")
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, invalid(InvalidTags, "tags must be an array of arrays")
	}

	tags := make(Tags, 0, len(entries))
	for i, entry := range entries {
		entry = bytes.TrimSpace(entry)
		if len(entry) == 0 || entry[0] != '[' {
			return nil, invalid(InvalidTags, "tag %d is not an array", i)
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(entry, &elems); err != nil {
			return nil, invalid(InvalidTags, "tag %d is not an array", i)
		}
		if len(elems) == 0 {
			return nil, invalid(InvalidTags, "tag %d is empty", i)
		}
		tag := make(Tag, len(elems))
		for j, elem := range elems {
			elem = bytes.TrimSpace(elem)
			if len(elem) == 0 || elem[0] != '"' {
				return nil, invalid(InvalidTags, "tag %d element %d is not a string", i, j)
			}
			if err := json.Unmarshal(elem, &tag[j]); err != nil {
				return nil, invalid(InvalidTags, "tag %d element %d is not a string", i, j)
			}
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// VerifySignature checks r.Sig against r.ID under r.PubKey.
func VerifySignature(r *Record) error {
	if !isHex(r.Sig, 128) {
		return invalid(InvalidSignature, "sig must be 128 lowercase hex characters")
	}
	pkBytes, err := hex.DecodeString(r.PubKey)
	if err != nil {
		return invalid(InvalidPubKey, "pubkey is not hex")
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return invalid(InvalidPubKey, "pubkey is not a valid curve point")
	}
	sigBytes, err := hex.DecodeString(r.Sig)
	if err != nil {
		return invalid(InvalidSignature, "sig is not hex")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return invalid(InvalidSignature, "sig is malformed")
	}
	idBytes, err := hex.DecodeString(r.ID)
	if err != nil {
		return invalid(InvalidID, "id is not hex")
	}
	if !sig.Verify(idBytes, pub) {
		return invalid(InvalidSignature, "signature does not verify")
	}
	return nil
}

// IsHex64 reports whether s is a 64-character lowercase hex string, the
// shape of record ids and public keys.
func IsHex64(s string) bool {
	return isHex(s, 64)
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
