// ABOUTME: Canonical serialization and content-derived id computation
// ABOUTME: Produces the exact byte form that record ids and signatures cover

package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Serialize returns the canonical serialization of the signed fields:
// [0,"<pubkey>",<created_at>,<kind>,[["t","v"],...],"<content>"].
// Strings use minimal JSON escaping so every implementation derives the same
// bytes; encoding/json is not used because it escapes <, >, & and U+2028.
func Serialize(pubkey string, createdAt int64, kind int, tags Tags, content string) []byte {
	var b strings.Builder
	b.Grow(64 + len(content) + len(pubkey))

	b.WriteString(`[0,`)
	writeString(&b, pubkey)
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(createdAt, 10))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(kind))
	b.WriteString(",[")
	for i, tag := range tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for j, s := range tag {
			if j > 0 {
				b.WriteByte(',')
			}
			writeString(&b, s)
		}
		b.WriteByte(']')
	}
	b.WriteString("],")
	writeString(&b, content)
	b.WriteByte(']')

	return []byte(b.String())
}

// ComputeID returns the hex digest of the canonical serialization.
func ComputeID(pubkey string, createdAt int64, kind int, tags Tags, content string) string {
	sum := sha256.Sum256(Serialize(pubkey, createdAt, kind, tags, content))
	return hex.EncodeToString(sum[:])
}

// ComputeID recomputes the id of r from its signed fields.
func (r *Record) ComputeID() string {
	return ComputeID(r.PubKey, r.CreatedAt, r.Kind, r.Tags, r.Content)
}

const hexDigits = "0123456789abcdef"

func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0xf])
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}
