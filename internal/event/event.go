// ABOUTME: Record and Candidate types for signed relay records
// ABOUTME: Candidate is the raw wire shape, Record is the validated immutable form

package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Tag is one entry of a record's tags: the first element is the tag name,
// the rest are its values.
type Tag []string

// Name returns the tag name, or "" for an empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value of the tag, or "" when there is none.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is the ordered tag list of a record.
type Tags []Tag

// Find returns the first tag with the given name.
func (ts Tags) Find(name string) (Tag, bool) {
	for _, t := range ts {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Values returns the first value of every tag with the given name, in order.
func (ts Tags) Values(name string) []string {
	var out []string
	for _, t := range ts {
		if t.Name() == name && len(t) >= 2 {
			out = append(out, t[1])
		}
	}
	return out
}

// Record is a validated, immutable signed record.
type Record struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Class returns the retention class of the record's kind.
func (r *Record) Class() Class {
	return ClassOf(r.Kind)
}

// DTag returns the value of the first "d" tag, or "" if the record has none.
// It keys parameterized-replaceable records.
func (r *Record) DTag() string {
	if t, ok := r.Tags.Find("d"); ok {
		return t.Value()
	}
	return ""
}

// MarshalJSON always emits tags as an array, never null. HTML characters are
// left unescaped; encoders that escape them still do so on their own.
func (r *Record) MarshalJSON() ([]byte, error) {
	type plain Record
	p := plain(*r)
	if p.Tags == nil {
		p.Tags = Tags{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (r *Record) String() string {
	return fmt.Sprintf("record{id=%s kind=%d pubkey=%s}", r.ID, r.Kind, r.PubKey)
}

// Candidate is a record as received on the wire, before validation.
// Tags stay raw so malformed tag arrays are reported as InvalidTags rather
// than as an undecodable frame.
type Candidate struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	CreatedAt int64           `json:"created_at"`
	Kind      int             `json:"kind"`
	Tags      json.RawMessage `json:"tags"`
	Content   string          `json:"content"`
	Sig       string          `json:"sig"`
}

// CandidateFrom builds the wire form of an existing record.
func CandidateFrom(r *Record) *Candidate {
	tags := r.Tags
	if tags == nil {
		tags = Tags{}
	}
	raw, _ := json.Marshal(tags)
	return &Candidate{
		ID:        r.ID,
		PubKey:    r.PubKey,
		CreatedAt: r.CreatedAt,
		Kind:      r.Kind,
		Tags:      raw,
		Content:   r.Content,
		Sig:       r.Sig,
	}
}
