// ABOUTME: Retention classes derived from a record's kind
// ABOUTME: Single place where kind ranges are interpreted

package event

// Class is the retention class of a record, derived from its kind.
type Class int

const (
	// Regular records are append-only.
	Regular Class = iota
	// Replaceable records keep only the newest per (pubkey, kind).
	Replaceable
	// ParameterizedReplaceable records keep only the newest per (pubkey, kind, d-tag).
	ParameterizedReplaceable
	// Ephemeral records are broadcast and never stored.
	Ephemeral
	// Deletion records tombstone earlier records by the same author.
	Deletion
)

// Reserved kinds.
const (
	KindMetadata = 0
	KindText     = 1
	KindContacts = 3
	KindDeletion = 5
	KindAuth     = 22242
)

// ClassOf classifies a kind.
func ClassOf(kind int) Class {
	switch {
	case kind == KindDeletion:
		return Deletion
	case kind == KindMetadata || kind == KindContacts:
		return Replaceable
	case kind >= 10000 && kind < 20000:
		return Replaceable
	case kind >= 20000 && kind < 30000:
		return Ephemeral
	case kind >= 30000 && kind < 40000:
		return ParameterizedReplaceable
	default:
		return Regular
	}
}

func (c Class) String() string {
	switch c {
	case Regular:
		return "regular"
	case Replaceable:
		return "replaceable"
	case ParameterizedReplaceable:
		return "parameterized_replaceable"
	case Ephemeral:
		return "ephemeral"
	case Deletion:
		return "deletion"
	default:
		return "unknown"
	}
}

// IsReplaceable reports whether records of this class supersede older ones.
func (c Class) IsReplaceable() bool {
	return c == Replaceable || c == ParameterizedReplaceable
}

// Stored reports whether records of this class are persisted.
func (c Class) Stored() bool {
	return c != Ephemeral
}

// Supersedes reports whether incoming wins over existing for the same
// replaceable key: strictly newer created_at, or equal created_at and a
// lexicographically smaller id.
func Supersedes(incoming, existing *Record) bool {
	if incoming.CreatedAt != existing.CreatedAt {
		return incoming.CreatedAt > existing.CreatedAt
	}
	return incoming.ID < existing.ID
}
