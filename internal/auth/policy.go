// ABOUTME: Admission policy threaded from configuration into the controller
// ABOUTME: The zero value denies every identity without a live allow-list entry

package auth

import (
	"errors"
	"time"
)

// Admission decides what happens to identities missing from the allow-list.
type Admission int

const (
	// DenyUnlisted rejects identities without a live allow-list entry.
	DenyUnlisted Admission = iota
	// PermitUnlisted admits every identity. Intended for local development.
	PermitUnlisted
)

func (a Admission) String() string {
	if a == PermitUnlisted {
		return "permit-unlisted"
	}
	return "deny-unlisted"
}

// DefaultChallengeWindow bounds how far an auth proof's created_at may be from now.
const DefaultChallengeWindow = 10 * time.Minute

// Policy configures the admission controller.
type Policy struct {
	Admission Admission

	// RequireAuth issues a challenge on connect and rejects EVENT and REQ
	// from sessions that have not authenticated.
	RequireAuth bool

	// AnonymousPubkey is the identity checked for queries from
	// unauthenticated sessions when RequireAuth is off. Empty means no
	// identity, which only PermitUnlisted admits.
	AnonymousPubkey string

	// ChallengeWindow bounds auth proof timestamps; zero means DefaultChallengeWindow.
	ChallengeWindow time.Duration

	// RelayURL, when set, must appear in the proof's "relay" tag.
	RelayURL string
}

// Errors returned by authorization and authentication.
var (
	ErrAuthRequired = errors.New("authentication required")
	ErrNotAllowed   = errors.New("pubkey is not on the allow-list")
	ErrRestricted   = errors.New("authenticated pubkey is not on the allow-list")

	ErrNoChallenge       = errors.New("no challenge issued for this connection")
	ErrWrongKind         = errors.New("auth proof has the wrong kind")
	ErrChallengeMismatch = errors.New("challenge does not match")
	ErrNonceReused       = errors.New("challenge already used")
	ErrStaleProof        = errors.New("auth proof created_at is outside the allowed window")
	ErrRelayMismatch     = errors.New("auth proof relay tag does not match")
	ErrBadProof          = errors.New("auth proof signature or id is invalid")
)

func (p Policy) window() time.Duration {
	if p.ChallengeWindow <= 0 {
		return DefaultChallengeWindow
	}
	return p.ChallengeWindow
}
