// ABOUTME: Admission controller: per-connection challenge sessions and authorization
// ABOUTME: Verifies kind-22242 proofs against single-use nonces, then consults the allow-list

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/event"
)

const (
	// NonceCacheSize is the maximum number of consumed nonces tracked.
	NonceCacheSize = 100000

	nonceTTL = time.Hour
)

// State is a session's authentication state.
type State int

const (
	Unauthenticated State = iota
	Challenged
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Challenged:
		return "challenged"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Session is the admission state of one connection.
type Session struct {
	mu        sync.Mutex
	state     State
	challenge string
	pubkey    string
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Challenge returns the nonce issued to this session, or "".
func (s *Session) Challenge() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge
}

// Pubkey returns the authenticated pubkey, or "".
func (s *Session) Pubkey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubkey
}

// Controller makes admission decisions for every session of a relay.
type Controller struct {
	policy Policy
	allow  *AllowList
	used   *dedupe.Cache
	now    func() time.Time
	logger *slog.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates an admission controller. A nil allow-list is empty.
func NewController(policy Policy, allow *AllowList, logger *slog.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if allow == nil {
		allow = StaticAllowList()
	}
	c := &Controller{
		policy: policy,
		allow:  allow,
		used:   dedupe.New(nonceTTL, NonceCacheSize),
		now:    time.Now,
		logger: logger.With("component", "admission"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if policy.Admission == PermitUnlisted {
		c.logger.Warn("admission policy permits unlisted identities")
	}
	return c
}

// Close releases the nonce cache.
func (c *Controller) Close() {
	c.used.Close()
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// AllowList returns the allow-list consulted by the controller.
func (c *Controller) AllowList() *AllowList {
	return c.allow
}

// NewSession creates the admission state for a new connection. When auth is
// required the session is issued a challenge immediately.
func (c *Controller) NewSession() (*Session, error) {
	s := &Session{}
	if c.policy.RequireAuth {
		if _, err := c.Challenge(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Challenge returns the session's nonce, issuing one if it has none.
// An authenticated session keeps its state and gets no new nonce.
func (c *Controller) Challenge(s *Session) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.challenge != "" {
		return s.challenge, nil
	}
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	s.challenge = nonce
	if s.state == Unauthenticated {
		s.state = Challenged
	}
	return nonce, nil
}

func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating challenge: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Authenticate verifies an auth proof for s. On success the session is bound
// to proof.PubKey and its nonce is consumed; on failure it is unchanged.
func (c *Controller) Authenticate(s *Session, proof *event.Record) error {
	if proof.Kind != event.KindAuth {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongKind, proof.Kind, event.KindAuth)
	}
	if proof.ComputeID() != proof.ID || event.VerifySignature(proof) != nil {
		return ErrBadProof
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.challenge == "" {
		return ErrNoChallenge
	}

	tag, ok := proof.Tags.Find("challenge")
	if !ok || tag.Value() != s.challenge {
		return ErrChallengeMismatch
	}

	now := c.now().Unix()
	window := int64(c.policy.window() / time.Second)
	if d := proof.CreatedAt - now; d > window || d < -window {
		return fmt.Errorf("%w: %ds from now", ErrStaleProof, d)
	}

	if c.policy.RelayURL != "" {
		relay, ok := proof.Tags.Find("relay")
		if !ok || !sameRelayURL(relay.Value(), c.policy.RelayURL) {
			return ErrRelayMismatch
		}
	}

	if c.used.CheckAndMark(s.challenge) {
		return ErrNonceReused
	}

	s.state = Authenticated
	s.pubkey = proof.PubKey
	c.logger.Debug("session authenticated", "pubkey", proof.PubKey)
	return nil
}

func sameRelayURL(a, b string) bool {
	norm := func(u string) string {
		return strings.TrimRight(strings.ToLower(strings.TrimSpace(u)), "/")
	}
	return norm(a) == norm(b)
}

// AuthorizeSubmit decides whether s may submit a record by author.
func (c *Controller) AuthorizeSubmit(s *Session, author string) error {
	return c.authorize(s, author)
}

// AuthorizeQuery decides whether s may open a subscription.
func (c *Controller) AuthorizeQuery(s *Session) error {
	return c.authorize(s, c.policy.AnonymousPubkey)
}

func (c *Controller) authorize(s *Session, fallback string) error {
	s.mu.Lock()
	state, pubkey := s.state, s.pubkey
	s.mu.Unlock()

	if state == Authenticated {
		if c.admits(pubkey) {
			return nil
		}
		return ErrRestricted
	}
	if c.policy.RequireAuth {
		return ErrAuthRequired
	}
	if c.admits(fallback) {
		return nil
	}
	return ErrNotAllowed
}

func (c *Controller) admits(pubkey string) bool {
	if c.policy.Admission == PermitUnlisted {
		return true
	}
	return pubkey != "" && c.allow.Allowed(pubkey)
}
