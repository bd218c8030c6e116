// Package auth is the relay's admission controller.
//
// # Policy
//
// Policy is built from configuration and passed to NewController. Its
// Admission field has two values: DenyUnlisted (the zero value) rejects any
// identity without a live allow-list entry, and PermitUnlisted admits
// everyone. There is no package-level switch; permissive behaviour only
// exists when a caller constructs it explicitly.
//
// # Allow-list
//
// AllowList holds an immutable snapshot of store.AllowEntry values behind an
// atomic pointer. Run refreshes it from the store on an interval so lookups
// on the hot path never touch the database or take a lock. Expired entries
// are treated as absent.
//
// # Challenge-response
//
// Each connection owns a Session with three states:
//
//	Unauthenticated -> Challenged -> Authenticated
//
// When Policy.RequireAuth is set, NewSession issues a random single-use
// nonce immediately. The client proves an identity by signing a record of
// kind 22242 carrying ["challenge", nonce] (and ["relay", url] when the relay
// URL is configured). A failed proof leaves the session Challenged with the
// same nonce; a nonce is consumed exactly once, tracked in a dedupe.Cache.
//
// # Authorization
//
// AuthorizeSubmit and AuthorizeQuery pick the identity to check: the
// authenticated pubkey when there is one, otherwise the record author (for
// submissions) or Policy.AnonymousPubkey (for queries). With RequireAuth set,
// unauthenticated sessions get ErrAuthRequired before any allow-list lookup.
package auth
