// Package dedupe tracks recently seen keys within a time window.
//
// The relay uses it to make auth challenge nonces single-use and to drop
// records it has already fanned out. Entries expire after the TTL and the
// oldest entry is evicted when the cache is full.
package dedupe
