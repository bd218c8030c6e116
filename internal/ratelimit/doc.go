// Package ratelimit implements per-scope token buckets for relay traffic.
//
// Each traffic class (Submit, Subscribe, Auth) has its own capacity and
// refill rate so one class cannot starve another. Scopes are strings such as
// ConnScope(id) and PubkeyScope(pubkey); Allow charges every scope passed in
// or none of them. Buckets are created on first use and evicted after
// Config.IdleTTL without traffic.
package ratelimit
