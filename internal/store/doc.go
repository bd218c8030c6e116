// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// Two interfaces split the persistence surface:
//
//   - RecordStore: insert, query, and delete signed records
//   - AllowListStore: the admission allow-list
//
// SQLiteStore implements both (as Store). MockStore is an in-memory Store with
// error injection for tests.
//
// # Retention
//
// Insert switches on the record's event.Class:
//
//   - Regular: appended
//   - Replaceable: newest per (pubkey, kind) wins
//   - ParameterizedReplaceable: newest per (pubkey, kind, d tag) wins
//   - Ephemeral: never stored (InsertIgnored)
//   - Deletion: stored, then its "e" and "a" targets by the same author are
//     tombstoned in the same transaction
//
// Ties on created_at go to the lexicographically smaller id.
//
// # Schema
//
//	records(id PK, pubkey, created_at, kind, tags JSON, content, sig, d_tag, received_at)
//	record_tags(record_id, name, value)      -- inverted tag index
//	tombstones(target, pubkey, deletion_id, created_at)
//	allowlist(pubkey PK, cohorts JSON, expires_at, notes, created_at, updated_at, updated_by)
//
// Indexes cover pubkey, kind, (kind, created_at), (created_at, id) and
// record_tags(name, value).
//
// # SQLite Configuration
//
// Every pooled connection is opened with WAL, a busy timeout, and immediate
// write transactions via DSN parameters. The pool size is bounded by
// Options.MaxOpenConns; callers queue when it is exhausted. Writes are
// additionally serialized in-process.
//
// Drivers:
//
//   - "sqlite": modernc.org/sqlite (pure Go, default)
//   - "sqlite3": github.com/mattn/go-sqlite3 (cgo)
//
// Use NewSQLiteStore(":memory:") or a t.TempDir() path in tests.
package store
