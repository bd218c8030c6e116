// ABOUTME: Allow-list persistence for SQLiteStore
// ABOUTME: Entries grant admission to a pubkey, optionally until an expiry

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/event"
)

// UpsertAllowEntry creates or replaces the entry for entry.Pubkey.
// CreatedAt is preserved across updates.
func (s *SQLiteStore) UpsertAllowEntry(ctx context.Context, entry *AllowEntry) error {
	if !event.IsHex64(entry.Pubkey) {
		return ErrInvalidPubkey
	}

	cohorts := entry.Cohorts
	if cohorts == nil {
		cohorts = []string{}
	}
	cohortsJSON, err := json.Marshal(cohorts)
	if err != nil {
		return fmt.Errorf("encoding cohorts: %w", err)
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	var expires sql.NullString
	if entry.ExpiresAt != nil {
		expires = sql.NullString{String: entry.ExpiresAt.UTC().Format(time.RFC3339), Valid: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO allowlist (pubkey, cohorts, expires_at, notes, created_at, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pubkey) DO UPDATE SET
			cohorts = excluded.cohorts,
			expires_at = excluded.expires_at,
			notes = excluded.notes,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, entry.Pubkey, string(cohortsJSON), expires, entry.Notes,
		entry.CreatedAt.UTC().Format(time.RFC3339), entry.UpdatedAt.Format(time.RFC3339), entry.UpdatedBy)
	if err != nil {
		return fmt.Errorf("upserting allow entry: %w", err)
	}
	return nil
}

// GetAllowEntry returns the entry for pubkey, or ErrNotFound.
// Expired entries are returned; callers decide what expiry means.
func (s *SQLiteStore) GetAllowEntry(ctx context.Context, pubkey string) (*AllowEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, cohorts, expires_at, notes, created_at, updated_at, updated_by
		FROM allowlist WHERE pubkey = ?
	`, pubkey)
	entry, err := scanAllowEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// DeleteAllowEntry removes the entry for pubkey, or returns ErrNotFound.
func (s *SQLiteStore) DeleteAllowEntry(ctx context.Context, pubkey string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM allowlist WHERE pubkey = ?`, pubkey)
	if err != nil {
		return fmt.Errorf("deleting allow entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAllowEntries returns every entry ordered by pubkey.
func (s *SQLiteStore) ListAllowEntries(ctx context.Context) ([]*AllowEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pubkey, cohorts, expires_at, notes, created_at, updated_at, updated_by
		FROM allowlist ORDER BY pubkey
	`)
	if err != nil {
		return nil, fmt.Errorf("listing allow entries: %w", err)
	}
	defer rows.Close()

	var entries []*AllowEntry
	for rows.Next() {
		entry, err := scanAllowEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAllowEntry(row rowScanner) (*AllowEntry, error) {
	var (
		entry                AllowEntry
		cohorts              string
		expires              sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&entry.Pubkey, &cohorts, &expires, &entry.Notes, &createdAt, &updatedAt, &entry.UpdatedBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cohorts), &entry.Cohorts); err != nil {
		return nil, fmt.Errorf("decoding cohorts for %s: %w", entry.Pubkey, err)
	}

	var err error
	if entry.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if entry.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if expires.Valid {
		t, err := time.Parse(time.RFC3339, expires.String)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		entry.ExpiresAt = &t
	}
	return &entry, nil
}
