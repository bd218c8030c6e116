// ABOUTME: Record persistence for SQLiteStore: insert with retention rules, query, deletion
// ABOUTME: SQL narrows candidates by index; filter.Matches makes the final decision

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/event"
	"github.com/2389/coven-relay/internal/filter"
)

// Insert persists rec according to its retention class.
func (s *SQLiteStore) Insert(ctx context.Context, rec *event.Record) (InsertResult, error) {
	class := rec.Class()
	if !class.Stored() {
		return InsertIgnored, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, rec.ID).Scan(&one)
	if err == nil {
		return InsertDuplicate, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("checking duplicate: %w", err)
	}

	deleted, err := isTombstoned(ctx, tx, rec)
	if err != nil {
		return 0, err
	}
	if deleted {
		return InsertIgnored, nil
	}

	result := InsertStored
	var dTag sql.NullString
	if class == event.ParameterizedReplaceable {
		dTag = sql.NullString{String: rec.DTag(), Valid: true}
	}

	if class.IsReplaceable() {
		replaced, superseded, err := replaceExisting(ctx, tx, rec, dTag)
		if err != nil {
			return 0, err
		}
		if superseded {
			return InsertIgnored, nil
		}
		if replaced {
			result = InsertReplaced
		}
	}

	tags, err := json.Marshal(nonNilTags(rec.Tags))
	if err != nil {
		return 0, fmt.Errorf("encoding tags: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, pubkey, created_at, kind, tags, content, sig, d_tag, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.PubKey, rec.CreatedAt, rec.Kind, string(tags), rec.Content, rec.Sig, dTag, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("inserting record: %w", err)
	}

	if err := indexTags(ctx, tx, rec); err != nil {
		return 0, err
	}

	if class == event.Deletion {
		if _, err := applyDeletionTx(ctx, tx, rec); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing record: %w", err)
	}

	s.logger.Debug("stored record", "id", rec.ID, "kind", rec.Kind, "result", result)
	return result, nil
}

// isTombstoned reports whether a deletion by rec's author already covers rec,
// either by id or by replaceable coordinate.
func isTombstoned(ctx context.Context, tx *sql.Tx, rec *event.Record) (bool, error) {
	targets := []string{rec.ID}
	if rec.Class().IsReplaceable() {
		targets = append(targets, coordinateTarget(rec.Kind, rec.PubKey, coordinateDTag(rec)))
	}
	for i, target := range targets {
		query := `SELECT 1 FROM tombstones WHERE target = ? AND pubkey = ?`
		args := []any{target, rec.PubKey}
		if i > 0 {
			query += ` AND created_at >= ?`
			args = append(args, rec.CreatedAt)
		}
		var one int
		err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("checking tombstones: %w", err)
		}
	}
	return false, nil
}

// replaceExisting removes records that rec supersedes under the same
// replaceable key. superseded is true when a stored record wins instead.
func replaceExisting(ctx context.Context, tx *sql.Tx, rec *event.Record, dTag sql.NullString) (replaced, superseded bool, err error) {
	query := `SELECT id, created_at FROM records WHERE pubkey = ? AND kind = ? AND d_tag IS NULL`
	args := []any{rec.PubKey, rec.Kind}
	if dTag.Valid {
		query = `SELECT id, created_at FROM records WHERE pubkey = ? AND kind = ? AND d_tag = ?`
		args = append(args, dTag.String)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return false, false, fmt.Errorf("finding replaceable records: %w", err)
	}
	var existing []*event.Record
	for rows.Next() {
		var r event.Record
		if err := rows.Scan(&r.ID, &r.CreatedAt); err != nil {
			rows.Close()
			return false, false, fmt.Errorf("scanning replaceable record: %w", err)
		}
		existing = append(existing, &r)
	}
	if err := rows.Close(); err != nil {
		return false, false, err
	}
	if err := rows.Err(); err != nil {
		return false, false, err
	}

	for _, old := range existing {
		if !event.Supersedes(rec, old) {
			return false, true, nil
		}
	}

	for _, old := range existing {
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_tags WHERE record_id = ?`, old.ID); err != nil {
			return false, false, fmt.Errorf("removing replaced tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, old.ID); err != nil {
			return false, false, fmt.Errorf("removing replaced record: %w", err)
		}
	}
	return len(existing) > 0, false, nil
}

// indexTags writes the single-letter tags of rec into the inverted index.
// Only single-letter names are queryable, so only those are indexed.
func indexTags(ctx context.Context, tx *sql.Tx, rec *event.Record) error {
	for _, t := range rec.Tags {
		if len(t) < 2 || len(t[0]) != 1 {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_tags (record_id, name, value) VALUES (?, ?, ?)`,
			rec.ID, t[0], t[1])
		if err != nil {
			return fmt.Errorf("indexing tag %q: %w", t[0], err)
		}
	}
	return nil
}

// ApplyDeletion tombstones the targets of a deletion record in its own transaction.
func (s *SQLiteStore) ApplyDeletion(ctx context.Context, deletion *event.Record) (int, error) {
	if deletion.Kind != event.KindDeletion {
		return 0, fmt.Errorf("record %s is kind %d, not a deletion", deletion.ID, deletion.Kind)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := applyDeletionTx(ctx, tx, deletion)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing deletion: %w", err)
	}
	return n, nil
}

// applyDeletionTx records tombstones for every "e" and "a" target of the
// deletion. Tombstones are keyed by the deletion author, so a deletion can
// never hide another author's record, and may arrive before its target.
func applyDeletionTx(ctx context.Context, tx *sql.Tx, deletion *event.Record) (int, error) {
	hidden := 0

	for _, id := range deletion.Tags.Values("e") {
		if !event.IsHex64(id) || id == deletion.ID {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tombstones (target, pubkey, deletion_id, created_at)
			VALUES (?, ?, ?, ?)
		`, id, deletion.PubKey, deletion.ID, deletion.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("tombstoning %s: %w", id, err)
		}
		var n int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE id = ? AND pubkey = ?`, id, deletion.PubKey).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("counting deleted records: %w", err)
		}
		hidden += n
	}

	for _, coord := range deletion.Tags.Values("a") {
		kind, pubkey, dTag, ok := parseCoordinate(coord)
		if !ok || pubkey != deletion.PubKey || !event.ClassOf(kind).IsReplaceable() {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tombstones (target, pubkey, deletion_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (target, pubkey) DO UPDATE SET
				deletion_id = excluded.deletion_id,
				created_at = excluded.created_at
			WHERE excluded.created_at > tombstones.created_at
		`, coordinateTarget(kind, pubkey, dTag), pubkey, deletion.ID, deletion.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("tombstoning %s: %w", coord, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tombstones (target, pubkey, deletion_id, created_at)
			SELECT id, pubkey, ?, ? FROM records
			WHERE pubkey = ? AND kind = ? AND COALESCE(d_tag, '') = ? AND created_at <= ?
		`, deletion.ID, deletion.CreatedAt, pubkey, kind, dTag, deletion.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("tombstoning records at %s: %w", coord, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			hidden += int(n)
		}
	}

	return hidden, nil
}

// parseCoordinate splits an "a" tag value of the form kind:pubkey:d.
func parseCoordinate(v string) (kind int, pubkey, dTag string, ok bool) {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) != 3 {
		return 0, "", "", false
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || !event.IsHex64(parts[1]) {
		return 0, "", "", false
	}
	return kind, parts[1], parts[2], true
}

// coordinateDTag is the d component of rec's coordinate; plain replaceable
// kinds ignore any d tag they carry.
func coordinateDTag(rec *event.Record) string {
	if rec.Class() == event.ParameterizedReplaceable {
		return rec.DTag()
	}
	return ""
}

func coordinateTarget(kind int, pubkey, dTag string) string {
	return fmt.Sprintf("a:%d:%s:%s", kind, pubkey, dTag)
}

// Query returns stored, non-deleted records matching any filter, newest first.
// Each filter is bounded by its effective limit; the merged result by HardCap.
func (s *SQLiteStore) Query(ctx context.Context, filters filter.Filters, opts QueryOptions) ([]*event.Record, error) {
	seen := make(map[string]struct{})
	var out []*event.Record

	for i := range filters {
		f := &filters[i]
		limit := f.EffectiveLimit(opts.DefaultLimit, opts.HardCap)
		if limit == 0 || f.Empty() {
			continue
		}

		query, args := buildQuery(f, limit)
		recs, err := s.queryRecords(ctx, query, args)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if !f.Matches(r) {
				continue
			}
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}

	SortNewestFirst(out)
	if opts.HardCap > 0 && len(out) > opts.HardCap {
		out = out[:opts.HardCap]
	}
	return out, nil
}

// SortNewestFirst orders records by created_at descending, then id descending.
func SortNewestFirst(recs []*event.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt > recs[j].CreatedAt
		}
		return recs[i].ID > recs[j].ID
	})
}

// buildQuery translates f into an index-friendly SELECT.
func buildQuery(f *filter.Filter, limit int) (string, []any) {
	var (
		where []string
		args  []any
	)

	in := func(column string, n int) string {
		return column + " IN (" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
	}

	if f.IDs != nil {
		where = append(where, in("r.id", len(f.IDs)))
		for _, v := range f.IDs {
			args = append(args, v)
		}
	}
	if f.Authors != nil {
		where = append(where, in("r.pubkey", len(f.Authors)))
		for _, v := range f.Authors {
			args = append(args, v)
		}
	}
	if f.Kinds != nil {
		where = append(where, in("r.kind", len(f.Kinds)))
		for _, v := range f.Kinds {
			args = append(args, v)
		}
	}
	if f.Since != nil {
		where = append(where, "r.created_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		where = append(where, "r.created_at <= ?")
		args = append(args, *f.Until)
	}

	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := f.Tags[name]
		where = append(where, "EXISTS (SELECT 1 FROM record_tags t WHERE t.record_id = r.id AND t.name = ? AND "+
			in("t.value", len(values))+")")
		args = append(args, name)
		for _, v := range values {
			args = append(args, v)
		}
	}

	where = append(where, "NOT EXISTS (SELECT 1 FROM tombstones d WHERE d.target = r.id AND d.pubkey = r.pubkey)")

	query := `SELECT r.id, r.pubkey, r.created_at, r.kind, r.tags, r.content, r.sig FROM records r WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY r.created_at DESC, r.id DESC LIMIT ?`
	args = append(args, limit)
	return query, args
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args []any) ([]*event.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []*event.Record
	for rows.Next() {
		var (
			r    event.Record
			tags string
		)
		if err := rows.Scan(&r.ID, &r.PubKey, &r.CreatedAt, &r.Kind, &tags, &r.Content, &r.Sig); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags of %s: %w", r.ID, err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return out, nil
}

func nonNilTags(t event.Tags) event.Tags {
	if t == nil {
		return event.Tags{}
	}
	return t
}
