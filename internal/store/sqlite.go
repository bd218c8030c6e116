// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Opens the pooled database, creates the schema, and applies column migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Options.Driver.
const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)

// Options tunes how the database is opened.
type Options struct {
	// Driver selects the database/sql driver; empty means DriverModernc.
	Driver string
	// MaxOpenConns bounds the connection pool; zero means 8.
	MaxOpenConns int
	// BusyTimeoutMS is how long a connection waits on a locked database.
	BusyTimeoutMS int
}

func (o Options) withDefaults() Options {
	if o.Driver == "" {
		o.Driver = DriverModernc
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 8
	}
	if o.BusyTimeoutMS <= 0 {
		o.BusyTimeoutMS = 5000
	}
	return o
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu serializes write transactions in-process so concurrent
	// submitters queue here instead of spinning on SQLITE_BUSY.
	writeMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path with default options.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLiteStore(path, Options{})
}

// OpenSQLiteStore opens a store with explicit driver and pool options.
func OpenSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn, err := buildDSN(path, opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection, so the pool must be one.
	if memory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", opts.Driver, "max_conns", opts.MaxOpenConns)
	return s, nil
}

// buildDSN encodes per-connection pragmas in the driver's DSN dialect so every
// pooled connection gets them, not only the first.
func buildDSN(path string, opts Options) (string, error) {
	switch opts.Driver {
	case DriverModernc:
		params := []string{
			fmt.Sprintf("_pragma=busy_timeout(%d)", opts.BusyTimeoutMS),
			"_pragma=foreign_keys(1)",
			"_txlock=immediate",
		}
		if path != ":memory:" {
			params = append(params, "_pragma=journal_mode(WAL)")
		}
		return "file:" + path + "?" + strings.Join(params, "&"), nil
	case DriverMattn:
		params := []string{
			fmt.Sprintf("_busy_timeout=%d", opts.BusyTimeoutMS),
			"_foreign_keys=on",
			"_txlock=immediate",
		}
		if path != ":memory:" {
			params = append(params, "_journal_mode=WAL")
		}
		return "file:" + path + "?" + strings.Join(params, "&"), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (want %q or %q)", opts.Driver, DriverModernc, DriverMattn)
	}
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			id          TEXT PRIMARY KEY,
			pubkey      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			kind        INTEGER NOT NULL,
			tags        TEXT NOT NULL,
			content     TEXT NOT NULL,
			sig         TEXT NOT NULL,
			d_tag       TEXT,
			received_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_records_pubkey ON records(pubkey);
		CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
		CREATE INDEX IF NOT EXISTS idx_records_kind_created ON records(kind, created_at);
		CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_records_replaceable ON records(pubkey, kind, d_tag);

		CREATE TABLE IF NOT EXISTS record_tags (
			record_id TEXT NOT NULL,
			name      TEXT NOT NULL,
			value     TEXT NOT NULL,

			PRIMARY KEY (record_id, name, value),
			FOREIGN KEY (record_id) REFERENCES records(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_record_tags_name_value ON record_tags(name, value);

		CREATE TABLE IF NOT EXISTS tombstones (
			target      TEXT NOT NULL,
			pubkey      TEXT NOT NULL,
			deletion_id TEXT NOT NULL,
			created_at  INTEGER NOT NULL,

			PRIMARY KEY (target, pubkey)
		);

		CREATE TABLE IF NOT EXISTS allowlist (
			pubkey     TEXT PRIMARY KEY,
			cohorts    TEXT NOT NULL DEFAULT '[]',
			expires_at TEXT,
			notes      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema revision.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so each one is probed first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "allowlist",
			column: "updated_by",
			apply:  `ALTER TABLE allowlist ADD COLUMN updated_by TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats counts stored rows for health reporting.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM records),
			(SELECT COUNT(*) FROM tombstones),
			(SELECT COUNT(*) FROM allowlist)
	`).Scan(&st.Records, &st.Tombstones, &st.AllowList)
	if err != nil {
		return Stats{}, fmt.Errorf("reading stats: %w", err)
	}
	return st, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}
