package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checksums (
    sync_dir TEXT NOT NULL,
    relative_path TEXT NOT NULL,
    checksum TEXT NOT NULL,
    updated_at TEXT NOT NULL, -- RFC3339
    PRIMARY KEY (sync_dir, relative_path)
);
`

const sqlitePragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA temp_store=MEMORY;
`

// SQLite is a Journal in an SQLite database.
type SQLite struct {
	db *sqlx.DB
}

// OpenSQLite opens or creates the journal database at path. An empty path
// opens an in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to journal database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqlitePragma); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Get implements Journal.
func (s *SQLite) Get(ctx context.Context, p syncpath.SyncPath) (string, error) {
	var checksum string
	err := s.db.GetContext(ctx, &checksum,
		"SELECT checksum FROM checksums WHERE sync_dir = ? AND relative_path = ?",
		p.SyncDir, p.RelativePath)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query checksum of %s: %w", p, err)
	}
	return checksum, nil
}

// Put implements Journal.
func (s *SQLite) Put(ctx context.Context, p syncpath.SyncPath, checksum string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checksums (sync_dir, relative_path, checksum, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (sync_dir, relative_path) DO UPDATE SET
			checksum = excluded.checksum,
			updated_at = excluded.updated_at`,
		p.SyncDir, p.RelativePath, checksum, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store checksum of %s: %w", p, err)
	}
	return nil
}

// Delete implements Journal.
func (s *SQLite) Delete(ctx context.Context, p syncpath.SyncPath) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM checksums WHERE sync_dir = ? AND relative_path = ?",
		p.SyncDir, p.RelativePath)
	if err != nil {
		return fmt.Errorf("delete checksum of %s: %w", p, err)
	}
	return nil
}

// Close implements Journal.
func (s *SQLite) Close() error {
	return s.db.Close()
}
