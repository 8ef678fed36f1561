package override

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"rentalsync/internal/model"
	"rentalsync/internal/override/migrations"
)

// Fixed width so that text order is chronological.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps one row per override in an embedded database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time keeps edits serialized.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:   db,
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// migrate runs all pending *.up.sql files in version order.
func (s *SQLiteStore) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

const selectOverrides = `SELECT id, type, title, description, date_start, date_end, created_at, updated_at FROM overrides`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOverride(row rowScanner) (model.Override, error) {
	var (
		o                    model.Override
		typ                  string
		createdAt, updatedAt string
	)
	if err := row.Scan(&o.ID, &typ, &o.Title, &o.Description, &o.DateStart, &o.DateEnd, &createdAt, &updatedAt); err != nil {
		return model.Override{}, err
	}
	o.Type = model.OverrideType(typ)
	o.CreatedAt = parseTimestamp(createdAt)
	o.UpdatedAt = parseTimestamp(updatedAt)
	return o, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context) (model.OverrideSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.OverrideSnapshot{}, err
	}
	defer tx.Rollback()

	list, err := queryOverrides(ctx, tx)
	if err != nil {
		return model.OverrideSnapshot{}, err
	}

	rows, err := tx.QueryContext(ctx, "SELECT uid FROM blocked_uids ORDER BY created_at, uid")
	if err != nil {
		return model.OverrideSnapshot{}, fmt.Errorf("querying blocked uids: %w", err)
	}
	defer rows.Close()

	blocked := make([]string, 0)
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return model.OverrideSnapshot{}, err
		}
		blocked = append(blocked, uid)
	}
	if err := rows.Err(); err != nil {
		return model.OverrideSnapshot{}, err
	}

	return model.OverrideSnapshot{Overrides: list, BlockedUIDs: blocked}, nil
}

func queryOverrides(ctx context.Context, tx *sql.Tx) ([]model.Override, error) {
	rows, err := tx.QueryContext(ctx, selectOverrides+" ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("querying overrides: %w", err)
	}
	defer rows.Close()

	list := make([]model.Override, 0)
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

func (s *SQLiteStore) Create(ctx context.Context, in Input) (model.Override, error) {
	o, err := newOverride(in, s.now())
	if err != nil {
		return model.Override{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO overrides (id, type, title, description, date_start, date_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, string(o.Type), o.Title, o.Description, o.DateStart, o.DateEnd,
		o.CreatedAt.Format(sqlTimeLayout), o.UpdatedAt.Format(sqlTimeLayout),
	)
	if err != nil {
		return model.Override{}, fmt.Errorf("inserting override: %w", err)
	}
	return o, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Override, error) {
	o, err := scanOverride(s.db.QueryRowContext(ctx, selectOverrides+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Override{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]model.Override, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Overrides, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (model.Override, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Override{}, err
	}
	defer tx.Rollback()

	current, err := scanOverride(tx.QueryRowContext(ctx, selectOverrides+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Override{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Override{}, err
	}

	updated, err := apply(current, p, s.now())
	if err != nil {
		return model.Override{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE overrides
		SET type = ?, title = ?, description = ?, date_start = ?, date_end = ?, updated_at = ?
		WHERE id = ?`,
		string(updated.Type), updated.Title, updated.Description, updated.DateStart, updated.DateEnd,
		updated.UpdatedAt.Format(sqlTimeLayout), id,
	)
	if err != nil {
		return model.Override{}, fmt.Errorf("updating override: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Override{}, err
	}
	return updated, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM overrides WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) BlockUID(ctx context.Context, uid string) error {
	n := model.NormalizeUID(uid)
	if n == "" {
		return fmt.Errorf("%w: empty uid", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO blocked_uids (uid, created_at) VALUES (?, ?)",
		n, s.now().Format(sqlTimeLayout))
	if err != nil {
		return fmt.Errorf("blocking uid: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UnblockUID(ctx context.Context, uid string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM blocked_uids WHERE uid = ?", model.NormalizeUID(uid))
	if err != nil {
		return fmt.Errorf("unblocking uid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: blocked uid %s", ErrNotFound, uid)
	}
	return nil
}
