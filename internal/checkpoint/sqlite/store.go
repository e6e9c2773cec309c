// Package sqlite persists checkpoints in a SQLite database: one row per
// consumer plus the VERSION sentinel row carrying the store schema version.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"projector/internal/checkpoint"
	"projector/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0,
	current INTEGER,
	slot TEXT NOT NULL DEFAULT '',
	signature TEXT NOT NULL DEFAULT '',
	updated_at_utc_ns INTEGER NOT NULL
);
`

// Store is a SQLite-backed checkpoint store.
type Store struct {
	db *sql.DB
}

func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	path := filepath.Join(baseDir, "checkpoints.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context, id string) (domain.Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, value, current, slot, signature FROM checkpoints WHERE id = ?`, id)
	var (
		cp      domain.Checkpoint
		current sql.NullInt64
	)
	err := row.Scan(&cp.ID, &cp.Value, &current, &cp.Slot, &cp.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	if current.Valid {
		cp.Current = &current.Int64
	}
	return cp, true, nil
}

func (s *Store) Save(ctx context.Context, cp domain.Checkpoint) error {
	if cp.ID == checkpoint.VersionSentinelID {
		return checkpoint.ErrReservedID
	}
	return s.upsert(ctx, s.db, cp)
}

func (s *Store) SaveBatch(ctx context.Context, cps []domain.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, cp := range cps {
		if cp.ID == checkpoint.VersionSentinelID {
			return checkpoint.ErrReservedID
		}
		if err := s.upsert(ctx, tx, cp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsert(ctx context.Context, db execer, cp domain.Checkpoint) error {
	var current any
	if cp.Current != nil {
		current = *cp.Current
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO checkpoints(id, value, current, slot, signature, updated_at_utc_ns)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	value=excluded.value,
	current=excluded.current,
	slot=excluded.slot,
	signature=excluded.signature,
	updated_at_utc_ns=excluded.updated_at_utc_ns`,
		cp.ID, cp.Value, current, cp.Slot, cp.Signature, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *Store) All(ctx context.Context) ([]domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, value, current, slot, signature FROM checkpoints WHERE id != ? ORDER BY id`,
		checkpoint.VersionSentinelID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		var (
			cp      domain.Checkpoint
			current sql.NullInt64
		)
		if err := rows.Scan(&cp.ID, &cp.Value, &current, &cp.Slot, &cp.Signature); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if current.Valid {
			v := current.Int64
			cp.Current = &v
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) Version(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT signature FROM checkpoints WHERE id = ?`, checkpoint.VersionSentinelID)
	var raw string
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load version sentinel: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("version sentinel %q is not a number: %w", raw, err)
	}
	return v, nil
}

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints(id, value, current, slot, signature, updated_at_utc_ns)
VALUES (?, 0, NULL, '', ?, ?)
ON CONFLICT(id) DO NOTHING`,
		checkpoint.VersionSentinelID, strconv.Itoa(checkpoint.SchemaVersion), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("write version sentinel: %w", err)
	}
	return nil
}
