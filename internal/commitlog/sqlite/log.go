// Package sqlite provides a SQLite-backed commit log. One database file,
// WAL mode, append-only enforced by triggers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"projector/internal/commitlog"
	"projector/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS commits (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	commit_id TEXT NOT NULL UNIQUE,
	partition_id TEXT NOT NULL,
	aggregate_version INTEGER NOT NULL,
	headers_json TEXT NOT NULL DEFAULT '{}',
	events_json TEXT NOT NULL DEFAULT '[]',
	appended_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commits_partition ON commits(partition_id, position);

CREATE TRIGGER IF NOT EXISTS trg_commits_no_update
BEFORE UPDATE ON commits
BEGIN
	SELECT RAISE(ABORT, 'commits are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_commits_no_delete
BEFORE DELETE ON commits
BEGIN
	SELECT RAISE(ABORT, 'commits are append-only: DELETE forbidden');
END;
`

type storedEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Log is a SQLite-backed commit log.
type Log struct {
	db     *sql.DB
	closed atomic.Bool
}

func Open(baseDir string) (*Log, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	path := filepath.Join(baseDir, "commits.db")
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
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	l.closed.Store(true)
	return l.db.Close()
}

// Append writes one commit for the stream and returns its position.
func (l *Log) Append(ctx context.Context, stream domain.StreamID, changeset *domain.Changeset) (int64, error) {
	if l.closed.Load() {
		return 0, commitlog.ErrClosed
	}
	headers := map[string]string{}
	events := []storedEvent{}
	var version int64
	if changeset != nil {
		version = changeset.AggregateVersion
		if changeset.Headers != nil {
			headers = changeset.Headers
		}
		for _, ev := range changeset.Events {
			events = append(events, storedEvent{Type: ev.Type, Payload: ev.Payload})
		}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return 0, fmt.Errorf("marshal headers: %w", err)
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return 0, fmt.Errorf("marshal events: %w", err)
	}

	res, err := l.db.ExecContext(ctx, `
INSERT INTO commits(commit_id, partition_id, aggregate_version, headers_json, events_json, appended_at_utc_ns)
VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), stream.String(), version, string(headersJSON), string(eventsJSON), time.Now().UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("append commit: %w", err)
	}
	return res.LastInsertId()
}

func (l *Log) ReadFrom(ctx context.Context, from int64, limit int) ([]domain.Commit, error) {
	if l.closed.Load() {
		return nil, commitlog.ErrClosed
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT position, commit_id, partition_id, aggregate_version, headers_json, events_json, appended_at_utc_ns
FROM commits
WHERE position >= ?
ORDER BY position
LIMIT ?`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("read commits: %w", err)
	}
	defer rows.Close()

	var out []domain.Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (l *Log) Head(ctx context.Context) (int64, error) {
	if l.closed.Load() {
		return 0, commitlog.ErrClosed
	}
	var head sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(position) FROM commits`).Scan(&head); err != nil {
		return 0, fmt.Errorf("read head: %w", err)
	}
	return head.Int64, nil
}

func scanCommit(rows *sql.Rows) (domain.Commit, error) {
	var (
		c           domain.Commit
		version     int64
		headersJSON string
		eventsJSON  string
		appendedNs  int64
	)
	if err := rows.Scan(&c.Position, &c.CommitID, &c.PartitionID, &version, &headersJSON, &eventsJSON, &appendedNs); err != nil {
		return domain.Commit{}, fmt.Errorf("scan commit: %w", err)
	}
	c.Timestamp = time.Unix(0, appendedNs).UTC()

	var headers map[string]string
	if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
		return domain.Commit{}, fmt.Errorf("unmarshal headers at %d: %w", c.Position, err)
	}
	var stored []storedEvent
	if err := json.Unmarshal([]byte(eventsJSON), &stored); err != nil {
		return domain.Commit{}, fmt.Errorf("unmarshal events at %d: %w", c.Position, err)
	}
	if len(stored) == 0 && len(headers) == 0 {
		return c, nil // heartbeat commit
	}
	cs := &domain.Changeset{Headers: headers, AggregateVersion: version}
	for _, ev := range stored {
		cs.Events = append(cs.Events, &domain.DomainEvent{Type: ev.Type, Payload: ev.Payload})
	}
	c.Payload = cs
	return c, nil
}
