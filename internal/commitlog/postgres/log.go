// Package postgres provides a PostgreSQL-backed commit log. BIGSERIAL
// positions give the strictly increasing, gap-tolerant ordering the
// sequencer expects: a rolled-back concurrent transaction burns its
// position, and an in-flight one is a transient hole.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"projector/internal/commitlog"
	"projector/internal/domain"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Log is a PostgreSQL-backed commit log.
type Log struct {
	db     *sql.DB
	closed atomic.Bool
}

func Open(dsn string) (*Log, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Log{db: db}, nil
}

// InitSchema creates the commits table and indexes if absent.
func (l *Log) InitSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS commits (
	position BIGSERIAL PRIMARY KEY,
	commit_id VARCHAR(64) NOT NULL UNIQUE,
	partition_id VARCHAR(255) NOT NULL,
	aggregate_version BIGINT NOT NULL,
	headers JSONB NOT NULL DEFAULT '{}',
	events JSONB NOT NULL DEFAULT '[]',
	appended_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commits_partition ON commits(partition_id, position);
`)
	if err != nil {
		return fmt.Errorf("init commits schema: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	l.closed.Store(true)
	return l.db.Close()
}

type storedEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
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

	var position int64
	err = l.db.QueryRowContext(ctx, `
INSERT INTO commits(commit_id, partition_id, aggregate_version, headers, events, appended_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING position`,
		uuid.NewString(), stream.String(), version, headersJSON, eventsJSON, time.Now().UTC()).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("append commit: %w", err)
	}
	return position, nil
}

func (l *Log) ReadFrom(ctx context.Context, from int64, limit int) ([]domain.Commit, error) {
	if l.closed.Load() {
		return nil, commitlog.ErrClosed
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT position, commit_id, partition_id, aggregate_version, headers, events, appended_at
FROM commits
WHERE position >= $1
ORDER BY position
LIMIT $2`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("read commits: %w", err)
	}
	defer rows.Close()

	var out []domain.Commit
	for rows.Next() {
		var (
			c           domain.Commit
			version     int64
			headersJSON []byte
			eventsJSON  []byte
			appended    time.Time
		)
		if err := rows.Scan(&c.Position, &c.CommitID, &c.PartitionID, &version, &headersJSON, &eventsJSON, &appended); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		c.Timestamp = appended.UTC()

		var headers map[string]string
		if err := json.Unmarshal(headersJSON, &headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers at %d: %w", c.Position, err)
		}
		var stored []storedEvent
		if err := json.Unmarshal(eventsJSON, &stored); err != nil {
			return nil, fmt.Errorf("unmarshal events at %d: %w", c.Position, err)
		}
		if len(stored) > 0 || len(headers) > 0 {
			cs := &domain.Changeset{Headers: headers, AggregateVersion: version}
			for _, ev := range stored {
				cs.Events = append(cs.Events, &domain.DomainEvent{Type: ev.Type, Payload: ev.Payload})
			}
			c.Payload = cs
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
