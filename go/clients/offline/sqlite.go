package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/internal/models"
)

// SQLiteQueue is a Queue backed by a local SQLite file.
type SQLiteQueue struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the queue database at path.
func OpenSQLite(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open offline queue: %w", err)
	}
	// SQLite allows one writer.
	db.SetMaxOpenConns(1)
	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("offline queue opened")
	return &SQLiteQueue{db: db}, nil
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// One coalesced row per owner and target.
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS pending_changes (
		owner           TEXT NOT NULL,
		gathering_id    INTEGER NOT NULL,
		date            TEXT NOT NULL,
		kind            TEXT NOT NULL CHECK (kind IN ('headcount','mark')),
		subject         TEXT NOT NULL,
		id              TEXT NOT NULL,
		count           INTEGER NOT NULL DEFAULT 0,
		present         INTEGER NOT NULL DEFAULT 0,
		base_updated_at INTEGER NOT NULL DEFAULT 0, -- unix nanos, 0 when the target had no value
		queued_at       INTEGER NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		request_id      TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (owner, gathering_id, date, kind, subject)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create pending_changes: %w", err)
	}
	return nil
}

const selectColumns = `id, owner, gathering_id, date, kind, subject, count, present,
	base_updated_at, queued_at, attempts, request_id`

func (q *SQLiteQueue) Enqueue(ctx context.Context, c PendingChange) (PendingChange, error) {
	if err := validate(c); err != nil {
		return PendingChange{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	t := c.Target
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_changes (owner, gathering_id, date, kind, subject, id, count, present,
			base_updated_at, queued_at, attempts, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '')
		ON CONFLICT (owner, gathering_id, date, kind, subject) DO UPDATE SET
			count = excluded.count,
			present = excluded.present,
			queued_at = excluded.queued_at,
			attempts = 0,
			request_id = ''`,
		c.Owner, t.RoomKey.GatheringID, t.RoomKey.Date, string(t.Kind), t.Subject, c.ID,
		c.Count, c.Present, toNanos(c.BaseUpdatedAt), toNanos(c.QueuedAt))
	if err != nil {
		return PendingChange{}, fmt.Errorf("failed to enqueue %s: %w", t, err)
	}
	return q.Get(ctx, c.Owner, t)
}

func (q *SQLiteQueue) Get(ctx context.Context, owner string, target Target) (PendingChange, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM pending_changes
		WHERE owner = ? AND gathering_id = ? AND date = ? AND kind = ? AND subject = ?`,
		owner, target.RoomKey.GatheringID, target.RoomKey.Date, string(target.Kind), target.Subject)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingChange{}, ErrNotQueued
	}
	if err != nil {
		return PendingChange{}, fmt.Errorf("failed to read %s: %w", target, err)
	}
	return c, nil
}

func (q *SQLiteQueue) List(ctx context.Context, owner string, key models.RoomKey) ([]PendingChange, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM pending_changes
		WHERE owner = ? AND gathering_id = ? AND date = ?
		ORDER BY queued_at, kind, subject`,
		owner, key.GatheringID, key.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	defer rows.Close()

	var out []PendingChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) Rooms(ctx context.Context, owner string) ([]models.RoomKey, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT gathering_id, date FROM pending_changes
		WHERE owner = ? ORDER BY gathering_id, date`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending rooms: %w", err)
	}
	defer rows.Close()

	var out []models.RoomKey
	for rows.Next() {
		var key models.RoomKey
		if err := rows.Scan(&key.GatheringID, &key.Date); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) MarkSent(ctx context.Context, owner string, target Target, requestID string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE pending_changes
		SET attempts = attempts + 1, request_id = ?
		WHERE owner = ? AND gathering_id = ? AND date = ? AND kind = ? AND subject = ?`,
		requestID, owner, target.RoomKey.GatheringID, target.RoomKey.Date, string(target.Kind), target.Subject)
	if err != nil {
		return fmt.Errorf("failed to mark %s sent: %w", target, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotQueued
	}
	return nil
}

func (q *SQLiteQueue) Remove(ctx context.Context, owner string, target Target) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM pending_changes
		WHERE owner = ? AND gathering_id = ? AND date = ? AND kind = ? AND subject = ?`,
		owner, target.RoomKey.GatheringID, target.RoomKey.Date, string(target.Kind), target.Subject)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", target, err)
	}
	return nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChange(s scanner) (PendingChange, error) {
	var (
		c           PendingChange
		kind        string
		base, queue int64
	)
	err := s.Scan(&c.ID, &c.Owner, &c.Target.RoomKey.GatheringID, &c.Target.RoomKey.Date, &kind,
		&c.Target.Subject, &c.Count, &c.Present, &base, &queue, &c.Attempts, &c.RequestID)
	if err != nil {
		return PendingChange{}, err
	}
	c.Target.Kind = Kind(kind)
	c.BaseUpdatedAt = fromNanos(base)
	c.QueuedAt = fromNanos(queue)
	return c, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
