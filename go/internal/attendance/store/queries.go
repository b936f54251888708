package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sqlc-dev/pqtype"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Queries holds the SQL statements used by Postgres.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

const getGatheringKind = `-- name: GetGatheringKind :one
SELECT kind FROM gatherings WHERE id = $1 AND church_id = $2
`

func (q *Queries) GetGatheringKind(ctx context.Context, gatheringID int64, churchID string) (string, error) {
	var kind string
	err := q.db.QueryRow(ctx, getGatheringKind, gatheringID, churchID).Scan(&kind)
	return kind, err
}

const listGatheringMembers = `-- name: ListGatheringMembers :many
SELECT individual_id FROM gathering_members WHERE gathering_id = $1 ORDER BY individual_id
`

func (q *Queries) ListGatheringMembers(ctx context.Context, gatheringID int64) ([]int64, error) {
	rows, err := q.db.Query(ctx, listGatheringMembers, gatheringID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

type ContributionRow struct {
	UserID    string
	UserName  sql.NullString
	Count     int32
	UpdatedAt time.Time
	UpdatedBy string
}

const listContributions = `-- name: ListContributions :many
SELECT user_id, user_name, count, updated_at, updated_by
FROM headcount_contributions
WHERE church_id = $1 AND gathering_id = $2 AND date = $3::date
ORDER BY user_id
`

func (q *Queries) ListContributions(ctx context.Context, churchID string, gatheringID int64, date string) ([]ContributionRow, error) {
	rows, err := q.db.Query(ctx, listContributions, churchID, gatheringID, date)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ContributionRow, error) {
		var r ContributionRow
		err := row.Scan(&r.UserID, &r.UserName, &r.Count, &r.UpdatedAt, &r.UpdatedBy)
		return r, err
	})
}

const upsertContribution = `-- name: UpsertContribution :exec
INSERT INTO headcount_contributions (church_id, gathering_id, date, user_id, user_name, count, updated_at, updated_by)
VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8)
ON CONFLICT (church_id, gathering_id, date, user_id) DO UPDATE
SET user_name = EXCLUDED.user_name,
    count = EXCLUDED.count,
    updated_at = EXCLUDED.updated_at,
    updated_by = EXCLUDED.updated_by
`

type UpsertContributionParams struct {
	ChurchID    string
	GatheringID int64
	Date        string
	UserID      string
	UserName    sql.NullString
	Count       int32
	UpdatedAt   time.Time
	UpdatedBy   string
}

func (q *Queries) UpsertContribution(ctx context.Context, arg UpsertContributionParams) error {
	_, err := q.db.Exec(ctx, upsertContribution,
		arg.ChurchID, arg.GatheringID, arg.Date, arg.UserID, arg.UserName,
		arg.Count, arg.UpdatedAt, arg.UpdatedBy,
	)
	return err
}

type MarkRow struct {
	IndividualID int64
	Present      bool
	UpdatedAt    time.Time
	UpdatedBy    string
}

const listMarks = `-- name: ListMarks :many
SELECT individual_id, present, updated_at, updated_by
FROM attendance_marks
WHERE church_id = $1 AND gathering_id = $2 AND date = $3::date
ORDER BY individual_id
`

func (q *Queries) ListMarks(ctx context.Context, churchID string, gatheringID int64, date string) ([]MarkRow, error) {
	rows, err := q.db.Query(ctx, listMarks, churchID, gatheringID, date)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[MarkRow])
}

const upsertMark = `-- name: UpsertMark :exec
INSERT INTO attendance_marks (church_id, gathering_id, date, individual_id, present, updated_at, updated_by)
VALUES ($1, $2, $3::date, $4, $5, $6, $7)
ON CONFLICT (church_id, gathering_id, date, individual_id) DO UPDATE
SET present = EXCLUDED.present,
    updated_at = EXCLUDED.updated_at,
    updated_by = EXCLUDED.updated_by
`

type UpsertMarkParams struct {
	ChurchID     string
	GatheringID  int64
	Date         string
	IndividualID int64
	Present      bool
	UpdatedAt    time.Time
	UpdatedBy    string
}

func (q *Queries) UpsertMark(ctx context.Context, arg UpsertMarkParams) error {
	_, err := q.db.Exec(ctx, upsertMark,
		arg.ChurchID, arg.GatheringID, arg.Date, arg.IndividualID,
		arg.Present, arg.UpdatedAt, arg.UpdatedBy,
	)
	return err
}

type VisitorRow struct {
	ID      string
	Name    string
	Details pqtype.NullRawMessage
	AddedAt time.Time
	AddedBy string
}

const listVisitors = `-- name: ListVisitors :many
SELECT id::text, name, details, added_at, added_by
FROM visitors
WHERE church_id = $1 AND gathering_id = $2 AND date = $3::date
ORDER BY added_at, id
`

func (q *Queries) ListVisitors(ctx context.Context, churchID string, gatheringID int64, date string) ([]VisitorRow, error) {
	rows, err := q.db.Query(ctx, listVisitors, churchID, gatheringID, date)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (VisitorRow, error) {
		var (
			r       VisitorRow
			details []byte
		)
		err := row.Scan(&r.ID, &r.Name, &details, &r.AddedAt, &r.AddedBy)
		r.Details = pqtype.NullRawMessage{RawMessage: details, Valid: details != nil}
		return r, err
	})
}

const insertVisitor = `-- name: InsertVisitor :exec
INSERT INTO visitors (id, church_id, gathering_id, date, name, details, added_at, added_by)
VALUES ($1::uuid, $2, $3, $4::date, $5, $6, $7, $8)
`

type InsertVisitorParams struct {
	ID          string
	ChurchID    string
	GatheringID int64
	Date        string
	Name        string
	Details     pqtype.NullRawMessage
	AddedAt     time.Time
	AddedBy     string
}

func (q *Queries) InsertVisitor(ctx context.Context, arg InsertVisitorParams) error {
	_, err := q.db.Exec(ctx, insertVisitor,
		arg.ID, arg.ChurchID, arg.GatheringID, arg.Date,
		arg.Name, arg.Details, arg.AddedAt, arg.AddedBy,
	)
	return err
}

const deleteVisitor = `-- name: DeleteVisitor :execrows
DELETE FROM visitors
WHERE id = $1::uuid AND church_id = $2 AND gathering_id = $3 AND date = $4::date
`

func (q *Queries) DeleteVisitor(ctx context.Context, id, churchID string, gatheringID int64, date string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteVisitor, id, churchID, gatheringID, date)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const getUser = `-- name: GetUser :one
SELECT id, church_id, role, display_name FROM users WHERE church_id = $1 AND id = $2
`

type UserRow struct {
	ID          string
	ChurchID    string
	Role        string
	DisplayName sql.NullString
}

func (q *Queries) GetUser(ctx context.Context, churchID, id string) (UserRow, error) {
	var r UserRow
	err := q.db.QueryRow(ctx, getUser, churchID, id).Scan(&r.ID, &r.ChurchID, &r.Role, &r.DisplayName)
	return r, err
}
