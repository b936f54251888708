package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/internal/models"
	"github.com/mcdev12/rollcall/go/internal/sqlutil"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the durable Store.
type Postgres struct {
	pool    *pgxpool.Pool
	queries *Queries
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects a pool to dsn and verifies it.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool, queries: NewQueries(pool)}, nil
}

// Migrate creates the schema and change-notification triggers.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Msg("database schema applied")
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) LoadRoom(ctx context.Context, tenantID string, key models.RoomKey) (models.RoomSnapshot, error) {
	snap := models.RoomSnapshot{RoomKey: key}

	kind, err := p.queries.GetGatheringKind(ctx, key.GatheringID, tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, ErrGatheringNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("failed to get gathering %d: %w", key.GatheringID, err)
	}
	snap.Kind = models.GatheringKind(kind)

	switch snap.Kind {
	case models.GatheringKindHeadcount:
		rows, err := p.queries.ListContributions(ctx, tenantID, key.GatheringID, key.Date)
		if err != nil {
			return snap, fmt.Errorf("failed to list contributions: %w", err)
		}
		for _, r := range rows {
			snap.Contributions = append(snap.Contributions, models.Contribution{
				UserID:    r.UserID,
				UserName:  sqlutil.FromSqlString(r.UserName, ""),
				Count:     int(r.Count),
				UpdatedAt: r.UpdatedAt,
				UpdatedBy: r.UpdatedBy,
			})
			snap.Total += int(r.Count)
		}
	case models.GatheringKindStandard:
		snap.Roster, err = p.queries.ListGatheringMembers(ctx, key.GatheringID)
		if err != nil {
			return snap, fmt.Errorf("failed to list gathering members: %w", err)
		}
		rows, err := p.queries.ListMarks(ctx, tenantID, key.GatheringID, key.Date)
		if err != nil {
			return snap, fmt.Errorf("failed to list marks: %w", err)
		}
		for _, r := range rows {
			snap.Marks = append(snap.Marks, models.AttendanceMark{
				IndividualID: r.IndividualID,
				Present:      r.Present,
				UpdatedAt:    r.UpdatedAt,
				UpdatedBy:    r.UpdatedBy,
			})
		}
	}

	visitors, err := p.queries.ListVisitors(ctx, tenantID, key.GatheringID, key.Date)
	if err != nil {
		return snap, fmt.Errorf("failed to list visitors: %w", err)
	}
	for _, v := range visitors {
		snap.Visitors = append(snap.Visitors, models.Visitor{
			ID:      v.ID,
			Name:    v.Name,
			Details: sqlutil.FromNullRawMessage(v.Details),
			AddedAt: v.AddedAt,
			AddedBy: v.AddedBy,
		})
		if v.AddedAt.After(snap.VisitorsUpdatedAt) {
			snap.VisitorsUpdatedAt = v.AddedAt
		}
	}
	return snap, nil
}

func (p *Postgres) SaveContribution(ctx context.Context, tenantID string, key models.RoomKey, c models.Contribution) error {
	err := p.queries.UpsertContribution(ctx, UpsertContributionParams{
		ChurchID:    tenantID,
		GatheringID: key.GatheringID,
		Date:        key.Date,
		UserID:      c.UserID,
		UserName:    sql.NullString{String: c.UserName, Valid: c.UserName != ""},
		Count:       int32(c.Count),
		UpdatedAt:   c.UpdatedAt,
		UpdatedBy:   c.UpdatedBy,
	})
	if err != nil {
		return fmt.Errorf("failed to save contribution: %w", err)
	}
	return nil
}

// SaveMarks writes all marks in one transaction.
func (p *Postgres) SaveMarks(ctx context.Context, tenantID string, key models.RoomKey, marks []models.AttendanceMark) error {
	err := sqlutil.Run(ctx, p.pool, func(tx pgx.Tx) *Queries { return NewQueries(tx) }, func(q *Queries) error {
		for _, m := range marks {
			if err := q.UpsertMark(ctx, UpsertMarkParams{
				ChurchID:     tenantID,
				GatheringID:  key.GatheringID,
				Date:         key.Date,
				IndividualID: m.IndividualID,
				Present:      m.Present,
				UpdatedAt:    m.UpdatedAt,
				UpdatedBy:    m.UpdatedBy,
			}); err != nil {
				return fmt.Errorf("mark %d: %w", m.IndividualID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save marks: %w", err)
	}
	return nil
}

func (p *Postgres) SaveVisitor(ctx context.Context, tenantID string, key models.RoomKey, v models.Visitor) error {
	err := p.queries.InsertVisitor(ctx, InsertVisitorParams{
		ID:          v.ID,
		ChurchID:    tenantID,
		GatheringID: key.GatheringID,
		Date:        key.Date,
		Name:        v.Name,
		Details:     sqlutil.ToNullRawMessage(v.Details),
		AddedAt:     v.AddedAt,
		AddedBy:     v.AddedBy,
	})
	if err != nil {
		return fmt.Errorf("failed to save visitor: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteVisitor(ctx context.Context, tenantID string, key models.RoomKey, visitorID string) error {
	n, err := p.queries.DeleteVisitor(ctx, visitorID, tenantID, key.GatheringID, key.Date)
	if err != nil {
		return fmt.Errorf("failed to delete visitor: %w", err)
	}
	if n == 0 {
		return ErrVisitorNotFound
	}
	return nil
}

func (p *Postgres) LookupIdentity(ctx context.Context, tenantID, userID string) (models.Identity, error) {
	row, err := p.queries.GetUser(ctx, tenantID, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Identity{}, ErrUserNotFound
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("failed to get user: %w", err)
	}
	return models.Identity{
		UserID:      row.ID,
		TenantID:    row.ChurchID,
		Role:        models.Role(row.Role),
		DisplayName: sqlutil.FromSqlString(row.DisplayName, ""),
	}, nil
}
