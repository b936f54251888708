package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/rollcall/go/internal/models"
)

func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("ROLLCALL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ROLLCALL_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	require.NoError(t, p.Migrate(ctx))
	return p
}

func seedGathering(t *testing.T, p *Postgres, tenantID string, kind models.GatheringKind, roster ...int64) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO gatherings (church_id, name, kind) VALUES ($1, 'Sunday', $2) RETURNING id`,
		tenantID, string(kind)).Scan(&id)
	require.NoError(t, err)
	for _, member := range roster {
		_, err := p.pool.Exec(ctx, `INSERT INTO gathering_members (gathering_id, individual_id) VALUES ($1, $2)`, id, member)
		require.NoError(t, err)
	}
	return id
}

func TestPostgres_RoundTrip(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	tenant := "church-" + uuid.NewString()

	headcountID := seedGathering(t, p, tenant, models.GatheringKindHeadcount)
	hk := models.RoomKey{GatheringID: headcountID, Date: "2024-03-10"}

	require.NoError(t, p.SaveContribution(ctx, tenant, hk, models.Contribution{UserID: "a", UserName: "Ann", Count: 3, UpdatedAt: t0, UpdatedBy: "a"}))
	require.NoError(t, p.SaveContribution(ctx, tenant, hk, models.Contribution{UserID: "b", Count: 2, UpdatedAt: t0, UpdatedBy: "b"}))

	snap, err := p.LoadRoom(ctx, tenant, hk)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Total)
	require.Len(t, snap.Contributions, 2)
	assert.Equal(t, "Ann", snap.Contributions[0].UserName)

	standardID := seedGathering(t, p, tenant, models.GatheringKindStandard, 10, 11)
	sk := models.RoomKey{GatheringID: standardID, Date: "2024-03-10"}
	require.NoError(t, p.SaveMarks(ctx, tenant, sk, []models.AttendanceMark{
		{IndividualID: 10, Present: true, UpdatedAt: t0, UpdatedBy: "a"},
		{IndividualID: 11, Present: false, UpdatedAt: t0, UpdatedBy: "a"},
	}))

	visitorID := uuid.NewString()
	require.NoError(t, p.SaveVisitor(ctx, tenant, sk, models.Visitor{
		ID: visitorID, Name: "Dan", Details: json.RawMessage(`{"phone":"555"}`), AddedAt: t0, AddedBy: "a",
	}))

	snap, err = p.LoadRoom(ctx, tenant, sk)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, snap.Roster)
	assert.Len(t, snap.Marks, 2)
	require.Len(t, snap.Visitors, 1)
	assert.JSONEq(t, `{"phone":"555"}`, string(snap.Visitors[0].Details))

	require.NoError(t, p.DeleteVisitor(ctx, tenant, sk, visitorID))
	require.ErrorIs(t, p.DeleteVisitor(ctx, tenant, sk, visitorID), ErrVisitorNotFound)

	_, err = p.LoadRoom(ctx, "other-church", sk)
	require.ErrorIs(t, err, ErrGatheringNotFound)
}
