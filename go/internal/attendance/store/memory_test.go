package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/rollcall/go/internal/models"
)

var (
	testKey = models.RoomKey{GatheringID: 1, Date: "2024-03-10"}
	t0      = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
)

func TestMemory_Headcount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.AddGathering("church-1", 1, models.GatheringKindHeadcount)

	_, err := m.LoadRoom(ctx, "church-2", testKey)
	require.ErrorIs(t, err, ErrGatheringNotFound)

	require.NoError(t, m.SaveContribution(ctx, "church-1", testKey, models.Contribution{UserID: "a", Count: 3, UpdatedAt: t0}))
	require.NoError(t, m.SaveContribution(ctx, "church-1", testKey, models.Contribution{UserID: "b", Count: 2, UpdatedAt: t0}))
	require.NoError(t, m.SaveContribution(ctx, "church-1", testKey, models.Contribution{UserID: "a", Count: 4, UpdatedAt: t0}))

	snap, err := m.LoadRoom(ctx, "church-1", testKey)
	require.NoError(t, err)
	assert.Equal(t, models.GatheringKindHeadcount, snap.Kind)
	assert.Equal(t, 6, snap.Total)
	assert.Len(t, snap.Contributions, 2)

	other, err := m.LoadRoom(ctx, "church-1", models.RoomKey{GatheringID: 1, Date: "2024-03-17"})
	require.NoError(t, err)
	assert.Empty(t, other.Contributions)
}

func TestMemory_MarksAndVisitors(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.AddGathering("church-1", 1, models.GatheringKindStandard, 10, 11)

	require.NoError(t, m.SaveMarks(ctx, "church-1", testKey, []models.AttendanceMark{
		{IndividualID: 10, Present: true, UpdatedAt: t0},
	}))
	require.NoError(t, m.SaveVisitor(ctx, "church-1", testKey, models.Visitor{ID: "v1", Name: "Dan", AddedAt: t0}))

	snap, err := m.LoadRoom(ctx, "church-1", testKey)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, snap.Roster)
	require.Len(t, snap.Marks, 1)
	require.Len(t, snap.Visitors, 1)
	assert.Equal(t, t0, snap.VisitorsUpdatedAt)

	require.NoError(t, m.DeleteVisitor(ctx, "church-1", testKey, "v1"))
	require.ErrorIs(t, m.DeleteVisitor(ctx, "church-1", testKey, "v1"), ErrVisitorNotFound)
}

func TestMemory_LookupIdentity(t *testing.T) {
	m := NewMemory()
	m.AddUser(models.Identity{UserID: "a", TenantID: "church-1", Role: models.RoleAdmin})

	id, err := m.LookupIdentity(context.Background(), "church-1", "a")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, id.Role)

	_, err = m.LookupIdentity(context.Background(), "church-2", "a")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestParseChangeNotification(t *testing.T) {
	tenant, key, err := ParseChangeNotification(`{"churchId":"church-1","gatheringId":1,"date":"2024-03-10"}`)
	require.NoError(t, err)
	assert.Equal(t, "church-1", tenant)
	assert.Equal(t, testKey, key)

	for _, bad := range []string{
		`not json`,
		`{"churchId":"church-1","gatheringId":0,"date":"2024-03-10"}`,
		`{"churchId":"church-1","gatheringId":1,"date":"10/03/2024"}`,
		`{"gatheringId":1,"date":"2024-03-10"}`,
	} {
		_, _, err := ParseChangeNotification(bad)
		assert.Error(t, err, bad)
	}
}
