package aggregate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/rollcall/go/internal/models"
)

var (
	testKey = models.RoomKey{GatheringID: 7, Date: "2024-03-10"}
	t0      = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	alice = models.Identity{UserID: "alice", TenantID: "church-1", Role: models.RoleMember, DisplayName: "Alice"}
	bob   = models.Identity{UserID: "bob", TenantID: "church-1", Role: models.RoleMember, DisplayName: "Bob"}
	carol = models.Identity{UserID: "carol", TenantID: "church-1", Role: models.RoleCoordinator, DisplayName: "Carol"}
)

func headcountRoom() *Room {
	return New(models.RoomSnapshot{RoomKey: testKey, Kind: models.GatheringKindHeadcount})
}

func standardRoom(roster ...int64) *Room {
	return New(models.RoomSnapshot{RoomKey: testKey, Kind: models.GatheringKindStandard, Roster: roster})
}

func contribute(t *testing.T, r *Room, actor, target models.Identity, count int, now time.Time) models.Contribution {
	t.Helper()
	c, changed, err := r.PlanContribution(actor, target, count, now)
	require.NoError(t, err)
	if changed {
		r.CommitContribution(c)
	}
	return c
}

func TestBasicHeadcount(t *testing.T) {
	r := headcountRoom()

	contribute(t, r, alice, alice, 3, t0)
	assert.Equal(t, 3, r.Total())
	require.Len(t, r.Contributions(), 1)
	assert.Equal(t, 3, r.Contributions()[0].Count)

	contribute(t, r, bob, bob, 2, t0.Add(time.Second))
	assert.Equal(t, 5, r.Total())

	contribs := r.Contributions()
	require.Len(t, contribs, 2)
	assert.Equal(t, "alice", contribs[0].UserID)
	assert.Equal(t, 3, contribs[0].Count)
	assert.Equal(t, "bob", contribs[1].UserID)
	assert.Equal(t, 2, contribs[1].Count)
}

func TestTotalIsSumOfCounts(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	users := []models.Identity{alice, bob, carol}
	r := headcountRoom()

	for i := 0; i < 500; i++ {
		u := users[rng.Intn(len(users))]
		contribute(t, r, u, u, rng.Intn(50), t0.Add(time.Duration(i)*time.Millisecond))

		sum := 0
		for _, c := range r.Contributions() {
			sum += c.Count
		}
		require.Equal(t, sum, r.Total())
		require.Equal(t, sum, r.Snapshot().Total)
	}
}

func TestPlanContribution_Errors(t *testing.T) {
	tests := []struct {
		name    string
		room    *Room
		actor   models.Identity
		target  models.Identity
		count   int
		wantErr error
	}{
		{name: "negative count", room: headcountRoom(), actor: alice, target: alice, count: -1, wantErr: ErrInvalidCount},
		{name: "member edits other user", room: headcountRoom(), actor: alice, target: bob, count: 9, wantErr: ErrPermissionDenied},
		{name: "standard room", room: standardRoom(1), actor: alice, target: alice, count: 1, wantErr: ErrWrongRoomKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.room.PlanContribution(tt.actor, tt.target, tt.count, t0)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, tt.room.Total())
		})
	}
}

func TestPermissionGatedEdit(t *testing.T) {
	r := headcountRoom()
	contribute(t, r, bob, bob, 2, t0)

	_, _, err := r.PlanContribution(alice, bob, 9, t0.Add(time.Second))
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, 2, r.Total())

	c := contribute(t, r, carol, bob, 9, t0.Add(2*time.Second))
	assert.Equal(t, "carol", c.UpdatedBy)
	assert.Equal(t, 9, r.Total())
}

func TestPlanContribution_Unchanged(t *testing.T) {
	r := headcountRoom()
	first := contribute(t, r, alice, alice, 4, t0)

	c, changed, err := r.PlanContribution(alice, alice, 4, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.UpdatedAt, c.UpdatedAt)
}

func TestIdempotentMark(t *testing.T) {
	r := standardRoom(1, 2)
	req := []models.AttendanceMark{{IndividualID: 1, Present: true}}

	changed, err := r.PlanMarks(alice, req, t0)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	r.CommitMarks(changed)

	changed, err = r.PlanMarks(bob, req, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, changed)

	marks := r.Marks()
	require.Len(t, marks, 1)
	assert.Equal(t, "alice", marks[0].UpdatedBy)
}

func TestPlanMarks(t *testing.T) {
	r := standardRoom(1, 2, 3)

	_, err := r.PlanMarks(alice, []models.AttendanceMark{{IndividualID: 99, Present: true}}, t0)
	require.ErrorIs(t, err, ErrUnknownIndividual)

	_, err = r.PlanMarks(alice, nil, t0)
	require.ErrorIs(t, err, ErrNoChanges)

	changed, err := r.PlanMarks(alice, []models.AttendanceMark{
		{IndividualID: 2, Present: true},
		{IndividualID: 1, Present: true},
		{IndividualID: 2, Present: false},
	}, t0)
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.Equal(t, int64(2), changed[0].IndividualID)
	assert.False(t, changed[0].Present)
	assert.Equal(t, int64(1), changed[1].IndividualID)

	_, err = headcountRoom().PlanMarks(alice, []models.AttendanceMark{{IndividualID: 1}}, t0)
	require.ErrorIs(t, err, ErrWrongRoomKind)
}

func TestVisitors(t *testing.T) {
	r := standardRoom(1)

	_, err := r.PlanVisitor(alice, "v1", "   ", nil, t0)
	require.ErrorIs(t, err, ErrInvalidVisitor)
	_, err = r.PlanVisitor(alice, "v1", "Dan", []byte("{not json"), t0)
	require.ErrorIs(t, err, ErrInvalidVisitor)

	v, err := r.PlanVisitor(alice, "v1", " Dan ", []byte(`{"phone":"555"}`), t0)
	require.NoError(t, err)
	assert.Equal(t, "Dan", v.Name)
	r.CommitVisitor(v)
	assert.Equal(t, t0, r.VisitorsUpdatedAt())

	require.ErrorIs(t, r.PlanRemoveVisitor(bob, "v1"), ErrPermissionDenied)
	require.ErrorIs(t, r.PlanRemoveVisitor(alice, "nope"), ErrUnknownVisitor)
	require.NoError(t, r.PlanRemoveVisitor(carol, "v1"))

	r.CommitRemoveVisitor("v1", t0.Add(time.Second))
	assert.Empty(t, r.Visitors())
	assert.Equal(t, t0.Add(time.Second), r.VisitorsUpdatedAt())
}
