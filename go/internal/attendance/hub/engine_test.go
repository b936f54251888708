package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/rollcall/go/internal/attendance/aggregate"
	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/attendance/store"
	"github.com/mcdev12/rollcall/go/internal/models"
)

const tenant = "church-1"

var (
	headcountKey = models.RoomKey{GatheringID: 1, Date: "2024-03-10"}
	standardKey  = models.RoomKey{GatheringID: 2, Date: "2024-03-10"}

	alice = models.Identity{UserID: "alice", TenantID: tenant, Role: models.RoleMember, DisplayName: "Alice"}
	bob   = models.Identity{UserID: "bob", TenantID: tenant, Role: models.RoleMember, DisplayName: "Bob"}
	carol = models.Identity{UserID: "carol", TenantID: tenant, Role: models.RoleAdmin, DisplayName: "Carol"}
)

type fakeMember struct {
	sessionID string
	identity  models.Identity

	mu     sync.Mutex
	frames []*events.Message
	full   bool
}

func newMember(sessionID string, id models.Identity) *fakeMember {
	return &fakeMember{sessionID: sessionID, identity: id}
}

func (f *fakeMember) SessionID() string         { return f.sessionID }
func (f *fakeMember) Identity() models.Identity { return f.identity }

func (f *fakeMember) Deliver(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	var msg events.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		panic(err)
	}
	f.frames = append(f.frames, &msg)
	return true
}

// received returns the frames of type t.
func (f *fakeMember) received(t events.MessageType) []*events.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*events.Message
	for _, m := range f.frames {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func lastHeadcount(t *testing.T, f *fakeMember) events.HeadcountChangedPayload {
	t.Helper()
	msgs := f.received(events.TypeHeadcountChanged)
	require.NotEmpty(t, msgs)
	var p events.HeadcountChangedPayload
	require.NoError(t, msgs[len(msgs)-1].Decode(&p))
	return p
}

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *clockwork.FakeClock) {
	t.Helper()
	st := store.NewMemory()
	st.AddGathering(tenant, headcountKey.GatheringID, models.GatheringKindHeadcount)
	st.AddGathering(tenant, standardKey.GatheringID, models.GatheringKindStandard, 100, 101, 102)
	for _, id := range []models.Identity{alice, bob, carol} {
		st.AddUser(id)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	return NewEngine(st, EngineConfig{Clock: clock}), st, clock
}

func TestBasicHeadcountScenario(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	a := newMember("tab-a", alice)
	b := newMember("tab-b", bob)

	snap, err := e.Join(ctx, a, headcountKey)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Total)
	assert.Empty(t, snap.Contributions)
	_, err = e.Join(ctx, b, headcountKey)
	require.NoError(t, err)

	res, err := e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 3}, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Contributions, 1)
	assert.Equal(t, "alice", res.Contributions[0].UserID)

	_, err = e.UpdateHeadcount(ctx, b, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 2}, "r2")
	require.NoError(t, err)

	for _, m := range []*fakeMember{a, b} {
		p := lastHeadcount(t, m)
		assert.Equal(t, 5, p.Total)
		require.Len(t, p.Contributions, 2)
		assert.Equal(t, 3, p.Contributions[0].Count)
		assert.Equal(t, 2, p.Contributions[1].Count)
	}
}

func TestConvergence(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t)
	a := newMember("tab-a", alice)
	b := newMember("tab-b", bob)
	_, err := e.Join(ctx, a, headcountKey)
	require.NoError(t, err)
	_, err = e.Join(ctx, b, headcountKey)
	require.NoError(t, err)

	_, err = e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 4}, "r1")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = e.UpdateHeadcount(ctx, b, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 6}, "r2")
	require.NoError(t, err)

	pa, pb := lastHeadcount(t, a), lastHeadcount(t, b)
	assert.Equal(t, pa.Total, pb.Total)
	assert.Equal(t, pa.Contributions, pb.Contributions)
	assert.Equal(t, pa.UpdatedAt, pb.UpdatedAt)

	snap, err := e.Snapshot(ctx, tenant, headcountKey)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Total)
	assert.Equal(t, pa.Contributions, snap.Contributions)
}

func TestPermissionGatedEdit(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	a := newMember("tab-a", alice)
	b := newMember("tab-b", bob)
	c := newMember("tab-c", carol)
	for _, m := range []*fakeMember{a, b, c} {
		_, err := e.Join(ctx, m, headcountKey)
		require.NoError(t, err)
	}
	_, err := e.UpdateHeadcount(ctx, b, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 2}, "r1")
	require.NoError(t, err)

	_, err = e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 9, TargetUserID: "bob"}, "r2")
	require.ErrorIs(t, err, aggregate.ErrPermissionDenied)
	assert.Equal(t, events.CodePermissionDenied, WireError(err).Code)
	assert.Len(t, a.received(events.TypeHeadcountChanged), 1)

	snap, err := e.Snapshot(ctx, tenant, headcountKey)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Total)

	res, err := e.UpdateHeadcount(ctx, c, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 9, TargetUserID: "bob"}, "r3")
	require.NoError(t, err)
	assert.Equal(t, 9, res.Total)
	assert.Equal(t, "carol", res.UpdatedBy)

	_, err = e.UpdateHeadcount(ctx, c, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 1, TargetUserID: "nobody"}, "r4")
	require.ErrorIs(t, err, ErrUnknownUser)
	assert.Equal(t, events.CodeValidation, WireError(err).Code)
}

func TestValidationErrorsAreNotBroadcast(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	a := newMember("tab-a", alice)
	_, err := e.Join(ctx, a, headcountKey)
	require.NoError(t, err)

	_, err = e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: -1}, "r1")
	require.ErrorIs(t, err, aggregate.ErrInvalidCount)
	assert.Equal(t, events.CodeValidation, WireError(err).Code)
	assert.Empty(t, a.received(events.TypeHeadcountChanged))
}

func TestUnchangedHeadcountIsNotBroadcast(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	a := newMember("tab-a", alice)
	_, err := e.Join(ctx, a, headcountKey)
	require.NoError(t, err)

	_, err = e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 3}, "r1")
	require.NoError(t, err)
	res, err := e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 3}, "r2")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Len(t, a.received(events.TypeHeadcountChanged), 1)
}

func TestIdempotentMark(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	a := newMember("tab-a", alice)
	b := newMember("tab-b", bob)
	_, err := e.Join(ctx, a, standardKey)
	require.NoError(t, err)
	_, err = e.Join(ctx, b, standardKey)
	require.NoError(t, err)

	req := events.RecordAttendanceRequest{RoomKey: standardKey, Marks: []events.MarkInput{{IndividualID: 100, Present: true}}}
	first, err := e.RecordAttendance(ctx, a, req, "r1")
	require.NoError(t, err)
	require.Len(t, first.Marks, 1)

	second, err := e.RecordAttendance(ctx, a, req, "r2")
	require.NoError(t, err)
	require.Len(t, second.Marks, 1)
	assert.True(t, second.Marks[0].Present)

	assert.Len(t, b.received(events.TypeAttendanceChanged), 1)

	_, err = e.RecordAttendance(ctx, a, events.RecordAttendanceRequest{RoomKey: standardKey, Marks: []events.MarkInput{{IndividualID: 999, Present: true}}}, "r3")
	require.ErrorIs(t, err, aggregate.ErrUnknownIndividual)
}

func TestMutationRequiresMembership(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	a := newMember("tab-a", alice)

	_, err := e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 1}, "r1")
	require.ErrorIs(t, err, ErrNotJoined)
	assert.Equal(t, events.CodeNotJoined, WireError(err).Code)

	_, err = e.Join(ctx, a, models.RoomKey{GatheringID: 99, Date: "2024-03-10"})
	require.ErrorIs(t, err, store.ErrGatheringNotFound)
	assert.Equal(t, events.CodeNotFound, WireError(err).Code)
	assert.Empty(t, e.ActiveRooms(tenant))
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	outsider := newMember("tab-x", models.Identity{UserID: "x", TenantID: "church-2", Role: models.RoleAdmin})

	_, err := e.Join(ctx, outsider, headcountKey)
	require.ErrorIs(t, err, store.ErrGatheringNotFound)
}

func TestPerRoomOrdering(t *testing.T) {
	ctx := context.Background()
	e, st, _ := newTestEngine(t)
	const writers = 8
	const perWriter = 25

	observer := newMember("observer", carol)
	_, err := e.Join(ctx, observer, headcountKey)
	require.NoError(t, err)

	members := make([]*fakeMember, writers)
	for i := range members {
		id := models.Identity{UserID: fmt.Sprintf("user-%d", i), TenantID: tenant, Role: models.RoleMember}
		st.AddUser(id)
		members[i] = newMember(fmt.Sprintf("tab-%d", i), id)
		_, err := e.Join(ctx, members[i], headcountKey)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m *fakeMember) {
			defer wg.Done()
			for n := 1; n <= perWriter; n++ {
				_, err := e.UpdateHeadcount(ctx, m, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: n}, fmt.Sprintf("%d-%d", i, n))
				assert.NoError(t, err)
			}
		}(i, m)
	}
	wg.Wait()

	sequence := func(m *fakeMember) []time.Time {
		var out []time.Time
		for _, msg := range m.received(events.TypeHeadcountChanged) {
			var p events.HeadcountChangedPayload
			require.NoError(t, msg.Decode(&p))
			sum := 0
			for _, c := range p.Contributions {
				sum += c.Count
			}
			require.Equal(t, sum, p.Total)
			out = append(out, p.UpdatedAt)
		}
		return out
	}

	want := sequence(observer)
	require.Len(t, want, writers*perWriter)
	for i := 1; i < len(want); i++ {
		require.True(t, want[i].After(want[i-1]), "timestamps must strictly increase")
	}
	for _, m := range members {
		assert.Equal(t, want, sequence(m))
	}
	assert.Equal(t, writers*perWriter, lastHeadcount(t, observer).Total)
}

func TestLeaveEvictsEmptyRoom(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	a := newMember("tab-a", alice)
	b := newMember("tab-b", bob)
	_, err := e.Join(ctx, a, headcountKey)
	require.NoError(t, err)
	_, err = e.Join(ctx, b, headcountKey)
	require.NoError(t, err)
	_, err = e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 3}, "r1")
	require.NoError(t, err)

	e.Leave(a, headcountKey)
	rooms := e.ActiveRooms(tenant)
	require.Len(t, rooms, 1)
	require.Len(t, rooms[0].Viewers, 1)
	assert.Equal(t, "tab-b", rooms[0].Viewers[0].SessionID)

	var viewers events.ViewersChangedPayload
	msgs := b.received(events.TypeViewersChanged)
	require.NoError(t, msgs[len(msgs)-1].Decode(&viewers))
	assert.Len(t, viewers.Viewers, 1)

	e.LeaveAll(b)
	assert.Empty(t, e.ActiveRooms(tenant))
	assert.Equal(t, 0, e.Stats()["active_rooms"])

	// State survives eviction through storage.
	snap, err := e.Join(ctx, a, headcountKey)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Total)
}

func TestReplacedMemberLeaveIsIgnored(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	old := newMember("tab-a", alice)
	replacement := newMember("tab-a", alice)
	_, err := e.Join(ctx, old, headcountKey)
	require.NoError(t, err)
	snap, err := e.Join(ctx, replacement, headcountKey)
	require.NoError(t, err)
	assert.Len(t, snap.Viewers, 1)

	e.LeaveAll(old)
	_, err = e.UpdateHeadcount(ctx, replacement, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 1}, "r1")
	require.NoError(t, err)
}

func TestSlowMemberIsDropped(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	a := newMember("tab-a", alice)
	slow := newMember("tab-b", bob)
	_, err := e.Join(ctx, a, headcountKey)
	require.NoError(t, err)
	_, err = e.Join(ctx, slow, headcountKey)
	require.NoError(t, err)

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	_, err = e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 2}, "r1")
	require.NoError(t, err)

	rooms := e.ActiveRooms(tenant)
	require.Len(t, rooms, 1)
	assert.Len(t, rooms[0].Viewers, 1)

	_, err = e.UpdateHeadcount(ctx, slow, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 2}, "r2")
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestRoomEmptiedBySlowMemberIsEvicted(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	slow := newMember("tab-a", alice)
	_, err := e.Join(ctx, slow, headcountKey)
	require.NoError(t, err)

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	_, err = e.UpdateHeadcount(ctx, slow, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 4}, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, e.Stats()["active_rooms"])

	e.LeaveAll(slow)
	stats := e.Stats()
	assert.Equal(t, 0, stats["active_rooms"])
	assert.Equal(t, 0, stats["room_members"])
	require.NoError(t, e.ResyncAll(ctx))

	fresh := newMember("tab-a", alice)
	snap, err := e.Join(ctx, fresh, headcountKey)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Total)
}

func TestSessionIDIsScopedToUser(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	a := newMember("shared-tab", alice)
	b := newMember("shared-tab", bob)
	_, err := e.Join(ctx, a, headcountKey)
	require.NoError(t, err)
	snap, err := e.Join(ctx, b, headcountKey)
	require.NoError(t, err)
	require.Len(t, snap.Viewers, 2)
	assert.Equal(t, "alice", snap.Viewers[0].UserID)
	assert.Equal(t, "bob", snap.Viewers[1].UserID)

	e.LeaveAll(b)
	_, err = e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 1}, "r1")
	require.NoError(t, err)
	rooms := e.ActiveRooms(tenant)
	require.Len(t, rooms, 1)
	require.Len(t, rooms[0].Viewers, 1)
	assert.Equal(t, "alice", rooms[0].Viewers[0].UserID)
}

func TestResyncFromStorage(t *testing.T) {
	ctx := context.Background()
	e, st, clock := newTestEngine(t)
	a := newMember("tab-a", alice)
	_, err := e.Join(ctx, a, standardKey)
	require.NoError(t, err)

	require.NoError(t, st.SaveMarks(ctx, tenant, standardKey, []models.AttendanceMark{
		{IndividualID: 101, Present: true, UpdatedAt: clock.Now(), UpdatedBy: "csv-import"},
	}))
	require.NoError(t, e.ResyncRoom(ctx, tenant, standardKey))

	msgs := a.received(events.TypeAttendanceChanged)
	require.Len(t, msgs, 1)
	var p events.AttendanceChangedPayload
	require.NoError(t, msgs[0].Decode(&p))
	require.Len(t, p.Marks, 1)
	assert.Equal(t, "csv-import", p.UpdatedBy)
	assert.Empty(t, p.Origin.SessionID)

	// Nothing new: no broadcast.
	snap, err := e.LoadAttendance(ctx, a, standardKey)
	require.NoError(t, err)
	assert.Len(t, snap.Marks, 1)
	assert.Len(t, a.received(events.TypeAttendanceChanged), 1)

	require.NoError(t, e.ResyncAll(ctx))
	require.NoError(t, e.ResyncRoom(ctx, tenant, headcountKey))
}

func TestVisitors(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	a := newMember("tab-a", alice)
	b := newMember("tab-b", bob)
	_, err := e.Join(ctx, a, standardKey)
	require.NoError(t, err)
	_, err = e.Join(ctx, b, standardKey)
	require.NoError(t, err)

	added, err := e.AddVisitor(ctx, a, events.AddVisitorRequest{RoomKey: standardKey, Name: "Dan"}, "r1")
	require.NoError(t, err)
	require.Len(t, added.Visitors, 1)
	visitorID := added.Visitors[0].ID

	_, err = e.RemoveVisitor(ctx, b, events.RemoveVisitorRequest{RoomKey: standardKey, VisitorID: visitorID}, "r2")
	require.ErrorIs(t, err, aggregate.ErrPermissionDenied)

	removed, err := e.RemoveVisitor(ctx, a, events.RemoveVisitorRequest{RoomKey: standardKey, VisitorID: visitorID}, "r3")
	require.NoError(t, err)
	assert.Empty(t, removed.Visitors)
	assert.Len(t, b.received(events.TypeVisitorChanged), 2)
}

func TestApplyRemote_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t)
	a := newMember("tab-a", alice)
	_, err := e.Join(ctx, a, headcountKey)
	require.NoError(t, err)
	local, err := e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 3}, "r1")
	require.NoError(t, err)

	stale, err := events.NewBroadcast(events.TypeHeadcountChanged, events.HeadcountChangedPayload{
		RoomKey:       headcountKey,
		Contributions: []models.Contribution{{UserID: "alice", Count: 1, UpdatedAt: local.UpdatedAt.Add(-time.Second)}},
		UpdatedAt:     local.UpdatedAt.Add(-time.Second),
	}, clock.Now())
	require.NoError(t, err)
	require.NoError(t, e.ApplyRemote(tenant, stale))
	assert.Len(t, a.received(events.TypeHeadcountChanged), 1)

	newer := local.UpdatedAt.Add(time.Second)
	fresh, err := events.NewBroadcast(events.TypeHeadcountChanged, events.HeadcountChangedPayload{
		RoomKey:       headcountKey,
		Contributions: []models.Contribution{{UserID: "bob", Count: 4, UpdatedAt: newer, UpdatedBy: "bob"}},
		TargetUserID:  "bob",
		UpdatedAt:     newer,
		UpdatedBy:     "bob",
	}, clock.Now())
	require.NoError(t, err)
	require.NoError(t, e.ApplyRemote(tenant, fresh))

	p := lastHeadcount(t, a)
	assert.Equal(t, 7, p.Total)

	// Local stamps continue after the remote one.
	next, err := e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: 5}, "r2")
	require.NoError(t, err)
	assert.True(t, next.UpdatedAt.After(newer))

	// Rooms without local viewers are ignored.
	require.NoError(t, e.ApplyRemote("church-2", fresh))
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*events.Message
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, msg *events.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) types() []events.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.MessageType
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

func TestPublishesAcceptedBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	st.AddGathering(tenant, headcountKey.GatheringID, models.GatheringKindHeadcount)
	pub := &recordingPublisher{}
	e := NewEngine(st, EngineConfig{Publisher: pub})
	go e.Start(ctx)

	a := newMember("tab-a", alice)
	_, err := e.Join(ctx, a, headcountKey)
	require.NoError(t, err)
	for n := 1; n <= 3; n++ {
		_, err := e.UpdateHeadcount(ctx, a, events.UpdateHeadcountRequest{RoomKey: headcountKey, Count: n}, "r")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(pub.types()) == 3 }, time.Second, 10*time.Millisecond)
	for _, typ := range pub.types() {
		assert.Equal(t, events.TypeHeadcountChanged, typ)
	}
}
