package store

import (
	"context"
	"slices"
	"sync"

	"github.com/mcdev12/rollcall/go/internal/models"
)

type gathering struct {
	kind   models.GatheringKind
	roster []int64
}

type roomRef struct {
	tenantID string
	key      models.RoomKey
}

type memoryRoom struct {
	contributions map[string]models.Contribution
	marks         map[int64]models.AttendanceMark
	visitors      []models.Visitor
}

// Memory is an in-process Store used by tests and single-node development.
type Memory struct {
	mu         sync.RWMutex
	gatherings map[string]map[int64]gathering
	users      map[string]map[string]models.Identity
	rooms      map[roomRef]*memoryRoom
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		gatherings: make(map[string]map[int64]gathering),
		users:      make(map[string]map[string]models.Identity),
		rooms:      make(map[roomRef]*memoryRoom),
	}
}

// AddGathering registers a gathering and, for standard gatherings, its roster.
func (m *Memory) AddGathering(tenantID string, gatheringID int64, kind models.GatheringKind, roster ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gatherings[tenantID] == nil {
		m.gatherings[tenantID] = make(map[int64]gathering)
	}
	m.gatherings[tenantID][gatheringID] = gathering{kind: kind, roster: slices.Clone(roster)}
}

// AddUser registers a user record.
func (m *Memory) AddUser(id models.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[id.TenantID] == nil {
		m.users[id.TenantID] = make(map[string]models.Identity)
	}
	m.users[id.TenantID][id.UserID] = id
}

func (m *Memory) LoadRoom(_ context.Context, tenantID string, key models.RoomKey) (models.RoomSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.gatherings[tenantID][key.GatheringID]
	if !ok {
		return models.RoomSnapshot{}, ErrGatheringNotFound
	}
	snap := models.RoomSnapshot{
		RoomKey: key,
		Kind:    g.kind,
		Roster:  slices.Clone(g.roster),
	}
	room, ok := m.rooms[roomRef{tenantID, key}]
	if !ok {
		return snap, nil
	}
	for _, c := range room.contributions {
		snap.Contributions = append(snap.Contributions, c)
		snap.Total += c.Count
	}
	for _, mk := range room.marks {
		snap.Marks = append(snap.Marks, mk)
	}
	snap.Visitors = slices.Clone(room.visitors)
	for _, v := range room.visitors {
		if v.AddedAt.After(snap.VisitorsUpdatedAt) {
			snap.VisitorsUpdatedAt = v.AddedAt
		}
	}
	return snap, nil
}

func (m *Memory) SaveContribution(_ context.Context, tenantID string, key models.RoomKey, c models.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, err := m.room(tenantID, key)
	if err != nil {
		return err
	}
	room.contributions[c.UserID] = c
	return nil
}

func (m *Memory) SaveMarks(_ context.Context, tenantID string, key models.RoomKey, marks []models.AttendanceMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, err := m.room(tenantID, key)
	if err != nil {
		return err
	}
	for _, mk := range marks {
		room.marks[mk.IndividualID] = mk
	}
	return nil
}

func (m *Memory) SaveVisitor(_ context.Context, tenantID string, key models.RoomKey, v models.Visitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, err := m.room(tenantID, key)
	if err != nil {
		return err
	}
	room.visitors = append(room.visitors, v)
	return nil
}

func (m *Memory) DeleteVisitor(_ context.Context, tenantID string, key models.RoomKey, visitorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, err := m.room(tenantID, key)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(room.visitors, func(v models.Visitor) bool { return v.ID == visitorID })
	if idx < 0 {
		return ErrVisitorNotFound
	}
	room.visitors = slices.Delete(room.visitors, idx, idx+1)
	return nil
}

func (m *Memory) LookupIdentity(_ context.Context, tenantID, userID string) (models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.users[tenantID][userID]
	if !ok {
		return models.Identity{}, ErrUserNotFound
	}
	return id, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// room must be called with mu held for writing.
func (m *Memory) room(tenantID string, key models.RoomKey) (*memoryRoom, error) {
	if _, ok := m.gatherings[tenantID][key.GatheringID]; !ok {
		return nil, ErrGatheringNotFound
	}
	ref := roomRef{tenantID, key}
	room, ok := m.rooms[ref]
	if !ok {
		room = &memoryRoom{
			contributions: make(map[string]models.Contribution),
			marks:         make(map[int64]models.AttendanceMark),
		}
		m.rooms[ref] = room
	}
	return room, nil
}
