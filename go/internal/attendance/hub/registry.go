package hub

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/internal/attendance/aggregate"
	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// Member is a session viewing a room.
type Member interface {
	// SessionID is stable for a client tab across reconnects.
	SessionID() string
	// Identity is the server-validated identity behind the session.
	Identity() models.Identity
	// Deliver queues a frame without blocking. It returns false when the
	// member can no longer keep up; the member is then dropped from the room.
	Deliver(frame []byte) bool
}

// memberKey scopes a session id to its user. Session ids are visible to
// every viewer of a room, so they never identify a member on their own.
type memberKey struct {
	userID    string
	sessionID string
}

func keyOf(m Member) memberKey {
	return memberKey{userID: m.Identity().UserID, sessionID: m.SessionID()}
}

type roomID struct {
	tenantID string
	key      models.RoomKey
}

// Room is the per-room critical section. Every read and write of state and
// members happens with mu held, and broadcasts are delivered before mu is
// released, so all members observe accepted mutations in the same order.
type Room struct {
	mu        sync.Mutex
	id        roomID
	state     *aggregate.Room // nil until loaded from storage
	members   map[memberKey]Member
	lastStamp time.Time
	closed    bool // evicted from the registry
}

// stamp returns a server timestamp strictly after every previous one issued
// for this room. Timestamps are kept at microsecond precision to survive a
// round trip through storage.
func (r *Room) stamp(now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(r.lastStamp) {
		now = r.lastStamp.Add(time.Microsecond)
	}
	r.lastStamp = now
	return now
}

// observe advances the room clock past a timestamp issued elsewhere.
func (r *Room) observe(t time.Time) {
	if t.After(r.lastStamp) {
		r.lastStamp = t.UTC()
	}
}

func (r *Room) viewers() []models.Viewer {
	out := make([]models.Viewer, 0, len(r.members))
	for key, m := range r.members {
		out = append(out, models.Viewer{UserID: key.userID, UserName: m.Identity().DisplayName, SessionID: key.sessionID})
	}
	slices.SortFunc(out, func(a, b models.Viewer) int {
		if c := strings.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

func (r *Room) isMember(m Member) bool {
	cur, ok := r.members[keyOf(m)]
	return ok && cur == m
}

// broadcastLocked delivers msg to every member, including the originator.
// Members that cannot keep up are dropped and the remaining members are told
// about the new viewer list. It returns the number of deliveries. A room left
// empty here is evicted by Engine.unlock.
func (r *Room) broadcastLocked(msg *events.Message) int {
	delivered := 0
	for msg != nil {
		frame, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Str("event_type", string(msg.Type)).Msg("failed to marshal event for broadcast")
			return delivered
		}

		dropped := 0
		for key, m := range r.members {
			if m.Deliver(frame) {
				delivered++
				continue
			}
			log.Warn().
				Str("session_id", key.sessionID).
				Str("user_id", key.userID).
				Str("room_key", r.id.key.String()).
				Msg("member send buffer full, dropping from room")
			delete(r.members, key)
			dropped++
		}

		log.Debug().
			Str("event_type", string(msg.Type)).
			Str("room_key", r.id.key.String()).
			Int("members", len(r.members)).
			Msg("event broadcasted")

		msg = nil
		if dropped > 0 && len(r.members) > 0 {
			msg = r.viewersMessage()
		}
	}
	return delivered
}

func (r *Room) viewersMessage() *events.Message {
	msg, err := events.NewBroadcast(events.TypeViewersChanged, events.ViewersChangedPayload{
		RoomKey: r.id.key,
		Viewers: r.viewers(),
	}, r.lastStamp)
	if err != nil {
		log.Error().Err(err).Msg("failed to build viewers event")
		return nil
	}
	return msg
}

// Registry maps room keys to active rooms. Lock order is Registry.mu before
// Room.mu; nothing holding a Room.mu may take Registry.mu.
type Registry struct {
	mu    sync.Mutex
	rooms map[roomID]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[roomID]*Room)}
}

// acquire returns the room for id, creating an unloaded one if needed.
func (g *Registry) acquire(id roomID) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[id]
	if !ok {
		room = &Room{id: id, members: make(map[memberKey]Member)}
		g.rooms[id] = room
	}
	return room
}

func (g *Registry) get(id roomID) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[id]
}

// evictIfEmpty removes room from the registry if it has no members.
func (g *Registry) evictIfEmpty(room *Room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed || len(room.members) > 0 || g.rooms[room.id] != room {
		return false
	}
	room.closed = true
	delete(g.rooms, room.id)
	return true
}

// list returns the active rooms, optionally restricted to one tenant.
func (g *Registry) list(tenantID string) []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.rooms))
	for id, room := range g.rooms {
		if tenantID == "" || id.tenantID == tenantID {
			out = append(out, room)
		}
	}
	return out
}
