// Package hub is the server side of the attendance engine: the room
// registry, the event broadcaster and the per-room critical section that
// serializes mutations.
package hub

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/internal/attendance/aggregate"
	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/attendance/store"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// Publisher forwards accepted broadcasts to other gateway instances.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, msg *events.Message) error
}

// EngineConfig holds the collaborators of an Engine.
type EngineConfig struct {
	Clock         clockwork.Clock
	Metrics       MetricsCollector
	Publisher     Publisher // nil disables cross-instance relay
	PublishBuffer int
}

type publication struct {
	tenantID string
	msg      *events.Message
}

// Engine applies mutations to rooms and fans the results out to members.
type Engine struct {
	registry  *Registry
	store     store.Store
	clock     clockwork.Clock
	metrics   MetricsCollector
	publisher Publisher
	publishCh chan publication
}

// NewEngine creates an engine backed by st.
func NewEngine(st store.Store, cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoOpMetricsCollector{}
	}
	if cfg.PublishBuffer <= 0 {
		cfg.PublishBuffer = 1000
	}
	e := &Engine{
		registry:  NewRegistry(),
		store:     st,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		publisher: cfg.Publisher,
	}
	if e.publisher != nil {
		e.publishCh = make(chan publication, cfg.PublishBuffer)
	}
	return e
}

// Start forwards broadcasts to the publisher in acceptance order until ctx
// is done. It returns immediately when no publisher is configured.
func (e *Engine) Start(ctx context.Context) {
	if e.publisher == nil {
		return
	}
	log.Info().Msg("engine publisher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("engine publisher shutting down")
			return
		case p := <-e.publishCh:
			if err := e.publisher.Publish(ctx, p.tenantID, p.msg); err != nil {
				log.Error().Err(err).Str("event_type", string(p.msg.Type)).Msg("failed to publish event")
			}
		}
	}
}

// Join registers m as a member of the room and returns its authoritative
// snapshot, including the current viewers.
func (e *Engine) Join(ctx context.Context, m Member, key models.RoomKey) (models.RoomSnapshot, error) {
	if err := key.Validate(); err != nil {
		return models.RoomSnapshot{}, err
	}
	id := roomID{tenantID: m.Identity().TenantID, key: key}

	for {
		room := e.registry.acquire(id)
		room.mu.Lock()
		if room.closed {
			// Evicted between acquire and lock; a fresh room will be created.
			room.mu.Unlock()
			continue
		}

		if room.state == nil {
			snap, err := e.store.LoadRoom(ctx, id.tenantID, key)
			if err != nil {
				empty := len(room.members) == 0
				room.mu.Unlock()
				if empty {
					e.registry.evictIfEmpty(room)
				}
				return models.RoomSnapshot{}, fmt.Errorf("load room %s: %w", key, err)
			}
			room.state = aggregate.New(snap)
			room.observe(latestUpdate(snap))
		}

		room.members[keyOf(m)] = m
		snap := e.snapshotLocked(room)
		e.broadcastLocked(room, room.viewersMessage())
		e.unlock(room)

		log.Info().
			Str("session_id", m.SessionID()).
			Str("user_id", m.Identity().UserID).
			Str("room_key", key.String()).
			Int("viewers", len(snap.Viewers)).
			Msg("session joined room")
		return snap, nil
	}
}

// Leave removes m from the room. Empty rooms are evicted; their state lives
// on in storage.
func (e *Engine) Leave(m Member, key models.RoomKey) {
	room := e.registry.get(roomID{tenantID: m.Identity().TenantID, key: key})
	if room == nil {
		return
	}
	e.leaveRoom(m, room)
}

// LeaveAll removes m from every room it is a member of.
func (e *Engine) LeaveAll(m Member) {
	for _, room := range e.registry.list(m.Identity().TenantID) {
		e.leaveRoom(m, room)
	}
}

func (e *Engine) leaveRoom(m Member, room *Room) {
	room.mu.Lock()
	if room.closed || !room.isMember(m) {
		// m may already have been dropped for falling behind.
		e.unlock(room)
		return
	}
	delete(room.members, keyOf(m))
	if len(room.members) > 0 {
		e.broadcastLocked(room, room.viewersMessage())
	}
	e.unlock(room)

	log.Info().
		Str("session_id", m.SessionID()).
		Str("user_id", m.Identity().UserID).
		Str("room_key", room.id.key.String()).
		Msg("session left room")
}

// unlock releases the room critical section and evicts the room if it has
// no members left, whether they left or were dropped by a broadcast.
func (e *Engine) unlock(room *Room) {
	empty := !room.closed && len(room.members) == 0
	room.mu.Unlock()
	if empty && e.registry.evictIfEmpty(room) {
		e.metrics.RecordRoomEvicted()
		log.Debug().Str("room_key", room.id.key.String()).Msg("room evicted")
	}
}

// withMemberRoom runs fn inside the room critical section after checking
// that m is a member.
func (e *Engine) withMemberRoom(m Member, key models.RoomKey, fn func(room *Room) error) error {
	if err := key.Validate(); err != nil {
		return err
	}
	room := e.registry.get(roomID{tenantID: m.Identity().TenantID, key: key})
	if room == nil {
		return ErrNotJoined
	}
	room.mu.Lock()
	defer e.unlock(room)
	if room.closed || room.state == nil || !room.isMember(m) {
		return ErrNotJoined
	}
	return fn(room)
}

// UpdateHeadcount sets a user's contribution. targetUserID defaults to the
// caller. An unchanged count is acknowledged without a broadcast.
func (e *Engine) UpdateHeadcount(ctx context.Context, m Member, req events.UpdateHeadcountRequest, requestID string) (*events.HeadcountChangedPayload, error) {
	start := e.clock.Now()
	var result *events.HeadcountChangedPayload

	err := e.withMemberRoom(m, req.RoomKey, func(room *Room) error {
		actor := m.Identity()
		target := actor
		if req.TargetUserID != "" && req.TargetUserID != actor.UserID {
			if !actor.Role.Elevated() {
				return fmt.Errorf("%s editing contribution of %s: %w", actor.UserID, req.TargetUserID, aggregate.ErrPermissionDenied)
			}
			found, err := e.store.LookupIdentity(ctx, actor.TenantID, req.TargetUserID)
			if errors.Is(err, store.ErrUserNotFound) {
				return fmt.Errorf("%s: %w", req.TargetUserID, ErrUnknownUser)
			}
			if err != nil {
				return err
			}
			target = found
		}

		now := e.clock.Now()
		c, changed, err := room.state.PlanContribution(actor, target, req.Count, now)
		if err != nil {
			return err
		}
		origin := events.Origin{SessionID: m.SessionID(), RequestID: requestID}
		if !changed {
			result = headcountPayload(room, c, origin)
			return nil
		}

		c.UpdatedAt = room.stamp(now)
		if err := e.store.SaveContribution(ctx, actor.TenantID, req.RoomKey, c); err != nil {
			return err
		}
		room.state.CommitContribution(c)

		result = headcountPayload(room, c, origin)
		e.broadcastPayload(room, events.TypeHeadcountChanged, result, c.UpdatedAt)
		return nil
	})

	e.metrics.RecordMutation(string(events.TypeUpdateHeadcount), err == nil, e.clock.Since(start))
	return result, err
}

// RecordAttendance applies present/absent marks. Marks whose value does not
// change are not broadcast.
func (e *Engine) RecordAttendance(ctx context.Context, m Member, req events.RecordAttendanceRequest, requestID string) (*events.AttendanceChangedPayload, error) {
	start := e.clock.Now()
	var result *events.AttendanceChangedPayload

	err := e.withMemberRoom(m, req.RoomKey, func(room *Room) error {
		actor := m.Identity()
		requested := make([]models.AttendanceMark, 0, len(req.Marks))
		for _, in := range req.Marks {
			requested = append(requested, models.AttendanceMark{IndividualID: in.IndividualID, Present: in.Present})
		}

		now := e.clock.Now()
		changed, err := room.state.PlanMarks(actor, requested, now)
		if err != nil {
			return err
		}
		origin := events.Origin{SessionID: m.SessionID(), RequestID: requestID}
		if len(changed) == 0 {
			result = &events.AttendanceChangedPayload{
				RoomKey:   req.RoomKey,
				Marks:     currentMarks(room, requested),
				UpdatedAt: room.lastStamp,
				UpdatedBy: actor.UserID,
				Origin:    origin,
			}
			return nil
		}

		stamped := room.stamp(now)
		for i := range changed {
			changed[i].UpdatedAt = stamped
		}
		if err := e.store.SaveMarks(ctx, actor.TenantID, req.RoomKey, changed); err != nil {
			return err
		}
		room.state.CommitMarks(changed)

		result = &events.AttendanceChangedPayload{
			RoomKey:   req.RoomKey,
			Marks:     changed,
			UpdatedAt: stamped,
			UpdatedBy: actor.UserID,
			Origin:    origin,
		}
		e.broadcastPayload(room, events.TypeAttendanceChanged, result, stamped)
		return nil
	})

	e.metrics.RecordMutation(string(events.TypeRecordAttendance), err == nil, e.clock.Since(start))
	return result, err
}

// AddVisitor records a visitor against the room.
func (e *Engine) AddVisitor(ctx context.Context, m Member, req events.AddVisitorRequest, requestID string) (*events.VisitorChangedPayload, error) {
	start := e.clock.Now()
	var result *events.VisitorChangedPayload

	err := e.withMemberRoom(m, req.RoomKey, func(room *Room) error {
		actor := m.Identity()
		v, err := room.state.PlanVisitor(actor, uuid.NewString(), req.Name, req.Details, e.clock.Now())
		if err != nil {
			return err
		}
		v.AddedAt = room.stamp(v.AddedAt)
		if err := e.store.SaveVisitor(ctx, actor.TenantID, req.RoomKey, v); err != nil {
			return err
		}
		room.state.CommitVisitor(v)

		result = visitorPayload(room, actor.UserID, events.Origin{SessionID: m.SessionID(), RequestID: requestID})
		e.broadcastPayload(room, events.TypeVisitorChanged, result, v.AddedAt)
		return nil
	})

	e.metrics.RecordMutation(string(events.TypeAddVisitor), err == nil, e.clock.Since(start))
	return result, err
}

// RemoveVisitor deletes a visitor. Only the user who added it or an elevated
// role may remove it.
func (e *Engine) RemoveVisitor(ctx context.Context, m Member, req events.RemoveVisitorRequest, requestID string) (*events.VisitorChangedPayload, error) {
	start := e.clock.Now()
	var result *events.VisitorChangedPayload

	err := e.withMemberRoom(m, req.RoomKey, func(room *Room) error {
		actor := m.Identity()
		if err := room.state.PlanRemoveVisitor(actor, req.VisitorID); err != nil {
			return err
		}
		if err := e.store.DeleteVisitor(ctx, actor.TenantID, req.RoomKey, req.VisitorID); err != nil && !errors.Is(err, store.ErrVisitorNotFound) {
			return err
		}
		now := room.stamp(e.clock.Now())
		room.state.CommitRemoveVisitor(req.VisitorID, now)

		result = visitorPayload(room, actor.UserID, events.Origin{SessionID: m.SessionID(), RequestID: requestID})
		e.broadcastPayload(room, events.TypeVisitorChanged, result, now)
		return nil
	})

	e.metrics.RecordMutation(string(events.TypeRemoveVisitor), err == nil, e.clock.Since(start))
	return result, err
}

// LoadAttendance reloads the room from storage, broadcasts whatever changed
// and returns the fresh snapshot.
func (e *Engine) LoadAttendance(ctx context.Context, m Member, key models.RoomKey) (models.RoomSnapshot, error) {
	var snap models.RoomSnapshot
	err := e.withMemberRoom(m, key, func(room *Room) error {
		if err := e.resyncLocked(ctx, room); err != nil {
			return err
		}
		snap = e.snapshotLocked(room)
		return nil
	})
	return snap, err
}

// ResyncRoom reloads an active room from storage. Inactive rooms are left
// alone; they are loaded fresh on the next join.
func (e *Engine) ResyncRoom(ctx context.Context, tenantID string, key models.RoomKey) error {
	room := e.registry.get(roomID{tenantID: tenantID, key: key})
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer e.unlock(room)
	if room.closed || room.state == nil {
		return nil
	}
	return e.resyncLocked(ctx, room)
}

// ResyncAll reloads every active room from storage.
func (e *Engine) ResyncAll(ctx context.Context) error {
	var errs []error
	for _, room := range e.registry.list("") {
		if err := e.ResyncRoom(ctx, room.id.tenantID, room.id.key); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", room.id.key, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) resyncLocked(ctx context.Context, room *Room) error {
	snap, err := e.store.LoadRoom(ctx, room.id.tenantID, room.id.key)
	if err != nil {
		return fmt.Errorf("reload room %s: %w", room.id.key, err)
	}
	room.observe(latestUpdate(snap))
	diff := room.state.Replace(snap)
	if diff.Empty() {
		return nil
	}

	log.Info().
		Str("room_key", room.id.key.String()).
		Bool("contributions", diff.Contributions).
		Int("marks", len(diff.Marks)).
		Bool("visitors", diff.Visitors).
		Msg("room resynced from storage")

	if diff.Contributions {
		latest := latestContribution(room.state.Contributions())
		e.broadcastPayload(room, events.TypeHeadcountChanged, headcountPayload(room, latest, events.Origin{}), latest.UpdatedAt)
	}
	if len(diff.Marks) > 0 {
		latest := latestMark(diff.Marks)
		e.broadcastPayload(room, events.TypeAttendanceChanged, &events.AttendanceChangedPayload{
			RoomKey:   room.id.key,
			Marks:     diff.Marks,
			UpdatedAt: latest.UpdatedAt,
			UpdatedBy: latest.UpdatedBy,
		}, latest.UpdatedAt)
	}
	if diff.Visitors {
		e.broadcastPayload(room, events.TypeVisitorChanged, visitorPayload(room, "", events.Origin{}), room.state.VisitorsUpdatedAt())
	}
	return nil
}

// ApplyRemote merges a broadcast accepted by another gateway instance into
// the local room, last writer wins by server timestamp, and rebroadcasts
// what was adopted. Inactive rooms are ignored.
func (e *Engine) ApplyRemote(tenantID string, msg *events.Message) error {
	key, ok := events.RoomKeyOf(msg)
	if !ok {
		return nil
	}
	room := e.registry.get(roomID{tenantID: tenantID, key: key})
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer e.unlock(room)
	if room.closed || room.state == nil {
		return nil
	}

	payload, err := events.ParseEventPayload(msg)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case events.HeadcountChangedPayload:
		if !room.state.MergeContributions(p.Contributions) {
			return nil
		}
		room.observe(p.UpdatedAt)
		out := headcountPayload(room, models.Contribution{UserID: p.TargetUserID, UpdatedAt: p.UpdatedAt, UpdatedBy: p.UpdatedBy}, p.Origin)
		e.deliver(room, events.TypeHeadcountChanged, out, p.UpdatedAt)
	case events.AttendanceChangedPayload:
		adopted := room.state.MergeMarks(p.Marks)
		if len(adopted) == 0 {
			return nil
		}
		room.observe(p.UpdatedAt)
		p.Marks = adopted
		e.deliver(room, events.TypeAttendanceChanged, &p, p.UpdatedAt)
	case events.VisitorChangedPayload:
		if !room.state.MergeVisitors(p.Visitors, p.UpdatedAt) {
			return nil
		}
		room.observe(p.UpdatedAt)
		e.deliver(room, events.TypeVisitorChanged, &p, p.UpdatedAt)
	}
	return nil
}

// Snapshot returns the current state of a room. Active rooms are read under
// their critical section; inactive ones are read from storage.
func (e *Engine) Snapshot(ctx context.Context, tenantID string, key models.RoomKey) (models.RoomSnapshot, error) {
	if err := key.Validate(); err != nil {
		return models.RoomSnapshot{}, err
	}
	if room := e.registry.get(roomID{tenantID: tenantID, key: key}); room != nil {
		room.mu.Lock()
		if !room.closed && room.state != nil {
			snap := e.snapshotLocked(room)
			room.mu.Unlock()
			return snap, nil
		}
		room.mu.Unlock()
	}
	snap, err := e.store.LoadRoom(ctx, tenantID, key)
	if err != nil {
		return models.RoomSnapshot{}, err
	}
	snap.ServerTime = e.clock.Now().UTC()
	return snap, nil
}

// RoomInfo summarizes an active room.
type RoomInfo struct {
	RoomKey models.RoomKey  `json:"roomKey"`
	Viewers []models.Viewer `json:"viewers"`
}

// ActiveRooms lists the rooms of a tenant that currently have viewers.
func (e *Engine) ActiveRooms(tenantID string) []RoomInfo {
	var out []RoomInfo
	for _, room := range e.registry.list(tenantID) {
		room.mu.Lock()
		if !room.closed && len(room.members) > 0 {
			out = append(out, RoomInfo{RoomKey: room.id.key, Viewers: room.viewers()})
		}
		room.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b RoomInfo) int {
		return cmp.Or(
			strings.Compare(a.RoomKey.Date, b.RoomKey.Date),
			cmp.Compare(a.RoomKey.GatheringID, b.RoomKey.GatheringID),
		)
	})
	return out
}

// Stats reports registry size.
func (e *Engine) Stats() map[string]interface{} {
	rooms := e.registry.list("")
	members := 0
	for _, room := range rooms {
		room.mu.Lock()
		members += len(room.members)
		room.mu.Unlock()
	}
	return map[string]interface{}{
		"active_rooms":  len(rooms),
		"room_members":  members,
		"relay_enabled": e.publisher != nil,
	}
}

func (e *Engine) snapshotLocked(room *Room) models.RoomSnapshot {
	snap := room.state.Snapshot()
	snap.Viewers = room.viewers()
	snap.ServerTime = room.lastStamp
	if now := e.clock.Now().UTC(); now.After(snap.ServerTime) {
		snap.ServerTime = now
	}
	return snap
}

// broadcastPayload delivers a locally accepted change and queues it for the
// relay.
func (e *Engine) broadcastPayload(room *Room, t events.MessageType, payload any, at time.Time) {
	msg := e.deliver(room, t, payload, at)
	if msg == nil || e.publishCh == nil {
		return
	}
	select {
	case e.publishCh <- publication{tenantID: room.id.tenantID, msg: msg}:
	default:
		e.metrics.RecordPublishDropped()
		log.Warn().Str("room_key", room.id.key.String()).Msg("publish channel full, dropping relay message")
	}
}

func (e *Engine) deliver(room *Room, t events.MessageType, payload any, at time.Time) *events.Message {
	msg, err := events.NewBroadcast(t, payload, at)
	if err != nil {
		log.Error().Err(err).Msg("failed to build broadcast")
		return nil
	}
	e.broadcastLocked(room, msg)
	return msg
}

func (e *Engine) broadcastLocked(room *Room, msg *events.Message) {
	if msg == nil {
		return
	}
	n := room.broadcastLocked(msg)
	e.metrics.RecordBroadcast(string(msg.Type), n)
}

func headcountPayload(room *Room, c models.Contribution, origin events.Origin) *events.HeadcountChangedPayload {
	return &events.HeadcountChangedPayload{
		RoomKey:       room.id.key,
		Total:         room.state.Total(),
		Contributions: room.state.Contributions(),
		TargetUserID:  c.UserID,
		UpdatedAt:     c.UpdatedAt,
		UpdatedBy:     c.UpdatedBy,
		Origin:        origin,
	}
}

func visitorPayload(room *Room, by string, origin events.Origin) *events.VisitorChangedPayload {
	return &events.VisitorChangedPayload{
		RoomKey:   room.id.key,
		Visitors:  room.state.Visitors(),
		UpdatedAt: room.state.VisitorsUpdatedAt(),
		UpdatedBy: by,
		Origin:    origin,
	}
}

func currentMarks(room *Room, requested []models.AttendanceMark) []models.AttendanceMark {
	snap := room.state.Snapshot()
	out := make([]models.AttendanceMark, 0, len(requested))
	for _, r := range requested {
		if m, ok := snap.Mark(r.IndividualID); ok && !slices.ContainsFunc(out, func(x models.AttendanceMark) bool { return x.IndividualID == m.IndividualID }) {
			out = append(out, m)
		}
	}
	return out
}

func latestContribution(cs []models.Contribution) models.Contribution {
	var latest models.Contribution
	for _, c := range cs {
		if c.UpdatedAt.After(latest.UpdatedAt) {
			latest = c
		}
	}
	return latest
}

func latestMark(ms []models.AttendanceMark) models.AttendanceMark {
	var latest models.AttendanceMark
	for _, m := range ms {
		if m.UpdatedAt.After(latest.UpdatedAt) {
			latest = m
		}
	}
	return latest
}

func latestUpdate(snap models.RoomSnapshot) time.Time {
	latest := snap.VisitorsUpdatedAt
	if c := latestContribution(snap.Contributions); c.UpdatedAt.After(latest) {
		latest = c.UpdatedAt
	}
	if m := latestMark(snap.Marks); m.UpdatedAt.After(latest) {
		latest = m.UpdatedAt
	}
	return latest
}
