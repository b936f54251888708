// Package reconciler applies local edits optimistically and converges them
// on the authoritative state the gateway broadcasts.
package reconciler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/clients/offline"
	"github.com/mcdev12/rollcall/go/clients/session"
	"github.com/mcdev12/rollcall/go/internal/attendance/aggregate"
	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/models"
)

var ErrRoomNotOpen = errors.New("room not open")

// Transport is the part of *session.Session the reconciler uses.
type Transport interface {
	ID() string
	Status() session.Status
	WatchStatus(ctx context.Context) *session.StatusWatch
	Subscribe(ctx context.Context, key models.RoomKey) *session.Subscription
	Join(ctx context.Context, key models.RoomKey) (models.RoomSnapshot, error)
	Leave(ctx context.Context, key models.RoomKey) error
	Send(ctx context.Context, msg *events.Message) (*events.Message, error)
}

// ValueState is how a displayed value relates to the authoritative one.
type ValueState string

const (
	StateConfirmed ValueState = "confirmed"
	// StatePending values are optimistic and wait for the server.
	StatePending ValueState = "pending"
	// StateReverted values were rolled back after a failed request.
	StateReverted ValueState = "reverted"
)

type Config struct {
	Transport      Transport
	Queue          offline.Queue
	Gate           *AuthGate // nil when authentication is already complete
	Clock          clockwork.Clock
	UserID         string
	TenantID       string
	RequestTimeout time.Duration
}

// View is the display state of one room.
type View struct {
	RoomKey models.RoomKey
	Kind    models.GatheringKind
	// Loaded is false until an authoritative snapshot has been received.
	Loaded        bool
	Headcount     aggregate.HeadcountDisplay
	Contributions []models.Contribution
	Marks         []models.AttendanceMark
	Visitors      []models.Visitor
	OtherViewers  []models.Viewer
	States        map[offline.Target]ValueState
}

// State returns the state of target, confirmed when nothing is recorded.
func (v View) State(target offline.Target) ValueState {
	if s, ok := v.States[target]; ok {
		return s
	}
	return StateConfirmed
}

type room struct {
	key      models.RoomKey
	auth     *aggregate.Room // nil until joined
	viewers  []models.Viewer
	counts   map[string]int // optimistic contribution counts by user
	marks    map[int64]bool // optimistic marks by individual
	states   map[offline.Target]ValueState
	inflight map[offline.Target]string // request id of the latest send
	loadedAt time.Time                 // server time of the last snapshot
	stop     context.CancelFunc
}

func newRoom(key models.RoomKey, stop context.CancelFunc) *room {
	return &room{
		key:      key,
		counts:   make(map[string]int),
		marks:    make(map[int64]bool),
		states:   make(map[offline.Target]ValueState),
		inflight: make(map[offline.Target]string),
		stop:     stop,
	}
}

// Reconciler owns the client-side state of the rooms a session has open.
// Queue access happens under mu, so a broadcast can never remove an edit
// that was queued after it arrived.
type Reconciler struct {
	cfg       Config
	transport Transport
	queue     offline.Queue
	clock     clockwork.Clock
	owner     string

	mu    sync.Mutex
	rooms map[models.RoomKey]*room

	changes chan models.RoomKey
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Queue == nil {
		cfg.Queue = offline.NewMemoryQueue()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		cfg:       cfg,
		transport: cfg.Transport,
		queue:     cfg.Queue,
		clock:     cfg.Clock,
		owner:     offline.Owner(cfg.TenantID, cfg.UserID),
		rooms:     make(map[models.RoomKey]*room),
		changes:   make(chan models.RoomKey, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
	w := r.transport.WatchStatus(ctx)
	r.wg.Add(1)
	go r.watchStatus(w, r.transport.Status().State)
	return r
}

// Changes reports the rooms whose view changed. Notifications are dropped
// when the reader falls behind.
func (r *Reconciler) Changes() <-chan models.RoomKey { return r.changes }

func (r *Reconciler) notify(key models.RoomKey) {
	select {
	case r.changes <- key:
	default:
	}
}

// Close stops all room subscriptions. The queue is left open.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

// Open starts tracking a room. The load waits for the auth gate; when the
// session is connected the room is joined and queued changes are replayed,
// otherwise the view is built from queued changes alone until it connects.
func (r *Reconciler) Open(ctx context.Context, key models.RoomKey) (View, error) {
	if err := key.Validate(); err != nil {
		return View{}, err
	}
	if err := r.cfg.Gate.Wait(ctx); err != nil {
		return View{}, fmt.Errorf("waiting for authentication: %w", err)
	}

	r.mu.Lock()
	if _, ok := r.rooms[key]; !ok {
		subCtx, stop := context.WithCancel(r.ctx)
		rm := newRoom(key, stop)
		r.rooms[key] = rm
		r.subscribe(subCtx, rm)
		r.restorePendingLocked(rm)
	}
	r.mu.Unlock()

	if r.transport.Status().State == session.StateConnected {
		if err := r.sync(ctx, key); err != nil {
			return r.view(key), err
		}
	}
	return r.view(key), nil
}

// Leave stops tracking a room. Its queued changes stay in the queue.
func (r *Reconciler) Leave(ctx context.Context, key models.RoomKey) error {
	r.mu.Lock()
	rm, ok := r.rooms[key]
	if ok {
		delete(r.rooms, key)
		rm.stop()
	}
	r.mu.Unlock()
	if !ok {
		return ErrRoomNotOpen
	}
	if r.transport.Status().State != session.StateConnected {
		return nil
	}
	return r.transport.Leave(ctx, key)
}

// View returns the display state of an open room.
func (r *Reconciler) View(key models.RoomKey) (View, bool) {
	r.mu.Lock()
	_, ok := r.rooms[key]
	r.mu.Unlock()
	if !ok {
		return View{}, false
	}
	return r.view(key), true
}

func (r *Reconciler) view(key models.RoomKey) View {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[key]
	if !ok {
		return View{RoomKey: key}
	}

	v := View{RoomKey: key, Loaded: rm.auth != nil, States: maps.Clone(rm.states)}
	var contributions []models.Contribution
	var marks []models.AttendanceMark
	if rm.auth != nil {
		v.Kind = rm.auth.Kind()
		contributions = rm.auth.Contributions()
		marks = rm.auth.Marks()
		v.Visitors = rm.auth.Visitors()
	}

	for userID, count := range rm.counts {
		i := slices.IndexFunc(contributions, func(c models.Contribution) bool { return c.UserID == userID })
		if i < 0 {
			contributions = append(contributions, models.Contribution{UserID: userID, Count: count})
			continue
		}
		contributions[i].Count = count
	}
	slices.SortFunc(contributions, func(a, b models.Contribution) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	for id, present := range rm.marks {
		i := slices.IndexFunc(marks, func(m models.AttendanceMark) bool { return m.IndividualID == id })
		if i < 0 {
			marks = append(marks, models.AttendanceMark{IndividualID: id, Present: present})
			continue
		}
		marks[i].Present = present
	}
	slices.SortFunc(marks, func(a, b models.AttendanceMark) int {
		return cmp.Compare(a.IndividualID, b.IndividualID)
	})

	v.Contributions = contributions
	v.Marks = marks
	v.Headcount = aggregate.Present(contributions, r.cfg.UserID)
	for _, viewer := range rm.viewers {
		if viewer.SessionID != r.transport.ID() {
			v.OtherViewers = append(v.OtherViewers, viewer)
		}
	}
	return v
}

// SetHeadcount sets a contribution, the caller's own when targetUserID is
// empty. The new value is shown immediately. When the session is not
// connected the change is queued and nil is returned; a rejected or timed
// out request reverts the value and returns the error.
func (r *Reconciler) SetHeadcount(ctx context.Context, key models.RoomKey, targetUserID string, count int) error {
	if count < 0 {
		return events.NewError(events.CodeValidation, "count must be zero or greater")
	}
	if targetUserID == "" {
		targetUserID = r.cfg.UserID
	}
	target := offline.ContributionTarget(key, targetUserID)

	r.mu.Lock()
	rm, ok := r.rooms[key]
	if !ok {
		r.mu.Unlock()
		return ErrRoomNotOpen
	}
	var base time.Time
	if rm.auth != nil {
		base = rm.loadedAt
		snap := rm.auth.Snapshot()
		if c, ok := snap.Contribution(targetUserID); ok {
			base = c.UpdatedAt
		}
	}
	pc, err := r.queue.Enqueue(ctx, offline.PendingChange{
		Owner:         r.owner,
		Target:        target,
		Count:         count,
		BaseUpdatedAt: base,
		QueuedAt:      r.clock.Now(),
	})
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to queue headcount: %w", err)
	}
	rm.counts[targetUserID] = count
	rm.states[target] = StatePending
	delete(rm.inflight, target)
	r.mu.Unlock()
	r.notify(key)

	return r.send(ctx, pc)
}

// SetMarks records attendance for individuals in a standard room, with the
// same optimistic behaviour as SetHeadcount. Each mark is its own pending
// change.
func (r *Reconciler) SetMarks(ctx context.Context, key models.RoomKey, marks []events.MarkInput) error {
	if len(marks) == 0 {
		return events.NewError(events.CodeValidation, "no marks given")
	}

	r.mu.Lock()
	rm, ok := r.rooms[key]
	if !ok {
		r.mu.Unlock()
		return ErrRoomNotOpen
	}
	var snap models.RoomSnapshot
	if rm.auth != nil {
		snap = rm.auth.Snapshot()
	}
	queued := make([]offline.PendingChange, 0, len(marks))
	for _, in := range marks {
		var base time.Time
		if rm.auth != nil {
			base = rm.loadedAt
		}
		if m, ok := snap.Mark(in.IndividualID); ok {
			base = m.UpdatedAt
		}
		target := offline.MarkTarget(key, in.IndividualID)
		pc, err := r.queue.Enqueue(ctx, offline.PendingChange{
			Owner:         r.owner,
			Target:        target,
			Present:       in.Present,
			BaseUpdatedAt: base,
			QueuedAt:      r.clock.Now(),
		})
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to queue mark: %w", err)
		}
		rm.marks[in.IndividualID] = in.Present
		rm.states[target] = StatePending
		delete(rm.inflight, target)
		queued = append(queued, pc)
	}
	r.mu.Unlock()
	r.notify(key)

	var errs []error
	for _, pc := range queued {
		if err := r.send(ctx, pc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func requestFor(pc offline.PendingChange) (events.MessageType, any, error) {
	switch pc.Target.Kind {
	case offline.KindHeadcount:
		return events.TypeUpdateHeadcount, events.UpdateHeadcountRequest{
			RoomKey:      pc.Target.RoomKey,
			Count:        pc.Count,
			TargetUserID: pc.Target.Subject,
		}, nil
	case offline.KindMark:
		id, err := pc.Target.IndividualID()
		if err != nil {
			return "", nil, err
		}
		return events.TypeRecordAttendance, events.RecordAttendanceRequest{
			RoomKey: pc.Target.RoomKey,
			Marks:   []events.MarkInput{{IndividualID: id, Present: pc.Present}},
		}, nil
	default:
		return "", nil, fmt.Errorf("unknown pending change kind %q", pc.Target.Kind)
	}
}

// send carries a queued change to the server and waits for its ack.
func (r *Reconciler) send(ctx context.Context, pc offline.PendingChange) error {
	if r.transport.Status().State != session.StateConnected {
		log.Debug().Str("target", pc.Target.String()).Msg("session not connected, change queued")
		return nil
	}

	t, payload, err := requestFor(pc)
	if err != nil {
		return err
	}
	msg, err := events.NewRequest(t, payload, r.clock.Now())
	if err != nil {
		return err
	}

	r.mu.Lock()
	rm, ok := r.rooms[pc.Target.RoomKey]
	if !ok {
		r.mu.Unlock()
		return ErrRoomNotOpen
	}
	if err := r.queue.MarkSent(ctx, r.owner, pc.Target, msg.ID); err != nil {
		r.mu.Unlock()
		if errors.Is(err, offline.ErrNotQueued) {
			// Settled by a broadcast in the meantime.
			return nil
		}
		return err
	}
	rm.inflight[pc.Target] = msg.ID
	r.mu.Unlock()

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := r.clock.AfterFunc(r.cfg.RequestTimeout, func() { cancel(session.ErrRequestTimeout) })
	defer timer.Stop()

	ack, err := r.transport.Send(reqCtx, msg)
	if err == nil {
		r.confirm(pc.Target, msg.ID, ack)
		return nil
	}

	if transient(err) {
		r.mu.Lock()
		if rm.inflight[pc.Target] == msg.ID {
			delete(rm.inflight, pc.Target)
		}
		r.mu.Unlock()
		log.Info().Err(err).Str("target", pc.Target.String()).Msg("connection dropped, change stays queued")
		return nil
	}
	if errors.Is(context.Cause(reqCtx), session.ErrRequestTimeout) {
		err = session.ErrRequestTimeout
	}
	r.revert(pc.Target, msg.ID)
	return err
}

// transient reports whether err left the request undelivered or unanswered
// because the connection went away. Those changes are replayed after the
// room is rejoined.
func transient(err error) bool {
	return errors.Is(err, session.ErrNotConnected) ||
		errors.Is(err, session.ErrNetworkOffline) ||
		errors.Is(err, session.ErrConnectionLost)
}

func (r *Reconciler) confirm(target offline.Target, requestID string, ack *events.Message) {
	var payload any
	var err error
	switch target.Kind {
	case offline.KindHeadcount:
		var p events.HeadcountChangedPayload
		err = ack.Decode(&p)
		p.Origin = events.Origin{SessionID: r.transport.ID(), RequestID: requestID}
		payload = p
	case offline.KindMark:
		var p events.AttendanceChangedPayload
		err = ack.Decode(&p)
		p.Origin = events.Origin{SessionID: r.transport.ID(), RequestID: requestID}
		payload = p
	}
	if err != nil {
		log.Warn().Err(err).Str("target", target.String()).Msg("failed to decode ack")
		return
	}
	r.apply(target.RoomKey, payload)
}

// revert restores the last confirmed value unless a newer edit of the same
// target has been made since.
func (r *Reconciler) revert(target offline.Target, requestID string) {
	r.mu.Lock()
	rm, ok := r.rooms[target.RoomKey]
	if !ok || rm.inflight[target] != requestID {
		r.mu.Unlock()
		return
	}
	r.clearLocked(rm, target)
	rm.states[target] = StateReverted
	r.mu.Unlock()

	log.Info().Str("target", target.String()).Str("request_id", requestID).Msg("optimistic change reverted")
	r.notify(target.RoomKey)
}

// clearLocked drops the optimistic value and queued change for target.
func (r *Reconciler) clearLocked(rm *room, target offline.Target) {
	switch target.Kind {
	case offline.KindHeadcount:
		delete(rm.counts, target.Subject)
	case offline.KindMark:
		if id, err := target.IndividualID(); err == nil {
			delete(rm.marks, id)
		}
	}
	delete(rm.inflight, target)
	delete(rm.states, target)
	if err := r.queue.Remove(r.ctx, r.owner, target); err != nil {
		log.Error().Err(err).Str("target", target.String()).Msg("failed to remove pending change")
	}
}

// settleLocked reconciles target with an authoritative update. The queued
// change is dropped, whatever value arrived, unless the update is the echo
// of an older request of this session and a newer one is still in flight.
func (r *Reconciler) settleLocked(rm *room, target offline.Target, origin events.Origin) {
	state, tracked := rm.states[target]
	if !tracked {
		return
	}
	if state == StatePending {
		latest, inflight := rm.inflight[target]
		if inflight && origin.SessionID == r.transport.ID() && origin.RequestID != latest {
			return
		}
	}
	r.clearLocked(rm, target)
}

// apply merges an authoritative payload into the room.
func (r *Reconciler) apply(key models.RoomKey, payload any) {
	r.mu.Lock()
	rm, ok := r.rooms[key]
	if !ok || rm.auth == nil {
		r.mu.Unlock()
		return
	}
	switch p := payload.(type) {
	case events.HeadcountChangedPayload:
		rm.auth.MergeContributions(p.Contributions)
		target := p.TargetUserID
		if target == "" {
			target = p.UpdatedBy
		}
		r.settleLocked(rm, offline.ContributionTarget(key, target), p.Origin)
	case events.AttendanceChangedPayload:
		rm.auth.MergeMarks(p.Marks)
		for _, m := range p.Marks {
			r.settleLocked(rm, offline.MarkTarget(key, m.IndividualID), p.Origin)
		}
	case events.VisitorChangedPayload:
		rm.auth.MergeVisitors(p.Visitors, p.UpdatedAt)
	case events.ViewersChangedPayload:
		rm.viewers = p.Viewers
	}
	r.mu.Unlock()
	r.notify(key)
}

func (r *Reconciler) subscribe(ctx context.Context, rm *room) {
	sub := r.transport.Subscribe(ctx, rm.key)
	r.wg.Add(1)
	go r.consume(ctx, rm.key, sub)
}

func (r *Reconciler) consume(ctx context.Context, key models.RoomKey, sub *session.Subscription) {
	defer r.wg.Done()
	for msg := range sub.C {
		payload, err := events.ParseEventPayload(msg)
		if err != nil {
			log.Warn().Err(err).Str("type", string(msg.Type)).Msg("dropping malformed broadcast")
			continue
		}
		r.apply(key, payload)
	}

	if !errors.Is(sub.Err(), session.ErrSubscriptionLagged) || ctx.Err() != nil {
		return
	}
	log.Warn().Str("room", key.String()).Msg("broadcasts lagged, reloading room")
	r.mu.Lock()
	rm, ok := r.rooms[key]
	if ok {
		r.subscribe(ctx, rm)
	}
	r.mu.Unlock()
	if ok {
		if err := r.sync(ctx, key); err != nil {
			log.Warn().Err(err).Str("room", key.String()).Msg("reload after lag failed")
		}
	}
}

// watchStatus rejoins every open room when the session (re)connects.
func (r *Reconciler) watchStatus(w *session.StatusWatch, prev session.State) {
	defer r.wg.Done()
	for st := range w.C {
		if st.State == session.StateConnected && prev != session.StateConnected {
			r.mu.Lock()
			keys := slices.Collect(maps.Keys(r.rooms))
			r.mu.Unlock()
			for _, key := range keys {
				if err := r.sync(r.ctx, key); err != nil {
					log.Warn().Err(err).Str("room", key.String()).Msg("rejoin failed")
				}
			}
		}
		prev = st.State
	}
}

// sync joins a room, adopts its snapshot and replays the queued changes
// that are still meaningful.
func (r *Reconciler) sync(ctx context.Context, key models.RoomKey) error {
	snap, err := r.transport.Join(ctx, key)
	if err != nil {
		return fmt.Errorf("join %s: %w", key, err)
	}

	r.mu.Lock()
	rm, ok := r.rooms[key]
	if !ok {
		r.mu.Unlock()
		return ErrRoomNotOpen
	}
	if rm.auth == nil {
		rm.auth = aggregate.New(snap)
	} else {
		rm.auth.Replace(snap)
	}
	rm.viewers = snap.Viewers
	if snap.ServerTime.After(rm.loadedAt) {
		rm.loadedAt = snap.ServerTime
	}

	pending, err := r.queue.List(ctx, r.owner, key)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("list pending changes: %w", err)
	}
	var replay []offline.PendingChange
	for _, pc := range pending {
		if _, busy := rm.inflight[pc.Target]; busy {
			continue
		}
		switch classify(snap, pc) {
		case replayApplied:
			r.clearLocked(rm, pc.Target)
			continue
		case replaySuperseded:
			log.Info().Str("target", pc.Target.String()).Msg("pending change superseded by a newer edit")
			r.clearLocked(rm, pc.Target)
			rm.states[pc.Target] = StateReverted
			continue
		}
		replay = append(replay, pc)
	}
	r.mu.Unlock()
	r.notify(key)

	for _, pc := range replay {
		log.Debug().Str("target", pc.Target.String()).Int("attempts", pc.Attempts).Msg("replaying pending change")
		if err := r.send(ctx, pc); err != nil {
			log.Warn().Err(err).Str("target", pc.Target.String()).Msg("replayed change rejected")
		}
	}
	return nil
}

type replayDecision int

const (
	replayChange replayDecision = iota
	// replayApplied: the server already holds the intended value.
	replayApplied
	// replaySuperseded: someone changed the target after the edit was based
	// on it. The local edit is dropped and shown as reverted.
	replaySuperseded
)

// classify decides whether a queued change is replayed. A change with no
// base was made before any authoritative value was known, so there is no
// newer edit to protect and it is replayed unless already applied.
func classify(snap models.RoomSnapshot, pc offline.PendingChange) replayDecision {
	var (
		updatedAt time.Time
		applied   bool
	)
	switch pc.Target.Kind {
	case offline.KindHeadcount:
		c, ok := snap.Contribution(pc.Target.Subject)
		if !ok {
			return replayChange
		}
		updatedAt, applied = c.UpdatedAt, c.Count == pc.Count
	case offline.KindMark:
		id, err := pc.Target.IndividualID()
		if err != nil {
			return replayApplied
		}
		m, ok := snap.Mark(id)
		if !ok {
			return replayChange
		}
		updatedAt, applied = m.UpdatedAt, m.Present == pc.Present
	default:
		return replayApplied
	}

	switch {
	case applied:
		return replayApplied
	case !pc.BaseUpdatedAt.IsZero() && updatedAt.After(pc.BaseUpdatedAt):
		return replaySuperseded
	default:
		return replayChange
	}
}

// restorePendingLocked shows queued changes from an earlier run as pending.
func (r *Reconciler) restorePendingLocked(rm *room) {
	pending, err := r.queue.List(r.ctx, r.owner, rm.key)
	if err != nil {
		log.Error().Err(err).Str("room", rm.key.String()).Msg("failed to load pending changes")
		return
	}
	for _, pc := range pending {
		switch pc.Target.Kind {
		case offline.KindHeadcount:
			rm.counts[pc.Target.Subject] = pc.Count
		case offline.KindMark:
			id, err := pc.Target.IndividualID()
			if err != nil {
				continue
			}
			rm.marks[id] = pc.Present
		}
		rm.states[pc.Target] = StatePending
	}
}
