// Package session implements the client side of a transport session: the
// connection lifecycle state machine, request/ack correlation and the typed
// broadcast subscriptions used by the reconciler.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// Identity is the authenticated identity a session connects with.
type Identity struct {
	UserID   string
	TenantID string
	Role     models.Role
	Token    string
}

// IdentityProvider is the external auth collaborator.
type IdentityProvider interface {
	// Identity returns the current identity. TenantID may be empty when the
	// identity is stale.
	Identity(ctx context.Context) (Identity, error)
	// Refresh asks the auth collaborator for a fresh identity.
	Refresh(ctx context.Context) (Identity, error)
}

type Config struct {
	Clock          clockwork.Clock
	Dialer         Dialer
	Identity       IdentityProvider
	SessionID      string        // stable per tab; generated when empty
	Debounce       time.Duration // minimum spacing of Connect calls
	Backoff        BackoffConfig
	OfflineTimeout time.Duration // never-connected sessions go offline after this
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	Rand           func() float64 // backoff jitter source; nil uses math/rand
}

func DefaultConfig() Config {
	return Config{
		Debounce:       time.Second,
		Backoff:        DefaultBackoffConfig(),
		OfflineTimeout: 35 * time.Second,
		RequestTimeout: 10 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

type requestResult struct {
	ack *events.Message
	err error
}

type pendingRequest struct {
	reply chan requestResult
	timer clockwork.Timer
}

// Session is one client tab's connection to the gateway. All state is owned
// by a single loop goroutine; public methods post work to it.
type Session struct {
	cfg    Config
	clock  clockwork.Clock
	id     string
	broker *Broker

	ops    chan func()
	done   chan struct{}
	ctx    context.Context // cancelled on Close
	cancel context.CancelFunc

	// Loop-owned state.
	state           State
	networkOnline   bool
	offlineMode     bool
	everConnected   bool
	resolving       bool
	identityRetried bool
	lastAttempt     time.Time
	lastErr         error
	backoff         *Backoff
	identity        Identity
	gen             uint64 // invalidates results of superseded attempts
	conn            Conn
	pending         map[string]*pendingRequest
	offlineTimer    clockwork.Timer
	retryTimer      clockwork.Timer
	viewers         map[models.RoomKey][]models.Viewer
}

// New creates a session in the disconnected state. It does not connect.
func New(cfg Config) *Session {
	defaults := DefaultConfig()
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaults.Debounce
	}
	if cfg.Backoff.Attempts <= 0 {
		cfg.Backoff = defaults.Backoff
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = defaults.OfflineTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:           cfg,
		clock:         cfg.Clock,
		id:            cfg.SessionID,
		broker:        NewBroker(0),
		ops:           make(chan func()),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		state:         StateDisconnected,
		networkOnline: true,
		backoff:       NewBackoff(cfg.Backoff, cfg.Rand),
		pending:       make(map[string]*pendingRequest),
		viewers:       make(map[models.RoomKey][]models.Viewer),
	}
	go s.run()
	return s
}

// ID returns the stable session id.
func (s *Session) ID() string { return s.id }

func (s *Session) run() {
	defer close(s.done)
	for op := range s.ops {
		op()
		if s.state == StateClosed {
			return
		}
	}
}

// post runs op on the loop. It returns false once the session is closed.
func (s *Session) post(op func()) bool {
	select {
	case s.ops <- op:
		return true
	case <-s.done:
		return false
	}
}

// Connect starts connecting. It returns once an identity has been resolved
// and the first attempt is under way; progress is reported through
// WatchStatus. Calls within the debounce interval of the previous attempt
// fail with ErrDebounced. An offline session only reconnects through Retry
// or the device network coming back; Connect then fails with ErrOfflineMode.
func (s *Session) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.post(func() { s.handleConnect(reply) }) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry clears all backoff state and reconnects immediately, unless the
// device network is offline.
func (s *Session) Retry() {
	s.post(func() {
		log.Debug().Str("session_id", s.id).Msg("manual retry")
		s.resetCycle()
		if !s.networkOnline {
			s.enterOffline(ErrNetworkOffline)
			return
		}
		s.dropConnection(ErrConnectionLost)
		s.lastAttempt = s.clock.Now()
		s.beginAttempt(nil)
	})
}

// SetNetworkOnline reports the device network state.
func (s *Session) SetNetworkOnline(online bool) {
	s.post(func() {
		if online == s.networkOnline {
			return
		}
		s.networkOnline = online
		log.Debug().Str("session_id", s.id).Bool("online", online).Msg("device network changed")
		if !online {
			s.enterOffline(ErrNetworkOffline)
			return
		}
		if s.state == StateOffline {
			s.resetCycle()
			s.lastAttempt = s.clock.Now()
			s.beginAttempt(nil)
			return
		}
		s.publishStatus()
	})
}

// Close tears the session down. Subscriptions end and pending requests fail
// with ErrClosed.
func (s *Session) Close() {
	s.post(func() {
		s.stopTimers()
		s.dropConnection(ErrClosed)
		s.setState(StateClosed)
		s.cancel()
		s.broker.Close()
	})
	<-s.done
}

// Status returns the current status.
func (s *Session) Status() Status {
	reply := make(chan Status, 1)
	if !s.post(func() { reply <- s.status() }) {
		return Status{State: StateClosed, SessionID: s.id}
	}
	return <-reply
}

// WatchStatus streams status changes until ctx is done or the session
// closes. The current status is delivered first.
func (s *Session) WatchStatus(ctx context.Context) *StatusWatch {
	reply := make(chan *StatusWatch, 1)
	if !s.post(func() { reply <- s.broker.WatchStatus(ctx, s.status()) }) {
		return s.broker.WatchStatus(ctx, Status{State: StateClosed, SessionID: s.id})
	}
	return <-reply
}

// Subscribe streams the broadcasts of a room until ctx is done or the
// session closes.
func (s *Session) Subscribe(ctx context.Context, key models.RoomKey) *Subscription {
	return s.broker.Subscribe(ctx, key)
}

// OtherViewers lists the sessions viewing key other than this one.
func (s *Session) OtherViewers(key models.RoomKey) []models.Viewer {
	reply := make(chan []models.Viewer, 1)
	if !s.post(func() {
		var out []models.Viewer
		for _, v := range s.viewers[key] {
			if v.SessionID != s.id {
				out = append(out, v)
			}
		}
		reply <- out
	}) {
		return nil
	}
	return <-reply
}

// Request sends a request and waits for its ack. A rejected request
// returns the server's *events.Error. Requests fail with ErrRequestTimeout
// when no ack arrives within the request timeout.
func (s *Session) Request(ctx context.Context, t events.MessageType, payload any) (*events.Message, error) {
	msg, err := events.NewRequest(t, payload, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, msg)
}

// Send is Request for a prepared message, for callers that need the
// request id before the ack arrives.
func (s *Session) Send(ctx context.Context, msg *events.Message) (*events.Message, error) {
	reply := make(chan requestResult, 1)
	if !s.post(func() { s.sendRequest(msg, reply) }) {
		return nil, ErrClosed
	}
	select {
	case r := <-reply:
		return r.ack, r.err
	case <-ctx.Done():
		s.post(func() { s.finishRequest(msg.ID, requestResult{err: ctx.Err()}) })
		return nil, ctx.Err()
	}
}

// Loop-side handlers.

func (s *Session) status() Status {
	return Status{
		State:         s.state,
		OfflineMode:   s.offlineMode,
		NetworkOnline: s.networkOnline,
		Attempt:       s.backoff.Attempt(),
		Err:           s.lastErr,
		SessionID:     s.id,
	}
}

func (s *Session) publishStatus() {
	s.broker.PublishStatus(s.status())
}

func (s *Session) setState(to State) bool {
	from := s.state
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		log.Warn().
			Str("session_id", s.id).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("ignoring illegal session transition")
		return false
	}
	s.state = to
	log.Debug().
		Str("session_id", s.id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("session state changed")
	s.publishStatus()
	return true
}

func (s *Session) handleConnect(reply chan error) {
	now := s.clock.Now()
	if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.cfg.Debounce {
		reply <- ErrDebounced
		return
	}
	if s.resolving || s.state == StateConnecting || s.state == StateConnected {
		reply <- nil
		return
	}
	if !s.networkOnline {
		s.enterOffline(ErrNetworkOffline)
		reply <- ErrNetworkOffline
		return
	}
	if s.state == StateOffline && s.offlineMode {
		reply <- ErrOfflineMode
		return
	}
	s.lastAttempt = now
	s.resetCycle()
	s.beginAttempt(reply)
}

func (s *Session) resetCycle() {
	s.backoff.Reset()
	s.identityRetried = false
	s.stopRetryTimer()
}

// beginAttempt resolves the identity off the loop, then dials.
func (s *Session) beginAttempt(reply chan error) {
	s.gen++
	gen := s.gen
	s.resolving = true
	go func() {
		id, err := s.resolveIdentity(s.ctx)
		s.post(func() { s.onIdentity(gen, id, err, reply) })
	}()
}

// resolveIdentity requires a user, and refreshes the identity first when
// the tenant is missing.
func (s *Session) resolveIdentity(ctx context.Context) (Identity, error) {
	if s.cfg.Identity == nil {
		return Identity{}, ErrNoIdentity
	}
	id, err := s.cfg.Identity.Identity(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}
	if id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	if id.TenantID == "" {
		id, err = s.cfg.Identity.Refresh(ctx)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: refresh: %w", ErrNoIdentity, err)
		}
		if id.UserID == "" || id.TenantID == "" {
			return Identity{}, fmt.Errorf("%w: refreshed identity has no tenant", ErrNoIdentity)
		}
	}
	return id, nil
}

func (s *Session) onIdentity(gen uint64, id Identity, err error, reply chan error) {
	if gen != s.gen {
		if reply != nil {
			reply <- nil
		}
		return
	}
	s.resolving = false
	if reply != nil {
		reply <- err
	}
	if err != nil {
		s.lastErr = err
		log.Warn().Err(err).Str("session_id", s.id).Msg("no identity, not connecting")
		if s.state != StateDisconnected {
			s.setState(StateError)
		}
		s.publishStatus()
		return
	}
	s.identity = id
	s.dial()
}

func (s *Session) dial() {
	s.gen++
	gen := s.gen
	s.setState(StateConnecting)
	s.armOfflineTimer()

	hs := events.Handshake{
		UserID:       s.identity.UserID,
		TenantID:     s.identity.TenantID,
		Role:         s.identity.Role,
		SessionID:    s.id,
		ConnectionID: uuid.NewString(),
	}
	token := s.identity.Token
	log.Debug().
		Str("session_id", s.id).
		Str("connection_id", hs.ConnectionID).
		Int("attempt", s.backoff.Attempt()).
		Msg("dialing gateway")

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		defer cancel()
		conn, err := s.cfg.Dialer.Dial(ctx, hs, token)
		if !s.post(func() { s.onDial(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) onDial(gen uint64, conn Conn, err error) {
	if gen != s.gen || s.state != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.onConnectError(err)
		return
	}

	s.conn = conn
	s.everConnected = true
	s.lastErr = nil
	s.backoff.Reset()
	s.identityRetried = false
	s.stopTimers()
	if s.networkOnline {
		s.offlineMode = false
	}
	s.setState(StateConnected)
	go s.readLoop(gen, conn)
}

func (s *Session) onConnectError(err error) {
	s.lastErr = err
	var ce *ConnectError
	if errors.As(err, &ce) && ce.Cause == CauseIdentity {
		if s.identityRetried {
			s.fail(fmt.Errorf("%w: %w", ErrReauthenticationRequired, err))
			return
		}
		s.identityRetried = true
		log.Info().Err(err).Str("session_id", s.id).Msg("handshake identity rejected, refreshing")
		gen := s.gen
		go func() {
			id, rerr := s.cfg.Identity.Refresh(s.ctx)
			s.post(func() { s.onRefreshed(gen, id, rerr) })
		}()
		return
	}

	log.Debug().Err(err).Str("session_id", s.id).Msg("connect attempt failed")
	s.scheduleRetry()
}

func (s *Session) onRefreshed(gen uint64, id Identity, err error) {
	if gen != s.gen {
		return
	}
	if err != nil || id.UserID == "" || id.TenantID == "" {
		s.fail(fmt.Errorf("%w: identity refresh failed: %v", ErrReauthenticationRequired, err))
		return
	}
	s.identity = id
	s.scheduleRetry()
}

// scheduleRetry waits out the next backoff delay. An exhausted cycle puts
// the session offline.
func (s *Session) scheduleRetry() {
	d, ok := s.backoff.Next()
	if !ok {
		s.enterOffline(fmt.Errorf("%w: %d attempts failed", ErrConnectionLost, s.cfg.Backoff.Attempts))
		return
	}
	s.stopRetryTimer()
	gen := s.gen
	s.retryTimer = s.clock.AfterFunc(d, func() {
		s.post(func() { s.onRetryTimer(gen) })
	})
	s.publishStatus()
}

func (s *Session) onRetryTimer(gen uint64) {
	if gen != s.gen || (s.state != StateConnecting && s.state != StateError) {
		return
	}
	s.retryTimer = nil
	s.dial()
}

func (s *Session) armOfflineTimer() {
	if s.everConnected || s.offlineTimer != nil {
		return
	}
	s.offlineTimer = s.clock.AfterFunc(s.cfg.OfflineTimeout, func() {
		s.post(s.onOfflineTimer)
	})
}

func (s *Session) onOfflineTimer() {
	if s.offlineTimer == nil || s.everConnected {
		return
	}
	s.offlineTimer = nil
	switch s.state {
	case StateConnected, StateOffline, StateClosed:
		return
	}
	log.Info().Str("session_id", s.id).Dur("timeout", s.cfg.OfflineTimeout).Msg("session never connected, going offline")
	s.enterOffline(ErrConnectionLost)
}

// enterOffline stops all connection activity. Offline is left only through
// Retry or the device network coming back.
func (s *Session) enterOffline(cause error) {
	s.gen++
	s.resolving = false
	s.stopTimers()
	s.dropConnection(cause)
	s.offlineMode = true
	s.lastErr = cause
	if s.state == StateOffline {
		s.publishStatus()
		return
	}
	s.setState(StateOffline)
}

// fail stops retrying after an unrecoverable error.
func (s *Session) fail(err error) {
	s.gen++
	s.stopTimers()
	s.dropConnection(err)
	s.lastErr = err
	log.Error().Err(err).Str("session_id", s.id).Msg("session failed")
	s.setState(StateError)
	s.publishStatus()
}

func (s *Session) stopRetryTimer() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Session) stopTimers() {
	s.stopRetryTimer()
	if s.offlineTimer != nil {
		s.offlineTimer.Stop()
		s.offlineTimer = nil
	}
}

// dropConnection closes the current connection and fails its requests.
func (s *Session) dropConnection(cause error) {
	for id := range s.pending {
		s.finishRequest(id, requestResult{err: cause})
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			s.post(func() { s.onConnLost(gen, err) })
			return
		}
		if !s.post(func() { s.onFrame(gen, msg) }) {
			return
		}
	}
}

func (s *Session) onConnLost(gen uint64, err error) {
	if gen != s.gen || s.conn == nil {
		return
	}
	log.Warn().Err(err).Str("session_id", s.id).Msg("connection lost")
	s.dropConnection(ErrConnectionLost)
	s.lastErr = fmt.Errorf("%w: %w", ErrConnectionLost, err)
	s.setState(StateError)
	s.scheduleRetry()
}

func (s *Session) onFrame(gen uint64, msg *events.Message) {
	if gen != s.gen {
		return
	}
	if msg.Type == events.TypeAck {
		if msg.Error != nil {
			s.finishRequest(msg.ID, requestResult{ack: msg, err: msg.Error})
		} else {
			s.finishRequest(msg.ID, requestResult{ack: msg})
		}
		return
	}
	if msg.Type == events.TypeViewersChanged {
		if p, err := events.ParseEventPayload(msg); err == nil {
			if vc, ok := p.(events.ViewersChangedPayload); ok {
				s.viewers[vc.RoomKey] = vc.Viewers
			}
		}
	}
	s.broker.Publish(msg)
}

func (s *Session) sendRequest(msg *events.Message, reply chan requestResult) {
	if s.state != StateConnected || s.conn == nil {
		if s.state == StateOffline {
			reply <- requestResult{err: ErrNetworkOffline}
		} else {
			reply <- requestResult{err: ErrNotConnected}
		}
		return
	}
	if err := s.conn.WriteMessage(msg); err != nil {
		reply <- requestResult{err: fmt.Errorf("%w: %w", ErrConnectionLost, err)}
		return
	}
	id := msg.ID
	s.pending[id] = &pendingRequest{
		reply: reply,
		timer: s.clock.AfterFunc(s.cfg.RequestTimeout, func() {
			s.post(func() { s.finishRequest(id, requestResult{err: ErrRequestTimeout}) })
		}),
	}
}

func (s *Session) finishRequest(id string, r requestResult) {
	p, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	p.timer.Stop()
	p.reply <- r
}

// setViewers records the viewers returned by a join.
func (s *Session) setViewers(key models.RoomKey, viewers []models.Viewer) {
	s.post(func() { s.viewers[key] = viewers })
}

func (s *Session) clearViewers(key models.RoomKey) {
	s.post(func() { delete(s.viewers, key) })
}
