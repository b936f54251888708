package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/attendance/hub"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// ConnectionManager manages WebSocket connections for attendance sessions
type ConnectionManager struct {
	// Live connections keyed by verified identity and session id
	connections map[connectionKey]*Connection
	mu          sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig

	engine  *hub.Engine
	metrics *Metrics
}

// Connection represents a WebSocket connection to a client. It is the hub
// member for every room the client joins.
type Connection struct {
	ID      string // connectionId, fresh per attempt
	Conn    *websocket.Conn
	Manager *ConnectionManager

	sessionID string // stable per tab
	identity  models.Identity

	// send is guarded by mu so nothing is queued after close.
	mu     sync.Mutex
	send   chan []byte
	closed bool

	// Owned by the read pump.
	rooms map[models.RoomKey]struct{}

	// Connection metadata
	ConnectedAt time.Time
}

var _ hub.Member = (*Connection)(nil)

// connectionKey scopes a session id to the identity that authenticated it.
// Only a reconnect by the same user replaces an existing connection.
type connectionKey struct {
	tenantID  string
	userID    string
	sessionID string
}

func (c *Connection) key() connectionKey {
	return connectionKey{tenantID: c.identity.TenantID, userID: c.identity.UserID, sessionID: c.sessionID}
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	RequestTimeout  time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second, // must be less than ReadTimeout
		RequestTimeout:  10 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			// Origins are enforced by the CORS layer
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, engine *hub.Engine, metrics *Metrics) *ConnectionManager {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &ConnectionManager{
		connections: make(map[connectionKey]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		engine:  engine,
		metrics: metrics,
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket for an
// authenticated identity.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, identity models.Identity, hs events.Handshake) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connectionID := hs.ConnectionID
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	connection := &Connection{
		ID:          connectionID,
		Conn:        conn,
		Manager:     cm,
		sessionID:   hs.SessionID,
		identity:    identity,
		send:        make(chan []byte, cm.config.SendBuffer),
		rooms:       make(map[models.RoomKey]struct{}),
		ConnectedAt: time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("session_id", connection.sessionID).
		Str("user_id", identity.UserID).
		Str("tenant_id", identity.TenantID).
		Msg("websocket connection established")

	return nil
}

// registerConnection adds a connection, replacing an older connection of
// the same user session.
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	previous := cm.connections[conn.key()]
	cm.connections[conn.key()] = conn
	total := len(cm.connections)
	cm.mu.Unlock()

	cm.metrics.RecordConnectionOpened()
	if previous != nil {
		cm.metrics.RecordConnectionReplaced()
		log.Info().
			Str("session_id", conn.sessionID).
			Str("user_id", conn.identity.UserID).
			Str("old_connection_id", previous.ID).
			Str("connection_id", conn.ID).
			Msg("connection replaced by newer attempt")
		cm.engine.LeaveAll(previous)
		if previous.close() {
			cm.metrics.RecordConnectionClosed()
		}
	}

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", total).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager and releases
// its room memberships.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	if current, exists := cm.connections[conn.key()]; exists && current == conn {
		delete(cm.connections, conn.key())
	}
	cm.mu.Unlock()

	cm.engine.LeaveAll(conn)
	if conn.close() {
		cm.metrics.RecordConnectionClosed()
		log.Info().
			Str("connection_id", conn.ID).
			Str("session_id", conn.sessionID).
			Str("user_id", conn.identity.UserID).
			Msg("connection unregistered")
	}
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	total := len(cm.connections)
	cm.mu.RUnlock()

	stats := cm.engine.Stats()
	stats["total_connections"] = total
	for k, v := range cm.metrics.Snapshot() {
		stats[k] = v
	}
	return stats
}

// CloseAll closes every connection. The pumps finish the cleanup.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for _, c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

func (c *Connection) SessionID() string         { return c.sessionID }
func (c *Connection) Identity() models.Identity { return c.identity }

// Deliver queues a frame for the write pump. A full buffer closes the
// connection; the client reconnects and reloads its snapshot.
func (c *Connection) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("user_id", c.identity.UserID).
			Msg("connection send buffer full, closing connection")
		c.closed = true
		close(c.send)
		return false
	}
}

// close stops the write pump. It reports whether this call closed it.
func (c *Connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection. Requests
// are handled one at a time, so a session's requests are applied in the
// order it sent them.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes a request from the client and answers with
// an ack carrying either the result or a wire error.
func (c *Connection) handleClientMessage(message []byte) {
	var req events.Message
	if err := json.Unmarshal(message, &req); err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("malformed client message")
		c.reply(events.NewErrorAck("", events.NewError(events.CodeValidation, "malformed message"), time.Now()))
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("user_id", c.identity.UserID).
		Str("request_id", req.ID).
		Str("type", string(req.Type)).
		Msg("received client message")

	ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.RequestTimeout)
	defer cancel()

	result, err := c.dispatch(ctx, &req)
	if err != nil {
		wire := hub.WireError(err)
		if wire.Code == events.CodeInternal {
			log.Error().Err(err).Str("connection_id", c.ID).Str("type", string(req.Type)).Msg("request failed")
		}
		c.reply(events.NewErrorAck(req.ID, wire, time.Now()))
		return
	}

	ack, err := events.NewAck(req.ID, result, time.Now())
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to encode ack")
		c.reply(events.NewErrorAck(req.ID, events.NewError(events.CodeInternal, "encode response"), time.Now()))
		return
	}
	c.reply(ack)
}

func (c *Connection) dispatch(ctx context.Context, req *events.Message) (any, error) {
	engine := c.Manager.engine
	switch req.Type {
	case events.TypeJoinRoom:
		var p events.RoomRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		snap, err := engine.Join(ctx, c, p.RoomKey)
		if err != nil {
			return nil, err
		}
		c.rooms[p.RoomKey] = struct{}{}
		return snap, nil

	case events.TypeLeaveRoom:
		var p events.RoomRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		engine.Leave(c, p.RoomKey)
		delete(c.rooms, p.RoomKey)
		return struct{}{}, nil

	case events.TypeUpdateHeadcount:
		var p events.UpdateHeadcountRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return engine.UpdateHeadcount(ctx, c, p, req.ID)

	case events.TypeRecordAttendance:
		var p events.RecordAttendanceRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return engine.RecordAttendance(ctx, c, p, req.ID)

	case events.TypeLoadAttendance:
		var p events.RoomRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return engine.LoadAttendance(ctx, c, p.RoomKey)

	case events.TypeAddVisitor:
		var p events.AddVisitorRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return engine.AddVisitor(ctx, c, p, req.ID)

	case events.TypeRemoveVisitor:
		var p events.RemoveVisitorRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return engine.RemoveVisitor(ctx, c, p, req.ID)

	default:
		return nil, events.NewError(events.CodeValidation, "unsupported message type %q", req.Type)
	}
}

func decode(req *events.Message, out any) error {
	if err := req.Decode(out); err != nil {
		return events.NewError(events.CodeValidation, "%s", err.Error())
	}
	return nil
}

func (c *Connection) reply(msg *events.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal reply")
		return
	}
	c.Deliver(data)
}
