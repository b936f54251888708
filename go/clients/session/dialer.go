package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
)

// Conn is one physical connection. ReadMessage is called from a single
// reader goroutine and WriteMessage from the session loop.
type Conn interface {
	ReadMessage() (*events.Message, error)
	WriteMessage(msg *events.Message) error
	Close() error
}

// Dialer opens connections for a handshake.
type Dialer interface {
	Dial(ctx context.Context, hs events.Handshake, token string) (Conn, error)
}

// WebsocketDialer dials the gateway's attendance endpoint.
type WebsocketDialer struct {
	URL          string // e.g. ws://localhost:8081/ws/attendance
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	ReadTimeout  time.Duration // must exceed the server ping interval
}

func NewWebsocketDialer(rawURL string) *WebsocketDialer {
	return &WebsocketDialer{
		URL:          rawURL,
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, hs events.Handshake, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("userId", hs.UserID)
	q.Set("tenantId", hs.TenantID)
	if hs.Role != "" {
		q.Set("role", string(hs.Role))
	}
	q.Set("sessionId", hs.SessionID)
	q.Set("connectionId", hs.ConnectionID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := d.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, classifyDialError(resp, err)
	}

	c := &wsConn{conn: conn, writeTimeout: d.WriteTimeout, readTimeout: d.ReadTimeout}
	conn.SetPingHandler(func(data string) error {
		c.extendReadDeadline()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
	})
	return c, nil
}

// classifyDialError separates rejected identities from network failures.
func classifyDialError(resp *http.Response, err error) error {
	if resp == nil || !errors.Is(err, websocket.ErrBadHandshake) {
		return &ConnectError{Cause: CauseNetwork, Err: err}
	}
	defer resp.Body.Close()

	var wireErr events.Error
	if decodeErr := json.NewDecoder(resp.Body).Decode(&wireErr); decodeErr == nil && wireErr.Code != "" {
		err = &wireErr
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusConflict:
		return &ConnectError{Cause: CauseIdentity, Status: resp.StatusCode, Err: err}
	default:
		return &ConnectError{Cause: CauseNetwork, Status: resp.StatusCode, Err: err}
	}
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration
}

func (c *wsConn) extendReadDeadline() {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

func (c *wsConn) ReadMessage() (*events.Message, error) {
	c.extendReadDeadline()
	var msg events.Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *wsConn) WriteMessage(msg *events.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
