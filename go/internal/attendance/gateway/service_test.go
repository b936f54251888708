package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/attendance/store"
	"github.com/mcdev12/rollcall/go/internal/auth"
	"github.com/mcdev12/rollcall/go/internal/models"
)

const tenant = "church-1"

var (
	roomKey = models.RoomKey{GatheringID: 7, Date: "2024-03-10"}

	alice = models.Identity{UserID: "alice", TenantID: tenant, Role: models.RoleMember, DisplayName: "Alice"}
	bob   = models.Identity{UserID: "bob", TenantID: tenant, Role: models.RoleMember, DisplayName: "Bob"}
)

type testGateway struct {
	server *httptest.Server
	svc    *Service
	tokens *auth.Tokens
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	st := store.NewMemory()
	st.AddGathering(tenant, roomKey.GatheringID, models.GatheringKindHeadcount)
	st.AddUser(alice)
	st.AddUser(bob)

	tokens := auth.NewTokens("test-secret", "rollcall-test", time.Hour, clockwork.NewRealClock())
	authn := auth.NewAuthenticator(tokens, st)

	cfg := DefaultConfig()
	cfg.ConnectionConfig.PingInterval = time.Second
	svc, err := NewService(context.Background(), cfg, st, authn)
	require.NoError(t, err)

	server := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		svc.Stop()
		server.Close()
	})
	return &testGateway{server: server, svc: svc, tokens: tokens}
}

func (g *testGateway) token(t *testing.T, id models.Identity) string {
	t.Helper()
	token, err := g.tokens.Issue(id.UserID, id.TenantID)
	require.NoError(t, err)
	return token
}

func (g *testGateway) dial(t *testing.T, token string, hs events.Handshake) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	q := url.Values{}
	q.Set("userId", hs.UserID)
	q.Set("tenantId", hs.TenantID)
	q.Set("sessionId", hs.SessionID)
	q.Set("connectionId", hs.ConnectionID)
	u := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws/attendance?" + q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (g *testGateway) connect(t *testing.T, id models.Identity, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := g.dial(t, g.token(t, id), events.Handshake{
		UserID:    id.UserID,
		TenantID:  id.TenantID,
		SessionID: sessionID,
	})
	require.NoError(t, err)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ events.MessageType, payload any) string {
	t.Helper()
	msg, err := events.NewRequest(typ, payload, time.Now())
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
	return msg.ID
}

// readUntil reads frames until one satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*events.Message) bool) *events.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg events.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if match(&msg) {
			return &msg
		}
	}
}

func ackFor(id string) func(*events.Message) bool {
	return func(m *events.Message) bool { return m.Type == events.TypeAck && m.ID == id }
}

func ofType(typ events.MessageType) func(*events.Message) bool {
	return func(m *events.Message) bool { return m.Type == typ }
}

func join(t *testing.T, conn *websocket.Conn) models.RoomSnapshot {
	t.Helper()
	id := send(t, conn, events.TypeJoinRoom, events.RoomRequest{RoomKey: roomKey})
	ack := readUntil(t, conn, ackFor(id))
	require.Nil(t, ack.Error)
	var snap models.RoomSnapshot
	require.NoError(t, ack.Decode(&snap))
	return snap
}

func TestWebsocketHeadcountRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	a := g.connect(t, alice, "tab-a")
	b := g.connect(t, bob, "tab-b")

	snap := join(t, a)
	assert.Equal(t, models.GatheringKindHeadcount, snap.Kind)
	snap = join(t, b)
	assert.Len(t, snap.Viewers, 2)

	reqID := send(t, a, events.TypeUpdateHeadcount, events.UpdateHeadcountRequest{RoomKey: roomKey, Count: 3})

	// The sender sees its own change echoed before the ack.
	echo := readUntil(t, a, ofType(events.TypeHeadcountChanged))
	var p events.HeadcountChangedPayload
	require.NoError(t, echo.Decode(&p))
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, "tab-a", p.Origin.SessionID)
	assert.Equal(t, reqID, p.Origin.RequestID)
	ack := readUntil(t, a, ackFor(reqID))
	assert.Nil(t, ack.Error)

	other := readUntil(t, b, ofType(events.TypeHeadcountChanged))
	require.NoError(t, other.Decode(&p))
	assert.Equal(t, 3, p.Total)
	require.Len(t, p.Contributions, 1)
	assert.Equal(t, "alice", p.Contributions[0].UserID)
}

func TestWebsocketValidationErrorIsAcked(t *testing.T) {
	g := newTestGateway(t)
	a := g.connect(t, alice, "tab-a")
	join(t, a)

	reqID := send(t, a, events.TypeUpdateHeadcount, events.UpdateHeadcountRequest{RoomKey: roomKey, Count: -1})
	ack := readUntil(t, a, ackFor(reqID))
	require.NotNil(t, ack.Error)
	assert.Equal(t, events.CodeValidation, ack.Error.Code)

	reqID = send(t, a, events.MessageType("bogus"), struct{}{})
	ack = readUntil(t, a, ackFor(reqID))
	require.NotNil(t, ack.Error)
	assert.Equal(t, events.CodeValidation, ack.Error.Code)
}

func TestWebsocketRequiresJoin(t *testing.T) {
	g := newTestGateway(t)
	a := g.connect(t, alice, "tab-a")

	reqID := send(t, a, events.TypeUpdateHeadcount, events.UpdateHeadcountRequest{RoomKey: roomKey, Count: 1})
	ack := readUntil(t, a, ackFor(reqID))
	require.NotNil(t, ack.Error)
	assert.Equal(t, events.CodeNotJoined, ack.Error.Code)
}

func TestHandshakeRejections(t *testing.T) {
	g := newTestGateway(t)

	tests := []struct {
		name   string
		token  string
		hs     events.Handshake
		status int
		code   events.ErrorCode
	}{
		{
			name:   "missing token",
			hs:     events.Handshake{UserID: "alice", TenantID: tenant, SessionID: "s1"},
			status: http.StatusUnauthorized,
			code:   events.CodeUnauthenticated,
		},
		{
			name:   "garbage token",
			token:  "not-a-jwt",
			hs:     events.Handshake{UserID: "alice", TenantID: tenant, SessionID: "s1"},
			status: http.StatusUnauthorized,
			code:   events.CodeUnauthenticated,
		},
		{
			name:   "tenant mismatch",
			token:  g.token(t, alice),
			hs:     events.Handshake{UserID: "alice", TenantID: "church-2", SessionID: "s1"},
			status: http.StatusConflict,
			code:   events.CodeIdentityMismatch,
		},
		{
			name:   "user mismatch",
			token:  g.token(t, alice),
			hs:     events.Handshake{UserID: "bob", TenantID: tenant, SessionID: "s1"},
			status: http.StatusConflict,
			code:   events.CodeIdentityMismatch,
		},
		{
			name:   "missing session",
			token:  g.token(t, alice),
			hs:     events.Handshake{UserID: "alice", TenantID: tenant},
			status: http.StatusBadRequest,
			code:   events.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := g.dial(t, tt.token, tt.hs)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)

			var wireErr events.Error
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&wireErr))
			assert.Equal(t, tt.code, wireErr.Code)
		})
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	g := newTestGateway(t)
	first := g.connect(t, alice, "tab-a")
	join(t, first)

	second := g.connect(t, alice, "tab-a")

	// The old connection is closed by the server.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	snap := join(t, second)
	require.Len(t, snap.Viewers, 1)
	assert.Equal(t, "tab-a", snap.Viewers[0].SessionID)

	stats := g.svc.GetStats()
	assert.Equal(t, 1, stats["total_connections"])
	assert.Equal(t, uint64(1), stats["connections_replaced"])
}

func TestForeignSessionIDDoesNotReplaceConnection(t *testing.T) {
	g := newTestGateway(t)
	a := g.connect(t, alice, "alice-tab")
	join(t, a)

	// The session id is visible to every viewer, so bob can present it.
	b := g.connect(t, bob, "alice-tab")
	snap := join(t, b)
	require.Len(t, snap.Viewers, 2)

	reqID := send(t, a, events.TypeUpdateHeadcount, events.UpdateHeadcountRequest{RoomKey: roomKey, Count: 5})
	ack := readUntil(t, a, ackFor(reqID))
	assert.Nil(t, ack.Error)

	stats := g.svc.GetStats()
	assert.Equal(t, 2, stats["total_connections"])
	assert.Equal(t, uint64(0), stats["connections_replaced"])
}

func TestStateService(t *testing.T) {
	g := newTestGateway(t)
	a := g.connect(t, alice, "tab-a")
	join(t, a)
	reqID := send(t, a, events.TypeUpdateHeadcount, events.UpdateHeadcountRequest{RoomKey: roomKey, Count: 4})
	readUntil(t, a, ackFor(reqID))

	ctx := context.Background()
	client := NewStateClient(g.server.Client(), g.server.URL, g.token(t, bob))

	snap, err := client.GetRoomSnapshot(ctx, roomKey)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Total)
	assert.Len(t, snap.Viewers, 1)

	rooms, err := client.ListActiveRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, roomKey, rooms[0].RoomKey)

	_, err = client.GetRoomSnapshot(ctx, models.RoomKey{GatheringID: 99, Date: "2024-03-10"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	_, err = client.GetRoomSnapshot(ctx, models.RoomKey{GatheringID: 7, Date: "not-a-date"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	anon := NewStateClient(g.server.Client(), g.server.URL, "")
	_, err = anon.ListActiveRooms(ctx)
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t)

	resp, err := g.server.Client().Get(g.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Healthy)
	assert.True(t, status.DatabaseConnected)
	assert.False(t, status.RelayEnabled)
}
