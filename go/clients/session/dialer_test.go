package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
)

func rejectingServer(status int, code events.ErrorCode) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(events.NewError(code, "rejected"))
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/attendance"
}

func TestDialClassifiesRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   events.ErrorCode
		cause  Cause
	}{
		{"unauthenticated", http.StatusUnauthorized, events.CodeUnauthenticated, CauseIdentity},
		{"identity mismatch", http.StatusConflict, events.CodeIdentityMismatch, CauseIdentity},
		{"server error", http.StatusServiceUnavailable, events.CodeInternal, CauseNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := rejectingServer(tt.status, tt.code)
			defer server.Close()

			_, err := NewWebsocketDialer(wsURL(server)).Dial(context.Background(), events.Handshake{UserID: "alice", TenantID: "church-1", SessionID: "s"}, "tok")
			var ce *ConnectError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.cause, ce.Cause)
			assert.Equal(t, tt.status, ce.Status)
			assert.ErrorIs(t, err, &events.Error{Code: tt.code})
		})
	}
}

func TestDialUnreachableIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewWebsocketDialer(url).Dial(ctx, events.Handshake{SessionID: "s"}, "")
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CauseNetwork, ce.Cause)
}

func TestDialSendsHandshake(t *testing.T) {
	upgrader := websocket.Upgrader{}
	got := make(chan *http.Request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg events.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		ack, _ := events.NewAck(msg.ID, struct{}{}, time.Now())
		conn.WriteJSON(ack)
	}))
	defer server.Close()

	conn, err := NewWebsocketDialer(wsURL(server)).Dial(context.Background(), events.Handshake{
		UserID:       "alice",
		TenantID:     "church-1",
		SessionID:    "tab-a",
		ConnectionID: "c1",
	}, "tok")
	require.NoError(t, err)
	defer conn.Close()

	r := <-got
	assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
	assert.Equal(t, "alice", r.URL.Query().Get("userId"))
	assert.Equal(t, "church-1", r.URL.Query().Get("tenantId"))
	assert.Equal(t, "tab-a", r.URL.Query().Get("sessionId"))
	assert.Equal(t, "c1", r.URL.Query().Get("connectionId"))

	req, err := events.NewRequest(events.TypeJoinRoom, events.RoomRequest{RoomKey: roomKey}, time.Now())
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(req))
	ack, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, events.TypeAck, ack.Type)
	assert.Equal(t, req.ID, ack.ID)
}
