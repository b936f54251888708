package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/rollcall/go/internal/attendance/gateway"
)

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(gateway.HealthStatus{Healthy: true, DatabaseConnected: true, Errors: []string{}})
	}))
	defer srv.Close()

	status, err := NewGatewayStatusClient(srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.True(t, status.DatabaseConnected)
}

func TestUnhealthyReturnsReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(gateway.HealthStatus{
			RelayEnabled: true,
			Errors:       []string{"NATS disconnected"},
		})
	}))
	defer srv.Close()

	status, err := NewGatewayStatusClient(srv.URL).Health(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.False(t, status.Healthy)
	assert.Equal(t, []string{"NATS disconnected"}, status.Errors)
}

func TestConnectionStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/stats", r.URL.Path)
		_, _ = w.Write([]byte(`{"total_connections":3}`))
	}))
	defer srv.Close()

	stats, err := NewGatewayStatusClient(srv.URL + "/").ConnectionStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats["total_connections"])
}

func TestConnectionStatsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewGatewayStatusClient(srv.URL).ConnectionStats(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "boom", statusErr.Body)
}
