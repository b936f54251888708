package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

type HealthStatus struct {
	Healthy           bool                   `json:"healthy"`
	DatabaseConnected bool                   `json:"database_connected"`
	NATSConnected     bool                   `json:"nats_connected"`
	RelayEnabled      bool                   `json:"relay_enabled"`
	Stats             map[string]interface{} `json:"stats"`
	Errors            []string               `json:"errors"`
}

type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// Pinger is a storage backend that can report its connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GatewayHealthChecker checks storage, the relay and reports registry stats.
type GatewayHealthChecker struct {
	store Pinger
	relay *Relay // nil when the relay is disabled
	stats func() map[string]interface{}
}

func NewGatewayHealthChecker(store Pinger, relay *Relay, stats func() map[string]interface{}) *GatewayHealthChecker {
	return &GatewayHealthChecker{store: store, relay: relay, stats: stats}
}

func (h *GatewayHealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	// Check database connection
	if err := h.store.Ping(ctx); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	// Check NATS connection
	if h.relay != nil {
		status.RelayEnabled = true
		status.NATSConnected = h.relay.IsConnected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if h.stats != nil {
		status.Stats = h.stats()
	}
	return status
}

// HTTP handler helper
func (h *GatewayHealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write health response")
	}
}
