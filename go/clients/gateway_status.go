package clients

import (
	"context"
	"errors"

	"github.com/mcdev12/rollcall/go/internal/attendance/gateway"
)

// GatewayStatusClient reads the gateway's health and connection statistics.
type GatewayStatusClient struct {
	base *BaseClient
}

func NewGatewayStatusClient(baseURL string) *GatewayStatusClient {
	return &GatewayStatusClient{base: NewBaseClient(baseURL)}
}

// Health returns the health report. An unhealthy gateway answers 503 with a
// report; that report is returned together with the StatusError.
func (c *GatewayStatusClient) Health(ctx context.Context) (gateway.HealthStatus, error) {
	var status gateway.HealthStatus
	err := c.base.GetJSON(ctx, "/health", &status, true)
	var statusErr *StatusError
	if err != nil && !errors.As(err, &statusErr) {
		return gateway.HealthStatus{}, err
	}
	return status, err
}

// ConnectionStats returns the live connection counters.
func (c *GatewayStatusClient) ConnectionStats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)
	if err := c.base.GetJSON(ctx, "/ws/stats", &stats, false); err != nil {
		return nil, err
	}
	return stats, nil
}
