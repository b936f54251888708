// Package clients holds HTTP clients for the gateway's plain JSON endpoints.
// The attendance protocol itself lives in the session package.
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned status code: %d, response: %s", e.StatusCode, e.Body)
}

type BaseClient struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

func NewBaseClient(baseURL string) *BaseClient {
	return &BaseClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}
}

func (c *BaseClient) SetHeader(key, value string) {
	c.headers[key] = value
}

func (c *BaseClient) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// GetJSON decodes the response to GET endpoint into out. Bodies of non-2xx
// responses are decoded too when decodeOnError is set, and the StatusError
// is still returned.
func (c *BaseClient) GetJSON(ctx context.Context, endpoint string, out any, decodeOnError bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var statusErr error
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr = &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if !decodeOnError {
			return statusErr
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		if statusErr != nil {
			return statusErr
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return statusErr
}
