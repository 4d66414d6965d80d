package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mobileatlas/simtunnel/internal/tunnel"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the broker status.
func (c *Client) Status(ctx context.Context) (*tunnel.Status, error) {
	var status tunnel.Status
	if err := c.do(ctx, http.MethodGet, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Queues retrieves the provider queues.
func (c *Client) Queues(ctx context.Context) (*QueuesResponse, error) {
	var queues QueuesResponse
	if err := c.do(ctx, http.MethodGet, "/queues", &queues); err != nil {
		return nil, err
	}
	return &queues, nil
}

// Reload asks the broker to reload its configuration.
func (c *Client) Reload(ctx context.Context) (*ReloadResponse, error) {
	var result ReloadResponse
	if err := c.do(ctx, http.MethodPost, "/reload", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do performs a request against the control socket and decodes the JSON
// body into out. Reload failures carry their reason in the body.
func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var rr ReloadResponse
		if json.NewDecoder(resp.Body).Decode(&rr) == nil && rr.Error != "" {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, rr.Error)
		}
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
