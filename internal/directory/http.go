package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL string
	// APIToken is sent as a bearer token when set.
	APIToken  string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// HTTPClient queries the management service's JSON API.
type HTTPClient struct {
	base       *url.URL
	apiToken   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse directory url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("directory url must be http or https, got %q", base.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPClient{
		base:       base,
		apiToken:   cfg.APIToken,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}, nil
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid    bool   `json:"valid"`
	Expired  bool   `json:"expired"`
	Role     string `json:"role"`
	Identity string `json:"identity"`
}

type resolveRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type resolveResponse struct {
	ProviderID string `json:"provider_id"`
}

// ValidateSessionToken implements Directory.
func (c *HTTPClient) ValidateSessionToken(ctx context.Context, token protocol.Token) (*Session, error) {
	var resp validateResponse
	if err := c.post(ctx, "/session-tokens/validate", validateRequest{Token: token.Base64()}, &resp); err != nil {
		return nil, err
	}
	if !resp.Valid && !resp.Expired {
		return nil, ErrNotFound
	}

	role, err := protocol.ParseRole(resp.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	id := resp.Identity
	if role == protocol.RoleProvider {
		if id, err = NormalizeProviderID(id); err != nil {
			return nil, fmt.Errorf("%w: invalid provider id: %w", ErrUnavailable, err)
		}
	}
	return &Session{Role: role, ID: id, Expired: resp.Expired}, nil
}

// ResolveProvider implements Directory.
func (c *HTTPClient) ResolveProvider(ctx context.Context, id protocol.Identifier) (string, error) {
	var resp resolveResponse
	req := resolveRequest{Type: id.Type.String(), Value: id.Value}
	if err := c.post(ctx, "/providers/resolve", req, &resp); err != nil {
		return "", err
	}
	providerID, err := NormalizeProviderID(resp.ProviderID)
	if err != nil {
		return "", fmt.Errorf("%w: invalid provider id: %w", ErrUnavailable, err)
	}
	return providerID, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	default:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
