// Package gateway is the HTTP client for the inspection server. It is the
// only component that talks to the server; pipeline stages go through it and
// never hold their own connections.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kernelpeek/internal/observability"
)

// requestOverhead pads each per-request deadline so a server that times out
// internally still gets to report its own failure before the client gives up.
const requestOverhead = 2 * time.Second

// InspectRequest is the wire form of one inspection call.
type InspectRequest struct {
	ID             string          `json:"id"`
	DeclaredType   string          `json:"declaredType"`
	EncodingKind   string          `json:"encodingKind"`
	PayloadBase64  string          `json:"payloadBase64"`
	TimeoutMs      int             `json:"timeoutMs"`
	ResourceLimits *ResourceLimits `json:"resourceLimits,omitempty"`
}

// ResourceLimits caps the server-side execution of one inspection.
type ResourceLimits struct {
	RAMMB      int `json:"ramMb,omitempty"`
	CPUPercent int `json:"cpuPercent,omitempty"`
}

// InspectResponse is the wire form of one inspection result. Every response,
// including synthetic unavailability failures, echoes the request id.
type InspectResponse struct {
	ID              string `json:"id"`
	Success         bool   `json:"success"`
	ResultText      string `json:"resultText,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs,omitempty"`
}

// TypeList is the server's registered-capability listing.
type TypeList struct {
	Types []string `json:"types"`
}

// Config defines gateway client construction knobs.
type Config struct {
	Host string
	Port int
	// CheckInterval bounds how long a cached availability verdict is trusted.
	CheckInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          8900,
		CheckInterval: 30 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port <= 0 {
		c.Port = 8900
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	return c
}

// Client talks to one inspection server and caches its availability verdict
// between health probes.
type Client struct {
	baseURL string
	http    *http.Client
	cfg     Config

	mu        sync.Mutex
	available bool
	lastCheck time.Time
}

// NewClient constructs a gateway client; no connection is attempted until the
// first availability probe.
func NewClient(cfg Config) *Client {
	cfg = cfg.WithDefaults()
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		http:    &http.Client{},
		cfg:     cfg,
	}
}

// BaseURL is the server address this client is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

// EnsureAvailable reports whether the server answers its health probe,
// reusing a cached verdict younger than the check interval. Invalidate drops
// the cache when a fresh probe is needed sooner.
func (c *Client) EnsureAvailable(ctx context.Context) bool {
	c.mu.Lock()
	if time.Since(c.lastCheck) < c.cfg.CheckInterval {
		cached := c.available
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	verdict := c.probe(ctx)

	c.mu.Lock()
	c.available = verdict
	c.lastCheck = time.Now()
	c.mu.Unlock()
	return verdict
}

func (c *Client) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("base", c.baseURL).Msg("inspection server health probe failed")
		observability.RecordGatewayRequest("health", false)
		return false
	}
	defer drain(resp.Body)
	ok := resp.StatusCode == http.StatusOK
	observability.RecordGatewayRequest("health", ok)
	return ok
}

// Inspect runs one inspection. An unavailable server yields a synthetic
// failure response carrying the request id; transport and decode failures do
// the same. Callers always get a fully-populated response, never an error.
func (c *Client) Inspect(ctx context.Context, req InspectRequest) InspectResponse {
	if !c.EnsureAvailable(ctx) {
		observability.RecordGatewayRequest("inspect", false)
		return InspectResponse{ID: req.ID, Success: false, Error: "inspection server unavailable"}
	}

	timeout := time.Duration(req.TimeoutMs)*time.Millisecond + requestOverhead
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp InspectResponse
	if err := c.postJSON(ctx, "/inspect", req, &resp); err != nil {
		observability.RecordGatewayRequest("inspect", false)
		return InspectResponse{ID: req.ID, Success: false, Error: err.Error()}
	}
	if resp.ID == "" {
		resp.ID = req.ID
	}
	observability.RecordGatewayRequest("inspect", resp.Success)
	return resp
}

// RegisterType uploads an inspection capability. Best effort: failures are
// reported, never retried here.
func (c *Client) RegisterType(ctx context.Context, typeName, code string) error {
	body := map[string]string{"typeName": typeName, "code": code}
	err := c.postJSON(ctx, "/register", body, nil)
	observability.RecordGatewayRequest("register", err == nil)
	return err
}

// ListTypes fetches the server's registered capability names.
func (c *Client) ListTypes(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/types", nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: build types request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordGatewayRequest("types", false)
		return nil, fmt.Errorf("gateway: list types: %w", err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		observability.RecordGatewayRequest("types", false)
		return nil, fmt.Errorf("gateway: list types: status %d", resp.StatusCode)
	}
	var list TypeList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		observability.RecordGatewayRequest("types", false)
		return nil, fmt.Errorf("gateway: decode types: %w", err)
	}
	observability.RecordGatewayRequest("types", true)
	return list.Types, nil
}

// Shutdown asks the server to stop. The next availability probe after the
// cache interval reports it gone.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.postJSON(ctx, "/shutdown", struct{}{}, nil)
	observability.RecordGatewayRequest("shutdown", err == nil)
	return err
}

// Invalidate drops the cached availability verdict, forcing the next call to
// probe. Used when a caller knows the server state changed under it.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.lastCheck = time.Time{}
	c.mu.Unlock()
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gateway: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", path, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode %s response: %w", path, err)
	}
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
