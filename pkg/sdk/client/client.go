// Package client is the Go client for the coderunner daemon API. It
// speaks HTTP over the daemon's unix socket or TCP listener and
// rehydrates the daemon's classified errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"coderunner"

	"golang.org/x/net/websocket"
)

const envSocket = "CODERUNNER_SOCKET"

// hostPlaceholder is the authority used on unix-socket requests; the
// dialer ignores it.
const hostPlaceholder = "coderunnerd"

func DefaultSocketPath() string {
	if fromEnv := strings.TrimSpace(os.Getenv(envSocket)); fromEnv != "" {
		return fromEnv
	}
	if runtime.GOOS == "darwin" {
		return "/tmp/coderunnerd.sock"
	}
	return "/var/run/coderunnerd.sock"
}

// API is the daemon surface exposed to Go callers.
type API interface {
	Status(ctx context.Context) (coderunner.Status, error)
	Runtimes(ctx context.Context) ([]RuntimeInfo, error)
	Execute(ctx context.Context, req ExecuteRequest) (coderunner.ExecResult, error)
	Events(ctx context.Context) (<-chan coderunner.Activity, error)
	Healthy(ctx context.Context) error
}

// ExecuteRequest is the POST /api/execute body.
type ExecuteRequest struct {
	SessionID string                  `json:"sessionId,omitempty"`
	RequestID string                  `json:"requestId,omitempty"`
	Language  string                  `json:"language"`
	EntryPath string                  `json:"entryPath,omitempty"`
	Files     []coderunner.SourceFile `json:"files"`
}

// RuntimeInfo is one entry of the GET /api/runtimes response.
type RuntimeInfo struct {
	Language    string `json:"language"`
	Image       string `json:"image"`
	Compiled    bool   `json:"compiled"`
	MemoryBytes int64  `json:"memoryBytes"`
}

type Client struct {
	http *http.Client
	base string
	dial func(ctx context.Context) (net.Conn, error)
}

// NewUnix connects over the daemon's unix socket.
func NewUnix(socketPath string) *Client {
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		http: &http.Client{Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dial(ctx)
			},
		}},
		base: "http://" + hostPlaceholder,
		dial: dial,
	}
}

// NewTCP connects to a daemon's TCP listener, addr being "host:port".
func NewTCP(addr string) *Client {
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	return &Client{
		http: &http.Client{},
		base: "http://" + addr,
		dial: dial,
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) Status(ctx context.Context) (coderunner.Status, error) {
	var st coderunner.Status
	err := c.getJSON(ctx, "/api/status", &st)
	return st, err
}

func (c *Client) Runtimes(ctx context.Context) ([]RuntimeInfo, error) {
	var infos []RuntimeInfo
	err := c.getJSON(ctx, "/api/runtimes", &infos)
	return infos, err
}

func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (coderunner.ExecResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return coderunner.ExecResult{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/execute", bytes.NewReader(body))
	if err != nil {
		return coderunner.ExecResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return coderunner.ExecResult{}, fmt.Errorf("execute: %w", err)
	}
	defer resp.Body.Close()

	var result coderunner.ExecResult
	if err := decodeResponse(resp, &result); err != nil {
		return coderunner.ExecResult{}, err
	}
	return result, nil
}

func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("healthz: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// Events subscribes to the daemon's activity feed. The channel closes
// when ctx is cancelled or the connection drops.
func (c *Client) Events(ctx context.Context) (<-chan coderunner.Activity, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/api/events"
	conf, err := websocket.NewConfig(wsURL, "http://"+hostPlaceholder+"/")
	if err != nil {
		return nil, fmt.Errorf("events config: %w", err)
	}
	raw, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("events dial: %w", err)
	}
	ws, err := websocket.NewClient(conf, raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("events handshake: %w", err)
	}

	out := make(chan coderunner.Activity, 128)
	go func() {
		<-ctx.Done()
		ws.Close()
	}()
	go func() {
		defer close(out)
		defer ws.Close()
		for {
			var ev coderunner.Activity
			if err := websocket.JSON.Receive(ws, &ev); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, v)
}

func decodeResponse(resp *http.Response, v any) error {
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError rehydrates the daemon's {code,message} error body into a
// classified error. Unparseable bodies fall back to the HTTP status.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire struct {
		Code    coderunner.ErrorCode `json:"code"`
		Message string               `json:"message"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Code != "" {
		return &coderunner.Error{Code: wire.Code, Message: wire.Message}
	}
	return fmt.Errorf("daemon returned %s", resp.Status)
}

// WaitReady polls the health endpoint until the daemon answers or ctx
// expires.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := c.Healthy(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
