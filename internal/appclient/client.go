// Package appclient is the typed HTTP client for the hooktun daemon socket.
// The menu-bar app and the CLI both talk to the daemon through this package.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hooktun/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		return api.HealthResponse{}, err
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.HealthResponse{}, fmt.Errorf("decode health response: %w", err)
	}
	return resp, nil
}

// SyncWindows replaces the daemon's window set with the given handles.
func (c *Client) SyncWindows(ctx context.Context, windows []string) (api.WindowsSyncResponse, error) {
	if windows == nil {
		windows = []string{}
	}
	body, err := c.request(ctx, http.MethodPut, "/v1/windows", nil, api.WindowsSyncRequest{Windows: windows})
	if err != nil {
		return api.WindowsSyncResponse{}, err
	}
	var resp api.WindowsSyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.WindowsSyncResponse{}, fmt.Errorf("decode windows sync response: %w", err)
	}
	return resp, nil
}

func (c *Client) ListSessions(ctx context.Context) (api.SessionsEnvelope, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/sessions", nil, nil)
	if err != nil {
		return api.SessionsEnvelope{}, err
	}
	var env api.SessionsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.SessionsEnvelope{}, fmt.Errorf("decode sessions envelope: %w", err)
	}
	return env, nil
}

func (c *Client) GetSession(ctx context.Context, handle string) (api.SessionEnvelope, error) {
	h := strings.TrimSpace(handle)
	if h == "" {
		return api.SessionEnvelope{}, fmt.Errorf("window handle is required")
	}
	body, err := c.request(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(h), nil, nil)
	if err != nil {
		return api.SessionEnvelope{}, err
	}
	var env api.SessionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.SessionEnvelope{}, fmt.Errorf("decode session envelope: %w", err)
	}
	return env, nil
}

// EnsureSession blocks until the window's session is connected or lost, so
// callers should pass a context with the attach budget in mind.
func (c *Client) EnsureSession(ctx context.Context, handle string) (api.SessionEnvelope, error) {
	h := strings.TrimSpace(handle)
	if h == "" {
		return api.SessionEnvelope{}, fmt.Errorf("window handle is required")
	}
	body, err := c.requestLongLived(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(h)+"/ensure", nil, nil)
	if err != nil {
		return api.SessionEnvelope{}, err
	}
	var env api.SessionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.SessionEnvelope{}, fmt.Errorf("decode session envelope: %w", err)
	}
	return env, nil
}

func (c *Client) SendCommand(ctx context.Context, handle, cmdType string, payload json.RawMessage) (api.CommandResponse, error) {
	h := strings.TrimSpace(handle)
	if h == "" {
		return api.CommandResponse{}, fmt.Errorf("window handle is required")
	}
	req := api.CommandRequest{Type: strings.TrimSpace(cmdType), Payload: payload}
	if req.Type == "" {
		return api.CommandResponse{}, fmt.Errorf("command type is required")
	}
	body, err := c.request(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(h)+"/command", nil, req)
	if err != nil {
		return api.CommandResponse{}, err
	}
	var resp api.CommandResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.CommandResponse{}, fmt.Errorf("decode command response: %w", err)
	}
	return resp, nil
}

func (c *Client) PostHeartbeat(ctx context.Context, port int, metadata map[string]string) (api.HeartbeatResponse, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/heartbeats", nil, api.HeartbeatRequest{Port: port, Metadata: metadata})
	if err != nil {
		return api.HeartbeatResponse{}, err
	}
	var resp api.HeartbeatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.HeartbeatResponse{}, fmt.Errorf("decode heartbeat response: %w", err)
	}
	return resp, nil
}

func (c *Client) ListPorts(ctx context.Context) (api.PortsEnvelope, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/ports", nil, nil)
	if err != nil {
		return api.PortsEnvelope{}, err
	}
	var env api.PortsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.PortsEnvelope{}, fmt.Errorf("decode ports envelope: %w", err)
	}
	return env, nil
}

func (c *Client) ListSessionEvents(ctx context.Context, handle string) (api.SessionEventsEnvelope, error) {
	h := strings.TrimSpace(handle)
	if h == "" {
		return api.SessionEventsEnvelope{}, fmt.Errorf("window handle is required")
	}
	body, err := c.request(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(h)+"/events", nil, nil)
	if err != nil {
		return api.SessionEventsEnvelope{}, err
	}
	var env api.SessionEventsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.SessionEventsEnvelope{}, fmt.Errorf("decode session events envelope: %w", err)
	}
	return env, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	return c.do(ctx, method, path, query, body, false)
}

// requestLongLived skips the unary timeout for calls that legitimately block,
// like ensure while the attach cycle runs its budget down.
func (c *Client) requestLongLived(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	return c.do(ctx, method, path, query, body, true)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
