package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hooktun/internal/api"
	"hooktun/internal/config"
	"hooktun/internal/daemon"
	"hooktun/internal/model"
	"hooktun/internal/portalloc"
	"hooktun/internal/session"
	"hooktun/internal/testutil"
)

// denyInjector fails every injection, so attach cycles end in lost without
// needing a live hook peer. Tunnel-level behavior is covered in the session
// package tests.
type denyInjector struct{}

func (denyInjector) InjectHook(context.Context, model.WindowHandle, int) error {
	return fmt.Errorf("no automation permission: %w", model.ErrInjectionDenied)
}

func startServer(t *testing.T) (config.Config, *http.Client) {
	t.Helper()
	store, _ := testutil.NewStore(t)

	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "hooktund.sock")
	cfg.PortRangeStart = 23000
	cfg.PortRangeEnd = 23050
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.AttachMaxAttempts = 1
	cfg.InstallMaxAttempts = 1
	cfg.RetryBackoff = []time.Duration{10 * time.Millisecond}

	ctx := context.Background()
	ports, err := portalloc.New(ctx, store, cfg)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	manager := session.NewManager(cfg, store, ports, denyInjector{}, nil)
	srv := daemon.NewServer(cfg, store, manager, nil)

	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Start(srvCtx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	waitForSocket(t, cfg.SocketPath)
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", cfg.SocketPath)
			},
		},
	}
	return cfg, client
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := os.Lstat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func doJSON(t *testing.T, client *http.Client, method, path string, body any, out any) int {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, "http://unix"+path, reqBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			t.Fatalf("decode %s %s (%d): %v: %s", method, path, resp.StatusCode, err, payload)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, client := startServer(t)

	var resp api.HealthResponse
	if status := doJSON(t, client, http.MethodGet, "/v1/health", nil, &resp); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if resp.Status != "ok" || resp.SchemaVersion != "v1" {
		t.Fatalf("health = %+v", resp)
	}
	if resp.GeneratedAt.IsZero() {
		t.Fatal("generated_at not stamped")
	}
}

func TestWindowsSyncAndSessionListing(t *testing.T) {
	_, client := startServer(t)

	var sync api.WindowsSyncResponse
	status := doJSON(t, client, http.MethodPut, "/v1/windows",
		api.WindowsSyncRequest{Windows: []string{"win-1", "win-2"}}, &sync)
	if status != http.StatusOK {
		t.Fatalf("sync status = %d", status)
	}
	if sync.Added != 2 || sync.Removed != 0 || sync.Total != 2 {
		t.Fatalf("sync = %+v", sync)
	}

	var sessions api.SessionsEnvelope
	if status := doJSON(t, client, http.MethodGet, "/v1/sessions", nil, &sessions); status != http.StatusOK {
		t.Fatalf("sessions status = %d", status)
	}
	if len(sessions.Sessions) != 2 {
		t.Fatalf("sessions = %+v", sessions.Sessions)
	}
}

func TestWindowsSyncValidation(t *testing.T) {
	_, client := startServer(t)

	var errResp api.ErrorResponse
	status := doJSON(t, client, http.MethodPut, "/v1/windows",
		api.WindowsSyncRequest{Windows: []string{"  "}}, &errResp)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
	if errResp.Error.Code != model.CodeRefInvalid {
		t.Fatalf("code = %q", errResp.Error.Code)
	}

	// Wrong method.
	var mErr api.ErrorResponse
	if status := doJSON(t, client, http.MethodGet, "/v1/windows", nil, &mErr); status != http.StatusMethodNotAllowed {
		t.Fatalf("method status = %d", status)
	}
}

func TestEnsureEndsLostWhenInjectionDenied(t *testing.T) {
	_, client := startServer(t)

	doJSON(t, client, http.MethodPut, "/v1/windows", api.WindowsSyncRequest{Windows: []string{"win-1"}}, nil)

	var env api.SessionEnvelope
	status := doJSON(t, client, http.MethodPost, "/v1/sessions/win-1/ensure", nil, &env)
	if status != http.StatusOK {
		t.Fatalf("ensure status = %d", status)
	}
	if env.Session.State != string(model.SessionLost) {
		t.Fatalf("state = %q, want lost", env.Session.State)
	}
	if env.Session.LastError == "" {
		t.Fatal("lost session reports no error")
	}
}

func TestGetUnknownSessionIs404(t *testing.T) {
	_, client := startServer(t)

	var errResp api.ErrorResponse
	status := doJSON(t, client, http.MethodGet, "/v1/sessions/never-seen", nil, &errResp)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d", status)
	}
	if errResp.Error.Code != model.CodeRefNotFound {
		t.Fatalf("code = %q", errResp.Error.Code)
	}
}

func TestCommandOnUnreadySessionIs409(t *testing.T) {
	_, client := startServer(t)

	doJSON(t, client, http.MethodPut, "/v1/windows", api.WindowsSyncRequest{Windows: []string{"win-1"}}, nil)
	doJSON(t, client, http.MethodPost, "/v1/sessions/win-1/ensure", nil, nil)

	var errResp api.ErrorResponse
	status := doJSON(t, client, http.MethodPost, "/v1/sessions/win-1/command",
		api.CommandRequest{Type: "editor.getState"}, &errResp)
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
	if errResp.Error.Code != model.CodeSessionNotReady {
		t.Fatalf("code = %q", errResp.Error.Code)
	}
}

func TestCommandValidation(t *testing.T) {
	_, client := startServer(t)

	var errResp api.ErrorResponse
	status := doJSON(t, client, http.MethodPost, "/v1/sessions/win-1/command",
		api.CommandRequest{Type: "  "}, &errResp)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
}

func TestHeartbeatRouting(t *testing.T) {
	_, client := startServer(t)

	// No assignment for the port: accepted=false, still 200.
	var resp api.HeartbeatResponse
	status := doJSON(t, client, http.MethodPost, "/v1/heartbeats", api.HeartbeatRequest{Port: 23001}, &resp)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if resp.Accepted {
		t.Fatal("heartbeat accepted without an assignment")
	}

	var errResp api.ErrorResponse
	if status := doJSON(t, client, http.MethodPost, "/v1/heartbeats", api.HeartbeatRequest{Port: -1}, &errResp); status != http.StatusBadRequest {
		t.Fatalf("invalid port status = %d", status)
	}
}

func TestPortsEndpointListsAssignments(t *testing.T) {
	_, client := startServer(t)

	doJSON(t, client, http.MethodPut, "/v1/windows", api.WindowsSyncRequest{Windows: []string{"win-1"}}, nil)
	doJSON(t, client, http.MethodPost, "/v1/sessions/win-1/ensure", nil, nil)

	var env api.PortsEnvelope
	if status := doJSON(t, client, http.MethodGet, "/v1/ports", nil, &env); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	// Injection denial keeps the assignment: the port stays reserved for a
	// later attach attempt on the same window.
	if len(env.Assignments) != 1 || env.Assignments[0].WindowHandle != "win-1" {
		t.Fatalf("assignments = %+v", env.Assignments)
	}
	a := env.Assignments[0]
	if a.Port < 23000 || a.Port >= 23050 {
		t.Fatalf("port %d outside configured range", a.Port)
	}
}

func TestSessionEventsEndpoint(t *testing.T) {
	_, client := startServer(t)

	doJSON(t, client, http.MethodPut, "/v1/windows", api.WindowsSyncRequest{Windows: []string{"win-1"}}, nil)
	doJSON(t, client, http.MethodPost, "/v1/sessions/win-1/ensure", nil, nil)

	// Transition audit rows are written asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	var env api.SessionEventsEnvelope
	for time.Now().Before(deadline) {
		doJSON(t, client, http.MethodGet, "/v1/sessions/win-1/events", nil, &env)
		if len(env.Events) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(env.Events) == 0 {
		t.Fatal("no session events recorded")
	}
	last := env.Events[0]
	if last.ToState != string(model.SessionLost) {
		t.Fatalf("latest event to_state = %q, want lost", last.ToState)
	}
}

func TestSecondDaemonRefusesLock(t *testing.T) {
	cfg, _ := startServer(t)

	store, _ := testutil.NewStore(t)
	ports, err := portalloc.New(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	manager := session.NewManager(cfg, store, ports, denyInjector{}, nil)
	dup := daemon.NewServer(cfg, store, manager, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dup.Start(ctx); err == nil {
		t.Fatal("second daemon acquired the same socket lock")
	}
}
