// Package daemon exposes the hook session registry over a unix-domain-socket
// HTTP API. The window tracker pushes the visible window set, the heartbeat
// channel posts liveness pings, and everything else in the application sends
// commands by window handle without ever touching a tunnel socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"hooktun/internal/api"
	"hooktun/internal/config"
	"hooktun/internal/db"
	"hooktun/internal/model"
	"hooktun/internal/session"
)

const schemaVersion = "v1"

type Server struct {
	cfg         config.Config
	log         *slog.Logger
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	store       *db.Store
	manager     *session.Manager
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, manager *session.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		log:     log,
		store:   store,
		manager: manager,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/windows", s.windowsHandler)
	mux.HandleFunc("/v1/heartbeats", s.heartbeatsHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionByHandleHandler)
	mux.HandleFunc("/v1/ports", s.portsHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("daemon listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.manager != nil {
			s.manager.Close()
		}
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

// windowsHandler receives the full visible window set from the window
// tracker. New windows start attaching immediately; vanished ones are torn
// down and their ports released.
func (s *Server) windowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.methodNotAllowed(w, http.MethodPut)
		return
	}
	var req api.WindowsSyncRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "invalid request body")
		return
	}
	handles := make([]model.WindowHandle, 0, len(req.Windows))
	for _, raw := range req.Windows {
		h := strings.TrimSpace(raw)
		if h == "" {
			s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "window handle must not be empty")
			return
		}
		handles = append(handles, model.WindowHandle(h))
	}
	added, removed := s.manager.SyncWindows(r.Context(), handles)
	s.writeJSON(w, http.StatusOK, api.WindowsSyncResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Added:         added,
		Removed:       removed,
		Total:         len(handles),
	})
}

func (s *Server) heartbeatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.HeartbeatRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "invalid request body")
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "port out of range")
		return
	}
	handle, accepted := s.manager.RecordHeartbeat(req.Port, req.Metadata)
	s.writeJSON(w, http.StatusOK, api.HeartbeatResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		WindowHandle:  string(handle),
		Accepted:      accepted,
	})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	snaps := s.manager.Snapshots()
	out := make([]api.SessionResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, sessionResponse(snap))
	}
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      out,
	})
}

func (s *Server) sessionByHandleHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.CodeRefNotFound, "session not found")
		return
	}
	raw, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalidEncoding, "invalid window handle encoding")
		return
	}
	handle := model.WindowHandle(strings.TrimSpace(raw))
	if handle == "" {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "window handle is required")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getSession(w, handle)
	case len(parts) == 2 && parts[1] == "ensure":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.ensureSession(w, r, handle)
	case len(parts) == 2 && parts[1] == "command":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.sendCommand(w, r, handle)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listSessionEvents(w, r, handle)
	default:
		s.writeError(w, http.StatusNotFound, model.CodeRefNotFound, "session route not found")
	}
}

func (s *Server) getSession(w http.ResponseWriter, handle model.WindowHandle) {
	snap, ok := s.manager.SnapshotFor(handle)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.CodeRefNotFound, "no session for window")
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Session:       sessionResponse(snap),
	})
}

func (s *Server) ensureSession(w http.ResponseWriter, r *http.Request, handle model.WindowHandle) {
	if _, err := s.manager.EnsureSession(r.Context(), handle); err != nil {
		s.writeError(w, http.StatusGatewayTimeout, model.CodeInternal, err.Error())
		return
	}
	snap, ok := s.manager.SnapshotFor(handle)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.CodeRefNotFound, "no session for window")
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Session:       sessionResponse(snap),
	})
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request, handle model.WindowHandle) {
	var req api.CommandRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "invalid request body")
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "command type is required")
		return
	}
	resp, err := s.manager.SendCommand(r.Context(), handle, req.Type, req.Payload)
	if err != nil {
		status := statusForError(err)
		s.writeError(w, status, model.CodeForError(err), err.Error())
		return
	}
	out := api.CommandResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		CorrelationID: resp.CorrelationID,
		Result:        resp.Result,
	}
	if resp.Error != nil {
		out.Error = &api.APIError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) listSessionEvents(w http.ResponseWriter, r *http.Request, handle model.WindowHandle) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.CodeInternal, "event history is unavailable")
		return
	}
	events, err := s.store.ListSessionEvents(r.Context(), handle, 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.CodeInternal, err.Error())
		return
	}
	items := make([]api.SessionEventItem, 0, len(events))
	for _, ev := range events {
		items = append(items, api.SessionEventItem{
			EventID:      ev.EventID,
			WindowHandle: string(ev.WindowHandle),
			FromState:    string(ev.FromState),
			ToState:      string(ev.ToState),
			ReasonCode:   ev.ReasonCode,
			OccurredAt:   ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, api.SessionEventsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		WindowHandle:  string(handle),
		Events:        items,
	})
}

func (s *Server) portsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.CodeInternal, "assignments are unavailable")
		return
	}
	assignments, err := s.store.ListAssignments(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.CodeInternal, err.Error())
		return
	}
	out := make([]api.AssignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, api.AssignmentResponse{
			WindowHandle: string(a.WindowHandle),
			Port:         a.Port,
			AssignedAt:   a.AssignedAt.UTC().Format(time.RFC3339Nano),
			UpdatedAt:    a.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, api.PortsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Assignments:   out,
	})
}

func sessionResponse(snap session.Snapshot) api.SessionResponse {
	resp := api.SessionResponse{
		WindowHandle:    string(snap.WindowHandle),
		Port:            snap.Port,
		State:           string(snap.State),
		HookVersion:     snap.HookVersion,
		PendingCommands: snap.PendingCommands,
		LastError:       snap.LastError,
	}
	if snap.LastHeartbeatAt != nil {
		v := snap.LastHeartbeatAt.UTC().Format(time.RFC3339Nano)
		resp.LastHeartbeatAt = &v
	}
	return resp
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, model.ErrSessionNotReady):
		return http.StatusConflict
	case errors.Is(err, model.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrConnectionLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.CodeRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
