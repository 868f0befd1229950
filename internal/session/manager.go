// Package session owns the per-window hook session state machine: deciding
// install versus probe, supervising the tunnel endpoint and dispatcher, and
// exposing the session registry to the rest of the daemon. No other
// component mutates session state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hooktun/internal/config"
	"hooktun/internal/db"
	"hooktun/internal/heartbeat"
	"hooktun/internal/model"
	"hooktun/internal/portalloc"
	"hooktun/internal/security"
	"hooktun/internal/tunnel"
)

// Session is one window's tunnel pairing. All fields below ctx/cancel/done
// are guarded by the manager's mutex.
type Session struct {
	handle model.WindowHandle
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ready  sync.Once

	port            int
	state           model.SessionState
	hookVersion     string
	lastHeartbeatAt *time.Time
	lastError       string
	endpoint        *tunnel.Endpoint
	dispatcher      *tunnel.Dispatcher
}

// Snapshot is a read-only view of one session for the API layer.
type Snapshot struct {
	WindowHandle    model.WindowHandle
	Port            int
	State           model.SessionState
	HookVersion     string
	LastHeartbeatAt *time.Time
	PendingCommands int
	LastError       string
}

type Manager struct {
	cfg      config.Config
	log      *slog.Logger
	store    *db.Store
	ports    *portalloc.Allocator
	injector Injector
	hb       *heartbeat.Tracker

	mu       sync.Mutex
	sessions map[model.WindowHandle]*Session
}

func NewManager(cfg config.Config, store *db.Store, ports *portalloc.Allocator, injector Injector, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		log:      log,
		store:    store,
		ports:    ports,
		injector: injector,
		sessions: map[model.WindowHandle]*Session{},
	}
	m.hb = heartbeat.NewTracker(cfg.HeartbeatStaleAfter, m.handleStaleHeartbeat)
	return m
}

// EnsureSession is idempotent: it starts the probe/install cycle for the
// handle if needed and returns once the session is connected or lost.
func (m *Manager) EnsureSession(ctx context.Context, handle model.WindowHandle) (model.SessionState, error) {
	s, _ := m.ensureStarted(handle)
	select {
	case <-s.done:
	case <-ctx.Done():
		return m.stateOf(s), ctx.Err()
	}
	return m.stateOf(s), nil
}

// SyncWindows reconciles the registry against the currently visible window
// set. New handles start their attach cycle concurrently; vanished windows
// are torn down and their ports released.
func (m *Manager) SyncWindows(ctx context.Context, handles []model.WindowHandle) (added, removed int) {
	want := make(map[model.WindowHandle]bool, len(handles))
	for _, h := range handles {
		want[h] = true
	}

	m.mu.Lock()
	var gone []*Session
	for h, s := range m.sessions {
		if !want[h] {
			gone = append(gone, s)
			delete(m.sessions, h)
		}
	}
	m.mu.Unlock()

	for _, s := range gone {
		m.destroy(ctx, s)
		removed++
	}
	for _, h := range handles {
		if _, started := m.ensureStarted(h); started {
			added++
		}
	}
	return added, removed
}

// SendCommand proxies one command to the window's hook. Callers see typed
// failures scoped to this single call; session-level errors stay inside the
// state machine.
func (m *Manager) SendCommand(ctx context.Context, handle model.WindowHandle, cmdType string, payload json.RawMessage) (model.Response, error) {
	m.mu.Lock()
	s, ok := m.sessions[handle]
	if !ok {
		m.mu.Unlock()
		return model.Response{}, fmt.Errorf("window %s has no session: %w", handle, model.ErrSessionNotReady)
	}
	if s.state != model.SessionConnected || s.dispatcher == nil {
		state := s.state
		m.mu.Unlock()
		return model.Response{}, fmt.Errorf("window %s is %s: %w", handle, state, model.ErrSessionNotReady)
	}
	d := s.dispatcher
	m.mu.Unlock()
	return d.Send(ctx, cmdType, payload, 0)
}

// RecordHeartbeat routes one liveness ping, keyed by port, to its window.
// Heartbeats for ports with no assignment are logged and dropped.
func (m *Manager) RecordHeartbeat(port int, metadata map[string]string) (model.WindowHandle, bool) {
	handle, ok := m.ports.HandleFor(port)
	if !ok {
		m.log.Debug("heartbeat for unassigned port", "port", port)
		return "", false
	}
	now := time.Now().UTC()
	m.mu.Lock()
	if s, ok := m.sessions[handle]; ok {
		t := now
		s.lastHeartbeatAt = &t
	}
	m.mu.Unlock()
	m.hb.Record(handle, metadata)
	return handle, true
}

// SessionState returns a read-only state snapshot for one window.
func (m *Manager) SessionState(handle model.WindowHandle) (model.SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[handle]
	if !ok {
		return "", false
	}
	return s.state, true
}

func (m *Manager) SnapshotFor(handle model.WindowHandle) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[handle]
	if !ok {
		return Snapshot{}, false
	}
	return m.snapshotLocked(s), true
}

func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.snapshotLocked(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowHandle < out[j].WindowHandle })
	return out
}

// Close tears down live tunnels for daemon shutdown. Port assignments stay
// persisted so hooks can be reattached by probing after restart.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[model.WindowHandle]*Session{}
	m.mu.Unlock()

	for _, s := range sessions {
		m.mu.Lock()
		ep, d := s.endpoint, s.dispatcher
		s.endpoint, s.dispatcher = nil, nil
		m.mu.Unlock()
		if d != nil {
			d.Close(model.ErrConnectionLost)
		}
		if ep != nil {
			ep.Close() //nolint:errcheck
		}
		s.cancel()
	}
}

func (m *Manager) ensureStarted(handle model.WindowHandle) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[handle]; ok {
		return s, false
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		handle: handle,
		state:  model.SessionUnattached,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.sessions[handle] = s
	go m.attachSession(s)
	return s, true
}

// attachSession runs the probe-then-install cycle until the session is
// connected or its attach budget is spent. Identity mismatches restart the
// cycle; anything else is terminal.
func (m *Manager) attachSession(s *Session) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.AttachMaxAttempts; attempt++ {
		if err := s.ctx.Err(); err != nil {
			m.fail(s, err)
			return
		}
		if port, ok := m.ports.PortFor(s.handle); ok {
			m.setState(s, model.SessionProbing, "")
			res, err := m.probeWindow(s.ctx, s, []int{port})
			if err == nil {
				m.adopt(s, res.endpoint, res.dispatcher, res.ident, "probe_reattached")
				return
			}
			m.log.Debug("probe found no live hook", "window", s.handle, "port", port, "error", err)
		}
		m.setState(s, model.SessionInstalling, "")
		err := m.install(s)
		if err == nil {
			return
		}
		lastErr = err
		if errors.Is(err, model.ErrIdentityMismatch) {
			m.log.Warn("peer failed identity check, restarting attach cycle",
				"window", s.handle, "attempt", attempt, "error", err)
			continue
		}
		m.fail(s, err)
		return
	}
	// Attach budget spent: drop the assignment so the port returns to the
	// candidate pool.
	if err := m.ports.Release(context.Background(), s.handle); err != nil {
		m.log.Warn("release port after attach failure", "window", s.handle, "error", err)
	}
	if lastErr == nil {
		lastErr = model.ErrIdentityMismatch
	}
	m.fail(s, lastErr)
}

// install allocates a port, injects the hook and waits for it to dial back.
// A port stolen by an unrelated process triggers reassignment, bounded by
// the install budget.
func (m *Manager) install(s *Session) error {
	ctx := s.ctx
	var ep *tunnel.Endpoint
	var port int
	for i := 0; i < m.cfg.InstallMaxAttempts; i++ {
		var err error
		port, err = m.ports.Assign(ctx, s.handle)
		if err != nil {
			return err
		}
		ep, err = tunnel.Listen(m.cfg.ListenHost, port, m.log)
		if err == nil {
			break
		}
		ep = nil
		if errors.Is(err, model.ErrPortInUse) {
			m.log.Warn("assigned port held by another process, reassigning",
				"window", s.handle, "port", port)
			if rerr := m.ports.Release(ctx, s.handle); rerr != nil {
				return rerr
			}
			if werr := m.backoff(ctx, i); werr != nil {
				return werr
			}
			continue
		}
		return err
	}
	if ep == nil {
		return fmt.Errorf("install %s: attempts exhausted: %w", s.handle, model.ErrPortInUse)
	}

	m.mu.Lock()
	s.port = port
	m.mu.Unlock()

	if err := m.injector.InjectHook(ctx, s.handle, port); err != nil {
		ep.Close() //nolint:errcheck
		return err
	}
	conn, err := ep.AcceptOnce(ctx, m.cfg.ConnectTimeout)
	if err != nil {
		ep.Close() //nolint:errcheck
		return fmt.Errorf("hook on %s never dialed back: %w", s.handle, err)
	}
	d, ident, err := m.verifyConn(ctx, s, conn)
	if err != nil {
		ep.Close() //nolint:errcheck
		return err
	}
	m.adopt(s, ep, d, ident, "installed")
	return nil
}

// verifyConn wires a dispatcher to a fresh peer and runs the identity check:
// the peer must report the configured target application, otherwise the
// session attaches to an unrelated process squatting on a recycled port.
func (m *Manager) verifyConn(ctx context.Context, s *Session, conn *tunnel.Conn) (*tunnel.Dispatcher, model.IdentifyResult, error) {
	var d *tunnel.Dispatcher
	d = tunnel.NewDispatcher(conn, m.cfg.CommandTimeout, m.log, func(error) {
		m.handleSocketClosed(s, d)
	})
	resp, err := d.Send(ctx, model.CommandIdentify, nil, m.cfg.CommandTimeout)
	if err != nil {
		d.Close(err)
		return nil, model.IdentifyResult{}, fmt.Errorf("identify %s: %v: %w", s.handle, err, model.ErrIdentityMismatch)
	}
	if resp.Error != nil {
		d.Close(model.ErrIdentityMismatch)
		return nil, model.IdentifyResult{}, fmt.Errorf("identify %s rejected (%s): %w", s.handle, resp.Error.Code, model.ErrIdentityMismatch)
	}
	var ident model.IdentifyResult
	if err := json.Unmarshal(resp.Result, &ident); err != nil {
		d.Close(model.ErrIdentityMismatch)
		return nil, model.IdentifyResult{}, fmt.Errorf("identify %s: malformed result: %w", s.handle, model.ErrIdentityMismatch)
	}
	if m.cfg.HookApp != "" && !strings.EqualFold(ident.App, m.cfg.HookApp) {
		d.Close(model.ErrIdentityMismatch)
		return nil, model.IdentifyResult{}, fmt.Errorf("identify %s: peer is %q, want %q: %w", s.handle, ident.App, m.cfg.HookApp, model.ErrIdentityMismatch)
	}
	return d, ident, nil
}

func (m *Manager) adopt(s *Session, ep *tunnel.Endpoint, d *tunnel.Dispatcher, ident model.IdentifyResult, reason string) {
	m.mu.Lock()
	s.port = ep.Port()
	s.endpoint = ep
	s.dispatcher = d
	if ident.HookVersion != "" {
		s.hookVersion = ident.HookVersion
	}
	m.transitionLocked(s, model.SessionConnected, reason)
	m.mu.Unlock()
	go m.acceptLoop(s, ep)
}

// acceptLoop keeps the endpoint open for peer reconnects: the hook redials
// after every page reload, and a degraded session recovers here.
func (m *Manager) acceptLoop(s *Session, ep *tunnel.Endpoint) {
	for {
		conn, err := ep.AcceptOnce(s.ctx, 0)
		if err != nil {
			return
		}
		d, ident, err := m.verifyConn(s.ctx, s, conn)
		if err != nil {
			m.log.Warn("reconnecting peer failed identity check", "window", s.handle, "error", err)
			continue
		}
		m.mu.Lock()
		if s.state.Terminal() || s.endpoint != ep {
			m.mu.Unlock()
			d.Close(model.ErrConnectionLost)
			return
		}
		old := s.dispatcher
		s.dispatcher = d
		if ident.HookVersion != "" {
			s.hookVersion = ident.HookVersion
		}
		if s.state == model.SessionDegraded {
			m.transitionLocked(s, model.SessionConnected, "peer_reconnected")
		}
		m.mu.Unlock()
		if old != nil && old != d {
			old.Close(model.ErrConnectionLost)
		}
	}
}

// handleSocketClosed turns a dispatcher shutdown into a state transition.
// Heartbeat liveness decides between degraded and lost; pending commands
// were already failed with ConnectionLost by the dispatcher.
func (m *Manager) handleSocketClosed(s *Session, d *tunnel.Dispatcher) {
	if d == nil {
		return
	}
	m.mu.Lock()
	if s.dispatcher != d || s.state.Terminal() {
		m.mu.Unlock()
		return
	}
	s.dispatcher = nil
	if m.hb.Alive(s.handle) {
		m.transitionLocked(s, model.SessionDegraded, model.CodeConnectionLost)
		m.mu.Unlock()
		return
	}
	m.transitionLocked(s, model.SessionLost, model.CodeConnectionLost)
	ep := s.endpoint
	s.endpoint = nil
	m.mu.Unlock()
	if ep != nil {
		ep.Close() //nolint:errcheck
	}
	s.cancel()
}

// handleStaleHeartbeat fires from the tracker once per silence period. Only
// a degraded session is lost to staleness; while the socket is up a
// heartbeat gap is informational.
func (m *Manager) handleStaleHeartbeat(handle model.WindowHandle) {
	m.mu.Lock()
	s, ok := m.sessions[handle]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.state != model.SessionDegraded {
		m.log.Debug("heartbeat stale", "window", handle, "state", s.state)
		m.mu.Unlock()
		return
	}
	m.transitionLocked(s, model.SessionLost, "heartbeat_stale")
	ep, d := s.endpoint, s.dispatcher
	s.endpoint, s.dispatcher = nil, nil
	m.mu.Unlock()
	if d != nil {
		d.Close(model.ErrConnectionLost)
	}
	if ep != nil {
		ep.Close() //nolint:errcheck
	}
	s.cancel()
}

// destroy tears a session down because its window closed. Unlike Close, the
// port assignment is released for reuse.
func (m *Manager) destroy(ctx context.Context, s *Session) {
	m.mu.Lock()
	if !s.state.Terminal() {
		m.transitionLocked(s, model.SessionLost, "window_closed")
	}
	ep, d := s.endpoint, s.dispatcher
	s.endpoint, s.dispatcher = nil, nil
	m.mu.Unlock()
	if d != nil {
		d.Close(model.ErrConnectionLost)
	}
	if ep != nil {
		ep.Close() //nolint:errcheck
	}
	s.cancel()
	m.hb.Forget(s.handle)
	if err := m.ports.Release(ctx, s.handle); err != nil {
		m.log.Warn("release port for closed window", "window", s.handle, "error", err)
	}
}

func (m *Manager) fail(s *Session, err error) {
	m.mu.Lock()
	if s.state.Terminal() {
		m.mu.Unlock()
		return
	}
	if err != nil {
		s.lastError = security.Redact(err.Error())
	}
	m.transitionLocked(s, model.SessionLost, model.CodeForError(err))
	ep, d := s.endpoint, s.dispatcher
	s.endpoint, s.dispatcher = nil, nil
	m.mu.Unlock()

	if errors.Is(err, model.ErrInjectionDenied) {
		// The one error class surfaced to the user: no internal retry can
		// grant a missing permission.
		m.log.Error("hook injection denied; user action required", "window", s.handle, "error", err)
	} else if err != nil {
		m.log.Warn("session lost", "window", s.handle, "error", err)
	}
	if d != nil {
		d.Close(err)
	}
	if ep != nil {
		ep.Close() //nolint:errcheck
	}
	s.cancel()
}

func (m *Manager) setState(s *Session, to model.SessionState, reason string) {
	m.mu.Lock()
	m.transitionLocked(s, to, reason)
	m.mu.Unlock()
}

func (m *Manager) transitionLocked(s *Session, to model.SessionState, reason string) {
	from := s.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		m.log.Error("invalid session transition", "window", s.handle, "from", from, "to", to)
		return
	}
	s.state = to
	m.log.Info("session state changed",
		"window", s.handle, "from", from, "to", to, "reason", reason, "port", s.port)
	m.auditTransition(s.handle, from, to, reason)
	if to == model.SessionConnected || to == model.SessionLost {
		s.ready.Do(func() { close(s.done) })
	}
}

func (m *Manager) auditTransition(handle model.WindowHandle, from, to model.SessionState, reason string) {
	if m.store == nil {
		return
	}
	ev := model.SessionEvent{
		EventID:      uuid.NewString(),
		WindowHandle: handle,
		FromState:    from,
		ToState:      to,
		ReasonCode:   reason,
		OccurredAt:   time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.store.InsertSessionEvent(ctx, ev); err != nil {
			m.log.Warn("record session event", "window", handle, "error", err)
		}
	}()
}

func (m *Manager) backoff(ctx context.Context, attempt int) error {
	if attempt >= len(m.cfg.RetryBackoff) {
		if len(m.cfg.RetryBackoff) == 0 {
			return nil
		}
		attempt = len(m.cfg.RetryBackoff) - 1
	}
	timer := time.NewTimer(m.cfg.RetryBackoff[attempt])
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) stateOf(s *Session) model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.state
}

func (m *Manager) snapshotLocked(s *Session) Snapshot {
	snap := Snapshot{
		WindowHandle:    s.handle,
		Port:            s.port,
		State:           s.state,
		HookVersion:     s.hookVersion,
		LastHeartbeatAt: s.lastHeartbeatAt,
		LastError:       s.lastError,
	}
	if s.dispatcher != nil {
		snap.PendingCommands = s.dispatcher.PendingCount()
	}
	return snap
}
