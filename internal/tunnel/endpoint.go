// Package tunnel implements the per-window command channel between the
// daemon and an injected hook: a loopback WebSocket endpoint the hook dials
// back to, and a dispatcher correlating command/response envelopes over it.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"hooktun/internal/model"
)

// Endpoint is a listening tunnel socket bound to one allocated port. At most
// one peer is active per endpoint; a newer peer displaces the current one,
// since the hook legitimately reconnects after a page reload.
type Endpoint struct {
	port     int
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	active  *Conn
	pending chan *Conn
	done    chan struct{}
	closed  bool
}

// Listen binds the endpoint on host:port. A port held by an unrelated
// process yields ErrPortInUse so the caller reassigns instead of retrying.
func Listen(host string, port int, log *slog.Logger) (*Endpoint, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("bind port %d: %w", port, model.ErrPortInUse)
		}
		return nil, fmt.Errorf("bind port %d: %w", port, err)
	}
	return NewEndpoint(ln, log), nil
}

// NewEndpoint serves the tunnel on an existing listener. Tests use this with
// a listener on an ephemeral port.
func NewEndpoint(ln net.Listener, log *slog.Logger) *Endpoint {
	if log == nil {
		log = slog.Default()
	}
	e := &Endpoint{
		ln:      ln,
		log:     log,
		pending: make(chan *Conn, 1),
		done:    make(chan struct{}),
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		e.port = addr.Port
	}
	// Hooks dial from an embedded web view; the Origin header is whatever
	// page the target application has loaded.
	e.upgrader = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.upgradeHandler)
	e.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Debug("endpoint serve ended", "port", e.port, "error", err)
		}
	}()
	return e
}

func (e *Endpoint) Port() int {
	return e.port
}

func (e *Endpoint) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Debug("upgrade rejected", "port", e.port, "error", err)
		return
	}
	conn := newConn(ws)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close() //nolint:errcheck
		return
	}
	if prev := e.active; prev != nil {
		// Newer peer wins.
		prev.Close() //nolint:errcheck
	}
	e.active = conn
	// Replace an undelivered earlier peer rather than queueing behind it.
	select {
	case stale := <-e.pending:
		stale.Close() //nolint:errcheck
	default:
	}
	e.pending <- conn
	e.mu.Unlock()
}

// AcceptOnce yields the next peer connection. A timeout of zero waits until
// the context is cancelled or the endpoint closes.
func (e *Endpoint) AcceptOnce(ctx context.Context, timeout time.Duration) (*Conn, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case conn := <-e.pending:
		return conn, nil
	case <-expired:
		return nil, fmt.Errorf("accept on port %d: %w", e.port, model.ErrAcceptTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, fmt.Errorf("accept on port %d: %w", e.port, model.ErrEndpointClosed)
	}
}

// Close shuts the listener and the active peer. Idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	active := e.active
	e.active = nil
	close(e.done)
	select {
	case stale := <-e.pending:
		stale.Close() //nolint:errcheck
	default:
	}
	e.mu.Unlock()

	if active != nil {
		active.Close() //nolint:errcheck
	}
	return e.srv.Close()
}
