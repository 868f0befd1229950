// Package portalloc hands out unique local tunnel ports per window handle and
// keeps the window→port mapping persistent so hooks can be reattached across
// daemon restarts.
package portalloc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"hooktun/internal/config"
	"hooktun/internal/db"
	"hooktun/internal/model"
)

// BindChecker reports whether a port can currently be bound on the host.
// Swapped out in tests.
type BindChecker func(host string, port int) bool

type Allocator struct {
	store *db.Store
	host  string
	// range is [start, end); cursor advances monotonically and wraps.
	start, end int
	bindFree   BindChecker

	mu       sync.Mutex
	cursor   int
	byHandle map[model.WindowHandle]int
	byPort   map[int]model.WindowHandle
}

// New loads persisted assignments from the store. Live sessions for those
// assignments are re-established by the session manager, not here.
func New(ctx context.Context, store *db.Store, cfg config.Config) (*Allocator, error) {
	a := &Allocator{
		store:    store,
		host:     cfg.ListenHost,
		start:    cfg.PortRangeStart,
		end:      cfg.PortRangeEnd,
		bindFree: defaultBindFree,
		cursor:   cfg.PortRangeStart,
		byHandle: map[model.WindowHandle]int{},
		byPort:   map[int]model.WindowHandle{},
	}
	assignments, err := store.ListAssignments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	for _, asg := range assignments {
		a.byHandle[asg.WindowHandle] = asg.Port
		a.byPort[asg.Port] = asg.WindowHandle
	}
	return a, nil
}

// WithBindChecker replaces the OS-level availability check.
func (a *Allocator) WithBindChecker(fn BindChecker) *Allocator {
	a.bindFree = fn
	return a
}

// Assign returns the persisted port for the handle if one exists, otherwise
// commits the first free candidate past the cursor. Safe for concurrent
// session setups; two handles never receive the same port.
func (a *Allocator) Assign(ctx context.Context, handle model.WindowHandle) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byHandle[handle]; ok {
		return port, nil
	}

	span := a.end - a.start
	for i := 0; i < span; i++ {
		port := a.cursor
		a.cursor++
		if a.cursor >= a.end {
			a.cursor = a.start
		}
		if _, taken := a.byPort[port]; taken {
			continue
		}
		if !a.bindFree(a.host, port) {
			continue
		}
		if err := a.store.UpsertAssignment(ctx, model.PortAssignment{
			WindowHandle: handle,
			Port:         port,
		}); err != nil {
			return 0, err
		}
		a.byHandle[handle] = port
		a.byPort[port] = handle
		return port, nil
	}
	return 0, fmt.Errorf("assign %s in %d-%d: %w", handle, a.start, a.end, model.ErrPortsExhausted)
}

// Release frees the handle's port for future candidates. Open sessions are
// not retroactively reassigned.
func (a *Allocator) Release(ctx context.Context, handle model.WindowHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byHandle[handle]
	if !ok {
		return nil
	}
	if err := a.store.DeleteAssignment(ctx, handle); err != nil && err != db.ErrNotFound {
		return err
	}
	delete(a.byHandle, handle)
	delete(a.byPort, port)
	return nil
}

func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.byPort[port]
	return ok
}

// PortFor returns the persisted port for a handle, if any.
func (a *Allocator) PortFor(handle model.WindowHandle) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byHandle[handle]
	return port, ok
}

// HandleFor resolves a port back to its window, used to route heartbeats.
func (a *Allocator) HandleFor(port int) (model.WindowHandle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	handle, ok := a.byPort[port]
	return handle, ok
}

func defaultBindFree(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close() //nolint:errcheck
	return true
}
