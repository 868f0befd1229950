// Package heartbeat derives a per-window liveness flag from hook pings that
// arrive on a side channel independent of the tunnel socket. The signal is
// deliberately decoupled from socket liveness: a hook may keep emitting
// heartbeats while its command socket is down during a page navigation.
package heartbeat

import (
	"sync"
	"time"

	"hooktun/internal/model"
)

type entry struct {
	lastAt   time.Time
	lastMeta map[string]string
	alive    bool
	timer    *time.Timer
}

type Tracker struct {
	staleAfter time.Duration
	onStale    func(model.WindowHandle)
	now        func() time.Time

	mu      sync.Mutex
	entries map[model.WindowHandle]*entry
}

// NewTracker builds a tracker that flips a handle to stale once staleAfter
// elapses without a newer heartbeat. onStale fires at most once per silence
// period, outside the tracker lock.
func NewTracker(staleAfter time.Duration, onStale func(model.WindowHandle)) *Tracker {
	return &Tracker{
		staleAfter: staleAfter,
		onStale:    onStale,
		now:        time.Now,
		entries:    map[model.WindowHandle]*entry{},
	}
}

// Record stamps the handle's last heartbeat and re-arms its staleness check.
func (t *Tracker) Record(handle model.WindowHandle, metadata map[string]string) {
	t.mu.Lock()
	e, ok := t.entries[handle]
	if !ok {
		e = &entry{}
		t.entries[handle] = e
	}
	e.lastAt = t.now()
	e.lastMeta = metadata
	e.alive = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(t.staleAfter, func() { t.expire(handle) })
	t.mu.Unlock()
}

// Alive reports whether the handle's heartbeat signal is fresh.
func (t *Tracker) Alive(handle model.WindowHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	return ok && e.alive
}

// LastSeen returns the last heartbeat timestamp for a handle.
func (t *Tracker) LastSeen(handle model.WindowHandle) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok || e.lastAt.IsZero() {
		return time.Time{}, false
	}
	return e.lastAt, true
}

// Forget drops all tracking state for a handle.
func (t *Tracker) Forget(handle model.WindowHandle) {
	t.mu.Lock()
	if e, ok := t.entries[handle]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, handle)
	}
	t.mu.Unlock()
}

func (t *Tracker) expire(handle model.WindowHandle) {
	t.mu.Lock()
	e, ok := t.entries[handle]
	if !ok || !e.alive {
		t.mu.Unlock()
		return
	}
	if remaining := t.staleAfter - t.now().Sub(e.lastAt); remaining > 0 {
		// A newer heartbeat landed after this timer was armed.
		e.timer = time.AfterFunc(remaining, func() { t.expire(handle) })
		t.mu.Unlock()
		return
	}
	e.alive = false
	cb := t.onStale
	t.mu.Unlock()
	if cb != nil {
		cb(handle)
	}
}
