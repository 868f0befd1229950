package heartbeat

import (
	"sync"
	"testing"
	"time"

	"hooktun/internal/model"
)

type staleRecorder struct {
	mu    sync.Mutex
	fired []model.WindowHandle
}

func (r *staleRecorder) onStale(handle model.WindowHandle) {
	r.mu.Lock()
	r.fired = append(r.fired, handle)
	r.mu.Unlock()
}

func (r *staleRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRecordMarksAlive(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	if tr.Alive("win-1") {
		t.Fatal("alive before any heartbeat")
	}
	tr.Record("win-1", map[string]string{"v": "1"})
	if !tr.Alive("win-1") {
		t.Fatal("not alive after heartbeat")
	}
	if _, ok := tr.LastSeen("win-1"); !ok {
		t.Fatal("LastSeen missing after heartbeat")
	}
}

func TestStaleFiresOnceAfterSilence(t *testing.T) {
	rec := &staleRecorder{}
	tr := NewTracker(30*time.Millisecond, rec.onStale)

	tr.Record("win-1", nil)
	waitFor(t, time.Second, func() bool { return rec.count() == 1 })

	if tr.Alive("win-1") {
		t.Fatal("still alive after staleness fired")
	}
	// No second callback without a fresh heartbeat.
	time.Sleep(80 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("onStale fired %d times, want 1", got)
	}
}

func TestFreshHeartbeatDefersStaleness(t *testing.T) {
	rec := &staleRecorder{}
	tr := NewTracker(60*time.Millisecond, rec.onStale)

	tr.Record("win-1", nil)
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		tr.Record("win-1", nil)
	}
	if got := rec.count(); got != 0 {
		t.Fatalf("onStale fired %d times while heartbeats were fresh", got)
	}
	if !tr.Alive("win-1") {
		t.Fatal("not alive while heartbeats were fresh")
	}

	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
}

func TestHeartbeatAfterStaleRevives(t *testing.T) {
	rec := &staleRecorder{}
	tr := NewTracker(25*time.Millisecond, rec.onStale)

	tr.Record("win-1", nil)
	waitFor(t, time.Second, func() bool { return rec.count() == 1 })

	tr.Record("win-1", nil)
	if !tr.Alive("win-1") {
		t.Fatal("not alive after reviving heartbeat")
	}
	waitFor(t, time.Second, func() bool { return rec.count() == 2 })
}

func TestForgetStopsTracking(t *testing.T) {
	rec := &staleRecorder{}
	tr := NewTracker(30*time.Millisecond, rec.onStale)

	tr.Record("win-1", nil)
	tr.Forget("win-1")

	if tr.Alive("win-1") {
		t.Fatal("alive after forget")
	}
	time.Sleep(80 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("onStale fired %d times after forget", got)
	}
}

func TestTrackerIsolatesHandles(t *testing.T) {
	rec := &staleRecorder{}
	tr := NewTracker(30*time.Millisecond, rec.onStale)

	tr.Record("win-stale", nil)
	waitFor(t, time.Second, func() bool { return rec.count() == 1 })

	tr.Record("win-fresh", nil)
	if !tr.Alive("win-fresh") {
		t.Fatal("fresh handle affected by stale sibling")
	}
	rec.mu.Lock()
	fired := rec.fired[0]
	rec.mu.Unlock()
	if fired != "win-stale" {
		t.Fatalf("onStale fired for %q, want win-stale", fired)
	}
}
