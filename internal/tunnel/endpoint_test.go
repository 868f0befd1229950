package tunnel_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hooktun/internal/model"
	"hooktun/internal/tunnel"
)

func newTestEndpoint(t *testing.T) *tunnel.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ep := tunnel.NewEndpoint(ln, nil)
	t.Cleanup(func() {
		_ = ep.Close()
	})
	return ep
}

// fakeHook is a scripted peer standing in for the injected page script. It
// dials the endpoint and answers commands with the configured handler.
type fakeHook struct {
	t       *testing.T
	ws      *websocket.Conn
	handler func(model.Command) model.Response
	closed  sync.Once
}

func identifyAs(app, version string) func(model.Command) model.Response {
	return func(cmd model.Command) model.Response {
		if cmd.Type != model.CommandIdentify {
			return model.Response{
				CorrelationID: cmd.CorrelationID,
				Error:         &model.WireError{Code: "E_UNSUPPORTED", Message: "unknown command"},
			}
		}
		raw, _ := json.Marshal(model.IdentifyResult{App: app, HookVersion: version})
		return model.Response{CorrelationID: cmd.CorrelationID, Result: raw}
	}
}

func dialHook(t *testing.T, port int, handler func(model.Command) model.Response) *fakeHook {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	ws, _, err := dialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	if err != nil {
		t.Fatalf("dial endpoint: %v", err)
	}
	h := &fakeHook{t: t, ws: ws, handler: handler}
	t.Cleanup(h.close)
	go h.serve()
	return h
}

func (h *fakeHook) serve() {
	for {
		var cmd model.Command
		if err := h.ws.ReadJSON(&cmd); err != nil {
			return
		}
		if h.handler == nil {
			continue
		}
		resp := h.handler(cmd)
		if err := h.ws.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (h *fakeHook) close() {
	h.closed.Do(func() {
		_ = h.ws.Close()
	})
}

func TestAcceptOnceDeliversPeer(t *testing.T) {
	ep := newTestEndpoint(t)
	dialHook(t, ep.Port(), nil)

	conn, err := ep.AcceptOnce(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close() //nolint:errcheck
	if conn.RemoteAddr() == "" {
		t.Fatal("accepted conn has no remote addr")
	}
}

func TestAcceptOnceTimesOut(t *testing.T) {
	ep := newTestEndpoint(t)
	_, err := ep.AcceptOnce(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, model.ErrAcceptTimeout) {
		t.Fatalf("err = %v, want ErrAcceptTimeout", err)
	}
}

func TestAcceptOnceHonorsContext(t *testing.T) {
	ep := newTestEndpoint(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := ep.AcceptOnce(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewerPeerDisplacesOlder(t *testing.T) {
	ep := newTestEndpoint(t)

	dialHook(t, ep.Port(), nil)
	first, err := ep.AcceptOnce(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("accept first: %v", err)
	}

	dialHook(t, ep.Port(), nil)
	second, err := ep.AcceptOnce(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("accept second: %v", err)
	}
	defer second.Close() //nolint:errcheck

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("older peer not closed when newer connected")
	}
}

func TestUndeliveredPeerReplacedNotQueued(t *testing.T) {
	ep := newTestEndpoint(t)

	dialHook(t, ep.Port(), identifyAs("A", "1"))
	time.Sleep(50 * time.Millisecond)
	dialHook(t, ep.Port(), identifyAs("B", "2"))
	time.Sleep(50 * time.Millisecond)

	// Only the newest connection is handed out.
	conn, err := ep.AcceptOnce(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close() //nolint:errcheck

	if _, err := ep.AcceptOnce(context.Background(), 80*time.Millisecond); !errors.Is(err, model.ErrAcceptTimeout) {
		t.Fatalf("second accept = %v, want timeout (no queued stale peer)", err)
	}
}

func TestCloseUnblocksAccept(t *testing.T) {
	ep := newTestEndpoint(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := ep.AcceptOnce(context.Background(), 0)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := ep.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, model.ErrEndpointClosed) {
			t.Fatalf("accept after close = %v, want ErrEndpointClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accept not unblocked by close")
	}
	// Idempotent.
	if err := ep.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestClosedEndpointReleasesPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ep := tunnel.NewEndpoint(ln, nil)
	port := ep.Port()
	if err := ep.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The port must be bindable again immediately.
	relisten, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("rebind after close: %v", err)
	}
	_ = relisten.Close()
}

func TestListenReportsPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close() //nolint:errcheck
	port := ln.Addr().(*net.TCPAddr).Port

	_, err = tunnel.Listen("127.0.0.1", port, nil)
	if !errors.Is(err, model.ErrPortInUse) {
		t.Fatalf("err = %v, want ErrPortInUse", err)
	}
}
