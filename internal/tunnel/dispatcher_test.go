package tunnel_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"hooktun/internal/model"
	"hooktun/internal/tunnel"
)

func acceptWithHook(t *testing.T, handler func(model.Command) model.Response) (*tunnel.Endpoint, *tunnel.Conn) {
	t.Helper()
	ep := newTestEndpoint(t)
	dialHook(t, ep.Port(), handler)
	conn, err := ep.AcceptOnce(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return ep, conn
}

func TestSendResolvesByCorrelationID(t *testing.T) {
	_, conn := acceptWithHook(t, func(cmd model.Command) model.Response {
		return model.Response{
			CorrelationID: cmd.CorrelationID,
			Result:        json.RawMessage(`{"echo":"` + cmd.Type + `"}`),
		}
	})
	d := tunnel.NewDispatcher(conn, 2*time.Second, nil, nil)
	defer d.Close(nil)

	resp, err := d.Send(context.Background(), "editor.getState", nil, 0)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var result struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Echo != "editor.getState" {
		t.Fatalf("echo = %q", result.Echo)
	}
	if d.PendingCount() != 0 {
		t.Fatalf("pending = %d after resolution", d.PendingCount())
	}
}

func TestConcurrentSendsResolveIndependently(t *testing.T) {
	_, conn := acceptWithHook(t, func(cmd model.Command) model.Response {
		return model.Response{CorrelationID: cmd.CorrelationID, Result: cmd.Payload}
	})
	d := tunnel.NewDispatcher(conn, 2*time.Second, nil, nil)
	defer d.Close(nil)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]int{"i": i})
			resp, err := d.Send(context.Background(), "echo", payload, 0)
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
			var got map[string]int
			if err := json.Unmarshal(resp.Result, &got); err != nil || got["i"] != i {
				t.Errorf("send %d resolved with wrong payload: %s", i, resp.Result)
			}
		}(i)
	}
	wg.Wait()
}

func TestSendTimesOutWithoutResponse(t *testing.T) {
	_, conn := acceptWithHook(t, nil) // hook never answers
	d := tunnel.NewDispatcher(conn, time.Hour, nil, nil)
	defer d.Close(nil)

	start := time.Now()
	_, err := d.Send(context.Background(), "editor.getState", nil, 60*time.Millisecond)
	if !errors.Is(err, model.ErrCommandTimeout) {
		t.Fatalf("err = %v, want ErrCommandTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout took far longer than requested")
	}
	if d.PendingCount() != 0 {
		t.Fatalf("pending = %d after timeout", d.PendingCount())
	}
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	_, conn := acceptWithHook(t, func(cmd model.Command) model.Response {
		time.Sleep(150 * time.Millisecond)
		return model.Response{CorrelationID: cmd.CorrelationID, Result: json.RawMessage(`{}`)}
	})
	d := tunnel.NewDispatcher(conn, 2*time.Second, nil, nil)
	defer d.Close(nil)

	_, err := d.Send(context.Background(), "slow", nil, 40*time.Millisecond)
	if !errors.Is(err, model.ErrCommandTimeout) {
		t.Fatalf("err = %v, want ErrCommandTimeout", err)
	}

	// The late response must neither resolve the old call nor break the
	// channel for new ones.
	time.Sleep(200 * time.Millisecond)
	resp, err := d.Send(context.Background(), "fast", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("send after late response: %v", err)
	}
	if resp.CorrelationID == "" {
		t.Fatal("response missing correlation id")
	}
}

func TestConnectionLossFailsPendingSends(t *testing.T) {
	ep := newTestEndpoint(t)
	hook := dialHook(t, ep.Port(), nil)
	conn, err := ep.AcceptOnce(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	closedCh := make(chan struct{})
	var closeOnce sync.Once
	d := tunnel.NewDispatcher(conn, time.Hour, nil, func(error) {
		closeOnce.Do(func() { close(closedCh) })
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), "editor.getState", nil, time.Hour)
		errCh <- err
	}()
	time.Sleep(30 * time.Millisecond)
	hook.close()

	select {
	case err := <-errCh:
		if !errors.Is(err, model.ErrConnectionLost) {
			t.Fatalf("err = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending send not failed after peer closed")
	}
	select {
	case <-closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not invoked")
	}
}

func TestSendAfterCloseFailsFast(t *testing.T) {
	_, conn := acceptWithHook(t, nil)
	d := tunnel.NewDispatcher(conn, time.Second, nil, nil)
	d.Close(model.ErrConnectionLost)

	if _, err := d.Send(context.Background(), "x", nil, 0); !errors.Is(err, model.ErrConnectionLost) {
		t.Fatalf("err = %v, want ErrConnectionLost", err)
	}
	select {
	case <-d.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestSendHonorsContext(t *testing.T) {
	_, conn := acceptWithHook(t, nil)
	d := tunnel.NewDispatcher(conn, time.Hour, nil, nil)
	defer d.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := d.Send(ctx, "x", nil, time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if d.PendingCount() != 0 {
		t.Fatalf("pending = %d after context cancel", d.PendingCount())
	}
}

func TestHookErrorResponsePassedThrough(t *testing.T) {
	_, conn := acceptWithHook(t, func(cmd model.Command) model.Response {
		return model.Response{
			CorrelationID: cmd.CorrelationID,
			Error:         &model.WireError{Code: "E_EVAL", Message: "reference error"},
		}
	})
	d := tunnel.NewDispatcher(conn, 2*time.Second, nil, nil)
	defer d.Close(nil)

	resp, err := d.Send(context.Background(), "editor.eval", nil, 0)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != "E_EVAL" {
		t.Fatalf("error envelope = %+v", resp.Error)
	}
}
