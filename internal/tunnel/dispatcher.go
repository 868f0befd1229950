package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hooktun/internal/model"
)

// Dispatcher correlates command/response pairs over one peer connection.
// Every Send resolves exactly once: matching response, timeout, or
// connection loss. Late responses after a timeout are logged and dropped.
type Dispatcher struct {
	conn           *Conn
	log            *slog.Logger
	defaultTimeout time.Duration
	onClose        func(error)

	mu        sync.Mutex
	pending   map[string]chan model.Response
	closed    bool
	closeErr  error
	done      chan struct{}
	closeOnce sync.Once
}

// NewDispatcher wires a dispatcher to a connection and starts its read loop.
// onClose fires once when the read loop ends, after all outstanding waiters
// have been failed with ConnectionLost.
func NewDispatcher(conn *Conn, defaultTimeout time.Duration, log *slog.Logger, onClose func(error)) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		conn:           conn,
		log:            log,
		defaultTimeout: defaultTimeout,
		onClose:        onClose,
		pending:        map[string]chan model.Response{},
		done:           make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// Send writes one command and suspends until its response, the timeout, the
// context, or connection loss. A timeout of zero uses the default.
func (d *Dispatcher) Send(ctx context.Context, cmdType string, payload json.RawMessage, timeout time.Duration) (model.Response, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	id := uuid.NewString()
	ch := make(chan model.Response, 1)

	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		return model.Response{}, fmt.Errorf("send %s: %w", cmdType, err)
	}
	d.pending[id] = ch
	d.mu.Unlock()

	cmd := model.Command{CorrelationID: id, Type: cmdType, Payload: payload}
	if err := d.conn.Send(cmd); err != nil {
		d.remove(id)
		return model.Response{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		if d.remove(id) {
			return model.Response{}, fmt.Errorf("command %s: %w", cmdType, model.ErrCommandTimeout)
		}
		// A response landed between the timer firing and removal; it was
		// already delivered to our buffered channel, so take it. Never both.
		return <-ch, nil
	case <-ctx.Done():
		if d.remove(id) {
			return model.Response{}, ctx.Err()
		}
		return <-ch, nil
	case <-d.done:
		return model.Response{}, fmt.Errorf("command %s: %w", cmdType, d.closeCause())
	}
}

// PendingCount reports commands currently awaiting a response.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails every outstanding waiter and closes the connection. Idempotent;
// the first cause wins.
func (d *Dispatcher) Close(cause error) {
	if cause == nil {
		cause = model.ErrConnectionLost
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.closeErr = cause
		close(d.done)
		d.mu.Unlock()
		d.conn.Close() //nolint:errcheck
	})
}

// Done is closed once the dispatcher has shut down.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) readLoop() {
	for {
		resp, err := d.conn.Receive()
		if err != nil {
			d.Close(model.ErrConnectionLost)
			if d.onClose != nil {
				d.onClose(err)
			}
			return
		}
		d.resolve(resp)
	}
}

func (d *Dispatcher) resolve(resp model.Response) {
	d.mu.Lock()
	ch, ok := d.pending[resp.CorrelationID]
	if ok {
		delete(d.pending, resp.CorrelationID)
	}
	d.mu.Unlock()
	if !ok {
		// Already timed out, or unsolicited. Drop, never crash.
		d.log.Debug("dropping response without waiter", "correlation_id", resp.CorrelationID)
		return
	}
	ch <- resp
}

func (d *Dispatcher) remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[id]; !ok {
		return false
	}
	delete(d.pending, id)
	return true
}

func (d *Dispatcher) closeCause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return model.ErrConnectionLost
}
