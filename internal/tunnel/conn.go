package tunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hooktun/internal/model"
)

const closeGrace = 250 * time.Millisecond

// Conn is one peer connection on a tunnel endpoint. Writes are serialized;
// reads are owned by a single dispatcher loop.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		done: make(chan struct{}),
	}
}

// Send writes one command envelope to the peer.
func (c *Conn) Send(cmd model.Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(cmd); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, model.ErrConnectionLost)
	}
	return nil
}

// Receive blocks for the next response envelope. It returns
// ErrConnectionLost once the socket closes, ending the stream.
func (c *Conn) Receive() (model.Response, error) {
	var resp model.Response
	if err := c.ws.ReadJSON(&resp); err != nil {
		return model.Response{}, fmt.Errorf("read envelope: %w", model.ErrConnectionLost)
	}
	return resp, nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(closeGrace)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		err = c.ws.Close()
		close(c.done)
	})
	return err
}

// Done is closed once the connection has been closed locally.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
