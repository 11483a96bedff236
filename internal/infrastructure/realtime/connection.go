package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	sendBacklog = 128
)

var (
	errConnClosed  = errors.New("realtime: connection closed")
	errBacklogFull = errors.New("realtime: outbound backlog full, frame dropped")
)

// conn is the client half of one websocket session. All socket writes happen
// on the write pump goroutine; producers hand frames over through a bounded
// queue and never touch the network themselves.
type conn struct {
	id string
	ws *websocket.Conn

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		id:   uuid.NewString(),
		ws:   ws,
		out:  make(chan []byte, sendBacklog),
		done: make(chan struct{}),
	}
}

// enqueue hands payload to the write pump without blocking. A full backlog
// drops this frame and reports it, leaving the session up: the server's next
// authoritative event reconciles whatever the dropped frame would have said.
func (c *conn) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	// A shutdown landing between the check above and the send below only
	// queues the frame where nobody will drain it; best-effort is fine here.
	select {
	case c.out <- payload:
		return nil
	default:
		return errBacklogFull
	}
}

// shutdown stops the write pump and closes the socket. The outbound queue is
// deliberately left open: a producer racing shutdown enqueues into a queue
// nobody drains anymore, which is harmless, while closing the channel under a
// concurrent enqueue would not be.
func (c *conn) shutdown(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// writePump drains the outbound queue and keeps the session alive with
// periodic pings. A failed write means the socket is gone; the pump shuts the
// session down itself and the read side surfaces the disconnect.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.shutdown(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *conn) write(messageType int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, payload)
}
