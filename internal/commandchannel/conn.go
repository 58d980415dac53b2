package commandchannel

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait bounds every individual control or data frame write. It is not
// configurable: it guards against a stalled socket write blocking the event
// loop's single writer, not against application-level liveness.
const writeWait = 10 * time.Second

// Conn is a single dial attempt's live connection. It is only ever compared
// by pointer identity against Channel.conn to tell a stale connection's
// straggling events apart from the current one -- the Go equivalent of the
// weak-reference check in the reverse server this package is modeled on.
type Conn struct {
	logID string
	ws    *websocket.Conn

	// pingInterval/pingTimeout/closeTimeout are captured from the config
	// snapshot at dial time and used for the lifetime of this connection,
	// mirroring applyConnectionConfig being called once per connect.
	pingInterval time.Duration
	pingTimeout  time.Duration
	closeTimeout time.Duration

	// abandoned is set when a reconnect or shutdown is requested while this
	// connection is still mid-handshake (ws == nil). Once the dial completes
	// the connection is torn down immediately instead of being put to use.
	abandoned bool

	resumeCh chan struct{}
	closed   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(snap snapshot) *Conn {
	return &Conn{
		logID:        uuid.NewString(),
		pingInterval: snap.pingInterval,
		pingTimeout:  snap.pingTimeout,
		closeTimeout: snap.closeTimeout,
		resumeCh:     make(chan struct{}),
		closed:       make(chan struct{}),
	}
}

// Send writes an application-level reply frame. Safe to call from the
// handler while it runs synchronously on the event-loop goroutine, and
// equally safe to call later from another goroutine for an asynchronous
// reply -- writeMu is the only thing standing between it and a concurrent
// ping or close frame written by the loop itself.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) writeControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(messageType, data, time.Now().Add(writeWait))
}

func (c *Conn) sendClose(code int, reason string) error {
	return c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// close tears down the socket exactly once. Safe to call multiple times (a
// pong-timeout race and an explicit shutdown can both reach for the same
// connection).
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.ws.Close()
		close(c.closed)
	})
}

// readPump is the only goroutine that calls ReadMessage on this connection.
// Every inbound frame it sees -- data or error -- is handed to the event
// loop via post, never acted on here. After delivering a message it parks
// until the loop tells it to read again (resumeCh) or the connection is torn
// down (closed); this parking *is* the read-side pause during REPLYING.
func (c *Conn) readPump(ch *Channel) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				ch.post(func() { ch.handlePongTimeout(c) })
			} else {
				ch.post(func() { ch.handleConnectionClosed(c, err) })
			}
			return
		}
		ch.post(func() { ch.handleMessage(c, data) })
		select {
		case <-c.resumeCh:
		case <-c.closed:
		}
	}
}
