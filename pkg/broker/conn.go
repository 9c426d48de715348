package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shellbroker/shellbroker/pkg/pump"
	"github.com/shellbroker/shellbroker/pkg/telemetry"
)

// Keepalive timing. The pong deadline must exceed the ping period or a
// healthy idle connection would be dropped between pings.
const (
	pingPeriod   = 30 * time.Second
	pongDeadline = 70 * time.Second
	writeTimeout = 10 * time.Second
)

// wsConn wraps a websocket connection with a single-writer discipline: the
// pump goroutine, the read loop and the keepalive ticker all write through
// the same mutex. It implements pump.Sink.
type wsConn struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	metrics *telemetry.Metrics
}

var _ pump.Sink = (*wsConn)(nil)

func newWSConn(conn *websocket.Conn, metrics *telemetry.Metrics) *wsConn {
	c := &wsConn{conn: conn, metrics: metrics}
	_ = conn.SetReadDeadline(time.Now().Add(pongDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongDeadline))
	})
	return c
}

// SendOutput forwards raw container output as a binary message.
func (c *wsConn) SendOutput(p []byte) error {
	if err := c.write(websocket.BinaryMessage, p); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.OutputBytes.Add(float64(len(p)))
	}
	return nil
}

// SendStatus emits a JSON status frame.
func (c *wsConn) SendStatus(payload, reason string) error {
	return c.writeJSON(pump.NewStatusFrame(payload, reason))
}

// SendHello emits the hello frame carrying the session ID.
func (c *wsConn) SendHello(sessionID string) error {
	return c.writeJSON(pump.NewHelloFrame(sessionID))
}

// SendError emits a structured error frame.
func (c *wsConn) SendError(frame ErrorFrame) error {
	return c.writeJSON(frame)
}

// CloseUserExit closes the connection with the user-exit code.
func (c *wsConn) CloseUserExit(reason string) error {
	return c.CloseWith(CloseUserExit, reason)
}

// CloseWith sends a close control frame with the given application code and
// then tears the connection down.
func (c *wsConn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	return c.conn.Close()
}

// Ping sends a keepalive ping.
func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// ReadMessage reads the next client message. Only the per-connection handler
// goroutine calls this.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

// SetReadDeadline bounds the next read. Used for the pre-auth envelope wait.
func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) write(messageType int, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, p)
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// keepalive pings the client on a fixed period until the connection dies.
func (c *wsConn) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				return
			}
		}
	}
}
