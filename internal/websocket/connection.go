package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps a gorilla websocket with a single writer goroutine.
// WriteJSON never blocks: frames go into a bounded queue that the writer
// drains, and a full queue is reported to the caller.
type Connection struct {
	conn    *websocket.Conn
	writeCh chan []byte

	writeTimeout time.Duration
	pingInterval time.Duration

	userID string // verified user, set by the read loop
	mu     sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps conn and starts its writer
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, opts.SendBuffer),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and queues it for the writer
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// pending returns the number of queued outbound frames
func (c *Connection) pending() int {
	return len(c.writeCh)
}

func (c *Connection) setUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// UserID returns the user verified on this connection, if any
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}
