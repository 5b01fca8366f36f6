package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrBufferExceeded   = errors.New("connection buffer exceeded")
)

type ConnectionConfig struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteWait    time.Duration
	// InboundRate caps client frames per second; zero disables the limit.
	InboundRate float64
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		SendBuffer:   128,
		PingInterval: 30 * time.Second,
		WriteWait:    10 * time.Second,
		InboundRate:  20,
	}
}

// Connection wraps a websocket and serializes outbound writes through a
// buffered channel. The socket id is what clients present when excluding
// themselves from a broadcast.
type Connection struct {
	id     string
	userID int64

	ws      *websocket.Conn
	cfg     ConnectionConfig
	limiter *rate.Limiter
	send    chan []byte
	once    sync.Once
	done    chan struct{}
}

func NewConnection(userID int64, ws *websocket.Conn, cfg ConnectionConfig) *Connection {
	limit := rate.Inf
	burst := 0
	if cfg.InboundRate > 0 {
		limit = rate.Limit(cfg.InboundRate)
		burst = int(cfg.InboundRate) + 1
	}
	return &Connection{
		id:      uuid.NewString(),
		userID:  userID,
		ws:      ws,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
	}
}

func (c *Connection) ID() string    { return c.id }
func (c *Connection) UserID() int64 { return c.userID }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Start launches the write loop. It must be called exactly once.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload. A client that lets its buffer fill up is dropped.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return ErrBufferExceeded
	}
}

// Allow reports whether another inbound frame fits the rate limit.
func (c *Connection) Allow() bool {
	return c.limiter.Allow()
}

func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.cfg.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
