package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tickstream/pkg/types"
)

// State is a connection lifecycle stage
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionOptions tune a single connection's transport behaviour
type ConnectionOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PublishRate  float64 // client publishes per second
	PublishBurst int
}

// DefaultConnectionOptions returns the options used when fields are zero
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		SendBuffer:   256,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
		PublishRate:  10,
		PublishBurst: 20,
	}
}

// Connection is one client session: identity, counters and the single writer
// that owns all writes to the socket.
type Connection struct {
	conn   *websocket.Conn
	sendCh chan []byte
	opts   ConnectionOptions
	logger zerolog.Logger

	id          string
	remoteAddr  string
	userAgent   string
	subject     string
	connectedAt time.Time

	state        atomic.Int32
	sent         atomic.Int64
	received     atomic.Int64
	lastActivity atomic.Int64 // unix nanoseconds

	publishLimiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps an upgraded socket. The connection starts Authenticated:
// it only exists once the handshake checks have passed.
func NewConnection(conn *websocket.Conn, remoteAddr, userAgent, subject string, opts ConnectionOptions, logger zerolog.Logger) *Connection {
	defaults := DefaultConnectionOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PublishRate <= 0 {
		opts.PublishRate = defaults.PublishRate
	}
	if opts.PublishBurst <= 0 {
		opts.PublishBurst = defaults.PublishBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	now := time.Now()

	c := &Connection{
		conn:           conn,
		sendCh:         make(chan []byte, opts.SendBuffer),
		opts:           opts,
		id:             id,
		remoteAddr:     remoteAddr,
		userAgent:      userAgent,
		subject:        subject,
		connectedAt:    now,
		publishLimiter: rate.NewLimiter(rate.Limit(opts.PublishRate), opts.PublishBurst),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		logger: logger.With().
			Str("connection_id", id).
			Str("remote_addr", remoteAddr).
			Logger(),
	}
	c.state.Store(int32(StateAuthenticated))
	c.lastActivity.Store(now.UnixNano())

	go c.writeLoop()

	return c
}

// writeLoop is the only goroutine that writes data frames to the socket
func (c *Connection) writeLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}
			c.sent.Add(1)

		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.fail(err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) fail(err error) {
	c.logger.Debug().Err(err).Msg("Write failed, closing connection")
	_ = c.Close()
}

// ID returns the connection identifier
func (c *Connection) ID() string {
	return c.id
}

// Send queues a pre-encoded frame. A full queue means the peer cannot keep
// up; the connection is closed and the frame dropped.
func (c *Connection) Send(data []byte) error {
	if c.State() >= StateClosing {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Info().Int("buffer", cap(c.sendCh)).Msg("Send buffer full, dropping slow consumer")
		go c.Close()
		return ErrSendBufferFull
	}
}

// AllowPublish spends one token of the client publish budget
func (c *Connection) AllowPublish() bool {
	return c.publishLimiter.Allow()
}

// Close moves the connection to Closing and tears down the socket once
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.cancel()
		if c.conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed when the writer goroutine has exited
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// MarkActive records that the session is registered for dispatch
func (c *Connection) MarkActive() {
	c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive))
}

// MarkClosed records that registry cleanup has completed
func (c *Connection) MarkClosed() {
	c.setState(StateClosed)
}

func (c *Connection) setState(s State) {
	for {
		current := c.state.Load()
		if State(current) >= s {
			return
		}
		if c.state.CompareAndSwap(current, int32(s)) {
			return
		}
	}
}

// State returns the current lifecycle stage
func (c *Connection) State() State {
	return State(c.state.Load())
}

// touch records inbound activity
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// recordReceived counts one inbound message
func (c *Connection) recordReceived() {
	c.received.Add(1)
	c.touch()
}

// Info returns identity and counters; Topics is filled in by the server
func (c *Connection) Info() types.SessionInfo {
	return types.SessionInfo{
		ID:               c.id,
		RemoteAddr:       c.remoteAddr,
		UserAgent:        c.userAgent,
		Subject:          c.subject,
		ConnectedAt:      c.connectedAt,
		LastActivity:     time.Unix(0, c.lastActivity.Load()),
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
	}
}
