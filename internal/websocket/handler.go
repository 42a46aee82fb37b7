package websocket

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Dispatcher is the fan-out server as seen by the transport
type Dispatcher interface {
	// Admit runs the handshake checks and returns the token subject.
	// It returns interfaces.ErrRateLimited or interfaces.ErrUnauthorized on rejection.
	Admit(addr, token string) (string, error)

	// Attach registers an authenticated connection for dispatch
	Attach(peer interfaces.Peer) error

	// Detach purges every trace of the connection; called exactly once
	Detach(peer interfaces.Peer)

	// HandleMessage processes one inbound frame
	HandleMessage(peer interfaces.Peer, raw []byte)
}

// HandlerConfig tunes the upgrade and read side of every connection
type HandlerConfig struct {
	Connection  ConnectionOptions
	IdleTimeout time.Duration
	// TrustProxy takes the client address from X-Forwarded-For
	TrustProxy bool
}

// Handler performs the handshake and runs the read pump of each connection
type Handler struct {
	dispatcher Dispatcher
	cfg        HandlerConfig
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewHandler creates a WebSocket handler bound to a dispatcher
func NewHandler(dispatcher Dispatcher, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	return &Handler{
		dispatcher: dispatcher,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger.With().Str("component", "ws_handler").Logger(),
	}
}

// ServeHTTP handles one connection from handshake to Closed
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := ClientAddress(r, h.cfg.TrustProxy)

	// Connecting -> Authenticated, or straight to Closed with nothing to clean up
	subject, err := h.dispatcher.Admit(addr, BearerToken(r))
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrRateLimited):
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		case errors.Is(err, interfaces.ErrUnauthorized):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		default:
			http.Error(w, "handshake rejected", http.StatusForbidden)
		}
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", addr).Msg("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(ws, addr, r.UserAgent(), subject, h.cfg.Connection, h.logger)

	// Authenticated -> Active
	if err := h.dispatcher.Attach(conn); err != nil {
		h.logger.Error().Err(err).Str("connection_id", conn.ID()).Msg("Failed to attach connection")
		_ = conn.Close()
		conn.MarkClosed()
		return
	}
	conn.MarkActive()

	h.readPump(conn)
}

// readPump reads frames until the peer goes away or the connection is closed.
// Its exit is the single cleanup path for the connection.
func (h *Handler) readPump(conn *Connection) {
	defer func() {
		// Active -> Closing -> Closed
		_ = conn.Close()
		h.dispatcher.Detach(conn)
		conn.MarkClosed()
	}()

	conn.conn.SetReadLimit(types.MaxPayloadBytes)
	extend := func() error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	}
	if err := extend(); err != nil {
		return
	}
	// pongs prove the transport is alive; only inbound frames count as activity
	conn.conn.SetPongHandler(func(string) error {
		return extend()
	})

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug().Err(err).Str("connection_id", conn.ID()).Msg("Connection read ended")
			}
			return
		}
		if err := extend(); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		conn.recordReceived()
		h.dispatcher.HandleMessage(conn, data)
	}
}

// ClientAddress returns the host part of the client address used for rate limiting
func ClientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BearerToken extracts the optional token from the Authorization header or ?token=
func BearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
