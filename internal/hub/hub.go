package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tickstream/internal/ratelimit"
	"tickstream/internal/topic"
	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Config controls dispatch policy and connection reaping
type Config struct {
	// IdleTimeout closes connections with no inbound activity; zero disables reaping
	IdleTimeout time.Duration
	// ReapInterval defaults to half of IdleTimeout
	ReapInterval time.Duration
	// AllowClientPublish enables the publish control message on non server-owned topics
	AllowClientPublish bool
	// Origin tags relayed broadcasts; a random ID is used when empty
	Origin string
}

// Hub is the fan-out server. It owns every session and the topic registry,
// dispatches inbound control messages and exposes the producer broadcast API.
type Hub struct {
	registry  *topic.Registry
	limiter   *ratelimit.Limiter
	validator interfaces.TokenValidator
	relay     interfaces.Relay
	journal   interfaces.Journal
	cfg       Config
	now       func() time.Time
	logger    zerolog.Logger

	peersMu sync.RWMutex
	peers   map[string]interfaces.Peer

	// last market-update payload per symbol
	lastMu     sync.RWMutex
	lastMarket map[string]json.RawMessage

	totalConnections  atomic.Int64
	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	errorCount        atomic.Int64
	rejectedHandshake atomic.Int64

	running bool
	mu      sync.RWMutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a Hub
type Option func(*Hub)

// WithValidator sets the handshake token validator
func WithValidator(v interfaces.TokenValidator) Option {
	return func(h *Hub) {
		h.validator = v
	}
}

// WithRelay sets the cross-process broker relay
func WithRelay(r interfaces.Relay) Option {
	return func(h *Hub) {
		h.relay = r
	}
}

// WithJournal records connection lifecycle events
func WithJournal(j interfaces.Journal) Option {
	return func(h *Hub) {
		h.journal = j
	}
}

// WithClock replaces time.Now for the idle reaper, for tests
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// NewHub creates a hub over an existing registry and limiter
func NewHub(registry *topic.Registry, limiter *ratelimit.Limiter, cfg Config, logger zerolog.Logger, opts ...Option) *Hub {
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	if cfg.ReapInterval <= 0 && cfg.IdleTimeout > 0 {
		cfg.ReapInterval = cfg.IdleTimeout / 2
	}

	h := &Hub{
		registry:   registry,
		limiter:    limiter,
		cfg:        cfg,
		now:        time.Now,
		peers:      make(map[string]interfaces.Peer),
		lastMarket: make(map[string]json.RawMessage),
		logger:     logger.With().Str("component", "hub").Str("origin", cfg.Origin).Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Origin returns the process tag carried by relayed broadcasts
func (h *Hub) Origin() string {
	return h.cfg.Origin
}

// Start attaches the relay and runs the idle reaper.
// A relay that cannot start leaves the hub serving local subscribers only.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}

	if h.relay != nil {
		if err := h.relay.Start(h.deliverRelay); err != nil {
			h.logger.Error().Err(err).Msg("Broker relay unavailable, continuing with local fan-out only")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true

	if h.cfg.IdleTimeout > 0 {
		h.wg.Add(1)
		go h.reapLoop(ctx)
	}

	h.logger.Info().Dur("idle_timeout", h.cfg.IdleTimeout).Msg("Hub started")
	return nil
}

// Stop halts the reaper, closes the relay and closes every open connection
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.cancel()
	h.mu.Unlock()

	h.wg.Wait()

	if h.relay != nil {
		if err := h.relay.Close(); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to close broker relay")
		}
	}

	for _, peer := range h.snapshotPeers() {
		_ = peer.Close()
	}

	h.logger.Info().Msg("Hub stopped")
	return nil
}

// IsRunning reports whether Start has been called without Stop
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Admit runs the handshake checks: rate limit first, then the token
func (h *Hub) Admit(addr, token string) (string, error) {
	if h.limiter != nil && !h.limiter.Allow(addr) {
		h.rejectedHandshake.Add(1)
		h.logger.Info().Str("remote_addr", addr).Msg("Handshake rejected: rate limit exceeded")
		return "", interfaces.ErrRateLimited
	}

	if h.validator == nil {
		return "", nil
	}
	subject, err := h.validator.Validate(token)
	if err != nil {
		h.rejectedHandshake.Add(1)
		h.logger.Info().Err(err).Str("remote_addr", addr).Msg("Handshake rejected: invalid token")
		if errors.Is(err, interfaces.ErrUnauthorized) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}
	return subject, nil
}

// Attach registers a new session for dispatch
func (h *Hub) Attach(peer interfaces.Peer) error {
	if err := h.registry.Register(&trackedPeer{Peer: peer, hub: h}); err != nil {
		return fmt.Errorf("register connection: %w", err)
	}

	h.peersMu.Lock()
	h.peers[peer.ID()] = peer
	h.peersMu.Unlock()
	h.totalConnections.Add(1)

	info := peer.Info()
	if h.journal != nil {
		h.journal.ConnectionOpened(info)
	}
	h.logger.Debug().
		Str("connection_id", info.ID).
		Str("remote_addr", info.RemoteAddr).
		Str("subject", info.Subject).
		Msg("Connection attached")
	return nil
}

// Detach purges the session from every topic and forgets it
func (h *Hub) Detach(peer interfaces.Peer) {
	id := peer.ID()
	topics := h.registry.RemoveConnection(id)

	h.peersMu.Lock()
	_, existed := h.peers[id]
	delete(h.peers, id)
	h.peersMu.Unlock()
	if !existed {
		return
	}

	info := peer.Info()
	info.Topics = topics
	if h.journal != nil {
		h.journal.ConnectionClosed(info)
	}
	h.logger.Debug().
		Str("connection_id", id).
		Int("topics", len(topics)).
		Int64("sent", info.MessagesSent).
		Int64("received", info.MessagesReceived).
		Msg("Connection detached")
}

// HandleMessage decodes and dispatches one inbound frame.
// Bad frames are logged and dropped; the connection stays open.
func (h *Hub) HandleMessage(peer interfaces.Peer, raw []byte) {
	h.messagesReceived.Add(1)

	msg, err := types.DecodeControlMessage(raw)
	if err == nil {
		var req *types.Request
		if req, err = msg.Resolve(); err == nil {
			err = h.dispatch(peer, req)
		}
	}
	if err != nil {
		h.errorCount.Add(1)
		h.logger.Warn().Err(err).Str("connection_id", peer.ID()).Msg("Dropped inbound message")
	}
}

func (h *Hub) dispatch(peer interfaces.Peer, req *types.Request) error {
	switch req.Op {
	case types.MessageTypeSubscribe:
		if err := h.registry.SubscribeMany(req.Topics, peer.ID()); err != nil {
			return err
		}
		if req.Snapshot {
			h.sendSnapshots(peer, req.Topics)
		}
		return nil

	case types.MessageTypeUnsubscribe:
		h.registry.UnsubscribeMany(req.Topics, peer.ID())
		return nil

	case types.MessageTypePublish:
		target := req.Topics[0]
		if !h.cfg.AllowClientPublish || types.IsServerOwned(target) {
			return fmt.Errorf("%w: %s", ErrPublishForbidden, target)
		}
		if !peer.AllowPublish() {
			return ErrPublishRateExceeded
		}
		h.Broadcast(target, req.Event, req.Data)
		return nil

	case types.MessageTypePing:
		return h.sendDirect(peer, types.EventPong, "", types.Pong{ServerTime: time.Now().UnixMilli()})

	case types.MessageTypeGetStats:
		return h.sendDirect(peer, types.EventConnectionStats, "", h.Stats())

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedRequest, req.Op)
	}
}

// sendSnapshots sends the cached market-data of each market topic, if any
func (h *Hub) sendSnapshots(peer interfaces.Peer, topics []string) {
	for _, t := range topics {
		symbol, ok := types.SymbolFromTopic(t)
		if !ok {
			continue
		}
		h.lastMu.RLock()
		data, cached := h.lastMarket[symbol]
		h.lastMu.RUnlock()
		if !cached {
			continue
		}
		if err := h.sendDirect(peer, types.EventMarketData, t, data); err != nil {
			h.logger.Debug().Err(err).Str("connection_id", peer.ID()).Msg("Snapshot not delivered")
		}
	}
}

// sendDirect writes one envelope to a single connection
func (h *Hub) sendDirect(peer interfaces.Peer, event, topicName string, data interface{}) error {
	env, err := types.NewEnvelope(event, topicName, data)
	if err != nil {
		return err
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	if err := peer.Send(frame); err != nil {
		h.errorCount.Add(1)
		return err
	}
	h.messagesSent.Add(1)
	return nil
}

// Broadcast delivers an event to every subscriber of topic, here and on peer
// processes, and returns the local delivered count.
func (h *Hub) Broadcast(topicName, event string, data interface{}) int {
	delivered, raw, ok := h.publishLocal(topicName, event, data)
	if ok {
		h.relayOut(interfaces.RelayMessage{Topic: topicName, Event: event, Data: raw})
	}
	return delivered
}

// BroadcastMarketUpdate publishes a tick on market-<symbol> and caches it for joiners
func (h *Hub) BroadcastMarketUpdate(symbol string, data interface{}) int {
	return h.Broadcast(types.MarketTopic(symbol), types.EventMarketUpdate, data)
}

// SendNotification publishes on notifications-<userID>
func (h *Hub) SendNotification(userID string, data interface{}) int {
	return h.Broadcast(types.NotificationTopic(userID), types.EventNotification, data)
}

// BroadcastPredictionUpdate publishes on predictions-<model>
func (h *Hub) BroadcastPredictionUpdate(model string, data interface{}) int {
	return h.Broadcast(types.PredictionTopic(model), types.EventPredictionUpdate, data)
}

// BroadcastToAll sends an event to every connection regardless of topic
func (h *Hub) BroadcastToAll(event string, data interface{}) int {
	delivered, raw, ok := h.publishAllLocal(event, data)
	if ok {
		h.relayOut(interfaces.RelayMessage{Event: event, Data: raw, All: true})
	}
	return delivered
}

func (h *Hub) publishLocal(topicName, event string, data interface{}) (int, json.RawMessage, bool) {
	env, err := types.NewEnvelope(event, topicName, data)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topicName).Str("event", event).Msg("Failed to build envelope")
		return 0, nil, false
	}
	frame, err := env.Encode()
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topicName).Msg("Failed to encode envelope")
		return 0, nil, false
	}

	if event == types.EventMarketUpdate {
		if symbol, ok := types.SymbolFromTopic(topicName); ok {
			h.lastMu.Lock()
			h.lastMarket[symbol] = env.Data
			h.lastMu.Unlock()
		}
	}

	delivered := h.registry.Publish(topicName, frame)
	h.messagesSent.Add(int64(delivered))
	return delivered, env.Data, true
}

func (h *Hub) publishAllLocal(event string, data interface{}) (int, json.RawMessage, bool) {
	env, err := types.NewEnvelope(event, "", data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to build envelope")
		return 0, nil, false
	}
	frame, err := env.Encode()
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to encode envelope")
		return 0, nil, false
	}

	delivered := 0
	h.registry.Each(func(sub interfaces.Subscriber) {
		if sub.Send(frame) == nil {
			delivered++
		}
	})
	h.messagesSent.Add(int64(delivered))
	return delivered, env.Data, true
}

// relayOut hands a local broadcast to the broker. Failures never reach producers.
func (h *Hub) relayOut(msg interfaces.RelayMessage) {
	if h.relay == nil {
		return
	}
	msg.Origin = h.cfg.Origin
	if err := h.relay.Publish(msg); err != nil {
		h.errorCount.Add(1)
		h.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Broker republish failed")
	}
}

// deliverRelay delivers a broadcast from a peer process to local subscribers only
func (h *Hub) deliverRelay(msg interfaces.RelayMessage) {
	if msg.All {
		h.publishAllLocal(msg.Event, msg.Data)
		return
	}
	if !types.IsValidTopic(msg.Topic) {
		h.logger.Warn().Str("topic", msg.Topic).Msg("Dropped relayed message with invalid topic")
		return
	}
	h.publishLocal(msg.Topic, msg.Event, msg.Data)
}

func (h *Hub) reapLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if closed := h.ReapIdle(); closed > 0 {
				h.logger.Info().Int("closed", closed).Msg("Closed idle connections")
			}
		case <-ctx.Done():
			return
		}
	}
}

// ReapIdle closes every connection idle for longer than IdleTimeout
func (h *Hub) ReapIdle() int {
	if h.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := h.now().Add(-h.cfg.IdleTimeout)
	closed := 0
	for _, peer := range h.snapshotPeers() {
		if peer.Info().LastActivity.Before(cutoff) {
			_ = peer.Close()
			closed++
		}
	}
	return closed
}

// Disconnect closes one connection by ID; Detach runs when its read pump exits
func (h *Hub) Disconnect(id string) bool {
	h.peersMu.RLock()
	peer, ok := h.peers[id]
	h.peersMu.RUnlock()
	if !ok {
		return false
	}
	_ = peer.Close()
	h.logger.Info().Str("connection_id", id).Msg("Connection closed by operator")
	return true
}

func (h *Hub) snapshotPeers() []interfaces.Peer {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	peers := make([]interfaces.Peer, 0, len(h.peers))
	for _, peer := range h.peers {
		peers = append(peers, peer)
	}
	return peers
}

// trackedPeer counts failed deliveries made through the registry
type trackedPeer struct {
	interfaces.Peer
	hub *Hub
}

func (p *trackedPeer) Send(data []byte) error {
	err := p.Peer.Send(data)
	if err != nil {
		p.hub.errorCount.Add(1)
	}
	return err
}
