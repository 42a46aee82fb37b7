package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tickstream/pkg/types"
)

// AnyEvent registers a handler for every inbound event
const AnyEvent = "*"

// Config controls reconnection and buffering
type Config struct {
	URL   string
	Token string

	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts is the failed-attempt ceiling; negative retries forever
	MaxAttempts int
	// Jitter in [0,1] shortens each delay by up to that fraction; zero keeps delays deterministic
	Jitter float64

	QueueSize    int
	PingInterval time.Duration
}

// DefaultConfig returns 1s base, 30s cap, 10 attempts and a 100 message queue
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
		QueueSize:   100,
	}
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay)
func (c Config) Delay(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= c.MaxDelay {
			break
		}
		d *= 2
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Handler receives one inbound event
type Handler func(env types.Envelope)

// Token identifies a registered handler
type Token uint64

// Manager keeps one logical connection to the server: it reconnects with
// capped exponential backoff, resubscribes retained topics and replays
// messages queued while disconnected.
type Manager struct {
	cfg      Config
	dialer   Dialer
	schedule Scheduler
	random   func() float64
	logger   zerolog.Logger

	// writeMu orders writes on the transport; taken before mu
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       Transport
	generation uint64
	// dialID identifies the dial whose result may become the live connection
	dialID  uint64
	topics  map[string]struct{}
	queue   [][]byte
	attempt int
	timer   Stopper
	manual  bool // Disconnect was called; no automatic retries
	ctx     context.Context

	handlersMu    sync.RWMutex
	handlers      map[string]map[Token]Handler
	stateHandlers map[Token]func(State)
	nextToken     atomic.Uint64

	dropped    atomic.Int64
	pingSentAt atomic.Int64
	latency    atomic.Int64

	running bool
	cancel  context.CancelFunc
}

// Option customizes a Manager
type Option func(*Manager)

// WithDialer replaces the gorilla dialer
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithScheduler replaces time.AfterFunc for reconnect timers
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		m.schedule = s
	}
}

// New creates a disconnected manager; zero config fields take defaults
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	defaults := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}

	m := &Manager{
		cfg:           cfg,
		dialer:        NewWebSocketDialer(0),
		schedule:      afterFunc,
		random:        rand.Float64,
		logger:        logger.With().Str("component", "client").Str("url", cfg.URL).Logger(),
		topics:        make(map[string]struct{}),
		handlers:      make(map[string]map[Token]Handler),
		stateHandlers: make(map[Token]func(State)),
		ctx:           context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start connects and keeps the connection alive until Stop.
// An initial connect failure is retried like any other disconnect.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.ctx = ctx
	m.mu.Unlock()

	if err := m.Connect(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Initial connect failed")
	}
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(ctx)
	}
	return nil
}

// Stop disconnects and cancels every pending retry
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	m.Disconnect()
	cancel()
	return nil
}

// Connect dials the server now. On success the backoff resets and retained
// topics are resubscribed; on failure a reconnect is scheduled.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.manual = false
	m.stopTimerLocked()
	if m.state == StateFailed {
		m.attempt = 0
	}
	m.dialID++
	id := m.dialID
	changed := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notifyState(changed, StateConnecting)

	return m.dial(ctx, id)
}

func (m *Manager) dial(ctx context.Context, id uint64) error {
	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	conn, err := m.dialer.Dial(ctx, m.cfg.URL, header)
	if err != nil {
		m.mu.Lock()
		if m.manual || id != m.dialID {
			m.mu.Unlock()
			return err
		}
		m.attempt++
		m.logger.Warn().Err(err).Int("attempt", m.attempt).Msg("Connect failed")
		state := m.scheduleLocked()
		m.mu.Unlock()
		m.notifyState(true, state)
		return fmt.Errorf("connect: %w", err)
	}

	m.onConnected(conn, id)
	return nil
}

func (m *Manager) onConnected(conn Transport, id uint64) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.manual || id != m.dialID {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	replaced := m.conn
	m.generation++
	generation := m.generation
	m.conn = conn
	m.attempt = 0
	topics := m.topicsLocked()
	queued := m.queue
	m.queue = nil
	changed := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}
	m.logger.Info().Int("topics", len(topics)).Int("queued", len(queued)).Msg("Connected")

	for _, batch := range subscribeBatches(topics) {
		frame, err := controlFrame(types.MessageTypeSubscribeBatch, "", batch, nil)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to encode resubscribe")
			break
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			m.logger.Warn().Err(err).Int("topics", len(batch)).Msg("Resubscribe write failed")
			break
		}
	}
	for _, frame := range queued {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			m.logger.Debug().Err(err).Msg("Replay write failed")
			break
		}
	}

	go m.readLoop(conn, generation)
	m.notifyState(changed, StateConnected)
}

// Disconnect closes the connection and cancels any scheduled reconnect.
// Retained topics and queued messages survive for the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.stopTimerLocked()
	conn := m.conn
	m.conn = nil
	m.generation++
	m.dialID++
	changed := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.notifyState(changed, StateDisconnected)
}

func (m *Manager) readLoop(conn Transport, generation uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, generation, err)
			return
		}

		if !m.isCurrent(generation) {
			_ = conn.Close()
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Debug().Err(err).Msg("Ignored undecodable frame")
			continue
		}
		if env.Type == types.EventPong {
			if sent := m.pingSentAt.Load(); sent > 0 {
				m.latency.Store(time.Now().UnixNano() - sent)
			}
		}
		m.emit(env)
	}
}

func (m *Manager) isCurrent(generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return generation == m.generation
}

func (m *Manager) handleDisconnect(conn Transport, generation uint64, err error) {
	_ = conn.Close()

	m.mu.Lock()
	if generation != m.generation || m.manual {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.logger.Info().Err(err).Msg("Connection lost")
	state := m.scheduleLocked()
	m.mu.Unlock()
	m.notifyState(true, state)
}

// scheduleLocked arms the reconnect timer or gives up after MaxAttempts
func (m *Manager) scheduleLocked() State {
	if m.cfg.MaxAttempts >= 0 && m.attempt >= m.cfg.MaxAttempts {
		m.state = StateFailed
		m.logger.Error().Int("attempts", m.attempt).Msg("Giving up reconnecting")
		return StateFailed
	}

	delay := m.nextDelay(m.attempt)
	m.state = StateReconnecting
	m.stopTimerLocked()
	m.timer = m.schedule(delay, m.reconnect)
	m.logger.Debug().Dur("delay", delay).Int("attempt", m.attempt).Msg("Reconnect scheduled")
	return StateReconnecting
}

func (m *Manager) nextDelay(attempt int) time.Duration {
	d := m.cfg.Delay(attempt)
	if m.cfg.Jitter > 0 {
		d -= time.Duration(float64(d) * m.cfg.Jitter * m.random())
	}
	return d
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.manual || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx := m.ctx
	m.dialID++
	id := m.dialID
	changed := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notifyState(changed, StateConnecting)

	_ = m.dial(ctx, id)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(s State) bool {
	if m.state == s {
		return false
	}
	m.state = s
	return true
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the failed attempts since the last successful connect
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Subscribe retains topic and sends the subscription now if connected
func (m *Manager) Subscribe(topic string) error {
	return m.updateTopic(topic, types.MessageTypeSubscribe)
}

// Unsubscribe forgets topic and sends the unsubscription now if connected
func (m *Manager) Unsubscribe(topic string) error {
	return m.updateTopic(topic, types.MessageTypeUnsubscribe)
}

func (m *Manager) updateTopic(topic, op string) error {
	if !types.IsValidTopic(topic) {
		return types.ErrInvalidTopic
	}
	m.mu.Lock()
	if op == types.MessageTypeSubscribe {
		m.topics[topic] = struct{}{}
	} else {
		delete(m.topics, topic)
	}
	connected := m.conn != nil
	m.mu.Unlock()

	if !connected {
		return nil
	}
	frame, err := controlFrame(op, topic, nil, nil)
	if err != nil {
		return err
	}
	m.write(frame, false)
	return nil
}

// Topics returns the retained topic set, sorted
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topicsLocked()
}

func (m *Manager) topicsLocked() []string {
	topics := make([]string, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Send transmits {type: event, data} now, or queues it while disconnected
func (m *Manager) Send(event string, data interface{}) error {
	frame, err := controlFrame(event, "", nil, data)
	if err != nil {
		return err
	}
	m.write(frame, true)
	return nil
}

// Publish sends a publish request for topic
func (m *Manager) Publish(topic, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidPayload, err)
	}
	frame, err := json.Marshal(types.ControlMessage{Type: types.MessageTypePublish, Topic: topic, Event: event, Data: raw})
	if err != nil {
		return err
	}
	m.write(frame, true)
	return nil
}

// Ping sends a ping; the pong updates Latency
func (m *Manager) Ping() error {
	frame, err := controlFrame(types.MessageTypePing, "", nil, nil)
	if err != nil {
		return err
	}
	m.mu.Lock()
	connected := m.conn != nil
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	m.pingSentAt.Store(time.Now().UnixNano())
	m.write(frame, false)
	return nil
}

// Latency returns the last measured ping round trip
func (m *Manager) Latency() time.Duration {
	return time.Duration(m.latency.Load())
}

// Dropped returns how many queued messages were discarded
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

// Queued returns the number of messages waiting for a connection
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// write sends frame on the live connection. Without one, queueable frames
// are buffered and the rest are dropped.
func (m *Manager) write(frame []byte, queueable bool) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		if queueable {
			m.enqueueLocked(frame)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		m.logger.Debug().Err(err).Msg("Write failed")
		if queueable {
			m.mu.Lock()
			m.enqueueLocked(frame)
			m.mu.Unlock()
		}
		// the read loop observes the closed transport and schedules the reconnect
		_ = conn.Close()
	}
}

// enqueueLocked appends frame, dropping the oldest entries beyond QueueSize
func (m *Manager) enqueueLocked(frame []byte) {
	m.queue = append(m.queue, frame)
	if overflow := len(m.queue) - m.cfg.QueueSize; overflow > 0 {
		m.queue = append([][]byte(nil), m.queue[overflow:]...)
		m.dropped.Add(int64(overflow))
	}
}

// On registers a handler for event, or AnyEvent
func (m *Manager) On(event string, h Handler) Token {
	token := Token(m.nextToken.Add(1))
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[Token]Handler)
	}
	m.handlers[event][token] = h
	return token
}

// OnStateChange registers a state observer
func (m *Manager) OnStateChange(fn func(State)) Token {
	token := Token(m.nextToken.Add(1))
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.stateHandlers[token] = fn
	return token
}

// Off removes a handler registered with On or OnStateChange
func (m *Manager) Off(token Token) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	delete(m.stateHandlers, token)
	for event, set := range m.handlers {
		delete(set, token)
		if len(set) == 0 {
			delete(m.handlers, event)
		}
	}
}

func (m *Manager) emit(env types.Envelope) {
	m.handlersMu.RLock()
	targets := make([]Handler, 0, len(m.handlers[env.Type])+len(m.handlers[AnyEvent]))
	for _, h := range m.handlers[env.Type] {
		targets = append(targets, h)
	}
	for _, h := range m.handlers[AnyEvent] {
		targets = append(targets, h)
	}
	m.handlersMu.RUnlock()

	for _, h := range targets {
		h(env)
	}
}

func (m *Manager) notifyState(changed bool, s State) {
	if !changed {
		return
	}
	m.handlersMu.RLock()
	targets := make([]func(State), 0, len(m.stateHandlers))
	for _, fn := range m.stateHandlers {
		targets = append(targets, fn)
	}
	m.handlersMu.RUnlock()

	for _, fn := range targets {
		fn(s)
	}
}

func (m *Manager) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = m.Ping()
		case <-ctx.Done():
			return
		}
	}
}

// subscribeBatches splits topics into subscribe-batch lists that stay within
// the server's topic count and frame size limits
func subscribeBatches(topics []string) [][]string {
	// room for {"type":"subscribe-batch","topics":[]}
	const envelopeBytes = 64
	var (
		batches [][]string
		current []string
		size    = envelopeBytes
	)
	for _, topic := range topics {
		// quotes and separator
		cost := len(topic) + 3
		if len(current) > 0 && (len(current) == types.MaxBatchTopics || size+cost > types.MaxPayloadBytes) {
			batches = append(batches, current)
			current, size = nil, envelopeBytes
		}
		current = append(current, topic)
		size += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func controlFrame(msgType, topic string, topics []string, data interface{}) ([]byte, error) {
	msg := types.ControlMessage{Type: msgType, Topic: topic, Topics: topics}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidPayload, err)
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}
