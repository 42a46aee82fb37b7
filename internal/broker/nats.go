package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"tickstream/pkg/interfaces"
)

// Config holds the NATS relay settings
type Config struct {
	URL           string
	SubjectPrefix string
	// Origin is the local process tag; messages carrying it are not redelivered
	Origin string

	ConnectAttempts uint
	RetryInitial    time.Duration
	RetryMax        time.Duration
	ReconnectWait   time.Duration
	MaxReconnects   int
}

// DefaultConfig returns relay defaults for a local NATS server
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		SubjectPrefix:   "tickstream",
		ConnectAttempts: 5,
		RetryInitial:    500 * time.Millisecond,
		RetryMax:        5 * time.Second,
		ReconnectWait:   2 * time.Second,
		MaxReconnects:   -1,
	}
}

// Conn is the part of *nats.Conn the relay uses
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
	IsConnected() bool
}

// Dialer opens a NATS connection
type Dialer func(url string, opts ...nats.Option) (Conn, error)

func dialNATS(url string, opts ...nats.Option) (Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return nc, nil
}

// Counters are the relay's running totals
type Counters struct {
	Published  int64 `json:"published"`
	Failed     int64 `json:"failed"`
	Received   int64 `json:"received"`
	Duplicates int64 `json:"duplicates"`
	Malformed  int64 `json:"malformed"`
}

// NATSRelay republishes local broadcasts on <prefix>.fanout and delivers
// broadcasts from other processes.
type NATSRelay struct {
	conn    Conn
	cfg     Config
	subject string
	logger  zerolog.Logger

	mu      sync.Mutex
	started bool

	published  atomic.Int64
	failed     atomic.Int64
	received   atomic.Int64
	duplicates atomic.Int64
	malformed  atomic.Int64
}

var _ interfaces.Relay = (*NATSRelay)(nil)

// Option customizes a NATSRelay
type Option func(*options)

type options struct {
	dial Dialer
}

// WithDialer replaces nats.Connect, for tests
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dial = d
	}
}

// NewNATSRelay connects to the broker, retrying with exponential backoff
func NewNATSRelay(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...Option) (*NATSRelay, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	defaults := DefaultConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = defaults.ConnectAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = defaults.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaults.RetryMax
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaults.ReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaults.MaxReconnects
	}

	o := options{dial: dialNATS}
	for _, opt := range opts {
		opt(&o)
	}

	r := &NATSRelay{
		cfg:     cfg,
		subject: cfg.SubjectPrefix + ".fanout",
		logger:  logger.With().Str("component", "nats_relay").Logger(),
	}

	natsOpts := []nats.Option{
		nats.Name("tickstream-" + cfg.Origin),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(r.disconnectHandler),
		nats.ReconnectHandler(r.reconnectHandler),
		nats.ClosedHandler(r.closedHandler),
		nats.ErrorHandler(r.errorHandler),
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.RetryInitial
	retry.MaxInterval = cfg.RetryMax
	retry.Reset()

	conn, err := backoff.Retry(ctx, func() (Conn, error) {
		return o.dial(cfg.URL, natsOpts...)
	},
		backoff.WithBackOff(retry),
		backoff.WithMaxTries(cfg.ConnectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn().Err(err).Dur("next_retry", next).Msg("NATS connect failed, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	r.conn = conn
	r.logger.Info().Str("url", cfg.URL).Str("subject", r.subject).Msg("Connected to NATS")
	return r, nil
}

// Subject returns the fan-out subject
func (r *NATSRelay) Subject() string {
	return r.subject
}

// Publish republishes one local broadcast
func (r *NATSRelay) Publish(msg interfaces.RelayMessage) error {
	if msg.Origin == "" {
		msg.Origin = r.cfg.Origin
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.failed.Add(1)
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}
	if err := r.conn.Publish(r.subject, data); err != nil {
		r.failed.Add(1)
		return fmt.Errorf("failed to publish to %s: %w", r.subject, err)
	}
	r.published.Add(1)
	return nil
}

// Start subscribes to the fan-out subject. Messages from this process are skipped.
func (r *NATSRelay) Start(deliver func(interfaces.RelayMessage)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	_, err := r.conn.Subscribe(r.subject, func(m *nats.Msg) {
		var msg interfaces.RelayMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			r.malformed.Add(1)
			r.logger.Warn().Err(err).Msg("Dropped malformed relay message")
			return
		}
		if msg.Origin == r.cfg.Origin {
			r.duplicates.Add(1)
			return
		}
		r.received.Add(1)
		deliver(msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.subject, err)
	}

	r.started = true
	r.logger.Info().Str("subject", r.subject).Msg("Relay subscribed")
	return nil
}

// Close drains the subscription and the connection
func (r *NATSRelay) Close() error {
	if err := r.conn.Drain(); err != nil {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// IsConnected reports the broker connection state
func (r *NATSRelay) IsConnected() bool {
	return r.conn.IsConnected()
}

// Counters returns the relay totals
func (r *NATSRelay) Counters() Counters {
	return Counters{
		Published:  r.published.Load(),
		Failed:     r.failed.Load(),
		Received:   r.received.Load(),
		Duplicates: r.duplicates.Load(),
		Malformed:  r.malformed.Load(),
	}
}

func (r *NATSRelay) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		r.logger.Warn().Err(err).Msg("Disconnected from NATS, fan-out is local only")
		return
	}
	r.logger.Info().Msg("Disconnected from NATS")
}

func (r *NATSRelay) reconnectHandler(conn *nats.Conn) {
	r.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
}

func (r *NATSRelay) closedHandler(_ *nats.Conn) {
	r.logger.Info().Msg("NATS connection closed")
}

func (r *NATSRelay) errorHandler(_ *nats.Conn, _ *nats.Subscription, err error) {
	r.logger.Error().Err(err).Msg("NATS error")
}
