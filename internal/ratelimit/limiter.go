package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the fixed-window parameters
type Config struct {
	Window        time.Duration
	MaxRequests   int
	SweepInterval time.Duration
}

// DefaultConfig allows 100 requests per address per minute
func DefaultConfig() Config {
	return Config{
		Window:        time.Minute,
		MaxRequests:   100,
		SweepInterval: time.Minute,
	}
}

// Limiter implements per-address fixed-window rate limiting.
// Windows are evicted by a periodic sweep, never on the request path.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// window tracks one address' requests in the current interval
type window struct {
	count   int
	resetAt time.Time
}

// Option customizes a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter; zero config fields fall back to defaults
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Limiter {
	defaults := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Window
	}

	l := &Limiter{
		windows: make(map[string]*window),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one request from addr and reports whether it is within the limit
func (l *Limiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, exists := l.windows[addr]
	if !exists || !now.Before(w.resetAt) {
		l.windows[addr] = &window{
			count:   1,
			resetAt: now.Add(l.cfg.Window),
		}
		return true
	}

	w.count++
	return w.count <= l.cfg.MaxRequests
}

// Sweep removes windows whose reset time has passed and returns how many were evicted
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for addr, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, addr)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Start runs the background sweep until Stop or ctx cancellation
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.sweepLoop(ctx)
	return nil
}

// Stop halts the sweep loop and waits for it to exit
func (l *Limiter) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				l.logger.Debug().
					Int("removed", removed).
					Int("remaining", l.Len()).
					Msg("Swept expired rate-limit windows")
			}
		case <-ctx.Done():
			return
		}
	}
}
