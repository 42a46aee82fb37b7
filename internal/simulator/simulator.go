package simulator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tickstream/pkg/types"
)

var (
	ErrAlreadyRunning = errors.New("simulator is already running")
	ErrNoSymbols      = errors.New("simulator needs at least one symbol")
)

// Publisher receives generated ticks
type Publisher interface {
	BroadcastMarketUpdate(symbol string, data interface{}) int
}

// Simulator produces random-walk market ticks for a fixed symbol set
type Simulator struct {
	publisher Publisher
	interval  time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	symbols []string
	last    map[string]types.MarketData
	now     func() time.Time

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Simulator
type Option func(*Simulator)

// WithSeed makes the generated sequence reproducible
func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithClock overrides the tick timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// New creates a simulator. Symbols are upper-cased and de-duplicated.
func New(publisher Publisher, symbols []string, interval time.Duration, logger zerolog.Logger, opts ...Option) (*Simulator, error) {
	seen := make(map[string]bool, len(symbols))
	var clean []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		clean = append(clean, s)
	}
	if len(clean) == 0 {
		return nil, ErrNoSymbols
	}
	sort.Strings(clean)
	if interval <= 0 {
		interval = time.Second
	}

	s := &Simulator{
		publisher: publisher,
		interval:  interval,
		logger:    logger.With().Str("component", "simulator").Logger(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		symbols:   clean,
		last:      make(map[string]types.MarketData, len(clean)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sym := range clean {
		open := round2(100 + s.rng.Float64()*900)
		s.last[sym] = types.MarketData{Symbol: sym, Price: open, Open: &open}
	}
	return s, nil
}

// Symbols returns the simulated symbols in sorted order
func (s *Simulator) Symbols() []string {
	return append([]string(nil), s.symbols...)
}

// Tick advances every symbol one step and publishes the ticks.
// It returns the total number of deliveries.
func (s *Simulator) Tick() int {
	s.mu.Lock()
	ticks := make([]types.MarketData, 0, len(s.symbols))
	ts := s.now().UnixMilli()
	for _, sym := range s.symbols {
		ticks = append(ticks, s.nextLocked(sym, ts))
	}
	s.mu.Unlock()

	delivered := 0
	for _, tick := range ticks {
		delivered += s.publisher.BroadcastMarketUpdate(tick.Symbol, tick)
	}
	return delivered
}

// nextLocked moves a symbol's price by up to 0.5% and tracks the session range
func (s *Simulator) nextLocked(sym string, ts int64) types.MarketData {
	prev := s.last[sym]
	step := (s.rng.Float64()*2 - 1) * 0.005 * prev.Price
	price := math.Max(0.01, round2(prev.Price+step))
	spread := round2(math.Max(0.01, price*0.0005))

	high, low := price, price
	if prev.High != nil && *prev.High > high {
		high = *prev.High
	}
	if prev.Low != nil && *prev.Low < low {
		low = *prev.Low
	}
	bid, ask := round2(price-spread), round2(price+spread)

	var change float64
	if prev.Open != nil {
		change = round2(price - *prev.Open)
	}

	next := types.MarketData{
		Symbol:    sym,
		Price:     price,
		Change:    change,
		Volume:    prev.Volume + int64(s.rng.Intn(1000)+1),
		Timestamp: ts,
		Bid:       &bid,
		Ask:       &ask,
		High:      &high,
		Low:       &low,
		Open:      prev.Open,
	}
	s.last[sym] = next
	return next
}

// Start publishes a tick set every interval until Stop or ctx is done
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx, s.done)
	s.logger.Info().Strs("symbols", s.symbols).Dur("interval", s.interval).Msg("Market simulator started")
	return nil
}

func (s *Simulator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.Tick()
			s.logger.Debug().Int("delivered", n).Msg("Published market ticks")
		}
	}
}

// Stop halts the ticker and waits for the loop to exit
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info().Msg("Market simulator stopped")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
