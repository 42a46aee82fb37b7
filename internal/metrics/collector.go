package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"tickstream/pkg/types"
)

// Source is the read-only view of the fan-out server being sampled
type Source interface {
	Stats() types.ConnectionStats
	TopicSizes() map[string]int
}

// Sink receives every snapshot, e.g. the journal
type Sink interface {
	MetricsSnapshot(s Snapshot)
}

// Snapshot is one sample of the fan-out server and the process
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	types.ConnectionStats
	TopicSizes map[string]int `json:"topicSizes"`
	Goroutines int            `json:"goroutines"`
	MemoryMB   float64        `json:"memoryMB"`
	CPUPercent float64        `json:"cpuPercent"`
}

// Collector samples a Source on a fixed interval and exports the values
// as Prometheus gauges. It never mutates the source.
type Collector struct {
	source   Source
	sink     Sink
	interval time.Duration
	proc     *process.Process
	logger   zerolog.Logger

	registry          *prometheus.Registry
	connectionsTotal  prometheus.Gauge
	connectionsActive prometheus.Gauge
	messagesSent      prometheus.Gauge
	messagesReceived  prometheus.Gauge
	errorsTotal       prometheus.Gauge
	rejectedTotal     prometheus.Gauge
	topicsActive      prometheus.Gauge
	rateLimitWindows  prometheus.Gauge
	topicSubscribers  *prometheus.GaugeVec
	memoryMB          prometheus.Gauge
	cpuPercent        prometheus.Gauge

	mu      sync.RWMutex
	latest  Snapshot
	sampled bool

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option customizes a Collector
type Option func(*Collector)

// WithSink forwards each snapshot to s
func WithSink(s Sink) Option {
	return func(c *Collector) {
		c.sink = s
	}
}

// New creates a collector; interval defaults to 30s
func New(source Source, interval time.Duration, logger zerolog.Logger, opts ...Option) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "tickstream", Name: name, Help: help})
	}

	c := &Collector{
		source:            source,
		interval:          interval,
		logger:            logger.With().Str("component", "metrics").Logger(),
		registry:          prometheus.NewRegistry(),
		connectionsTotal:  gauge("connections_opened", "Connections opened since start"),
		connectionsActive: gauge("connections_active", "Currently open connections"),
		messagesSent:      gauge("messages_sent", "Messages delivered to clients since start"),
		messagesReceived:  gauge("messages_received", "Messages received from clients since start"),
		errorsTotal:       gauge("errors", "Errors since start"),
		rejectedTotal:     gauge("handshakes_rejected", "Handshakes rejected since start"),
		topicsActive:      gauge("topics_active", "Topics with at least one subscriber"),
		rateLimitWindows:  gauge("rate_limit_windows", "Tracked rate-limit windows"),
		memoryMB:          gauge("process_memory_mb", "Resident memory of the process in MB"),
		cpuPercent:        gauge("process_cpu_percent", "CPU usage of the process"),
		topicSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tickstream",
			Name:      "topic_subscribers",
			Help:      "Subscribers per topic",
		}, []string{"topic"}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.registry.MustRegister(
		c.connectionsTotal, c.connectionsActive, c.messagesSent, c.messagesReceived,
		c.errorsTotal, c.rejectedTotal, c.topicsActive, c.rateLimitWindows,
		c.topicSubscribers, c.memoryMB, c.cpuPercent,
		collectors.NewGoCollector(),
	)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		c.logger.Warn().Err(err).Msg("Process stats unavailable")
	} else {
		c.proc = proc
	}
	return c
}

// Sample takes one snapshot, updates the gauges and forwards it to the sink
func (c *Collector) Sample() Snapshot {
	snap := Snapshot{
		Timestamp:       time.Now(),
		ConnectionStats: c.source.Stats(),
		TopicSizes:      c.source.TopicSizes(),
		Goroutines:      runtime.NumGoroutine(),
	}
	if c.proc != nil {
		if mem, err := c.proc.MemoryInfo(); err == nil {
			snap.MemoryMB = float64(mem.RSS) / 1024 / 1024
		}
		if pct, err := c.proc.Percent(0); err == nil {
			snap.CPUPercent = pct
		}
	}

	c.export(snap)

	c.mu.Lock()
	c.latest = snap
	c.sampled = true
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.MetricsSnapshot(snap)
	}
	return snap
}

func (c *Collector) export(s Snapshot) {
	c.connectionsTotal.Set(float64(s.TotalConnections))
	c.connectionsActive.Set(float64(s.ActiveConnections))
	c.messagesSent.Set(float64(s.MessagesSent))
	c.messagesReceived.Set(float64(s.MessagesReceived))
	c.errorsTotal.Set(float64(s.Errors))
	c.rejectedTotal.Set(float64(s.RejectedHandshake))
	c.topicsActive.Set(float64(s.ActiveTopics))
	c.rateLimitWindows.Set(float64(s.RateLimitWindows))
	c.memoryMB.Set(s.MemoryMB)
	c.cpuPercent.Set(s.CPUPercent)

	c.topicSubscribers.Reset()
	for name, size := range s.TopicSizes {
		c.topicSubscribers.WithLabelValues(name).Set(float64(size))
	}
}

// Latest returns the most recent snapshot and whether one exists
func (c *Collector) Latest() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.sampled
}

// Handler serves the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Start samples immediately and then every interval until Stop
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(ctx)
	return nil
}

// Stop halts sampling and waits for the loop to exit
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
}

func (c *Collector) loop(ctx context.Context) {
	defer close(c.done)

	c.Sample()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := c.Sample()
			c.logger.Debug().
				Int64("active", s.ActiveConnections).
				Int("topics", s.ActiveTopics).
				Int64("errors", s.Errors).
				Msg("Metrics sampled")
		case <-ctx.Done():
			return
		}
	}
}
