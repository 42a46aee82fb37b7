package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/pkg/types"
)

type fakeSource struct {
	mu    sync.Mutex
	stats types.ConnectionStats
	sizes map[string]int
	calls int
}

func (s *fakeSource) Stats() types.ConnectionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.stats
}

func (s *fakeSource) TopicSizes() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.sizes))
	for k, v := range s.sizes {
		out[k] = v
	}
	return out
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeSink struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (s *fakeSink) MetricsSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
}

func newSource() *fakeSource {
	return &fakeSource{
		stats: types.ConnectionStats{
			TotalConnections:  12,
			ActiveConnections: 4,
			MessagesSent:      900,
			MessagesReceived:  77,
			Errors:            3,
			RejectedHandshake: 50,
			ActiveTopics:      2,
			RateLimitWindows:  5,
		},
		sizes: map[string]int{"market-NIFTY50": 3, "notifications-u1": 1},
	}
}

func TestCollector_SampleExportsGauges(t *testing.T) {
	sink := &fakeSink{}
	c := New(newSource(), time.Minute, zerolog.Nop(), WithSink(sink))

	_, ok := c.Latest()
	assert.False(t, ok)

	snap := c.Sample()
	assert.Equal(t, int64(4), snap.ActiveConnections)
	assert.Equal(t, 3, snap.TopicSizes["market-NIFTY50"])
	assert.Positive(t, snap.Goroutines)

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, snap.Timestamp, latest.Timestamp)

	assert.Equal(t, 12.0, testutil.ToFloat64(c.connectionsTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.connectionsActive))
	assert.Equal(t, 50.0, testutil.ToFloat64(c.rejectedTotal))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.rateLimitWindows))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.topicSubscribers.WithLabelValues("market-NIFTY50")))

	require.Len(t, sink.snapshots, 1)
}

func TestCollector_TopicGaugesTrackRemovedTopics(t *testing.T) {
	source := newSource()
	c := New(source, time.Minute, zerolog.Nop())
	c.Sample()
	assert.Equal(t, 2, testutil.CollectAndCount(c.topicSubscribers))

	source.mu.Lock()
	source.sizes = map[string]int{"market-NIFTY50": 1}
	source.mu.Unlock()

	c.Sample()
	assert.Equal(t, 1, testutil.CollectAndCount(c.topicSubscribers))
}

func TestCollector_Handler(t *testing.T) {
	c := New(newSource(), time.Minute, zerolog.Nop())
	c.Sample()

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "tickstream_connections_active 4")
	assert.Contains(t, string(body), `tickstream_topic_subscribers{topic="market-NIFTY50"} 3`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCollector_StartStop(t *testing.T) {
	source := newSource()
	c := New(source, 10*time.Millisecond, zerolog.Nop())

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)

	assert.Eventually(t, func() bool { return source.callCount() >= 3 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	calls := source.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, source.callCount(), "no samples after Stop")
}
