package topic

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/pkg/interfaces"
)

// recordingSubscriber captures frames in arrival order
type recordingSubscriber struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames [][]byte
}

func newSubscriber(id string) *recordingSubscriber {
	return &recordingSubscriber{id: id}
}

func (s *recordingSubscriber) ID() string { return s.id }

func (s *recordingSubscriber) Send(data []byte) error {
	if s.fail {
		return errors.New("send queue full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	return nil
}

func (s *recordingSubscriber) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = string(f)
	}
	return out
}

func registerAll(t *testing.T, r *Registry, subs ...*recordingSubscriber) {
	t.Helper()
	for _, sub := range subs {
		require.NoError(t, r.Register(sub))
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.Register(nil), ErrNilSubscriber)
	assert.ErrorIs(t, r.Register(newSubscriber("")), ErrEmptyConnectionID)

	require.NoError(t, r.Register(newSubscriber("c1")))
	assert.ErrorIs(t, r.Register(newSubscriber("c1")), ErrDuplicateConnection)
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestRegistry_SubscribeRequiresRegistration(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Subscribe("market-NIFTY50", "ghost"), ErrUnknownConnection)
	assert.Equal(t, 0, r.TopicCount())
}

func TestRegistry_SubscribeIsIdempotentAndBidirectional(t *testing.T) {
	r := NewRegistry()
	c1 := newSubscriber("c1")
	registerAll(t, r, c1)

	require.NoError(t, r.Subscribe("market-NIFTY50", "c1"))
	require.NoError(t, r.Subscribe("market-NIFTY50", "c1"))

	assert.Equal(t, []string{"c1"}, r.Subscribers("market-NIFTY50"))
	assert.Equal(t, []string{"market-NIFTY50"}, r.TopicsOf("c1"))
	assert.Equal(t, map[string]int{"market-NIFTY50": 1}, r.Sizes())
}

func TestRegistry_SubscribeThenRemoveConnection(t *testing.T) {
	r := NewRegistry()
	registerAll(t, r, newSubscriber("c1"), newSubscriber("c2"))

	require.NoError(t, r.Subscribe("market-NIFTY50", "c1"))
	require.NoError(t, r.Subscribe("market-NIFTY50", "c2"))
	require.NoError(t, r.Subscribe("predictions-kronos", "c1"))

	removed := r.RemoveConnection("c1")
	assert.Equal(t, []string{"market-NIFTY50", "predictions-kronos"}, removed)

	assert.Equal(t, []string{"c2"}, r.Subscribers("market-NIFTY50"))
	assert.Nil(t, r.Subscribers("predictions-kronos"))
	assert.Nil(t, r.TopicsOf("c1"))
	assert.Equal(t, 1, r.TopicCount(), "topic left empty is dropped")
	assert.Equal(t, 1, r.ConnectionCount())

	// Second removal is harmless
	assert.Nil(t, r.RemoveConnection("c1"))
	assert.ErrorIs(t, r.Subscribe("market-NIFTY50", "c1"), ErrUnknownConnection)
}

func TestRegistry_UnsubscribeTwiceEqualsOnce(t *testing.T) {
	r := NewRegistry()
	registerAll(t, r, newSubscriber("c1"), newSubscriber("c2"))
	require.NoError(t, r.Subscribe("t", "c1"))
	require.NoError(t, r.Subscribe("t", "c2"))

	r.Unsubscribe("t", "c1")
	once := r.Sizes()
	r.Unsubscribe("t", "c1")

	assert.Equal(t, once, r.Sizes())
	assert.Equal(t, []string{"c2"}, r.Subscribers("t"))
	assert.Empty(t, r.TopicsOf("c1"))

	// Unknown topic and unknown connection are both no-ops
	r.Unsubscribe("missing", "c1")
	r.Unsubscribe("t", "ghost")
	assert.Equal(t, []string{"c2"}, r.Subscribers("t"))
}

func TestRegistry_BatchEquivalentToSingles(t *testing.T) {
	batch := NewRegistry()
	single := NewRegistry()
	registerAll(t, batch, newSubscriber("c1"))
	registerAll(t, single, newSubscriber("c1"))

	topics := []string{"market-A", "market-B", "market-C", "market-A"}
	require.NoError(t, batch.SubscribeMany(topics, "c1"))
	for _, topic := range topics {
		require.NoError(t, single.Subscribe(topic, "c1"))
	}
	assert.Equal(t, single.Sizes(), batch.Sizes())
	assert.Equal(t, single.TopicsOf("c1"), batch.TopicsOf("c1"))

	batch.UnsubscribeMany([]string{"market-A", "market-C"}, "c1")
	single.Unsubscribe("market-A", "c1")
	single.Unsubscribe("market-C", "c1")
	assert.Equal(t, single.Sizes(), batch.Sizes())
	assert.Equal(t, []string{"market-B"}, batch.TopicsOf("c1"))
}

func TestRegistry_PublishOnlyReachesSubscribers(t *testing.T) {
	r := NewRegistry()
	nifty := newSubscriber("nifty")
	bank := newSubscriber("bank")
	registerAll(t, r, nifty, bank)
	require.NoError(t, r.Subscribe("market-NIFTY50", "nifty"))
	require.NoError(t, r.Subscribe("market-BANKNIFTY", "bank"))

	delivered := r.Publish("market-NIFTY50", []byte("tick"))

	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"tick"}, nifty.received())
	assert.Empty(t, bank.received())
	assert.Equal(t, 0, r.Publish("market-UNKNOWN", []byte("tick")))
}

func TestRegistry_PublishSkipsFailingSubscriber(t *testing.T) {
	r := NewRegistry()
	good := newSubscriber("good")
	bad := newSubscriber("bad")
	bad.fail = true
	registerAll(t, r, good, bad)
	require.NoError(t, r.SubscribeMany([]string{"t"}, "good"))
	require.NoError(t, r.SubscribeMany([]string{"t"}, "bad"))

	assert.Equal(t, 1, r.Publish("t", []byte("m")))
	assert.Equal(t, []string{"m"}, good.received())
}

func TestRegistry_PublishPreservesOrder(t *testing.T) {
	r := NewRegistry()
	subs := make([]*recordingSubscriber, 5)
	for i := range subs {
		subs[i] = newSubscriber(fmt.Sprintf("c%d", i))
		registerAll(t, r, subs[i])
		require.NoError(t, r.Subscribe("t", subs[i].id))
	}

	expected := make([]string, 200)
	for i := range expected {
		expected[i] = fmt.Sprintf("m%03d", i)
		r.Publish("t", []byte(expected[i]))
	}

	for _, sub := range subs {
		assert.Equal(t, expected, sub.received())
	}
}

func TestRegistry_ConcurrentPublishersAgreeOnOrder(t *testing.T) {
	r := NewRegistry()
	a := newSubscriber("a")
	b := newSubscriber("b")
	registerAll(t, r, a, b)
	require.NoError(t, r.Subscribe("t", "a"))
	require.NoError(t, r.Subscribe("t", "b"))

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Publish("t", []byte(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	require.Len(t, a.received(), 400)
	assert.Equal(t, a.received(), b.received(), "every subscriber sees the same interleaving")
}

func TestRegistry_ConcurrentMutationDuringPublish(t *testing.T) {
	r := NewRegistry()
	stable := newSubscriber("stable")
	registerAll(t, r, stable)
	require.NoError(t, r.Subscribe("t", "stable"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			r.Publish("t", []byte("x"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			id := fmt.Sprintf("churn-%d", i)
			sub := newSubscriber(id)
			if err := r.Register(sub); err != nil {
				continue
			}
			_ = r.Subscribe("t", id)
			r.Unsubscribe("t", id)
			r.RemoveConnection(id)
		}
	}()
	wg.Wait()

	assert.Len(t, stable.received(), 500)
	assert.Equal(t, []string{"stable"}, r.Subscribers("t"))
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestRegistry_Each(t *testing.T) {
	r := NewRegistry()
	registerAll(t, r, newSubscriber("a"), newSubscriber("b"), newSubscriber("c"))

	seen := map[string]bool{}
	r.Each(func(sub interfaces.Subscriber) { seen[sub.ID()] = true })
	assert.Len(t, seen, 3)
}
