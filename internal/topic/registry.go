package topic

import (
	"sort"
	"sync"

	"tickstream/pkg/interfaces"
)

// Registry maps topics to subscribed connections and back.
// All mutation goes through mu; Publish takes a snapshot under mu and
// delivers outside it.
type Registry struct {
	mu          sync.RWMutex
	topics      map[string]*entry                // topic -> subscriber set
	memberships map[string]map[string]struct{}   // connectionID -> topic set
	connections map[string]interfaces.Subscriber // connectionID -> write path
}

// entry is one topic's subscriber set.
// order serializes deliveries so concurrent publishers on the same topic
// reach every subscriber in the same order.
type entry struct {
	subscribers map[string]struct{}
	order       sync.Mutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		topics:      make(map[string]*entry),
		memberships: make(map[string]map[string]struct{}),
		connections: make(map[string]interfaces.Subscriber),
	}
}

// Register makes a connection known to the registry
func (r *Registry) Register(sub interfaces.Subscriber) error {
	if sub == nil {
		return ErrNilSubscriber
	}
	id := sub.ID()
	if id == "" {
		return ErrEmptyConnectionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[id]; exists {
		return ErrDuplicateConnection
	}
	r.connections[id] = sub
	r.memberships[id] = make(map[string]struct{})
	return nil
}

// Subscribe adds connectionID to topic. Subscribing twice is a no-op.
func (r *Registry) Subscribe(topic, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeLocked(topic, connectionID)
}

// SubscribeMany is equivalent to calling Subscribe for each topic under one lock
func (r *Registry) SubscribeMany(topics []string, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, topic := range topics {
		if err := r.subscribeLocked(topic, connectionID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) subscribeLocked(topic, connectionID string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	topicsOf, exists := r.memberships[connectionID]
	if !exists {
		return ErrUnknownConnection
	}

	e, exists := r.topics[topic]
	if !exists {
		e = &entry{subscribers: make(map[string]struct{})}
		r.topics[topic] = e
	}
	e.subscribers[connectionID] = struct{}{}
	topicsOf[topic] = struct{}{}
	return nil
}

// Unsubscribe removes connectionID from topic; removing an absent member is a no-op
func (r *Registry) Unsubscribe(topic, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(topic, connectionID)
}

// UnsubscribeMany is equivalent to calling Unsubscribe for each topic under one lock
func (r *Registry) UnsubscribeMany(topics []string, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, topic := range topics {
		r.unsubscribeLocked(topic, connectionID)
	}
}

func (r *Registry) unsubscribeLocked(topic, connectionID string) {
	if topicsOf, exists := r.memberships[connectionID]; exists {
		delete(topicsOf, topic)
	}

	e, exists := r.topics[topic]
	if !exists {
		return
	}
	delete(e.subscribers, connectionID)
	if len(e.subscribers) == 0 {
		delete(r.topics, topic)
	}
}

// RemoveConnection purges connectionID from every topic it belongs to and
// forgets the connection. It returns the topics it was removed from.
func (r *Registry) RemoveConnection(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topicsOf, exists := r.memberships[connectionID]
	if !exists {
		return nil
	}

	removed := make([]string, 0, len(topicsOf))
	for topic := range topicsOf {
		if e, ok := r.topics[topic]; ok {
			delete(e.subscribers, connectionID)
			if len(e.subscribers) == 0 {
				delete(r.topics, topic)
			}
		}
		removed = append(removed, topic)
	}

	delete(r.memberships, connectionID)
	delete(r.connections, connectionID)
	sort.Strings(removed)
	return removed
}

// Publish hands data to every current subscriber of topic and returns how many
// accepted it. A subscriber whose Send fails is skipped; the others still receive data.
func (r *Registry) Publish(topic string, data []byte) int {
	r.mu.RLock()
	e, exists := r.topics[topic]
	if !exists {
		r.mu.RUnlock()
		return 0
	}

	// Taking order before releasing mu keeps deliveries in snapshot order
	e.order.Lock()
	targets := make([]interfaces.Subscriber, 0, len(e.subscribers))
	for id := range e.subscribers {
		if sub, ok := r.connections[id]; ok {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()
	defer e.order.Unlock()

	delivered := 0
	for _, sub := range targets {
		if err := sub.Send(data); err == nil {
			delivered++
		}
	}
	return delivered
}

// Each calls fn for every registered connection, from a snapshot
func (r *Registry) Each(fn func(interfaces.Subscriber)) {
	r.mu.RLock()
	targets := make([]interfaces.Subscriber, 0, len(r.connections))
	for _, sub := range r.connections {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		fn(sub)
	}
}

// Subscribers returns the sorted connection IDs subscribed to topic
func (r *Registry) Subscribers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.topics[topic]
	if !exists {
		return nil
	}
	ids := make([]string, 0, len(e.subscribers))
	for id := range e.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TopicsOf returns the sorted topics connectionID is subscribed to
func (r *Registry) TopicsOf(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topicsOf, exists := r.memberships[connectionID]
	if !exists {
		return nil
	}
	topics := make([]string, 0, len(topicsOf))
	for topic := range topicsOf {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Sizes returns the subscriber count of every non-empty topic
func (r *Registry) Sizes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sizes := make(map[string]int, len(r.topics))
	for topic, e := range r.topics {
		sizes[topic] = len(e.subscribers)
	}
	return sizes
}

// TopicCount returns the number of topics with at least one subscriber
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// ConnectionCount returns the number of registered connections
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
