package core

import (
	"sync"

	"github.com/google/uuid"
)

// OverflowPolicy governs what happens when a subscriber's queue is full
// (§3 invariant, §4.7).
type OverflowPolicy int

const (
	// OverflowDisconnect marks the subscription dead; the next drain
	// yields end-of-stream. This is the default (§4.7).
	OverflowDisconnect OverflowPolicy = iota
	// OverflowDropOldest drops the oldest queued message to make room.
	OverflowDropOldest
)

// UpdateKind classifies a published Message (§6).
type UpdateKind int

const (
	UpdateCreated UpdateKind = iota
	UpdateUpdated
	UpdateDeleted
)

// Topic describes one named channel a sink publishes onto (§3).
type Topic struct {
	Name               string
	DeclaredFilterKeys []string
	Description        string
}

// Preview is the decoded preview a FilterPredicate inspects — a cheap,
// partial view of the payload computed without a full encode (§4.7: filter
// evaluation occurs before encoding).
type Preview map[string]any

// FilterPredicate decides whether preview matches a subscriber's filters
// for one subscription entry (§4.7, §8 filter-soundness property).
type FilterPredicate func(preview Preview, filters map[string]string) bool

// Message is one delivered update (§6).
type Message struct {
	Topic      string
	EnvelopeID string
	TypeTag    TypeTag
	Payload    []byte
	UpdateKind UpdateKind
}

// SubscriptionEntry is one (topic, filters) pair within a Subscription
// (§3).
type SubscriptionEntry struct {
	Topic   string
	Filters map[string]string
}

// Subscription is one client's live, filtered stream (§3). Its queue is
// single-producer (the bus) single-consumer (the service's drainer), per
// §5, so a buffered channel is a faithful and lock-light implementation of
// it; only the overflow-handling compare-and-fix-up needs its own mutex.
type Subscription struct {
	ClientID string

	mu       sync.Mutex
	entries  map[string]SubscriptionEntry
	queue    chan Message
	capacity int
	overflow OverflowPolicy
	live     bool
}

func newSubscription(clientID string, entries []SubscriptionEntry, capacity int, overflow OverflowPolicy) *Subscription {
	if capacity <= 0 {
		capacity = 1024
	}
	s := &Subscription{
		ClientID: clientID,
		entries:  make(map[string]SubscriptionEntry, len(entries)),
		queue:    make(chan Message, capacity),
		capacity: capacity,
		overflow: overflow,
		live:     true,
	}
	for _, e := range entries {
		s.entries[e.Topic] = e
	}
	return s
}

// Live reports whether the subscription is still accepting deliveries.
func (s *Subscription) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Drain returns the channel a consumer ranges over to receive messages.
// It is closed (possibly early, on overflow-disconnect) to signal
// end-of-stream (§4.7 consumer operation).
func (s *Subscription) Drain() <-chan Message { return s.queue }

func (s *Subscription) filtersFor(topic string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[topic]
	if !ok {
		return nil, false
	}
	return e.Filters, true
}

// addEntry/removeEntry implement the dynamic subscription updates of
// §4.8: a client may add/remove (topic, filters) pairs on a live stream.
func (s *Subscription) addEntry(topic string, filters map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[topic] = SubscriptionEntry{Topic: topic, Filters: filters}
}

func (s *Subscription) removeEntry(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, topic)
}

// enqueue delivers msg, applying the subscriber's overflow policy when the
// queue is full (§4.7). It never blocks (§5: "waiting for room... is not
// allowed").
func (s *Subscription) enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return
	}

	select {
	case s.queue <- msg:
		return
	default:
	}

	switch s.overflow {
	case OverflowDropOldest:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- msg:
		default:
			// Another concurrent drop raced us; drop this message rather
			// than block, preserving the no-block guarantee of §5.
		}
	default: // OverflowDisconnect
		s.live = false
		close(s.queue)
	}
}

// disconnect marks the subscription dead and closes its queue, used for
// explicit client disconnects and bus shutdown (§4.8, §4.9 Draining).
func (s *Subscription) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return
	}
	s.live = false
	close(s.queue)
}

// SubscriptionBus is the topic-keyed multi-producer multi-consumer fan-out
// of §4.7.
type SubscriptionBus struct {
	mu       sync.RWMutex
	subs     map[string]map[string]*Subscription // topic -> clientID -> subscription
	byClient map[string]*Subscription
}

// NewSubscriptionBus constructs an empty bus.
func NewSubscriptionBus() *SubscriptionBus {
	return &SubscriptionBus{
		subs:     make(map[string]map[string]*Subscription),
		byClient: make(map[string]*Subscription),
	}
}

// Subscribe registers a new Subscription across all of its entries' topics
// and returns it (§4.8). clientID defaults to a generated id when empty.
func (b *SubscriptionBus) Subscribe(clientID string, entries []SubscriptionEntry, capacity int, overflow OverflowPolicy) *Subscription {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	sub := newSubscription(clientID, entries, capacity, overflow)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if b.subs[e.Topic] == nil {
			b.subs[e.Topic] = make(map[string]*Subscription)
		}
		b.subs[e.Topic][clientID] = sub
	}
	b.byClient[clientID] = sub
	return sub
}

// AddTopic registers sub's interest in an additional topic (§4.8 dynamic
// updates).
func (b *SubscriptionBus) AddTopic(sub *Subscription, topic string, filters map[string]string) {
	sub.addEntry(topic, filters)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription)
	}
	b.subs[topic][sub.ClientID] = sub
}

// RemoveTopic drops sub's interest in topic (§4.8 dynamic updates).
func (b *SubscriptionBus) RemoveTopic(sub *Subscription, topic string) {
	sub.removeEntry(topic)
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[topic]; ok {
		delete(m, sub.ClientID)
	}
}

// Unsubscribe removes sub from every topic it was registered on and closes
// its queue (§4.8).
func (b *SubscriptionBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	for topic, m := range b.subs {
		delete(m, sub.ClientID)
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
	delete(b.byClient, sub.ClientID)
	b.mu.Unlock()
	sub.disconnect()
}

// Publish delivers one update to every subscriber on topic whose filter
// predicate matches preview (§4.7). Payload encoding happens at most once,
// lazily, only if at least one subscriber matches (§4.7, §8 no-subscriber
// fast path and filter-soundness properties).
func (b *SubscriptionBus) Publish(topic string, envelopeID string, typeTag TypeTag, typedPayload TypedPayload, preview Preview, updateKind UpdateKind, predicate FilterPredicate) error {
	b.mu.RLock()
	subscribers := b.subs[topic]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return nil
	}
	// Snapshot under the read lock so a subscription added mid-publish
	// either is fully included or not at all (§4.7 consistent-snapshot
	// guarantee); we copy the slice, not the Subscription pointers, so
	// delivery itself happens outside the lock.
	snapshot := make([]*Subscription, 0, len(subscribers))
	for _, s := range subscribers {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	var encoded []byte
	var encodeErr error
	encodeOnce := func() ([]byte, error) {
		if encoded == nil && encodeErr == nil {
			encoded, encodeErr = EncodePayload(typedPayload)
		}
		return encoded, encodeErr
	}

	for _, sub := range snapshot {
		filters, ok := sub.filtersFor(topic)
		if !ok {
			continue
		}
		if !predicate(preview, filters) {
			continue
		}
		payload, err := encodeOnce()
		if err != nil {
			return NewError(ErrMalformed, err)
		}
		sub.enqueue(Message{Topic: topic, EnvelopeID: envelopeID, TypeTag: typeTag, Payload: payload, UpdateKind: updateKind})
	}
	return nil
}

// Close disconnects every live subscription, delivering end-of-stream to
// all drainers (§4.9 Draining: "close SubscriptionBus (drains deliver
// end-of-stream)").
func (b *SubscriptionBus) Close() {
	b.mu.Lock()
	clients := make([]*Subscription, 0, len(b.byClient))
	for _, s := range b.byClient {
		clients = append(clients, s)
	}
	b.subs = make(map[string]map[string]*Subscription)
	b.byClient = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, s := range clients {
		s.disconnect()
	}
}
