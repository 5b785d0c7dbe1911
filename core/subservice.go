package core

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/sirupsen/logrus"
)

// TopicDescriptor is the wire shape of ListTopics' response entries (§6).
type TopicDescriptor struct {
	Name        string   `json:"name"`
	FilterKeys  []string `json:"filter_keys"`
	Description string   `json:"description"`
}

// VersionInfo is GetVersion's response (§6).
type VersionInfo struct {
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// wireMessage is one Message framed for the wire (§6): payload_bytes
// marshals as base64 through encoding/json's default []byte handling.
type wireMessage struct {
	Topic      string `json:"topic"`
	EnvelopeID string `json:"envelope_id"`
	TypeTag    uint64 `json:"type_tag"`
	Payload    []byte `json:"payload_bytes"`
	UpdateKind int    `json:"update_kind"`
}

// subscribeRequest opens a stream (§6 SubscribeServerStream/SubscribeBidi).
type subscribeRequest struct {
	ClientID string                  `json:"client_id"`
	Entries  []subscribeRequestEntry `json:"entries"`
	Capacity int                     `json:"capacity,omitempty"`
	Overflow string                  `json:"overflow,omitempty"` // "disconnect" | "drop_oldest"
}

type subscribeRequestEntry struct {
	Topic   string            `json:"topic"`
	Filters map[string]string `json:"filters"`
}

// subscribeControl is a live add/remove message for SubscribeBidi (§4.8,
// §6).
type subscribeControl struct {
	Op      string            `json:"op"` // "add" | "remove"
	Topic   string            `json:"topic"`
	Filters map[string]string `json:"filters,omitempty"`
}

// SubscriptionService exposes the subscription wire protocol of §6 over a
// websocket transport: a client opens a connection, sends one
// subscribeRequest, then the service streams Messages while optionally
// reading further subscribeControl frames to add/remove entries live
// (unifying SubscribeServerStream and SubscribeBidi into a single
// connection type, since a bidi stream that never sends control frames is
// exactly a server stream).
type SubscriptionService struct {
	bus       *SubscriptionBus
	topics    []TopicDescriptor
	version   string
	startedAt time.Time
	metrics   *Metrics

	upgrader     websocket.Upgrader
	acceptingNew atomic.Bool

	log *logrus.Entry
}

// NewSubscriptionService builds a service fronting bus, advertising the
// given topic catalog and version string (§4.9 startup step 8: "bind
// network listener for SubscriptionService").
func NewSubscriptionService(bus *SubscriptionBus, topics []Topic, version string, metrics *Metrics) *SubscriptionService {
	descriptors := make([]TopicDescriptor, 0, len(topics))
	for _, t := range topics {
		descriptors = append(descriptors, TopicDescriptor{Name: t.Name, FilterKeys: t.DeclaredFilterKeys, Description: t.Description})
	}
	s := &SubscriptionService{
		bus:       bus,
		topics:    descriptors,
		version:   version,
		startedAt: time.Now(),
		metrics:   metrics,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:       logrus.WithField("component", "subservice"),
	}
	s.acceptingNew.Store(true)
	return s
}

// ListTopics implements §6's ListTopics operation.
func (s *SubscriptionService) ListTopics() []TopicDescriptor { return s.topics }

// GetVersion implements §6's GetVersion operation.
func (s *SubscriptionService) GetVersion() VersionInfo {
	return VersionInfo{Version: s.version, UptimeSeconds: time.Since(s.startedAt).Seconds()}
}

// StopAcceptingNewSubscriptions implements the Draining-state requirement
// "stop accepting new subscriptions" (§4.9) while letting already-connected
// streams keep draining until the bus closes them.
func (s *SubscriptionService) StopAcceptingNewSubscriptions() { s.acceptingNew.Store(false) }

// ServeHTTP upgrades to a websocket connection and runs one subscriber
// stream: a reader task consuming control frames and a drainer task
// forwarding bus messages, per §5's "one task per subscriber stream
// (reader + drainer)".
func (s *SubscriptionService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.acceptingNew.Load() {
		http.Error(w, "draining: not accepting new subscriptions", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var req subscribeRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.log.WithError(err).Warn("malformed subscribe request")
		return
	}

	entries := make([]SubscriptionEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, SubscriptionEntry{Topic: e.Topic, Filters: e.Filters})
	}
	overflow := OverflowDisconnect
	if req.Overflow == "drop_oldest" {
		overflow = OverflowDropOldest
	}
	sub := s.bus.Subscribe(req.ClientID, entries, req.Capacity, overflow)

	// Either task exiting (client disconnect, write failure, overflow
	// disconnect, bus shutdown) must tear down the other: Unsubscribe
	// closes sub's queue, unblocking a drainLoop stuck on Drain(), and
	// closing conn unblocks a controlLoop stuck on ReadJSON. Without this,
	// a client disconnect seen only by one task would leave the other
	// blocked forever and the subscription never freed (§4.8, §5).
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.bus.Unsubscribe(sub)
			conn.Close()
		})
	}
	defer cleanup()

	var wg conc.WaitGroup
	wg.Go(func() { s.drainLoop(conn, sub); cleanup() })
	wg.Go(func() { s.controlLoop(conn, sub); cleanup() })
	wg.Wait()
}

// drainLoop forwards bus messages to the client until the subscription is
// closed (overflow-disconnect, explicit unsubscribe, or bus shutdown).
func (s *SubscriptionService) drainLoop(conn *websocket.Conn, sub *Subscription) {
	for msg := range sub.Drain() {
		if s.metrics != nil {
			s.metrics.SubscriberQueue.WithLabelValues(sub.ClientID).Set(float64(len(sub.Drain())))
		}
		wire := wireMessage{
			Topic:      msg.Topic,
			EnvelopeID: msg.EnvelopeID,
			TypeTag:    uint64(msg.TypeTag),
			Payload:    msg.Payload,
			UpdateKind: int(msg.UpdateKind),
		}
		if err := conn.WriteJSON(wire); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end-of-stream"), time.Now().Add(time.Second))
}

// controlLoop reads SubscribeBidi control frames, applying dynamic
// add/remove updates (§4.8). It returns when the connection closes.
func (s *SubscriptionService) controlLoop(conn *websocket.Conn, sub *Subscription) {
	for {
		var ctl subscribeControl
		if err := conn.ReadJSON(&ctl); err != nil {
			return
		}
		switch ctl.Op {
		case "add":
			s.bus.AddTopic(sub, ctl.Topic, ctl.Filters)
		case "remove":
			s.bus.RemoveTopic(sub, ctl.Topic)
		default:
			s.log.Warnf("unknown control op %q", ctl.Op)
		}
	}
}
