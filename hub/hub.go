// Package hub fans published events out to per-subscriber bounded queues.
// Delivery is non-blocking: a full queue costs that subscriber a counted loss
// instead of stalling the publisher or other subscribers, and accumulated
// losses are coalesced into a single TopicLagged marker once the queue has
// room again. Closed subscribers are pruned on publish and on unsubscribe;
// a topic with no subscribers is removed entirely.
package hub

import (
	"sync"
	"time"

	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/wire"
)

// Subscriber is one connection's bounded queue for one topic. Events arrive
// on C in publish order; a TopicLagged marker replaces any run of dropped
// events.
type Subscriber struct {
	topic string
	conn  int64

	mu          sync.Mutex
	ch          chan wire.EventEnvelope
	pendingLoss uint64
	closed      bool
}

// C is the subscriber's receive channel. It is closed when the subscription
// ends; no sends happen after close.
func (s *Subscriber) C() <-chan wire.EventEnvelope { return s.ch }

// Topic returns the topic this subscriber belongs to.
func (s *Subscriber) Topic() string { return s.topic }

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver attempts a non-blocking send, flushing a coalesced lag marker
// first when losses are pending. Returns false if the subscriber is closed.
func (s *Subscriber) deliver(env wire.EventEnvelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.pendingLoss > 0 {
		marker := wire.LaggedEnvelope(s.topic, s.pendingLoss, "delivery queue overflow", time.Now().UnixMilli())
		select {
		case s.ch <- marker:
			s.pendingLoss = 0
		default:
			// Still no room; the new event joins the loss run.
			s.pendingLoss++
			telemetry.IncEventsDropped()
			return true
		}
	}
	select {
	case s.ch <- env:
	default:
		s.pendingLoss++
		telemetry.IncEventsDropped()
	}
	return true
}

type room struct {
	subs map[int64]*Subscriber
}

// Hub is the per-topic fan-out table.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]*room
	queueCap int
}

// New creates a hub whose subscriber queues hold queueCap events.
func New(queueCap int) *Hub {
	if queueCap <= 0 {
		queueCap = 1
	}
	return &Hub{rooms: make(map[string]*room), queueCap: queueCap}
}

// Subscribe registers conn on topic and returns its queue. Subscribing twice
// replaces the previous queue (the old one is closed).
func (h *Hub) Subscribe(topic string, conn int64) *Subscriber {
	sub := &Subscriber{
		topic: topic,
		conn:  conn,
		ch:    make(chan wire.EventEnvelope, h.queueCap),
	}
	h.mu.Lock()
	rm := h.rooms[topic]
	if rm == nil {
		rm = &room{subs: make(map[int64]*Subscriber)}
		h.rooms[topic] = rm
	}
	old := rm.subs[conn]
	rm.subs[conn] = sub
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	return sub
}

// Unsubscribe removes conn's queue for topic and closes it.
func (h *Hub) Unsubscribe(topic string, conn int64) {
	h.mu.Lock()
	var sub *Subscriber
	if rm := h.rooms[topic]; rm != nil {
		sub = rm.subs[conn]
		delete(rm.subs, conn)
		if len(rm.subs) == 0 {
			delete(h.rooms, topic)
		}
	}
	h.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// DropConn removes every queue the connection holds across all topics.
func (h *Hub) DropConn(conn int64) {
	h.mu.Lock()
	var closing []*Subscriber
	for topic, rm := range h.rooms {
		if sub, ok := rm.subs[conn]; ok {
			closing = append(closing, sub)
			delete(rm.subs, conn)
			if len(rm.subs) == 0 {
				delete(h.rooms, topic)
			}
		}
	}
	h.mu.Unlock()
	for _, sub := range closing {
		sub.close()
	}
}

// Publish delivers env to every live subscriber of its topic, pruning closed
// subscribers opportunistically.
func (h *Hub) Publish(env wire.EventEnvelope) {
	h.mu.Lock()
	rm := h.rooms[env.Topic]
	if rm == nil {
		h.mu.Unlock()
		return
	}
	// Snapshot so queue delivery happens outside the table lock.
	subs := make([]*Subscriber, 0, len(rm.subs))
	for _, sub := range rm.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	var dead []*Subscriber
	for _, sub := range subs {
		if !sub.deliver(env) {
			dead = append(dead, sub)
		}
	}
	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	if rm := h.rooms[env.Topic]; rm != nil {
		for _, sub := range dead {
			if rm.subs[sub.conn] == sub {
				delete(rm.subs, sub.conn)
			}
		}
		if len(rm.subs) == 0 {
			delete(h.rooms, env.Topic)
		}
	}
	h.mu.Unlock()
}

// Subscribers reports the current subscriber count for topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm := h.rooms[topic]; rm != nil {
		return len(rm.subs)
	}
	return 0
}

// Topics reports how many topics currently have live subscribers.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
