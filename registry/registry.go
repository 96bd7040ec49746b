// Package registry tracks which connections are subscribed to which topics
// and maintains the global per-topic reference counts that drive adapter
// Join/Leave decisions.
//
// All mutation goes through a single mutex so each 0→1 and 1→0 refcount
// transition is observed by exactly one caller, even when connections
// subscribe and unsubscribe concurrently.
package registry

import "sync"

// Registry holds per-connection topic membership and per-topic refcounts.
// Invariant: refcount(topic) == number of connections holding the topic.
type Registry struct {
	mu     sync.Mutex
	byConn map[int64]map[string]struct{}
	refs   map[string]int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byConn: make(map[int64]map[string]struct{}),
		refs:   make(map[string]int),
	}
}

// Subscribe adds topic to conn's membership. added is false when the
// connection already held the topic (no refcount change). mustJoin is true
// exactly when this call moved the topic's refcount from 0 to 1.
func (r *Registry) Subscribe(conn int64, topic string) (added, mustJoin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := r.byConn[conn]
	if topics == nil {
		topics = make(map[string]struct{})
		r.byConn[conn] = topics
	}
	if _, ok := topics[topic]; ok {
		return false, false
	}
	topics[topic] = struct{}{}
	r.refs[topic]++
	return true, r.refs[topic] == 1
}

// Unsubscribe removes topic from conn's membership. removed is false when the
// connection did not hold the topic (no refcount change). mustLeave is true
// exactly when this call moved the topic's refcount from 1 to 0.
func (r *Registry) Unsubscribe(conn int64, topic string) (removed, mustLeave bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(conn, topic)
}

func (r *Registry) unsubscribeLocked(conn int64, topic string) (removed, mustLeave bool) {
	topics := r.byConn[conn]
	if topics == nil {
		return false, false
	}
	if _, ok := topics[topic]; !ok {
		return false, false
	}
	delete(topics, topic)
	if len(topics) == 0 {
		delete(r.byConn, conn)
	}
	r.refs[topic]--
	if r.refs[topic] <= 0 {
		delete(r.refs, topic)
		return true, true
	}
	return true, false
}

// RemoveConn atomically releases every topic the connection held and returns
// the topics whose refcount reached 0 (the caller must Leave them).
func (r *Registry) RemoveConn(conn int64) (leave []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := r.byConn[conn]
	for topic := range topics {
		if _, mustLeave := r.unsubscribeLocked(conn, topic); mustLeave {
			leave = append(leave, topic)
		}
	}
	return leave
}

// Topics returns a snapshot of the topics conn currently holds.
func (r *Registry) Topics(conn int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := r.byConn[conn]
	out := make([]string, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	return out
}

// RefCount returns the current refcount for topic (0 if unknown).
func (r *Registry) RefCount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[topic]
}
