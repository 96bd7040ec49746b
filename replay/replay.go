// Package replay keeps a bounded per-topic window of recently published
// events, keyed by cursor, so a reconnecting client can resume without gaps
// or duplicates. Entries are evicted from the oldest end once the per-topic
// capacity or the retention age is exceeded; nothing here is durable.
package replay

import (
	"errors"
	"sync"
	"time"

	"github.com/onnwee/chat-relay/wire"
)

// ErrExhausted means the requested cursor is older than the earliest retained
// entry: some events were evicted before the client could see them.
var ErrExhausted = errors.New("replay: window exhausted")

type entry struct {
	env wire.EventEnvelope
	at  time.Time
}

// window is one topic's retained run of entries, ordered by cursor.
type window struct {
	entries []entry
	latest  uint64 // newest cursor ever recorded, survives eviction
}

// Buffer is the replay store for all topics.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	maxAge   time.Duration
	topics   map[string]*window
	now      func() time.Time
}

// New creates a buffer retaining up to capacity entries per topic. maxAge of 0
// disables age-based eviction.
func New(capacity int, maxAge time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		maxAge:   maxAge,
		topics:   make(map[string]*window),
		now:      time.Now,
	}
}

// Record appends an already-stamped event to its topic's window, evicting
// from the oldest end as needed. Marker events are never recorded.
func (b *Buffer) Record(env wire.EventEnvelope) {
	if env.IsMarker() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.topics[env.Topic]
	if w == nil {
		w = &window{}
		b.topics[env.Topic] = w
	}
	w.entries = append(w.entries, entry{env: env, at: b.now()})
	w.latest = env.Cursor
	if len(w.entries) > b.capacity {
		// Amortized O(1): shift the slice head; append reuses the backing
		// array until it grows past capacity.
		w.entries = w.entries[1:]
	}
	b.evictAgedLocked(w)
}

func (b *Buffer) evictAgedLocked(w *window) {
	if b.maxAge <= 0 {
		return
	}
	cutoff := b.now().Add(-b.maxAge)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}

// ServeFrom returns the contiguous run of entries with cursor > since, in
// cursor order. An empty result with nil error means the caller is already
// current. ErrExhausted means entries newer than since were evicted; the
// caller should continue live and surface the gap.
func (b *Buffer) ServeFrom(topic string, since uint64) ([]wire.EventEnvelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.topics[topic]
	if w == nil {
		// Nothing ever published; any cursor claim from the client refers to
		// history this instance does not have.
		if since > 0 {
			return nil, ErrExhausted
		}
		return nil, nil
	}
	b.evictAgedLocked(w)
	if since >= w.latest {
		return nil, nil
	}
	if len(w.entries) == 0 || w.entries[0].env.Cursor > since+1 {
		return nil, ErrExhausted
	}
	out := make([]wire.EventEnvelope, 0, len(w.entries))
	for _, e := range w.entries {
		if e.env.Cursor > since {
			out = append(out, e.env)
		}
	}
	return out, nil
}

// Latest returns the newest cursor recorded for topic, or 0 if none.
func (b *Buffer) Latest(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w := b.topics[topic]; w != nil {
		return w.latest
	}
	return 0
}
