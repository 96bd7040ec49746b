// Package router is the single sequencer between adapter ingest and
// delivery. One goroutine drains the merged adapter source, assigns each
// topic's next cursor exactly once, and publishes the stamped event to the
// replay buffer and then the room hub. Keeping cursor assignment here, and
// nowhere else, is what keeps replay and live delivery from drifting apart.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/chat-relay/adapter"
	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/replay"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/wire"
)

// Router stamps and republishes merged ingest events.
type Router struct {
	src    <-chan adapter.Item
	buf    *replay.Buffer
	rooms  *hub.Hub
	cursor map[string]uint64 // next-1; last assigned cursor per topic
	now    func() time.Time
}

// New wires a router to its merged source and downstream consumers.
func New(src <-chan adapter.Item, buf *replay.Buffer, rooms *hub.Hub) *Router {
	return &Router{
		src:    src,
		buf:    buf,
		rooms:  rooms,
		cursor: make(map[string]uint64),
		now:    time.Now,
	}
}

// Run drains the merged source until it closes or ctx is canceled.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-r.src:
			if !ok {
				return nil
			}
			r.handle(item)
		}
	}
}

func (r *Router) handle(item adapter.Item) {
	switch item.Kind {
	case adapter.ItemIngest:
		if item.Ingest != nil {
			r.publish(item.Ingest)
		}
	case adapter.ItemStatus:
		if st := item.Status; st != nil {
			// Observability only; never forwarded to clients.
			slog.Info("adapter status",
				slog.String("platform", st.Platform),
				slog.String("state", string(st.State)),
				slog.String("detail", st.Detail))
		}
	default:
		slog.Warn("unknown adapter item", slog.Int("kind", int(item.Kind)))
	}
}

// publish stamps the event with its topic and next cursor, then records it
// and fans it out. Replay is written first so a subscriber registered during
// this call can never see a cursor the buffer does not hold.
func (r *Router) publish(in *adapter.Ingest) {
	telemetry.IncEventsIngested()
	topic := wire.Topic(in.Platform, in.Room)
	r.cursor[topic]++
	env := wire.EventEnvelope{
		Topic:        topic,
		Cursor:       r.cursor[topic],
		ServerTimeMs: r.now().UnixMilli(),
		Payload:      in.Payload,
	}
	r.buf.Record(env)
	r.rooms.Publish(env)
	telemetry.IncEventsPublished()
	telemetry.SetActiveTopics(r.rooms.Topics())
}
