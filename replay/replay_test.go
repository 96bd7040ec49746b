package replay

import (
	"errors"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/wire"
)

func chatEnv(topic string, cursor uint64) wire.EventEnvelope {
	return wire.EventEnvelope{
		Topic:  topic,
		Cursor: cursor,
		Payload: wire.EventPayload{
			Kind: wire.EventChat,
			Chat: &wire.ChatMessage{User: "u", Text: "m"},
		},
	}
}

func TestServeFromWithinWindow(t *testing.T) {
	b := New(10, 0)
	for c := uint64(1); c <= 5; c++ {
		b.Record(chatEnv("room:twitch/demo", c))
	}

	got, err := b.ServeFrom("room:twitch/demo", 3)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if len(got) != 2 || got[0].Cursor != 4 || got[1].Cursor != 5 {
		t.Fatalf("unexpected run: %+v", got)
	}
	if b.Latest("room:twitch/demo") != 5 {
		t.Fatalf("latest = %d", b.Latest("room:twitch/demo"))
	}
}

func TestServeFromCurrent(t *testing.T) {
	b := New(10, 0)
	b.Record(chatEnv("room:twitch/demo", 1))

	got, err := b.ServeFrom("room:twitch/demo", 1)
	if err != nil || len(got) != 0 {
		t.Fatalf("caller at head: got %v, %v", got, err)
	}
	// Resume ahead of the window is also "current" (upstream gap, not ours).
	got, err = b.ServeFrom("room:twitch/demo", 9)
	if err != nil || len(got) != 0 {
		t.Fatalf("caller past head: got %v, %v", got, err)
	}
}

func TestServeFromExhausted(t *testing.T) {
	b := New(2, 0)
	for c := uint64(1); c <= 5; c++ {
		b.Record(chatEnv("room:twitch/demo", c))
	}
	// Capacity 2 retains cursors 4 and 5.
	if _, err := b.ServeFrom("room:twitch/demo", 1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	// Boundary: since=3 still has a contiguous run starting at 4.
	got, err := b.ServeFrom("room:twitch/demo", 3)
	if err != nil || len(got) != 2 {
		t.Fatalf("boundary serve: got %v, %v", got, err)
	}
}

func TestServeFromUnknownTopic(t *testing.T) {
	b := New(2, 0)
	if got, err := b.ServeFrom("room:twitch/fresh", 0); err != nil || len(got) != 0 {
		t.Fatalf("fresh topic: got %v, %v", got, err)
	}
	// A cursor claim against a topic this instance never published is history
	// we cannot verify or replay.
	if _, err := b.ServeFrom("room:twitch/fresh", 3); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestRetentionAge(t *testing.T) {
	b := New(100, time.Minute)
	clock := time.Unix(0, 0)
	b.now = func() time.Time { return clock }

	b.Record(chatEnv("room:twitch/demo", 1))
	clock = clock.Add(2 * time.Minute)
	b.Record(chatEnv("room:twitch/demo", 2))

	// Cursor 1 aged out; resuming before it is exhausted.
	if _, err := b.ServeFrom("room:twitch/demo", 0); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	got, err := b.ServeFrom("room:twitch/demo", 1)
	if err != nil || len(got) != 1 || got[0].Cursor != 2 {
		t.Fatalf("aged serve: got %v, %v", got, err)
	}
}

func TestMarkersNotRecorded(t *testing.T) {
	b := New(10, 0)
	b.Record(wire.LaggedEnvelope("room:twitch/demo", 1, "", 0))
	if b.Latest("room:twitch/demo") != 0 {
		t.Fatalf("marker was recorded")
	}
}

func TestTopicsIndependent(t *testing.T) {
	b := New(2, 0)
	b.Record(chatEnv("room:twitch/a", 1))
	b.Record(chatEnv("room:twitch/b", 1))
	b.Record(chatEnv("room:twitch/a", 2))
	b.Record(chatEnv("room:twitch/a", 3))

	// Topic a evicted cursor 1; topic b still holds its only entry.
	if _, err := b.ServeFrom("room:twitch/a", 0); !errors.Is(err, ErrExhausted) {
		t.Fatalf("topic a: expected ErrExhausted, got %v", err)
	}
	got, err := b.ServeFrom("room:twitch/b", 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("topic b: got %v, %v", got, err)
	}
}
