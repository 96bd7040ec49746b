package router

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/adapter"
	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/replay"
	"github.com/onnwee/chat-relay/wire"
)

func ingest(platform, room, text string) adapter.Item {
	return adapter.IngestItem(adapter.Ingest{
		Platform:   platform,
		Room:       room,
		IngestedAt: time.Now(),
		Payload: wire.EventPayload{
			Kind: wire.EventChat,
			Chat: &wire.ChatMessage{User: "u", Text: text},
		},
	})
}

func TestCursorsPerTopic(t *testing.T) {
	src := make(chan adapter.Item, 16)
	buf := replay.New(16, 0)
	rooms := hub.New(16)
	rt := New(src, buf, rooms)

	subA := rooms.Subscribe("room:twitch/a", 1)
	subB := rooms.Subscribe("room:twitch/b", 1)

	done := make(chan struct{})
	go func() {
		_ = rt.Run(context.Background())
		close(done)
	}()

	src <- ingest("twitch", "a", "1")
	src <- ingest("twitch", "b", "1")
	src <- ingest("twitch", "a", "2")
	src <- ingest("twitch", "a", "3")
	close(src)
	<-done

	// Cursors are per topic: a gets 1..3, b gets 1, independently.
	var got []uint64
	for i := 0; i < 3; i++ {
		env := <-subA.C()
		got = append(got, env.Cursor)
	}
	for i, want := range []uint64{1, 2, 3} {
		if got[i] != want {
			t.Fatalf("topic a cursors = %v", got)
		}
	}
	if env := <-subB.C(); env.Cursor != 1 {
		t.Fatalf("topic b cursor = %d", env.Cursor)
	}

	// The replay buffer saw the same stamped cursors.
	if buf.Latest("room:twitch/a") != 3 || buf.Latest("room:twitch/b") != 1 {
		t.Fatalf("replay latest: a=%d b=%d", buf.Latest("room:twitch/a"), buf.Latest("room:twitch/b"))
	}
	entries, err := buf.ServeFrom("room:twitch/a", 0)
	if err != nil || len(entries) != 3 {
		t.Fatalf("replay run: %v, %v", entries, err)
	}
}

func TestStatusItemsNotPublished(t *testing.T) {
	src := make(chan adapter.Item, 4)
	buf := replay.New(4, 0)
	rooms := hub.New(4)
	rt := New(src, buf, rooms)
	sub := rooms.Subscribe("room:twitch/a", 1)

	done := make(chan struct{})
	go func() {
		_ = rt.Run(context.Background())
		close(done)
	}()

	src <- adapter.StatusItem(adapter.Status{Platform: "twitch", State: adapter.StateDisconnected})
	src <- ingest("twitch", "a", "after")
	close(src)
	<-done

	env := <-sub.C()
	if env.Payload.Kind != wire.EventChat || env.Cursor != 1 {
		t.Fatalf("status leaked or cursor skipped: %+v", env)
	}
	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected extra delivery: %+v", extra)
	default:
	}
}
