package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/wire"
)

// fakeAdapter answers commands and records Join/Leave rooms.
type fakeAdapter struct {
	platform string
	joins    chan string
	leaves   chan string
	mute     bool // swallow commands to exercise the timeout path
}

func newFakeAdapter(platform string) *fakeAdapter {
	return &fakeAdapter{
		platform: platform,
		joins:    make(chan string, 16),
		leaves:   make(chan string, 16),
	}
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) Run(ctx context.Context, control <-chan Control, out chan<- Item) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-control:
			switch c.Kind {
			case ControlJoin:
				f.joins <- c.Room
			case ControlLeave:
				f.leaves <- c.Room
			case ControlCommand:
				if !f.mute {
					c.Command.Reply <- wire.CommandResult{Status: wire.CommandOK, Detail: "done"}
				}
			case ControlQueryPermissions:
				c.Perms.Reply <- Permissions{CanSend: true}
			}
		}
	}
}

func startManager(t *testing.T, m *Manager) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestExecuteCommand(t *testing.T) {
	m := NewManager(time.Second)
	m.Register(newFakeAdapter("twitch"))
	startManager(t, m)

	res := m.ExecuteCommand(context.Background(), wire.CommandRequest{
		Platform: "twitch", Room: "demo", Kind: wire.CommandSendMessage, Text: "hi",
	})
	if res.Status != wire.CommandOK {
		t.Fatalf("status = %v detail=%q", res.Status, res.Detail)
	}
}

// Platform names match case-insensitively, like the platform segment of a
// topic; a client sending "Twitch" reaches the twitch adapter.
func TestExecuteCommandPlatformCaseInsensitive(t *testing.T) {
	m := NewManager(time.Second)
	m.Register(newFakeAdapter("twitch"))
	startManager(t, m)

	res := m.ExecuteCommand(context.Background(), wire.CommandRequest{
		Platform: "Twitch", Room: "demo", Kind: wire.CommandSendMessage, Text: "hi",
	})
	if res.Status != wire.CommandOK {
		t.Fatalf("status = %v detail=%q", res.Status, res.Detail)
	}

	if _, err := m.QueryPermissions(context.Background(), "TWITCH", "demo"); err != nil {
		t.Fatalf("QueryPermissions: %v", err)
	}
}

func TestExecuteCommandUnknownPlatform(t *testing.T) {
	m := NewManager(time.Second)
	startManager(t, m)

	res := m.ExecuteCommand(context.Background(), wire.CommandRequest{Platform: "mixer"})
	if res.Status != wire.CommandNotSupported {
		t.Fatalf("status = %v, want NotSupported", res.Status)
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	fa := newFakeAdapter("twitch")
	fa.mute = true
	m.Register(fa)
	startManager(t, m)

	res := m.ExecuteCommand(context.Background(), wire.CommandRequest{Platform: "twitch", Kind: wire.CommandBanUser})
	if res.Status != wire.CommandInternal {
		t.Fatalf("status = %v, want Internal on timeout", res.Status)
	}
}

func TestQueryPermissions(t *testing.T) {
	m := NewManager(time.Second)
	m.Register(newFakeAdapter("twitch"))
	startManager(t, m)

	p, err := m.QueryPermissions(context.Background(), "twitch", "demo")
	if err != nil || !p.CanSend {
		t.Fatalf("perms = %+v err=%v", p, err)
	}
}

func TestApplyJoinsLeavesIdempotent(t *testing.T) {
	m := NewManager(time.Second)
	fa := newFakeAdapter("twitch")
	m.Register(fa)
	startManager(t, m)

	key := wire.RoomKey{Platform: "twitch", Room: "demo"}
	m.ApplyJoinsLeaves([]wire.RoomKey{key}, nil)
	m.ApplyJoinsLeaves([]wire.RoomKey{key}, nil) // duplicate must not double-join

	select {
	case room := <-fa.joins:
		if room != "demo" {
			t.Fatalf("joined %q", room)
		}
	case <-time.After(time.Second):
		t.Fatalf("join never reached adapter")
	}
	select {
	case room := <-fa.joins:
		t.Fatalf("duplicate join for %q", room)
	case <-time.After(50 * time.Millisecond):
	}

	// Leave for a room never joined is ignored; real leave goes through once.
	m.ApplyJoinsLeaves(nil, []wire.RoomKey{{Platform: "twitch", Room: "other"}})
	m.ApplyJoinsLeaves(nil, []wire.RoomKey{key})
	select {
	case room := <-fa.leaves:
		if room != "demo" {
			t.Fatalf("left %q", room)
		}
	case <-time.After(time.Second):
		t.Fatalf("leave never reached adapter")
	}
	if m.JoinedRooms() != 0 {
		t.Fatalf("joined set not empty: %d", m.JoinedRooms())
	}
}

func TestEventsClosedAfterShutdown(t *testing.T) {
	m := NewManager(time.Second)
	m.Register(newFakeAdapter("twitch"))
	cancel := startManager(t, m)
	cancel()

	select {
	case _, ok := <-m.Events():
		if ok {
			t.Fatalf("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatalf("merged source not closed after shutdown")
	}
}
