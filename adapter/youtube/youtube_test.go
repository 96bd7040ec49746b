package youtube

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chat-relay/adapter"
	"github.com/onnwee/chat-relay/wire"
)

type mockTokenStore struct {
	access  string
	refresh string
	expiry  time.Time
	raw     string
	upserts int
}

func (m *mockTokenStore) UpsertOAuthToken(_ context.Context, _ string, access, refresh string, expiry time.Time, raw string) error {
	m.access, m.refresh, m.expiry, m.raw = access, refresh, expiry, raw
	m.upserts++
	return nil
}

func (m *mockTokenStore) GetOAuthToken(_ context.Context, _ string) (string, string, time.Time, string, error) {
	return m.access, m.refresh, m.expiry, m.raw, nil
}

func TestCommandValidationBeforeAuth(t *testing.T) {
	// No credentials at all: validation failures must still reject cleanly
	// instead of surfacing an auth error.
	a := New(Options{})

	tests := []struct {
		name string
		req  wire.CommandRequest
		want wire.CommandStatus
	}{
		{
			name: "empty text",
			req:  wire.CommandRequest{Kind: wire.CommandSendMessage},
			want: wire.CommandRejected,
		},
		{
			name: "delete without id",
			req:  wire.CommandRequest{Kind: wire.CommandDeleteMessage},
			want: wire.CommandRejected,
		},
		{
			name: "ban without target",
			req:  wire.CommandRequest{Kind: wire.CommandBanUser},
			want: wire.CommandRejected,
		},
		{
			name: "timeout without duration",
			req:  wire.CommandRequest{Kind: wire.CommandTimeoutUser, TargetUser: "UCx"},
			want: wire.CommandRejected,
		},
		{
			name: "unban unsupported",
			req:  wire.CommandRequest{Kind: wire.CommandUnbanUser, TargetUser: "UCx"},
			want: wire.CommandNotSupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.execute(context.Background(), tt.req)
			if res.Status != tt.want {
				t.Fatalf("status = %d, want %d (detail %q)", res.Status, tt.want, res.Detail)
			}
		})
	}
}

func TestTokenMissingRefreshToken(t *testing.T) {
	a := New(Options{ClientID: "cid", ClientSecret: "sec", Store: &mockTokenStore{}})
	if _, err := a.token(context.Background()); err == nil {
		t.Fatalf("token() succeeded with no refresh token anywhere")
	}
}

func TestTokenCachedUntilNearExpiry(t *testing.T) {
	a := New(Options{ClientID: "cid", ClientSecret: "sec"})
	a.mu.Lock()
	a.cached = &oauth2.Token{AccessToken: "cached-access", Expiry: time.Now().Add(time.Hour)}
	a.mu.Unlock()

	tok, err := a.token(context.Background())
	if err != nil {
		t.Fatalf("token() error = %v", err)
	}
	if tok.AccessToken != "cached-access" {
		t.Fatalf("token() = %q, want cached token", tok.AccessToken)
	}
}

func TestJoinLeaveTracksPollers(t *testing.T) {
	a := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan adapter.Item, 64)

	a.join(ctx, "vid-1", out)
	a.mu.Lock()
	_, ok := a.rooms["vid-1"]
	a.mu.Unlock()
	if !ok {
		t.Fatalf("join did not register poller")
	}

	// Joining the same room twice is a no-op.
	a.join(ctx, "vid-1", out)
	a.mu.Lock()
	n := len(a.rooms)
	a.mu.Unlock()
	if n != 1 {
		t.Fatalf("rooms = %d, want 1", n)
	}

	a.leave("vid-1")
	a.mu.Lock()
	n = len(a.rooms)
	a.mu.Unlock()
	if n != 0 {
		t.Fatalf("rooms = %d after leave, want 0", n)
	}
}
