package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/chat-relay/twitchapi"
	"github.com/onnwee/chat-relay/wire"
)

type rewriteTransport struct {
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(t.host, "http://")
	return http.DefaultTransport.RoundTrip(req)
}

// helixStub serves user id lookups and records moderation calls.
func helixStub(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	calls := &[]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/helix/users":
			login := r.URL.Query().Get("login")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "id-" + login}},
			})
		case "/helix/moderation/bans":
			*calls = append(*calls, r.Method+" bans "+r.URL.Query().Get("user_id"))
			if r.Method == http.MethodDelete {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
		case "/helix/moderation/chat":
			*calls = append(*calls, "DELETE chat "+r.URL.Query().Get("message_id"))
			w.WriteHeader(http.StatusNoContent)
		case "/helix/moderation/moderators":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"user_id": r.URL.Query().Get("user_id")}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server, calls
}

func newModAdapter(server *httptest.Server) *Adapter {
	helix := &twitchapi.HelixClient{
		Token:      twitchapi.StaticToken("tok"),
		ClientID:   "cid",
		HTTPClient: &http.Client{Transport: &rewriteTransport{host: server.URL}},
	}
	return New(Options{BotUsername: "relaybot", OAuthToken: "oauth:abc", Helix: helix})
}

func TestSendMessageAnonymousRejected(t *testing.T) {
	a := New(Options{})
	res := a.execute(context.Background(), wire.CommandRequest{
		Platform: "twitch", Room: "demo", Kind: wire.CommandSendMessage, Text: "hi",
	})
	if res.Status != wire.CommandRejected {
		t.Fatalf("status = %d, want rejected", res.Status)
	}
}

func TestSendMessageEmptyTextRejected(t *testing.T) {
	a := New(Options{BotUsername: "relaybot", OAuthToken: "oauth:abc"})
	res := a.execute(context.Background(), wire.CommandRequest{
		Platform: "twitch", Room: "demo", Kind: wire.CommandSendMessage,
	})
	if res.Status != wire.CommandRejected {
		t.Fatalf("status = %d, want rejected", res.Status)
	}
}

func TestModerationWithoutHelixNotSupported(t *testing.T) {
	a := New(Options{BotUsername: "relaybot", OAuthToken: "oauth:abc"})
	res := a.execute(context.Background(), wire.CommandRequest{
		Platform: "twitch", Room: "demo", Kind: wire.CommandBanUser, TargetUser: "spammer",
	})
	if res.Status != wire.CommandNotSupported {
		t.Fatalf("status = %d, want not supported", res.Status)
	}
}

func TestBanUserResolvesAndCallsHelix(t *testing.T) {
	server, calls := helixStub(t)
	a := newModAdapter(server)

	res := a.execute(context.Background(), wire.CommandRequest{
		Platform: "twitch", Room: "Demo", Kind: wire.CommandBanUser, TargetUser: "Spammer",
	})
	if res.Status != wire.CommandOK {
		t.Fatalf("status = %d, detail = %q", res.Status, res.Detail)
	}
	if len(*calls) != 1 || (*calls)[0] != "POST bans id-spammer" {
		t.Fatalf("helix calls = %v", *calls)
	}
}

func TestTimeoutRequiresDuration(t *testing.T) {
	server, _ := helixStub(t)
	a := newModAdapter(server)

	res := a.execute(context.Background(), wire.CommandRequest{
		Platform: "twitch", Room: "demo", Kind: wire.CommandTimeoutUser, TargetUser: "spammer",
	})
	if res.Status != wire.CommandRejected {
		t.Fatalf("status = %d, want rejected without duration", res.Status)
	}

	res = a.execute(context.Background(), wire.CommandRequest{
		Platform: "twitch", Room: "demo", Kind: wire.CommandTimeoutUser, TargetUser: "spammer", DurationSeconds: 60,
	})
	if res.Status != wire.CommandOK {
		t.Fatalf("status = %d, detail = %q", res.Status, res.Detail)
	}
}

func TestDeleteMessageRequiresID(t *testing.T) {
	server, _ := helixStub(t)
	a := newModAdapter(server)

	res := a.execute(context.Background(), wire.CommandRequest{
		Platform: "twitch", Room: "demo", Kind: wire.CommandDeleteMessage,
	})
	if res.Status != wire.CommandRejected {
		t.Fatalf("status = %d, want rejected without message id", res.Status)
	}
}

func TestUnbanUser(t *testing.T) {
	server, calls := helixStub(t)
	a := newModAdapter(server)

	res := a.execute(context.Background(), wire.CommandRequest{
		Platform: "twitch", Room: "demo", Kind: wire.CommandUnbanUser, TargetUser: "spammer",
	})
	if res.Status != wire.CommandOK {
		t.Fatalf("status = %d, detail = %q", res.Status, res.Detail)
	}
	if len(*calls) != 1 || (*calls)[0] != "DELETE bans id-spammer" {
		t.Fatalf("helix calls = %v", *calls)
	}
}

func TestUserIDCached(t *testing.T) {
	lookups := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/helix/users" {
			lookups++
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "u-1"}},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()
	a := newModAdapter(server)

	for i := 0; i < 3; i++ {
		if _, err := a.userID(context.Background(), "demo"); err != nil {
			t.Fatalf("userID() error = %v", err)
		}
	}
	if lookups != 1 {
		t.Fatalf("helix user lookups = %d, want 1", lookups)
	}
}

func TestPermissionsAnonymous(t *testing.T) {
	a := New(Options{})
	perms := a.permissions(context.Background(), "demo")
	if perms.CanSend || perms.CanModerate {
		t.Fatalf("anonymous perms = %+v", perms)
	}
}

func TestPermissionsWithHelix(t *testing.T) {
	server, _ := helixStub(t)
	a := newModAdapter(server)

	perms := a.permissions(context.Background(), "demo")
	if !perms.CanSend || !perms.CanModerate {
		t.Fatalf("perms = %+v, want send+moderate", perms)
	}
}

func TestRoomNameTranslation(t *testing.T) {
	a := New(Options{})
	a.join("MyRoom")
	a.mu.Lock()
	name := a.names["myroom"]
	a.mu.Unlock()
	if name != "MyRoom" {
		t.Fatalf("names[myroom] = %q, want MyRoom", name)
	}
	a.leave("MyRoom")
	a.mu.Lock()
	_, ok := a.names["myroom"]
	a.mu.Unlock()
	if ok {
		t.Fatalf("leave did not remove room mapping")
	}
}
