// Package youtube implements the YouTube platform adapter: live chat ingest
// via polled liveChatMessages and commands via the YouTube Data API. A room
// is a live video id; the adapter resolves its active live chat id and polls
// at the interval the API asks for.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-relay/adapter"
	"github.com/onnwee/chat-relay/wire"
)

const platformName = "youtube"

const (
	provider       = "youtube"
	defaultPoll    = 3 * time.Second
	minPoll        = time.Second
	resolveBackoff = 15 * time.Second
	defaultScope   = "https://www.googleapis.com/auth/youtube.force-ssl"
)

// TokenStore persists OAuth tokens between runs. Implemented by the db package.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

// Options configures the adapter. Store may be nil; then only RefreshToken
// bootstraps auth and refreshed tokens live in memory.
type Options struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Store        TokenStore
}

type roomPoller struct {
	cancel context.CancelFunc
}

// Adapter is the YouTube implementation of adapter.Adapter.
type Adapter struct {
	opts  Options
	oauth *oauth2.Config

	mu        sync.Mutex
	refresh   string
	cached    *oauth2.Token
	rooms     map[string]*roomPoller
	sessionID string

	seq atomic.Uint64
}

// New creates a YouTube adapter.
func New(opts Options) *Adapter {
	return &Adapter{
		opts: opts,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{defaultScope},
		},
		refresh: opts.RefreshToken,
		rooms:   make(map[string]*roomPoller),
	}
}

// Platform implements adapter.Adapter.
func (a *Adapter) Platform() string { return platformName }

// Run serves control messages until ctx is canceled. Each joined room gets
// its own polling task.
func (a *Adapter) Run(ctx context.Context, control <-chan adapter.Control, out chan<- adapter.Item) error {
	a.mu.Lock()
	a.sessionID = fmt.Sprintf("yt-%d", time.Now().UnixNano())
	a.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			for _, p := range a.rooms {
				p.cancel()
			}
			a.mu.Unlock()
			return ctx.Err()
		case c := <-control:
			switch c.Kind {
			case adapter.ControlJoin:
				a.join(ctx, c.Room, out)
			case adapter.ControlLeave:
				a.leave(c.Room)
			case adapter.ControlUpdateAuth:
				a.mu.Lock()
				a.refresh = c.Token
				a.cached = nil
				a.mu.Unlock()
				slog.Info("youtube auth updated")
			case adapter.ControlCommand:
				c.Command.Reply <- a.execute(ctx, c.Command.Request)
			case adapter.ControlQueryPermissions:
				c.Perms.Reply <- a.permissions(ctx)
			}
		}
	}
}

func (a *Adapter) join(ctx context.Context, room string, out chan<- adapter.Item) {
	a.mu.Lock()
	if _, ok := a.rooms[room]; ok {
		a.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	a.rooms[room] = &roomPoller{cancel: cancel}
	a.mu.Unlock()
	slog.Info("youtube join", slog.String("room", room))
	go a.pollRoom(pctx, room, out)
}

func (a *Adapter) leave(room string) {
	a.mu.Lock()
	p := a.rooms[room]
	delete(a.rooms, room)
	a.mu.Unlock()
	if p != nil {
		p.cancel()
	}
	slog.Info("youtube leave", slog.String("room", room))
}

// token returns a valid OAuth token, refreshing through the store when one is
// configured so restarts reuse the last refresh token.
func (a *Adapter) token(ctx context.Context) (*oauth2.Token, error) {
	a.mu.Lock()
	cached := a.cached
	refresh := a.refresh
	a.mu.Unlock()
	if cached != nil && time.Until(cached.Expiry) > 2*time.Minute {
		return cached, nil
	}

	tok := &oauth2.Token{RefreshToken: refresh}
	if a.opts.Store != nil {
		access, storedRefresh, expiry, raw, err := a.opts.Store.GetOAuthToken(ctx, provider)
		if err == nil && storedRefresh != "" {
			if raw != "" {
				_ = json.Unmarshal([]byte(raw), tok)
			}
			if tok.AccessToken == "" {
				tok.AccessToken = access
			}
			tok.RefreshToken = storedRefresh
			tok.Expiry = expiry
		}
	}
	if tok.RefreshToken == "" {
		return nil, errors.New("no youtube refresh token available")
	}

	fresh, err := a.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh youtube token: %w", err)
	}
	if a.opts.Store != nil {
		rawBytes, _ := json.Marshal(fresh)
		if err := a.opts.Store.UpsertOAuthToken(ctx, provider, fresh.AccessToken, fresh.RefreshToken, fresh.Expiry, string(rawBytes)); err != nil {
			slog.Warn("persist youtube token failed", slog.Any("err", err))
		}
	}
	a.mu.Lock()
	a.cached = fresh
	if fresh.RefreshToken != "" {
		a.refresh = fresh.RefreshToken
	}
	a.mu.Unlock()
	return fresh, nil
}

func (a *Adapter) service(ctx context.Context) (*yt.Service, error) {
	tok, err := a.token(ctx)
	if err != nil {
		return nil, err
	}
	return yt.NewService(ctx, option.WithHTTPClient(a.oauth.Client(ctx, tok)))
}

// resolveChatID finds the active live chat for a live video id.
func (a *Adapter) resolveChatID(ctx context.Context, svc *yt.Service, videoID string) (string, error) {
	resp, err := svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails == nil {
		return "", fmt.Errorf("video %s is not a live stream", videoID)
	}
	chatID := resp.Items[0].LiveStreamingDetails.ActiveLiveChatId
	if chatID == "" {
		return "", fmt.Errorf("video %s has no active live chat", videoID)
	}
	return chatID, nil
}

// pollRoom polls one room's live chat until its context ends, honoring the
// API's requested polling interval.
func (a *Adapter) pollRoom(ctx context.Context, room string, out chan<- adapter.Item) {
	var chatID string
	var pageToken string
	for ctx.Err() == nil {
		svc, err := a.service(ctx)
		if err != nil {
			a.status(ctx, out, adapter.StateError, err.Error())
			if !sleep(ctx, resolveBackoff) {
				return
			}
			continue
		}
		if chatID == "" {
			chatID, err = a.resolveChatID(ctx, svc, room)
			if err != nil {
				a.status(ctx, out, adapter.StateError, err.Error())
				if !sleep(ctx, resolveBackoff) {
					return
				}
				continue
			}
			a.status(ctx, out, adapter.StateConnected, "live chat "+chatID)
		}

		resp, err := svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).
			PageToken(pageToken).Context(ctx).Do()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("youtube poll failed", slog.String("room", room), slog.Any("err", err))
			// Chat may have ended; force re-resolution on the next pass.
			chatID, pageToken = "", ""
			a.status(ctx, out, adapter.StateDisconnected, err.Error())
			if !sleep(ctx, resolveBackoff) {
				return
			}
			continue
		}
		pageToken = resp.NextPageToken
		for _, item := range resp.Items {
			a.emitMessage(ctx, out, room, item)
		}

		wait := defaultPoll
		if resp.PollingIntervalMillis > 0 {
			wait = time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		}
		if wait < minPoll {
			wait = minPoll
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (a *Adapter) emitMessage(ctx context.Context, out chan<- adapter.Item, room string, item *yt.LiveChatMessage) {
	if item.Snippet == nil {
		return
	}
	var payload wire.EventPayload
	switch item.Snippet.Type {
	case "textMessageEvent":
		chat := &wire.ChatMessage{
			ID:   item.Id,
			Text: item.Snippet.DisplayMessage,
		}
		if item.AuthorDetails != nil {
			chat.User = item.AuthorDetails.ChannelId
			chat.DisplayName = item.AuthorDetails.DisplayName
			chat.IsModerator = item.AuthorDetails.IsChatModerator || item.AuthorDetails.IsChatOwner
			chat.IsSubscriber = item.AuthorDetails.IsChatSponsor
		}
		payload = wire.EventPayload{Kind: wire.EventChat, Chat: chat}
	case "messageDeletedEvent":
		mod := &wire.ModerationAction{Kind: wire.ModerationDelete}
		if d := item.Snippet.MessageDeletedDetails; d != nil {
			mod.TargetMessageID = d.DeletedMessageId
		}
		payload = wire.EventPayload{Kind: wire.EventModeration, Moderation: mod}
	case "userBannedEvent":
		mod := &wire.ModerationAction{Kind: wire.ModerationBan}
		if d := item.Snippet.UserBannedDetails; d != nil {
			if d.BannedUserDetails != nil {
				mod.TargetUser = d.BannedUserDetails.ChannelId
			}
			if d.BanType == "temporary" {
				mod.Kind = wire.ModerationTimeout
				mod.DurationSeconds = int(d.BanDurationSeconds)
			}
		}
		payload = wire.EventPayload{Kind: wire.EventModeration, Moderation: mod}
	default:
		return
	}

	var platformTime *time.Time
	if ts, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
		platformTime = &ts
	}
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()

	select {
	case out <- adapter.IngestItem(adapter.Ingest{
		Platform:     platformName,
		Room:         room,
		Payload:      payload,
		IngestedAt:   time.Now().UTC(),
		PlatformTime: platformTime,
		Trace:        adapter.Trace{SessionID: sessionID, Seq: a.seq.Add(1)},
	}):
	case <-ctx.Done():
	}
}

func (a *Adapter) status(ctx context.Context, out chan<- adapter.Item, state adapter.ConnState, detail string) {
	select {
	case out <- adapter.StatusItem(adapter.Status{Platform: platformName, State: state, Detail: detail}):
	case <-ctx.Done():
	}
}

func (a *Adapter) execute(ctx context.Context, req wire.CommandRequest) wire.CommandResult {
	// Validate before touching auth so bad requests fail fast and cheap.
	switch req.Kind {
	case wire.CommandSendMessage:
		if req.Text == "" {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "empty message text"}
		}
	case wire.CommandDeleteMessage:
		if req.TargetMessageID == "" {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "target message id required"}
		}
	case wire.CommandBanUser, wire.CommandTimeoutUser:
		if req.TargetUser == "" {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "target channel id required"}
		}
		if req.Kind == wire.CommandTimeoutUser && req.DurationSeconds <= 0 {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "timeout needs a positive duration"}
		}
	case wire.CommandUnbanUser:
		// Lifting a ban needs the ban resource id, which the API does not
		// expose by banned user; there is nothing to delete by channel id.
		return wire.CommandResult{Status: wire.CommandNotSupported, Detail: "youtube cannot unban by user id"}
	default:
		return wire.CommandResult{Status: wire.CommandNotSupported, Detail: fmt.Sprintf("unknown command kind %d", req.Kind)}
	}

	svc, err := a.service(ctx)
	if err != nil {
		return wire.CommandResult{Status: wire.CommandInternal, Detail: err.Error()}
	}

	switch req.Kind {
	case wire.CommandSendMessage:
		chatID, err := a.resolveChatID(ctx, svc, req.Room)
		if err != nil {
			return wire.CommandResult{Status: wire.CommandInternal, Detail: err.Error()}
		}
		msg := &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: chatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: req.Text,
			},
		}}
		if _, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do(); err != nil {
			return wire.CommandResult{Status: wire.CommandInternal, Detail: err.Error()}
		}
		return wire.CommandResult{Status: wire.CommandOK}

	case wire.CommandDeleteMessage:
		if err := svc.LiveChatMessages.Delete(req.TargetMessageID).Context(ctx).Do(); err != nil {
			return wire.CommandResult{Status: wire.CommandInternal, Detail: err.Error()}
		}
		return wire.CommandResult{Status: wire.CommandOK}

	case wire.CommandBanUser, wire.CommandTimeoutUser:
		chatID, err := a.resolveChatID(ctx, svc, req.Room)
		if err != nil {
			return wire.CommandResult{Status: wire.CommandInternal, Detail: err.Error()}
		}
		ban := &yt.LiveChatBan{Snippet: &yt.LiveChatBanSnippet{
			LiveChatId: chatID,
			Type:       "permanent",
			BannedUserDetails: &yt.ChannelProfileDetails{
				ChannelId: req.TargetUser,
			},
		}}
		if req.Kind == wire.CommandTimeoutUser {
			ban.Snippet.Type = "temporary"
			ban.Snippet.BanDurationSeconds = uint64(req.DurationSeconds)
		}
		if _, err := svc.LiveChatBans.Insert([]string{"snippet"}, ban).Context(ctx).Do(); err != nil {
			return wire.CommandResult{Status: wire.CommandInternal, Detail: err.Error()}
		}
		return wire.CommandResult{Status: wire.CommandOK}
	}
	return wire.CommandResult{Status: wire.CommandInternal, Detail: "unreachable"}
}

func (a *Adapter) permissions(ctx context.Context) adapter.Permissions {
	if _, err := a.token(ctx); err != nil {
		return adapter.Permissions{Detail: err.Error()}
	}
	// Scope covers both sending and moderation; whether moderation succeeds
	// on a given chat depends on the authorized channel's role there.
	return adapter.Permissions{CanSend: true, CanModerate: true, Detail: "granted " + strings.Join(a.oauth.Scopes, " ")}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
