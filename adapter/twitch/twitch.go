// Package twitch implements the Twitch platform adapter: chat ingest over
// IRC and moderation commands over the Helix API. Reads work anonymously;
// sending needs a bot OAuth token and moderation additionally needs Helix
// credentials for an account that moderates the target channel.
package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/chat-relay/adapter"
	"github.com/onnwee/chat-relay/twitchapi"
	"github.com/onnwee/chat-relay/wire"
)

const platformName = "twitch"

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Options configures the adapter. Empty BotUsername/OAuthToken selects an
// anonymous read-only IRC connection; nil Helix disables moderation.
type Options struct {
	BotUsername string
	OAuthToken  string
	Helix       *twitchapi.HelixClient
}

// Adapter is the Twitch implementation of adapter.Adapter.
type Adapter struct {
	opts Options

	mu     sync.Mutex
	client *twitchirc.Client
	token  string
	rooms  map[string]struct{} // lowercased IRC channel names
	names  map[string]string   // IRC channel -> room name as subscribed
	ids    map[string]string   // login -> helix user id

	sessionID string
	seq       atomic.Uint64
}

// New creates a Twitch adapter.
func New(opts Options) *Adapter {
	return &Adapter{
		opts:  opts,
		token: opts.OAuthToken,
		rooms: make(map[string]struct{}),
		names: make(map[string]string),
		ids:   make(map[string]string),
	}
}

// Platform implements adapter.Adapter.
func (a *Adapter) Platform() string { return platformName }

// Run connects to Twitch IRC and serves control messages until ctx is
// canceled. The IRC connection is owned by a separate reconnect loop so a
// dropped connection never stalls command handling.
func (a *Adapter) Run(ctx context.Context, control <-chan adapter.Control, out chan<- adapter.Item) error {
	go a.connectLoop(ctx, out)

	for {
		select {
		case <-ctx.Done():
			a.disconnect()
			return ctx.Err()
		case c := <-control:
			switch c.Kind {
			case adapter.ControlJoin:
				a.join(c.Room)
			case adapter.ControlLeave:
				a.leave(c.Room)
			case adapter.ControlUpdateAuth:
				a.updateAuth(c.Token)
			case adapter.ControlCommand:
				c.Command.Reply <- a.execute(ctx, c.Command.Request)
			case adapter.ControlQueryPermissions:
				c.Perms.Reply <- a.permissions(ctx, c.Perms.Room)
			}
		}
	}
}

func (a *Adapter) join(room string) {
	ch := strings.ToLower(room)
	a.mu.Lock()
	a.rooms[ch] = struct{}{}
	a.names[ch] = room
	client := a.client
	a.mu.Unlock()
	if client != nil {
		client.Join(ch)
	}
	slog.Info("twitch join", slog.String("room", ch))
}

func (a *Adapter) leave(room string) {
	ch := strings.ToLower(room)
	a.mu.Lock()
	delete(a.rooms, ch)
	delete(a.names, ch)
	client := a.client
	a.mu.Unlock()
	if client != nil {
		client.Depart(ch)
	}
	slog.Info("twitch leave", slog.String("room", ch))
}

func (a *Adapter) updateAuth(token string) {
	a.mu.Lock()
	a.token = token
	client := a.client
	a.mu.Unlock()
	// The IRC token is fixed at connect time; force a reconnect so the loop
	// rebuilds the client with the fresh token.
	if client != nil {
		client.Disconnect()
	}
	slog.Info("twitch auth updated, reconnecting")
}

func (a *Adapter) disconnect() {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
}

func (a *Adapter) anonymous() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts.BotUsername == "" || a.token == ""
}

// connectLoop owns the IRC client lifecycle: build, join, connect, and retry
// with capped backoff. Each established connection gets a fresh session id so
// ingest traces distinguish reconnects.
func (a *Adapter) connectLoop(ctx context.Context, out chan<- adapter.Item) {
	backoff := reconnectMin
	for ctx.Err() == nil {
		client := a.buildClient(ctx, out)

		a.mu.Lock()
		a.client = client
		a.sessionID = uuid.New().String()
		rooms := make([]string, 0, len(a.rooms))
		for ch := range a.rooms {
			rooms = append(rooms, ch)
		}
		a.mu.Unlock()
		if len(rooms) > 0 {
			client.Join(rooms...)
		}

		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				client.Disconnect()
			case <-stop:
			}
		}()

		start := time.Now()
		err := client.Connect()
		close(stop)
		if ctx.Err() != nil {
			return
		}

		detail := "connection closed"
		if err != nil {
			detail = err.Error()
		}
		slog.Warn("twitch irc disconnected", slog.Any("err", err))
		emit(ctx, out, adapter.StatusItem(adapter.Status{Platform: platformName, State: adapter.StateDisconnected, Detail: detail}))

		if time.Since(start) > time.Minute {
			backoff = reconnectMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (a *Adapter) buildClient(ctx context.Context, out chan<- adapter.Item) *twitchirc.Client {
	a.mu.Lock()
	username, token := a.opts.BotUsername, a.token
	a.mu.Unlock()

	var client *twitchirc.Client
	if username == "" || token == "" {
		client = twitchirc.NewAnonymousClient()
	} else {
		client = twitchirc.NewClient(username, token)
	}

	client.OnConnect(func() {
		slog.Info("twitch irc connected", slog.Bool("anonymous", username == "" || token == ""))
		emit(ctx, out, adapter.StatusItem(adapter.Status{Platform: platformName, State: adapter.StateConnected}))
	})

	client.OnPrivateMessage(func(msg twitchirc.PrivateMessage) {
		chat := &wire.ChatMessage{
			ID:           msg.ID,
			User:         msg.User.Name,
			DisplayName:  msg.User.DisplayName,
			Text:         msg.Message,
			Color:        msg.User.Color,
			Badges:       msg.User.Badges,
			IsModerator:  msg.User.Badges["moderator"] > 0 || msg.User.Badges["broadcaster"] > 0,
			IsSubscriber: msg.User.Badges["subscriber"] > 0,
		}
		for _, e := range msg.Emotes {
			chat.Emotes = append(chat.Emotes, wire.Emote{ID: e.ID, Name: e.Name, Count: e.Count})
		}
		if msg.Reply != nil {
			chat.ReplyToID = msg.Reply.ParentMsgID
			chat.ReplyToUser = msg.Reply.ParentUserLogin
			chat.ReplyToMessage = msg.Reply.ParentMsgBody
		}
		at := msg.Time
		a.ingest(ctx, out, msg.Channel, &at, wire.EventPayload{Kind: wire.EventChat, Chat: chat})
	})

	client.OnClearChatMessage(func(msg twitchirc.ClearChatMessage) {
		mod := &wire.ModerationAction{TargetUser: msg.TargetUsername}
		switch {
		case msg.TargetUsername == "":
			mod.Kind = wire.ModerationClear
		case msg.BanDuration > 0:
			mod.Kind = wire.ModerationTimeout
			mod.DurationSeconds = msg.BanDuration
		default:
			mod.Kind = wire.ModerationBan
		}
		a.ingest(ctx, out, msg.Channel, nil, wire.EventPayload{Kind: wire.EventModeration, Moderation: mod})
	})

	client.OnClearMessage(func(msg twitchirc.ClearMessage) {
		mod := &wire.ModerationAction{
			Kind:            wire.ModerationDelete,
			TargetUser:      msg.Login,
			TargetMessageID: msg.TargetMsgID,
		}
		a.ingest(ctx, out, msg.Channel, nil, wire.EventPayload{Kind: wire.EventModeration, Moderation: mod})
	})

	client.OnRoomStateMessage(func(msg twitchirc.RoomStateMessage) {
		state := &wire.RoomState{
			EmoteOnly:        msg.State["emote-only"] > 0,
			SubscribersOnly:  msg.State["subs-only"] > 0,
			UniqueOnly:       msg.State["r9k"] > 0,
			SlowSeconds:      msg.State["slow"],
			FollowersOnlyMin: msg.State["followers-only"],
		}
		a.ingest(ctx, out, msg.Channel, nil, wire.EventPayload{Kind: wire.EventRoomState, RoomState: state})
	})

	client.OnUserNoticeMessage(func(msg twitchirc.UserNoticeMessage) {
		notice := &wire.UserNotice{
			NoticeType: msg.MsgID,
			User:       msg.User.Name,
			Text:       msg.Message,
			SystemText: msg.SystemMsg,
		}
		a.ingest(ctx, out, msg.Channel, nil, wire.EventPayload{Kind: wire.EventUserNotice, UserNotice: notice})
	})

	return client
}

// ingest emits one canonical event for the channel, translating the IRC
// channel name back to the room name clients subscribed with.
func (a *Adapter) ingest(ctx context.Context, out chan<- adapter.Item, channel string, platformTime *time.Time, payload wire.EventPayload) {
	a.mu.Lock()
	room, ok := a.names[channel]
	sessionID := a.sessionID
	a.mu.Unlock()
	if !ok {
		room = channel
	}
	emit(ctx, out, adapter.IngestItem(adapter.Ingest{
		Platform:     platformName,
		Room:         room,
		Payload:      payload,
		IngestedAt:   time.Now().UTC(),
		PlatformTime: platformTime,
		Trace:        adapter.Trace{SessionID: sessionID, Seq: a.seq.Add(1)},
	}))
}

func emit(ctx context.Context, out chan<- adapter.Item, item adapter.Item) {
	select {
	case out <- item:
	case <-ctx.Done():
	}
}

// execute performs one command. Sending goes over IRC; moderation goes over
// Helix because modern Twitch has no IRC moderation commands.
func (a *Adapter) execute(ctx context.Context, req wire.CommandRequest) wire.CommandResult {
	ch := strings.ToLower(req.Room)
	switch req.Kind {
	case wire.CommandSendMessage:
		if req.Text == "" {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "empty message text"}
		}
		if a.anonymous() {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "anonymous connection is read-only"}
		}
		a.mu.Lock()
		client := a.client
		a.mu.Unlock()
		if client == nil {
			return wire.CommandResult{Status: wire.CommandInternal, Detail: "not connected"}
		}
		client.Say(ch, req.Text)
		return wire.CommandResult{Status: wire.CommandOK}

	case wire.CommandDeleteMessage, wire.CommandTimeoutUser, wire.CommandBanUser, wire.CommandUnbanUser:
		return a.moderate(ctx, ch, req)

	default:
		return wire.CommandResult{Status: wire.CommandNotSupported, Detail: fmt.Sprintf("unknown command kind %d", req.Kind)}
	}
}

func (a *Adapter) moderate(ctx context.Context, channel string, req wire.CommandRequest) wire.CommandResult {
	if a.opts.Helix == nil {
		return wire.CommandResult{Status: wire.CommandNotSupported, Detail: "moderation requires helix credentials"}
	}
	broadcasterID, err := a.userID(ctx, channel)
	if err != nil {
		return wire.CommandResult{Status: wire.CommandInternal, Detail: "resolve channel: " + err.Error()}
	}
	moderatorID, err := a.userID(ctx, strings.ToLower(a.opts.BotUsername))
	if err != nil {
		return wire.CommandResult{Status: wire.CommandInternal, Detail: "resolve moderator: " + err.Error()}
	}

	switch req.Kind {
	case wire.CommandDeleteMessage:
		if req.TargetMessageID == "" {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "target message id required"}
		}
		err = a.opts.Helix.DeleteMessage(ctx, broadcasterID, moderatorID, req.TargetMessageID)

	case wire.CommandTimeoutUser:
		if req.TargetUser == "" {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "target user required"}
		}
		if req.DurationSeconds <= 0 {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "timeout needs a positive duration"}
		}
		var targetID string
		if targetID, err = a.userID(ctx, strings.ToLower(req.TargetUser)); err == nil {
			err = a.opts.Helix.BanUser(ctx, broadcasterID, moderatorID, targetID, req.DurationSeconds, req.Text)
		}

	case wire.CommandBanUser:
		if req.TargetUser == "" {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "target user required"}
		}
		var targetID string
		if targetID, err = a.userID(ctx, strings.ToLower(req.TargetUser)); err == nil {
			err = a.opts.Helix.BanUser(ctx, broadcasterID, moderatorID, targetID, 0, req.Text)
		}

	case wire.CommandUnbanUser:
		if req.TargetUser == "" {
			return wire.CommandResult{Status: wire.CommandRejected, Detail: "target user required"}
		}
		var targetID string
		if targetID, err = a.userID(ctx, strings.ToLower(req.TargetUser)); err == nil {
			err = a.opts.Helix.UnbanUser(ctx, broadcasterID, moderatorID, targetID)
		}
	}

	if err != nil {
		return wire.CommandResult{Status: wire.CommandInternal, Detail: err.Error()}
	}
	return wire.CommandResult{Status: wire.CommandOK}
}

func (a *Adapter) permissions(ctx context.Context, room string) adapter.Permissions {
	perms := adapter.Permissions{}
	if a.anonymous() {
		perms.Detail = "anonymous connection is read-only"
		return perms
	}
	perms.CanSend = true
	if a.opts.Helix == nil {
		perms.Detail = "moderation disabled: no helix credentials"
		return perms
	}
	broadcasterID, err := a.userID(ctx, strings.ToLower(room))
	if err != nil {
		perms.Detail = "resolve channel: " + err.Error()
		return perms
	}
	moderatorID, err := a.userID(ctx, strings.ToLower(a.opts.BotUsername))
	if err != nil {
		perms.Detail = "resolve moderator: " + err.Error()
		return perms
	}
	isMod, err := a.opts.Helix.IsModerator(ctx, broadcasterID, moderatorID)
	if err != nil {
		perms.Detail = "moderator lookup: " + err.Error()
		return perms
	}
	perms.CanModerate = isMod || moderatorID == broadcasterID
	return perms
}

// userID resolves and caches a login's Helix user id.
func (a *Adapter) userID(ctx context.Context, login string) (string, error) {
	a.mu.Lock()
	id, ok := a.ids[login]
	a.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := a.opts.Helix.GetUserID(ctx, login)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.ids[login] = id
	a.mu.Unlock()
	return id, nil
}
