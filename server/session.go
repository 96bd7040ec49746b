package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/onnwee/chat-relay/audit"
	"github.com/onnwee/chat-relay/auth"
	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/replay"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/wire"
)

// sessionState tracks the handshake/subscription state machine.
type sessionState uint8

const (
	stateConnecting sessionState = iota
	stateHandshaking
	stateActive
	stateClosing
	stateClosed
)

// Application-level close codes carried in the QUIC CONNECTION_CLOSE.
const (
	closeCodeNormal     quic.ApplicationErrorCode = 0
	closeCodeAuthFailed quic.ApplicationErrorCode = 1
	closeCodeProtocol   quic.ApplicationErrorCode = 2
)

// outboundDepth bounds the per-session event stream queue shared by all of
// the session's topic forwarders.
const outboundDepth = 512

// session is one client connection: the control stream loop, the event
// stream writer, and one forwarder per subscribed topic.
type session struct {
	id       int64
	conn     quic.Connection
	deps     Deps
	maxFrame int

	clientID string
	state    sessionState

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan wire.EventEnvelope

	mu   sync.Mutex
	subs map[string]*hub.Subscriber

	wg sync.WaitGroup
}

func newSession(id int64, conn quic.Connection, deps Deps) *session {
	return &session{
		id:       id,
		conn:     conn,
		deps:     deps,
		maxFrame: deps.Cfg.MaxFrameBytes,
		clientID: fmt.Sprintf("conn-%d", id),
		outbound: make(chan wire.EventEnvelope, outboundDepth),
		subs:     make(map[string]*hub.Subscriber),
	}
}

func (s *session) run(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	defer s.teardown()

	hctx, hcancel := context.WithTimeout(s.ctx, s.deps.Cfg.HandshakeTimeout)
	defer hcancel()

	control, err := s.conn.AcceptStream(hctx)
	if err != nil {
		slog.Debug("no control stream", slog.Int64("conn", s.id), slog.Any("err", err))
		return
	}
	br := bufio.NewReader(control)

	s.state = stateHandshaking
	if err := s.handshake(br, control); err != nil {
		slog.Warn("handshake failed", slog.Int64("conn", s.id), slog.Any("err", err))
		return
	}

	// The client opens the event stream after Welcome; it carries only
	// EventEnvelope frames so control round trips never queue behind a
	// high-volume event backlog.
	events, err := s.conn.AcceptStream(hctx)
	if err != nil {
		slog.Debug("no event stream", slog.Int64("conn", s.id), slog.Any("err", err))
		return
	}
	go s.writeEvents(events)

	s.state = stateActive
	s.controlLoop(br, control)
}

// handshake reads Hello, verifies auth if configured, and answers Welcome.
// Any failure here closes the whole connection with an explicit reason.
func (s *session) handshake(br *bufio.Reader, control io.Writer) error {
	msg, err := wire.ReadMessage(br, s.maxFrame)
	if err != nil {
		_ = s.conn.CloseWithError(closeCodeProtocol, "bad hello frame")
		return fmt.Errorf("read hello: %w", err)
	}
	if msg.Kind != wire.KindHello || msg.Hello == nil {
		_ = s.conn.CloseWithError(closeCodeProtocol, "expected hello")
		return fmt.Errorf("expected hello, got kind %d", msg.Kind)
	}
	hello := msg.Hello
	if hello.ProtocolVersion > wire.ProtocolVersion {
		_ = s.conn.CloseWithError(closeCodeProtocol, "unsupported protocol version")
		return fmt.Errorf("unsupported protocol version %d", hello.ProtocolVersion)
	}

	if s.deps.Verifier != nil {
		claims, err := s.deps.Verifier.Verify(hello.Token, time.Now())
		if err != nil {
			telemetry.IncAuthFailures()
			reason := "authentication failed"
			switch {
			case errors.Is(err, auth.ErrExpired):
				reason = "token expired"
			case errors.Is(err, auth.ErrMalformed):
				reason = "malformed token"
			}
			closing := &wire.Message{Version: wire.ProtocolVersion, Kind: wire.KindClosing, Closing: &wire.Closing{Reason: reason}}
			_ = wire.WriteMessage(control, closing, s.maxFrame)
			_ = s.conn.CloseWithError(closeCodeAuthFailed, reason)
			return fmt.Errorf("auth: %w", err)
		}
		s.clientID = claims.Subject
	} else if hello.ClientName != "" {
		s.clientID = hello.ClientName
	}

	welcome := &wire.Message{
		Version: wire.ProtocolVersion,
		Kind:    wire.KindWelcome,
		Welcome: &wire.Welcome{
			ServerName:    s.deps.Cfg.ServerName,
			InstanceID:    s.deps.InstanceID,
			ServerTimeMs:  time.Now().UnixMilli(),
			MaxFrameBytes: uint32(s.maxFrame),
			Codec:         wire.CodecName,
		},
	}
	if err := wire.WriteMessage(control, welcome, s.maxFrame); err != nil {
		return fmt.Errorf("write welcome: %w", err)
	}
	slog.Info("session established", slog.Int64("conn", s.id), slog.String("client", s.clientID))
	return nil
}

// controlLoop serves one request at a time; every request gets exactly one
// correlated response. Framing errors are fatal to the connection; per-item
// protocol problems are isolated to their result entries.
func (s *session) controlLoop(br *bufio.Reader, control io.Writer) {
	for {
		msg, err := wire.ReadMessage(br, s.maxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				slog.Warn("control stream read failed", slog.Int64("conn", s.id), slog.Any("err", err))
				_ = s.conn.CloseWithError(closeCodeProtocol, "framing error")
			}
			return
		}
		var resp *wire.Message
		switch msg.Kind {
		case wire.KindSubscribe:
			resp = s.handleSubscribe(msg.Subscribe)
		case wire.KindUnsubscribe:
			resp = s.handleUnsubscribe(msg.Unsubscribe)
		case wire.KindCommand:
			resp = s.handleCommand(msg.Command)
		case wire.KindPing:
			resp = s.handlePing(msg.Ping)
		case wire.KindClosing:
			s.state = stateClosing
			_ = s.conn.CloseWithError(closeCodeNormal, "client closing")
			return
		default:
			// Unknown or out-of-place kinds are skipped for forward
			// compatibility; they carry no reply obligation.
			slog.Debug("ignoring message", slog.Int64("conn", s.id), slog.Int("kind", int(msg.Kind)))
			continue
		}
		if resp != nil {
			if err := wire.WriteMessage(control, resp, s.maxFrame); err != nil {
				slog.Debug("control write failed", slog.Int64("conn", s.id), slog.Any("err", err))
				return
			}
		}
	}
}

// enqueue places env on the session's event stream queue, giving up only on
// session shutdown.
func (s *session) enqueue(env wire.EventEnvelope) bool {
	select {
	case s.outbound <- env:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// forward copies one topic subscriber's queue onto the session event stream.
// floor is the last cursor already delivered via replay; anything at or below
// it arrived in both the replay batch and the live queue and is dropped here,
// which is what makes the replay/live boundary seamless. Markers carry no
// cursor and always pass.
func (s *session) forward(sub *hub.Subscriber, floor uint64) {
	defer s.wg.Done()
	for env := range sub.C() {
		if !env.IsMarker() && env.Cursor <= floor {
			continue
		}
		if !s.enqueue(env) {
			return
		}
	}
}

func (s *session) handleSubscribe(req *wire.Subscribe) *wire.Message {
	results := []wire.SubscribeResult{}
	var joins []wire.RoomKey
	if req != nil {
		for _, entry := range req.Entries {
			results = append(results, s.subscribeOne(entry, &joins))
		}
	}
	if len(joins) > 0 {
		s.deps.Manager.ApplyJoinsLeaves(joins, nil)
	}
	return &wire.Message{
		Version:    wire.ProtocolVersion,
		Kind:       wire.KindSubscribed,
		Subscribed: &wire.Subscribed{Results: results},
	}
}

func (s *session) subscribeOne(entry wire.SubscribeEntry, joins *[]wire.RoomKey) wire.SubscribeResult {
	key, err := wire.ParseTopic(entry.Topic)
	if err != nil {
		return wire.SubscribeResult{Topic: entry.Topic, Status: wire.SubscribeInvalidTopic, Detail: "want room:<platform>/<room-id>"}
	}
	topic := key.String()
	res := wire.SubscribeResult{Topic: topic, Status: wire.SubscribeOK}

	added, mustJoin := s.deps.Registry.Subscribe(s.id, topic)
	if !added {
		// Already subscribed; idempotent, no new replay.
		res.CurrentCursor = s.deps.Replay.Latest(topic)
		return res
	}

	// Register the live queue before reading the replay window so no event
	// can fall between them; the forwarder's floor filters the overlap.
	sub := s.deps.Hub.Subscribe(topic, s.id)
	var floor uint64
	if entry.ResumeFrom != nil {
		entries, err := s.deps.Replay.ServeFrom(topic, *entry.ResumeFrom)
		if errors.Is(err, replay.ErrExhausted) {
			res.Status = wire.SubscribeReplayNotAvailable
			res.Detail = "requested cursor is older than the retained window"
			telemetry.IncReplayExhausted()
			// One visible gap marker before live delivery resumes.
			s.enqueue(wire.LaggedEnvelope(topic, 0, "replay window exhausted", time.Now().UnixMilli()))
		} else {
			telemetry.IncReplayServed()
			floor = *entry.ResumeFrom
			for _, env := range entries {
				if !s.enqueue(env) {
					break
				}
				floor = env.Cursor
			}
		}
	}
	res.CurrentCursor = s.deps.Replay.Latest(topic)

	s.mu.Lock()
	s.subs[topic] = sub
	s.mu.Unlock()
	s.wg.Add(1)
	go s.forward(sub, floor)

	if mustJoin {
		*joins = append(*joins, key)
	}
	return res
}

func (s *session) handleUnsubscribe(req *wire.Unsubscribe) *wire.Message {
	results := []wire.UnsubscribeEntryResult{}
	var leaves []wire.RoomKey
	if req != nil {
		for _, raw := range req.Topics {
			key, err := wire.ParseTopic(raw)
			if err != nil {
				results = append(results, wire.UnsubscribeEntryResult{Topic: raw, Status: wire.UnsubscribeInvalidTopic})
				continue
			}
			topic := key.String()
			removed, mustLeave := s.deps.Registry.Unsubscribe(s.id, topic)
			if !removed {
				results = append(results, wire.UnsubscribeEntryResult{Topic: topic, Status: wire.UnsubscribeNotSubscribed})
				continue
			}
			s.deps.Hub.Unsubscribe(topic, s.id)
			s.mu.Lock()
			delete(s.subs, topic)
			s.mu.Unlock()
			if mustLeave {
				leaves = append(leaves, key)
			}
			results = append(results, wire.UnsubscribeEntryResult{Topic: topic, Status: wire.UnsubscribeOK})
		}
	}
	if len(leaves) > 0 {
		s.deps.Manager.ApplyJoinsLeaves(nil, leaves)
	}
	return &wire.Message{
		Version:           wire.ProtocolVersion,
		Kind:              wire.KindUnsubscribeResult,
		UnsubscribeResult: &wire.UnsubscribeResult{Results: results},
	}
}

func (s *session) handleCommand(cmd *wire.Command) *wire.Message {
	res := wire.CommandResult{Status: wire.CommandRejected, Detail: "empty command"}
	if cmd != nil {
		req := cmd.Request
		ctx, span := telemetry.StartSpan(s.ctx, "relay-server", "command",
			telemetry.PlatformAttr(req.Platform),
			telemetry.TopicAttr(wire.Topic(req.Platform, req.Room)),
		)
		telemetry.TimeFunc(telemetry.CommandDuration, func() {
			res = s.deps.Manager.ExecuteCommand(ctx, req)
		})
		if res.Status == wire.CommandOK {
			telemetry.IncCommandsOK()
			telemetry.SetSpanSuccess(span)
		} else {
			telemetry.IncCommandsFailed()
			telemetry.RecordError(span, fmt.Errorf("command %s: %s", commandName(req.Kind), res.Detail))
		}
		span.End()

		if res.Status == wire.CommandOK && isModeration(req.Kind) {
			audit.BestEffort(s.deps.Audit, audit.Record{
				ClientID:        s.clientID,
				Topic:           wire.Topic(req.Platform, req.Room),
				Command:         commandName(req.Kind),
				TargetUser:      req.TargetUser,
				TargetMessageID: req.TargetMessageID,
				Detail:          res.Detail,
				At:              time.Now().UTC(),
			})
		}
	}
	return &wire.Message{Version: wire.ProtocolVersion, Kind: wire.KindCommandResult, CommandResult: &res}
}

func (s *session) handlePing(ping *wire.Ping) *wire.Message {
	pong := &wire.Pong{ServerTimeMs: time.Now().UnixMilli()}
	if ping != nil {
		pong.ClientTimeMs = ping.ClientTimeMs
	}
	return &wire.Message{Version: wire.ProtocolVersion, Kind: wire.KindPong, Pong: pong}
}

// writeEvents owns the event stream: it serializes every envelope the
// forwarders enqueue. A write failure tears the session down.
func (s *session) writeEvents(stream quic.Stream) {
	defer s.cancel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.outbound:
			msg := &wire.Message{Version: wire.ProtocolVersion, Kind: wire.KindEvent, Event: &env}
			if err := wire.WriteMessage(stream, msg, s.maxFrame); err != nil {
				slog.Debug("event stream write failed", slog.Int64("conn", s.id), slog.Any("err", err))
				return
			}
		}
	}
}

// teardown releases everything the connection held: registry membership,
// hub queues, and rooms whose refcount reached zero.
func (s *session) teardown() {
	s.state = stateClosed
	s.cancel()

	leaves := s.deps.Registry.RemoveConn(s.id)
	s.deps.Hub.DropConn(s.id)

	var keys []wire.RoomKey
	for _, topic := range leaves {
		if key, err := wire.ParseTopic(topic); err == nil {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		s.deps.Manager.ApplyJoinsLeaves(nil, keys)
	}
	s.wg.Wait()
	if s.conn != nil {
		_ = s.conn.CloseWithError(closeCodeNormal, "session closed")
	}
	slog.Info("session closed", slog.Int64("conn", s.id), slog.String("client", s.clientID), slog.Int("rooms_left", len(keys)))
}

func commandName(kind wire.CommandKind) string {
	switch kind {
	case wire.CommandSendMessage:
		return "send_message"
	case wire.CommandDeleteMessage:
		return "delete_message"
	case wire.CommandTimeoutUser:
		return "timeout_user"
	case wire.CommandBanUser:
		return "ban_user"
	case wire.CommandUnbanUser:
		return "unban_user"
	default:
		return fmt.Sprintf("unknown(%d)", kind)
	}
}

func isModeration(kind wire.CommandKind) bool {
	switch kind {
	case wire.CommandDeleteMessage, wire.CommandTimeoutUser, wire.CommandBanUser, wire.CommandUnbanUser:
		return true
	}
	return false
}
