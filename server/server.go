// Package server exposes the relay over QUIC: it accepts client sessions,
// runs the handshake and control loop for each, and ties the subscription
// registry, room hub, replay buffer, and adapter manager together into the
// per-connection delivery path.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/onnwee/chat-relay/adapter"
	"github.com/onnwee/chat-relay/audit"
	"github.com/onnwee/chat-relay/auth"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/registry"
	"github.com/onnwee/chat-relay/replay"
	"github.com/onnwee/chat-relay/telemetry"
)

// alpnProtocol is the ALPN token clients must negotiate.
const alpnProtocol = "chat-relay/1"

// Deps carries everything a session needs. DB may be nil.
type Deps struct {
	Cfg        *config.Config
	Registry   *registry.Registry
	Hub        *hub.Hub
	Replay     *replay.Buffer
	Manager    *adapter.Manager
	Verifier   *auth.Verifier // nil disables handshake auth
	Audit      audit.Sink
	DB         *sql.DB
	InstanceID string
}

// Server accepts QUIC connections and spawns one session task per client.
type Server struct {
	deps     Deps
	connSeq  atomic.Int64
	sessions atomic.Int64
}

// New creates a server.
func New(deps Deps) *Server {
	if deps.Audit == nil {
		deps.Audit = audit.LogSink{}
	}
	return &Server{deps: deps}
}

// Run listens until ctx is canceled. Each accepted connection gets its own
// task; per-connection failures never stop the accept loop.
func (s *Server) Run(ctx context.Context) error {
	tlsConf, err := loadTLSConfig(s.deps.Cfg)
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(s.deps.Cfg.ListenAddr, tlsConf, &quic.Config{
		MaxIdleTimeout: s.deps.Cfg.IdleTimeout,
	})
	if err != nil {
		return err
	}
	slog.Info("relay listening", slog.String("addr", s.deps.Cfg.ListenAddr), slog.String("alpn", alpnProtocol))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		id := s.connSeq.Add(1)
		go s.handleConn(ctx, id, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, id int64, conn quic.Connection) {
	telemetry.SetSessions(int(s.sessions.Add(1)))
	defer func() {
		telemetry.SetSessions(int(s.sessions.Add(-1)))
	}()

	sess := newSession(id, conn, s.deps)
	sess.run(ctx)
}
