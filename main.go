// Command chat-relay is the main entrypoint for the multi-platform chat relay.
// It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres and runs idempotent migrations.
//   - Starts platform adapters (Twitch, YouTube), the event router, and OAuth
//     token refreshers.
//   - Serves clients over QUIC and exposes a minimal HTTP server with
//     /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chat-relay/adapter"
	twitchadapter "github.com/onnwee/chat-relay/adapter/twitch"
	youtubeadapter "github.com/onnwee/chat-relay/adapter/youtube"
	"github.com/onnwee/chat-relay/audit"
	"github.com/onnwee/chat-relay/auth"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/oauth"
	"github.com/onnwee/chat-relay/registry"
	"github.com/onnwee/chat-relay/replay"
	"github.com/onnwee/chat-relay/router"
	"github.com/onnwee/chat-relay/server"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chat-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database is optional: without it the relay loses durable audit records
	// and stored platform tokens, nothing else.
	var database *sql.DB
	if cfg.DBDsn != "" {
		database, err = db.Connect(cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	reg := registry.New()
	rooms := hub.New(cfg.SubscriberQueue)
	buf := replay.New(cfg.ReplayCapacity, cfg.ReplayMaxAge)
	mgr := adapter.NewManager(cfg.CommandTimeout)

	registerTwitch(ctx, cfg, mgr, database)
	registerYouTube(cfg, mgr, database)

	var sink audit.Sink = audit.LogSink{}
	if database != nil {
		sink = &audit.DBSink{DB: database}
	}

	srv := server.New(server.Deps{
		Cfg:        cfg,
		Registry:   reg,
		Hub:        rooms,
		Replay:     buf,
		Manager:    mgr,
		Verifier:   auth.NewVerifier(cfg.AuthSecret),
		Audit:      sink,
		DB:         database,
		InstanceID: uuid.New().String(),
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			psrv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := psrv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	rt := router.New(mgr.Events(), buf, rooms)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return srv.ServeHTTP(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("relay exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// registerTwitch wires the Twitch adapter. Reads work anonymously, so the
// adapter is registered even without credentials unless TWITCH_ENABLED=0.
// The IRC token prefers the stored OAuth row over the static env token, and
// a background refresher keeps both the row and the live adapter fresh.
func registerTwitch(ctx context.Context, cfg *config.Config, mgr *adapter.Manager, database *sql.DB) {
	if !cfg.TwitchEnabled() {
		slog.Info("twitch adapter disabled")
		return
	}

	var helix *twitchapi.HelixClient
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		helix = &twitchapi.HelixClient{
			// Moderation acts as the bot user, so Helix calls carry the same
			// user token the IRC connection uses.
			Token:    twitchapi.StaticToken(stripOAuthPrefix(cfg.TwitchOAuthToken)),
			ClientID: cfg.TwitchClientID,
		}
	}

	ircToken := cfg.TwitchOAuthToken
	if database != nil {
		if access, _, _, _, err := db.GetOAuthToken(ctx, database, "twitch"); err == nil && access != "" {
			ircToken = ircOAuthToken(access)
			if helix != nil {
				helix.Token = twitchapi.StaticToken(access)
			}
		}
	}

	a := twitchadapter.New(twitchadapter.Options{
		BotUsername: cfg.TwitchBotUsername,
		OAuthToken:  ircToken,
		Helix:       helix,
	})
	mgr.Register(a)
	slog.Info("twitch adapter registered",
		slog.Bool("anonymous", cfg.TwitchBotUsername == "" || ircToken == ""),
		slog.Bool("moderation", helix != nil))

	if database != nil && cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		oc := &twitchapi.OAuthConfig{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
		r := &oauth.Refresher{
			DB:       database,
			Provider: "twitch",
			Interval: 5 * time.Minute,
			Window:   15 * time.Minute,
			Refresh: func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
				grant, err := oc.Refresh(rctx, refreshToken)
				if err != nil {
					return "", "", time.Time{}, "", err
				}
				return grant.AccessToken, grant.RefreshToken, twitchapi.ComputeExpiry(grant.ExpiresIn), grant.ScopeString(), nil
			},
			OnRefresh: func(accessToken string) {
				mgr.UpdateAuth("twitch", ircOAuthToken(accessToken))
			},
		}
		r.Start(ctx)
	}
}

// registerYouTube wires the YouTube adapter when OAuth client credentials are
// configured. The adapter refreshes its own token through the store.
func registerYouTube(cfg *config.Config, mgr *adapter.Manager, database *sql.DB) {
	if !cfg.YouTubeEnabled() {
		slog.Info("youtube adapter disabled (no client credentials)")
		return
	}
	opts := youtubeadapter.Options{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		RefreshToken: cfg.YTRefreshToken,
	}
	if database != nil {
		opts.Store = &dbTokenStore{db: database}
	}
	mgr.Register(youtubeadapter.New(opts))
	slog.Info("youtube adapter registered", slog.Bool("persistent_tokens", database != nil))
}

// dbTokenStore adapts the db package helpers to the youtube adapter's
// TokenStore interface, keeping raw token JSON in the scope column.
type dbTokenStore struct {
	db *sql.DB
}

func (s *dbTokenStore) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	return db.UpsertOAuthToken(ctx, s.db, provider, access, refresh, expiry, raw)
}

func (s *dbTokenStore) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	return db.GetOAuthToken(ctx, s.db, provider)
}

// ircOAuthToken normalizes an access token into the oauth: form IRC expects.
func ircOAuthToken(access string) string {
	if access == "" || strings.HasPrefix(access, "oauth:") {
		return access
	}
	return "oauth:" + access
}

func stripOAuthPrefix(token string) string {
	return strings.TrimPrefix(token, "oauth:")
}

func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
