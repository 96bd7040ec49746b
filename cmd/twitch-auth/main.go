// Command twitch-auth performs the one-time Twitch OAuth code grant for the
// bot account and stores the resulting tokens in the oauth_tokens table, where
// the relay's refresh loop keeps them alive.
//
// Usage:
//
//	twitch-auth url                 print the authorization URL to open
//	twitch-auth exchange CODE       exchange the redirected code and store tokens
//
// Environment variables:
//
//	TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET  app credentials (required)
//	TWITCH_REDIRECT_URI                     registered redirect (default http://localhost:3000/callback)
//	TWITCH_SCOPES                           space or comma separated (default chat scopes + moderation)
//	DB_DSN                                  Postgres connection string (required for exchange)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/twitchapi"
)

const defaultScopes = "chat:read chat:edit moderator:manage:banned_users moderator:manage:chat_messages"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) < 2 {
		usage()
	}

	clientID := os.Getenv("TWITCH_CLIENT_ID")
	clientSecret := os.Getenv("TWITCH_CLIENT_SECRET")
	redirect := os.Getenv("TWITCH_REDIRECT_URI")
	if redirect == "" {
		redirect = "http://localhost:3000/callback"
	}
	scopes := os.Getenv("TWITCH_SCOPES")
	if scopes == "" {
		scopes = defaultScopes
	}

	oc := &twitchapi.OAuthConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirect,
	}

	switch os.Args[1] {
	case "url":
		u, err := oc.AuthorizeURL(scopes, "")
		if err != nil {
			slog.Error("build authorize url failed", slog.Any("err", err))
			os.Exit(1)
		}
		fmt.Println(u)
	case "exchange":
		if len(os.Args) < 3 {
			usage()
		}
		exchange(oc, os.Args[2])
	default:
		usage()
	}
}

func exchange(oc *twitchapi.OAuthConfig, code string) {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required for exchange")
		os.Exit(1)
	}
	database, err := db.Connect(dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	grant, err := oc.Exchange(ctx, code)
	if err != nil {
		slog.Error("code exchange failed", slog.Any("err", err))
		os.Exit(1)
	}

	expiry := twitchapi.ComputeExpiry(grant.ExpiresIn)
	scope := grant.ScopeString()
	if err := db.UpsertOAuthToken(ctx, database, "twitch", grant.AccessToken, grant.RefreshToken, expiry, scope); err != nil {
		slog.Error("token store failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("twitch tokens stored",
		slog.Time("expires_at", expiry),
		slog.String("scope", scope))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: twitch-auth url | twitch-auth exchange CODE")
	os.Exit(2)
}
