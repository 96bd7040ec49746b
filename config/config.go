// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Missing platform credentials disable the corresponding adapter rather than failing startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Relay
	ListenAddr       string        // QUIC listen address (UDP)
	HTTPAddr         string        // health/metrics HTTP address
	ServerName       string        // reported in Welcome
	MaxFrameBytes    int           // wire frame size limit
	SubscriberQueue  int           // per-subscriber-per-topic queue depth
	ReplayCapacity   int           // replay entries retained per topic
	ReplayMaxAge     time.Duration // 0 disables age-based eviction
	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	// Auth
	AuthSecret string // empty disables handshake auth

	// TLS (self-signed dev cert is generated when unset)
	TLSCertFile string
	TLSKeyFile  string

	// Database (empty disables durable audit and token storage)
	DBDsn string

	// Twitch
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string

	// YouTube
	YTClientID     string
	YTClientSecret string
	YTRefreshToken string
}

// Load reads environment variables and applies defaults. It never fails on
// missing platform credentials; adapters without credentials are not started.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("RELAY_LISTEN_ADDR", ":4443")
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	cfg.ServerName = getenvDefault("RELAY_SERVER_NAME", "chat-relay")

	var err error
	if cfg.MaxFrameBytes, err = getenvInt("RELAY_MAX_FRAME_BYTES", 1<<20); err != nil {
		return nil, err
	}
	if cfg.SubscriberQueue, err = getenvInt("RELAY_SUBSCRIBER_QUEUE", 256); err != nil {
		return nil, err
	}
	if cfg.ReplayCapacity, err = getenvInt("RELAY_REPLAY_CAPACITY", 1024); err != nil {
		return nil, err
	}
	if cfg.ReplayMaxAge, err = getenvDuration("RELAY_REPLAY_MAX_AGE", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CommandTimeout, err = getenvDuration("RELAY_COMMAND_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout, err = getenvDuration("RELAY_HANDSHAKE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = getenvDuration("RELAY_IDLE_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}

	cfg.AuthSecret = os.Getenv("RELAY_AUTH_SECRET")
	cfg.TLSCertFile = os.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = os.Getenv("TLS_KEY_FILE")
	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTRefreshToken = os.Getenv("YT_REFRESH_TOKEN")

	return cfg, nil
}

// TwitchEnabled reports whether the Twitch adapter has enough configuration
// to read chat (anonymous reads need no credentials at all).
func (c *Config) TwitchEnabled() bool {
	return os.Getenv("TWITCH_ENABLED") != "0"
}

// YouTubeEnabled reports whether the YouTube adapter can authenticate.
func (c *Config) YouTubeEnabled() bool {
	return c.YTClientID != "" && c.YTClientSecret != ""
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (Go duration): %w", key, err)
	}
	return d, nil
}
