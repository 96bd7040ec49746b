// Package oauth provides generic token refresh scheduling for providers whose
// tokens are persisted in the oauth_tokens table. It performs jittered checks
// and refreshes when expiry falls within a configured window, then hands the
// fresh access token to the owning platform adapter.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/chat-relay/db"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// Refresher periodically checks one provider's stored token and refreshes it
// near expiry.
type Refresher struct {
	DB       *sql.DB
	Provider string
	Interval time.Duration // wake-up period; default 5m
	Window   time.Duration // refresh when remaining lifetime <= window; default 15m
	Refresh  RefreshFunc
	// OnRefresh receives the fresh access token, typically to push it into
	// the running platform adapter. May be nil.
	OnRefresh func(accessToken string)
}

// Start launches the refresh loop in its own goroutine.
func (r *Refresher) Start(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	window := r.Window
	if window <= 0 {
		window = 15 * time.Minute
	}

	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (+-20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			r.checkOnce(ctx, window)
		}
	}()
}

func (r *Refresher) checkOnce(ctx context.Context, window time.Duration) {
	_, refresh, expiry, scope, err := db.GetOAuthToken(ctx, r.DB, r.Provider)
	if err != nil {
		slog.Warn("token row read failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return
	}
	if refresh == "" {
		return
	}
	if time.Until(expiry) > window {
		return
	}

	// Small pre-refresh jitter to avoid stampedes when many pods see the same expiry.
	//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
	pre := time.Duration(rand.Int63n(int64(5 * time.Second)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(pre):
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := r.Refresh(ctx2, refresh)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return
	}
	if newRT == "" {
		newRT = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, r.DB, r.Provider, newAT, newRT, newExp, newScope); err != nil {
		slog.Warn("token persist failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return
	}
	slog.Info("token refreshed", slog.String("provider", r.Provider))
	if r.OnRefresh != nil {
		r.OnRefresh(newAT)
	}
}
