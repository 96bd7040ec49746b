package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chat-relay/telemetry"
)

// NewMux builds the operational HTTP surface: health, readiness, status, and
// Prometheus metrics. Client traffic never touches this listener; it speaks
// QUIC on the relay port.
func (s *Server) NewMux() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.deps.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.deps.DB.PingContext(ctx); err != nil {
				http.Error(w, "database unreachable: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ready"))
	})

	// Operator check for moderation capability in a room, e.g.
	// /permissions?platform=twitch&room=somechannel
	mux.HandleFunc("/permissions", func(w http.ResponseWriter, r *http.Request) {
		platform := r.URL.Query().Get("platform")
		room := r.URL.Query().Get("room")
		if platform == "" || room == "" {
			http.Error(w, "platform and room query parameters are required", http.StatusBadRequest)
			return
		}
		perms, err := s.deps.Manager.QueryPermissions(r.Context(), platform, room)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"platform":     platform,
			"room":         room,
			"can_send":     perms.CanSend,
			"can_moderate": perms.CanModerate,
			"detail":       perms.Detail,
		}); err != nil {
			slog.Warn("permissions encode failed", slog.Any("err", err))
		}
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"instance_id":  s.deps.InstanceID,
			"sessions":     s.sessions.Load(),
			"topics":       s.deps.Hub.Topics(),
			"joined_rooms": s.deps.Manager.JoinedRooms(),
			"platforms":    s.deps.Manager.Platforms(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			slog.Warn("status encode failed", slog.Any("err", err))
		}
	})

	// Correlation id and tracing wrapper around every request.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// ServeHTTP runs the operational HTTP server until ctx is canceled.
func (s *Server) ServeHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.deps.Cfg.HTTPAddr,
		Handler:      s.NewMux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http listening", slog.String("addr", s.deps.Cfg.HTTPAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
