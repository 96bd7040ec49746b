// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsIngested  prometheus.Counter
	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter
	ReplayServed    prometheus.Counter
	ReplayExhausted prometheus.Counter
	CommandsOK      prometheus.Counter
	CommandsFailed  prometheus.Counter
	AuthFailures    prometheus.Counter

	// Histograms (seconds)
	CommandDuration prometheus.Observer

	// Gauges
	SessionsGauge     prometheus.Gauge
	ActiveTopicsGauge prometheus.Gauge
	JoinedRoomsGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_events_ingested_total", Help: "Events received from platform adapters"})
		EventsPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_events_published_total", Help: "Events stamped and published to the hub"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_events_dropped_total", Help: "Events dropped on full subscriber queues"})
		ReplayServed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_replay_served_total", Help: "Resume requests served from the replay window"})
		ReplayExhausted = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_replay_exhausted_total", Help: "Resume requests older than the replay window"})
		CommandsOK = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_commands_ok_total", Help: "Commands executed successfully"})
		CommandsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_commands_failed_total", Help: "Commands rejected, unsupported, or failed internally"})
		AuthFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_auth_failures_total", Help: "Handshake auth rejections"})
		CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_command_duration_seconds", Help: "Command round trip through the owning adapter", Buckets: prometheus.DefBuckets})
		SessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_sessions", Help: "Currently connected client sessions"})
		ActiveTopicsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_topics", Help: "Topics with at least one live subscriber"})
		JoinedRoomsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_joined_rooms", Help: "Rooms currently joined on platform adapters"})
	})
}

// Nil-safe increment/set helpers so library packages can record without
// caring whether Init ran (tests often skip it).

func IncEventsIngested() {
	if EventsIngested != nil {
		EventsIngested.Inc()
	}
}

func IncEventsPublished() {
	if EventsPublished != nil {
		EventsPublished.Inc()
	}
}

func IncEventsDropped() {
	if EventsDropped != nil {
		EventsDropped.Inc()
	}
}

func IncReplayServed() {
	if ReplayServed != nil {
		ReplayServed.Inc()
	}
}

func IncReplayExhausted() {
	if ReplayExhausted != nil {
		ReplayExhausted.Inc()
	}
}

func IncCommandsOK() {
	if CommandsOK != nil {
		CommandsOK.Inc()
	}
}

func IncCommandsFailed() {
	if CommandsFailed != nil {
		CommandsFailed.Inc()
	}
}

func IncAuthFailures() {
	if AuthFailures != nil {
		AuthFailures.Inc()
	}
}

// SetSessions records the current connected session count.
func SetSessions(n int) {
	if SessionsGauge != nil {
		SessionsGauge.Set(float64(n))
	}
}

// SetActiveTopics records the number of topics with live subscribers.
func SetActiveTopics(n int) {
	if ActiveTopicsGauge != nil {
		ActiveTopicsGauge.Set(float64(n))
	}
}

// SetJoinedRooms records the number of rooms joined on adapters.
func SetJoinedRooms(n int) {
	if JoinedRoomsGauge != nil {
		JoinedRoomsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
