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
	MessagesPosted   prometheus.Counter
	MessagesDeleted  prometheus.Counter
	PrivateSent      prometheus.Counter
	RateLimited      prometheus.Counter
	MessagesFiltered prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheRebuilds    prometheus.Counter
	EventsDropped    prometheus.Counter
	SessionsExpired  prometheus.Counter
	SessionsKicked   prometheus.Counter

	// Histograms (seconds)
	PostDuration    prometheus.Observer
	HistoryDuration prometheus.Observer

	// Gauges
	StreamsGauge  prometheus.Gauge
	SessionsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesPosted = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_posted_total", Help: "Number of public messages accepted"})
		MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_deleted_total", Help: "Number of messages soft-deleted by moderation"})
		PrivateSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_private_sent_total", Help: "Number of private messages accepted"})
		RateLimited = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_rate_limited_total", Help: "Number of writes rejected by the rate limiter"})
		MessagesFiltered = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_filtered_total", Help: "Number of messages with at least one redaction applied"})
		CacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_cache_hits_total", Help: "History reads served from the cache"})
		CacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_cache_misses_total", Help: "History reads that missed the cache"})
		CacheRebuilds = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_cache_rebuilds_total", Help: "Cache rebuilds executed (single-flight winners only)"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_dropped_total", Help: "Bus events dropped because a subscriber channel was full"})
		SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sessions_expired_total", Help: "Sessions removed by the presence sweeper"})
		SessionsKicked = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sessions_kicked_total", Help: "Sessions removed by moderator kick"})
		PostDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_post_duration_seconds", Help: "Public message write duration seconds", Buckets: prometheus.DefBuckets})
		HistoryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_history_duration_seconds", Help: "History read duration seconds", Buckets: prometheus.DefBuckets})
		StreamsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_streams_connected", Help: "Currently connected event streams"})
		SessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_sessions_live", Help: "Currently live chat sessions"})
	})
}

// SetLiveSessions records the current live session count.
func SetLiveSessions(n int) {
	if SessionsGauge != nil {
		SessionsGauge.Set(float64(n))
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
