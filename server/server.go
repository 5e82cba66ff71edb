// Package server exposes the HTTP API: registration and auth, public and
// private messaging, the SSE event stream, roster and settings reads, health,
// metrics, and moderation endpoints. It includes permissive CORS for
// development and injects correlation IDs into request contexts for
// consistent logging.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nightcast/livechat/backend/bus"
	"github.com/nightcast/livechat/backend/chat"
	"github.com/nightcast/livechat/backend/config"
	"github.com/nightcast/livechat/backend/filter"
	"github.com/nightcast/livechat/backend/presence"
	"github.com/nightcast/livechat/backend/telemetry"
)

// Deps bundles the engine components the handlers need.
type Deps struct {
	DB       *sql.DB
	Chat     *chat.Service
	Presence *presence.Manager
	Bus      *bus.Bus
	Cfg      *config.Config
}

// NewMux returns the HTTP handler with all routes. The provided context is
// used for the admin rate limiter's cleanup goroutine lifecycle.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	corsCfg := loadCORSConfig()
	adminLimiter := filter.NewLimiter(ctx, nil, "admin", 10, time.Minute)

	handlers := NewHandlers(deps)

	mux := http.NewServeMux()

	// Metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health and readiness endpoints
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	// Session lifecycle
	mux.HandleFunc("/api/register", handlers.HandleRegister)
	mux.HandleFunc("/api/login", handlers.HandleLogin)
	mux.HandleFunc("/api/logout", handlers.HandleLogout)
	mux.HandleFunc("/api/heartbeat", handlers.HandleHeartbeat)

	// Chat
	mux.HandleFunc("/api/messages", handlers.HandleMessages)
	mux.HandleFunc("/api/users", handlers.HandleUsers)
	mux.HandleFunc("/api/settings", handlers.HandleSettings)
	mux.HandleFunc("/api/private", handlers.HandlePrivate)
	mux.HandleFunc("/api/attachments", handlers.HandleAttachmentUpload)
	mux.HandleFunc("/api/attachments/", handlers.HandleAttachmentDownload)

	// Event stream
	mux.HandleFunc("/events", handlers.HandleEvents)

	// Moderation endpoints
	mux.HandleFunc("/admin/messages/delete", handlers.HandleAdminDeleteMessage)
	mux.HandleFunc("/admin/clear", handlers.HandleAdminClear)
	mux.HandleFunc("/admin/kick", handlers.HandleAdminKick)
	mux.HandleFunc("/admin/ban", handlers.HandleAdminBan)
	mux.HandleFunc("/admin/settings", handlers.HandleAdminSettings)
	mux.HandleFunc("/admin/synthetic", handlers.HandleAdminSynthetic)

	// Admin endpoints get auth plus their own rate limit; everything else is
	// throttled per-origin inside the write path itself.
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			adminAuth(rateLimitMiddleware(mux, adminLimiter), authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// WriteTimeout is disabled because the event stream holds its response open
// for the life of the client connection.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     NewMux(ctx, deps),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
