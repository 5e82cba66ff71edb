// Command backend is the main entrypoint for the livechat API and background workers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Connects to Redis when configured (history cache + rate counters).
//   - Starts background jobs: presence sweeper, attachment retention, and the
//     optional Twitch chat mirror.
//   - Exposes the HTTP API with the SSE event stream, /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nightcast/livechat/backend/bus"
	"github.com/nightcast/livechat/backend/cache"
	"github.com/nightcast/livechat/backend/chat"
	"github.com/nightcast/livechat/backend/config"
	"github.com/nightcast/livechat/backend/db"
	"github.com/nightcast/livechat/backend/filter"
	"github.com/nightcast/livechat/backend/presence"
	"github.com/nightcast/livechat/backend/server"
	"github.com/nightcast/livechat/backend/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	// Configure logging (level + format). Defaults: level=info, format=text.
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
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("livechat", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for backward compatibility
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to legacy embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("legacy embedded SQL migration completed",
			slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully",
			slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is optional: without it history reads hit Postgres directly and
	// rate counters fall back to the in-memory window.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			slog.Warn("redis unreachable, cache and redis rate counters disabled", slog.Any("err", err))
			rdb = nil
		} else {
			slog.Info("redis connected", slog.String("addr", cfg.RedisAddr), slog.String("prefix", cfg.KeyPrefix()))
		}
		cancel()
	}

	// Engine wiring
	eventBus := bus.New()
	history := cache.New(rdb, cfg.KeyPrefix(), cfg.HistoryLimit, cfg.CacheTTL)
	limiter := filter.NewLimiter(ctx, rdb, cfg.KeyPrefix(), cfg.RateLimitWrites, cfg.RateLimitWindow)
	contentFilter := filter.New(cfg.URLWhitelist, cfg.URLBlacklist)
	presenceMgr := presence.NewManager(database, eventBus, cfg)
	chatSvc := chat.NewService(database, history, eventBus, limiter, contentFilter, presenceMgr, cfg)

	// Background jobs
	go presenceMgr.StartSweeper(ctx)
	go chatSvc.StartAttachmentRetention(ctx)
	if err := cfg.ValidateMirrorReady(); err == nil {
		go chat.StartTwitchMirror(ctx, chatSvc, cfg)
	} else {
		slog.Info("twitch mirror disabled", slog.Any("reason", err))
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (API, SSE stream, health, metrics)
	deps := server.Deps{DB: database, Chat: chatSvc, Presence: presenceMgr, Bus: eventBus, Cfg: cfg}
	go func() {
		if err := server.Start(ctx, deps, cfg.ListenAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
