package filter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window rate limiter keyed by origin address. With Redis
// configured the counter lives in a namespaced key updated by an atomic
// INCR+EXPIRE pipeline, so multiple instances sharing the cluster enforce one
// quota. Without Redis (or when Redis errors) it falls back to an in-memory
// fixed window.
type Limiter struct {
	rdb    *redis.Client
	prefix string
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*originWindow
}

type originWindow struct {
	count int
	start time.Time
}

// NewLimiter creates a limiter and starts a cleanup goroutine for the
// in-memory fallback state, tied to ctx.
func NewLimiter(ctx context.Context, rdb *redis.Client, keyPrefix string, limit int, window time.Duration) *Limiter {
	l := &Limiter{
		rdb:     rdb,
		prefix:  keyPrefix + ":rate:",
		limit:   limit,
		window:  window,
		windows: make(map[string]*originWindow),
	}
	go l.cleanupLoop(ctx)
	return l
}

// Allow reports whether a write from origin fits in the current window.
// Throttled writes are rejected before persistence and never retried
// server-side.
func (l *Limiter) Allow(ctx context.Context, origin string) bool {
	if origin == "" {
		return true
	}
	if l.rdb != nil {
		allowed, err := l.allowRedis(ctx, origin)
		if err == nil {
			return allowed
		}
		slog.Warn("rate limiter redis error, using in-memory window", slog.Any("err", err))
	}
	return l.allowMemory(origin)
}

func (l *Limiter) allowRedis(ctx context.Context, origin string) (bool, error) {
	key := l.prefix + origin
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(l.limit), nil
}

func (l *Limiter) allowMemory(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	w, ok := l.windows[origin]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[origin] = &originWindow{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.limit
}

// cleanupLoop periodically drops expired in-memory windows.
func (l *Limiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * l.window)
			for origin, w := range l.windows {
				if w.start.Before(cutoff) {
					delete(l.windows, origin)
				}
			}
			l.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
