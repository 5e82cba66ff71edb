// Package cache implements the bounded recent-history view of the message log
// on top of Redis. Entries are JSON-encoded messages in a capped list, newest
// first, with a TTL refreshed on every write. A cache miss triggers a
// single-flight rebuild from the durable store: one caller loads and replaces
// the list atomically while concurrent callers share its result, so racing
// miss-handlers can never each append and duplicate entries.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/nightcast/livechat/backend/telemetry"
)

// ErrDisabled is returned when no Redis client is configured. Callers degrade
// to reading the durable store directly.
var ErrDisabled = errors.New("cache disabled")

// Loader fetches the authoritative recent history (newest first, already
// bounded) from the durable store.
type Loader func(ctx context.Context) ([][]byte, error)

// History is the recent-history cache for one deployment instance.
type History struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
	sf    singleflight.Group
}

// New creates the cache around an optional Redis client. A nil client is
// allowed; every read then misses and every write is a no-op.
func New(rdb *redis.Client, keyPrefix string, limit int, ttl time.Duration) *History {
	return &History{rdb: rdb, key: keyPrefix + ":messages", limit: limit, ttl: ttl}
}

// Key returns the namespaced Redis key backing the list.
func (h *History) Key() string { return h.key }

// Push prepends a new entry and re-bounds the list, refreshing the TTL.
// LPUSH+LTRIM+EXPIRE run in one MULTI/EXEC so the list length and TTL can
// never be observed mid-update.
func (h *History) Push(ctx context.Context, entry []byte) error {
	if h.rdb == nil {
		return ErrDisabled
	}
	pipe := h.rdb.TxPipeline()
	pipe.LPush(ctx, h.key, entry)
	pipe.LTrim(ctx, h.key, 0, int64(h.limit-1))
	pipe.Expire(ctx, h.key, h.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Recent returns up to limit cached entries (newest first). ok is false on a
// miss (expired, evicted, or cleared); err is non-nil only when Redis itself
// failed, in which case the caller should fall back to the durable store.
func (h *History) Recent(ctx context.Context, limit int) (entries [][]byte, ok bool, err error) {
	if h.rdb == nil {
		return nil, false, ErrDisabled
	}
	if limit <= 0 || limit > h.limit {
		limit = h.limit
	}
	vals, err := h.rdb.LRange(ctx, h.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(vals) == 0 {
		if telemetry.CacheMisses != nil {
			telemetry.CacheMisses.Inc()
		}
		return nil, false, nil
	}
	if telemetry.CacheHits != nil {
		telemetry.CacheHits.Inc()
	}
	entries = make([][]byte, len(vals))
	for i, v := range vals {
		entries[i] = []byte(v)
	}
	return entries, true, nil
}

// Rebuild repopulates the cache from the durable store and returns the loaded
// entries. Concurrent callers are collapsed into a single load; the list is
// replaced in one MULTI/EXEC (DEL, RPUSH, EXPIRE) so a partially built list is
// never visible and dedupe keys stay unique.
func (h *History) Rebuild(ctx context.Context, load Loader) ([][]byte, error) {
	v, err, _ := h.sf.Do(h.key, func() (any, error) {
		entries, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if telemetry.CacheRebuilds != nil {
			telemetry.CacheRebuilds.Inc()
		}
		if h.rdb == nil {
			return entries, nil
		}
		pipe := h.rdb.TxPipeline()
		pipe.Del(ctx, h.key)
		if len(entries) > 0 {
			args := make([]any, len(entries))
			// RPUSH preserves newest-first order of the loaded slice.
			for i, e := range entries {
				args[i] = e
			}
			pipe.RPush(ctx, h.key, args...)
			pipe.Expire(ctx, h.key, h.ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			// The load succeeded; serve it even if Redis is unhappy.
			return entries, nil
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([][]byte), nil
}

// Invalidate drops the cached list so the next read rebuilds it.
func (h *History) Invalidate(ctx context.Context) error {
	if h.rdb == nil {
		return nil
	}
	return h.rdb.Del(ctx, h.key).Err()
}
