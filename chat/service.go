package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nightcast/livechat/backend/bus"
	"github.com/nightcast/livechat/backend/cache"
	"github.com/nightcast/livechat/backend/config"
	"github.com/nightcast/livechat/backend/db"
	"github.com/nightcast/livechat/backend/filter"
	"github.com/nightcast/livechat/backend/presence"
	"github.com/nightcast/livechat/backend/telemetry"
)

// Message is one public chat message as served to clients. Soft-deleted rows
// stay in the store but never appear here.
type Message struct {
	Seq       int64     `json:"seq"`
	DedupeKey string    `json:"dedupe_key"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	ReplyTo   *int64    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Service is the message store and cache: every public write runs through the
// rate limiter and content filter, persists to Postgres, lands on the front of
// the bounded cache list, and fans out over the bus.
type Service struct {
	db       *sql.DB
	cache    *cache.History
	bus      *bus.Bus
	limiter  *filter.Limiter
	filter   *filter.Filter
	presence *presence.Manager
	cfg      *config.Config
}

func NewService(database *sql.DB, hc *cache.History, b *bus.Bus, lim *filter.Limiter, f *filter.Filter, pm *presence.Manager, cfg *config.Config) *Service {
	return &Service{db: database, cache: hc, bus: b, limiter: lim, filter: f, presence: pm, cfg: cfg}
}

// PostMessage validates, throttles, filters, persists and distributes one
// public message. dedupeKey may be empty; posting an already-seen dedupe key
// returns the stored message instead of inserting a duplicate.
func (s *Service) PostMessage(ctx context.Context, id presence.Identity, text string, replyTo *int64, dedupeKey string) (*Message, error) {
	start := time.Now()

	mode, err := s.ChatMode(ctx)
	if err != nil {
		return nil, err
	}
	if mode == "private" {
		return nil, ErrPublicDisabled
	}

	text = strings.TrimSpace(text)
	if text == "" || len(text) > s.cfg.MaxMessageLen {
		return nil, fmt.Errorf("%w: empty or over %d bytes", ErrInvalidMessage, s.cfg.MaxMessageLen)
	}

	if !s.limiter.Allow(ctx, id.Origin) {
		if telemetry.RateLimited != nil {
			telemetry.RateLimited.Inc()
		}
		return nil, ErrRateLimited
	}

	filtered, changed := s.filter.Apply(text, filter.VisibilityPublic)
	if changed && telemetry.MessagesFiltered != nil {
		telemetry.MessagesFiltered.Inc()
	}

	if dedupeKey == "" {
		dedupeKey = uuid.New().String()
	}

	msg := &Message{DedupeKey: dedupeKey, Username: id.Username, Text: filtered, ReplyTo: replyTo}
	err = s.db.QueryRowContext(ctx, `INSERT INTO messages (dedupe_key, username, account_id, body, reply_to)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id, created_at`,
		dedupeKey, id.Username, id.AccountID, filtered, replyTo).Scan(&msg.Seq, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		// Duplicate submission; return the original write.
		return s.byDedupeKey(ctx, dedupeKey)
	}
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}

	if entry, err := json.Marshal(msg); err == nil {
		if err := s.cache.Push(ctx, entry); err != nil && err != cache.ErrDisabled {
			// Cache write failure must not fail the persisted write; the next
			// read rebuilds from the store.
			telemetry.LoggerWithCorr(ctx).Warn("cache push failed", slog.Any("err", err))
		}
	}

	s.bus.Publish(bus.Event{Kind: bus.KindMessage, Payload: msg})
	if telemetry.MessagesPosted != nil {
		telemetry.MessagesPosted.Inc()
	}
	if telemetry.PostDuration != nil {
		telemetry.PostDuration.Observe(time.Since(start).Seconds())
	}
	return msg, nil
}

// History returns the most recent messages, newest first. Served from the
// cache when fresh; a miss triggers the single-flight rebuild; a cache-layer
// failure degrades to a direct store read rather than failing the caller.
func (s *Service) History(ctx context.Context, limit int) ([]Message, error) {
	start := time.Now()
	defer func() {
		if telemetry.HistoryDuration != nil {
			telemetry.HistoryDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}

	entries, ok, err := s.cache.Recent(ctx, limit)
	if err != nil {
		if err != cache.ErrDisabled {
			telemetry.LoggerWithCorr(ctx).Warn("cache read failed, serving from store", slog.Any("err", err))
		}
		return s.recentFromStore(ctx, limit)
	}
	if !ok {
		entries, err = s.cache.Rebuild(ctx, s.loadRecent)
		if err != nil {
			return nil, err
		}
	}

	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		var m Message
		if err := json.Unmarshal(e, &m); err != nil {
			// A corrupt entry means the cache and store diverged; rebuild on
			// the next read.
			if err := s.cache.Invalidate(ctx); err != nil {
				slog.Warn("cache invalidate failed", slog.Any("err", err))
			}
			return s.recentFromStore(ctx, limit)
		}
		out = append(out, m)
	}
	return out, nil
}

// CatchUp returns live messages with sequence id greater than afterSeq, in
// ascending order. It applies the same soft-delete filtering as the push
// path, so catch-up never resurrects deleted content.
func (s *Service) CatchUp(ctx context.Context, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, dedupe_key, username, body, reply_to, created_at FROM messages
		WHERE id > $1 AND NOT deleted ORDER BY id ASC LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("catch up: %w", err)
	}
	return scanMessages(rows)
}

// DeleteMessage soft-deletes one message, invalidates the cache and publishes
// the deletion so connected clients drop it too.
func (s *Service) DeleteMessage(ctx context.Context, seq int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET deleted=TRUE WHERE id=$1 AND NOT deleted`, seq)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		slog.Warn("cache invalidate failed", slog.Any("err", err))
	}
	s.bus.Publish(bus.Event{Kind: bus.KindMessageDeleted, Payload: map[string]int64{"seq": seq}})
	if telemetry.MessagesDeleted != nil {
		telemetry.MessagesDeleted.Inc()
	}
	return nil
}

// ClearAll soft-deletes the whole public log, flushes the cache and signals a
// full wipe to every client.
func (s *Service) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET deleted=TRUE WHERE NOT deleted`); err != nil {
		return fmt.Errorf("clear all: %w", err)
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		slog.Warn("cache invalidate failed", slog.Any("err", err))
	}
	s.bus.Publish(bus.Event{Kind: bus.KindClear, Payload: map[string]string{}})
	return nil
}

// ChatMode returns the effective chat mode: the settings override when set,
// otherwise the configured default.
func (s *Service) ChatMode(ctx context.Context) (string, error) {
	mode, err := db.GetSetting(ctx, s.db, "chat_mode")
	if err != nil {
		return "", err
	}
	if mode == "" {
		mode = s.cfg.ChatMode
	}
	return mode, nil
}

// SetChatMode updates the chat mode and broadcasts the new public settings.
func (s *Service) SetChatMode(ctx context.Context, mode string) error {
	switch mode {
	case "public", "private", "both":
	default:
		return fmt.Errorf("%w: chat mode %q", ErrInvalidMessage, mode)
	}
	if err := db.SetSetting(ctx, s.db, "chat_mode", mode); err != nil {
		return err
	}
	settings, err := s.PublicSettings(ctx)
	if err != nil {
		return err
	}
	s.bus.Publish(bus.Event{Kind: bus.KindConfig, Payload: settings})
	return nil
}

// PublicSettings is the read-only settings subset exposed to clients.
func (s *Service) PublicSettings(ctx context.Context) (map[string]any, error) {
	mode, err := s.ChatMode(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"chat_mode":                 mode,
		"history_limit":             s.cfg.HistoryLimit,
		"max_message_len":           s.cfg.MaxMessageLen,
		"max_nickname_len":          s.cfg.MaxNicknameLen,
		"heartbeat_interval_seconds": int(s.cfg.HeartbeatInterval.Seconds()),
	}, nil
}

// loadRecent is the cache rebuild loader: the authoritative bounded recent
// history, newest first, soft-deleted rows excluded.
func (s *Service) loadRecent(ctx context.Context) ([][]byte, error) {
	msgs, err := s.recentFromStore(ctx, s.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	entries := make([][]byte, 0, len(msgs))
	for i := range msgs {
		e, err := json.Marshal(&msgs[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Service) recentFromStore(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, dedupe_key, username, body, reply_to, created_at FROM messages
		WHERE NOT deleted ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *Service) byDedupeKey(ctx context.Context, key string) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, `SELECT id, dedupe_key, username, body, reply_to, created_at FROM messages WHERE dedupe_key=$1`, key).
		Scan(&m.Seq, &m.DedupeKey, &m.Username, &m.Text, &m.ReplyTo, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("dedupe lookup: %w", err)
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.DedupeKey, &m.Username, &m.Text, &m.ReplyTo, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
