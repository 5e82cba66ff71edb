package chat

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nightcast/livechat/backend/bus"
	"github.com/nightcast/livechat/backend/cache"
	"github.com/nightcast/livechat/backend/config"
	"github.com/nightcast/livechat/backend/db"
	"github.com/nightcast/livechat/backend/filter"
	"github.com/nightcast/livechat/backend/presence"
	"github.com/nightcast/livechat/backend/testutil"
)

func uniqueName(prefix string) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return prefix + hex.EncodeToString(b)
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DataDir:             t.TempDir(),
		ChatMode:            "both",
		HistoryLimit:        50,
		MaxMessageLen:       1000,
		MaxNicknameLen:      30,
		RateLimitWrites:     1000,
		RateLimitWindow:     time.Minute,
		HeartbeatInterval:   time.Second,
		PresenceExpiry:      5 * time.Minute,
		CacheTTL:            time.Minute,
		AttachmentRetention: time.Hour,
	}
}

type testEnv struct {
	db       *sql.DB
	bus      *bus.Bus
	presence *presence.Manager
	svc      *Service
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database := testutil.SetupTestDB(t)
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.New()
	limiter := filter.NewLimiter(ctx, nil, "test", cfg.RateLimitWrites, cfg.RateLimitWindow)
	pm := presence.NewManager(database, b, cfg)
	svc := NewService(database, cache.New(nil, "test:chat", cfg.HistoryLimit, cfg.CacheTTL), b, limiter, filter.New(nil, nil), pm, cfg)

	// Chat mode may have been left overridden by a previous test.
	if err := db.SetSetting(ctx, database, "chat_mode", ""); err != nil {
		t.Fatalf("reset chat mode: %v", err)
	}
	return &testEnv{db: database, bus: b, presence: pm, svc: svc, cfg: cfg}
}

func guest(name string) presence.Identity {
	return presence.Identity{Username: name, SessionID: uniqueName("sess"), Role: presence.RoleGuest}
}

func TestPostAndHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := guest(uniqueName("alice"))

	first, err := env.svc.PostMessage(ctx, id, "hello", nil, "")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if first.Seq <= 0 || first.Username != id.Username || first.Text != "hello" {
		t.Errorf("message = %+v", first)
	}
	second, err := env.svc.PostMessage(ctx, id, "world", &first.Seq, "")
	if err != nil {
		t.Fatalf("PostMessage reply: %v", err)
	}
	if second.ReplyTo == nil || *second.ReplyTo != first.Seq {
		t.Errorf("reply_to = %v, want %d", second.ReplyTo, first.Seq)
	}

	msgs, err := env.svc.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// Newest first: the reply must appear before the original.
	firstIdx, secondIdx := -1, -1
	for i, m := range msgs {
		switch m.Seq {
		case first.Seq:
			firstIdx = i
		case second.Seq:
			secondIdx = i
		}
	}
	if firstIdx < 0 || secondIdx < 0 {
		t.Fatalf("history missing posted messages (got %d entries)", len(msgs))
	}
	if secondIdx > firstIdx {
		t.Errorf("history order: reply at %d after original at %d, want newest first", secondIdx, firstIdx)
	}
}

func TestPostValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := guest(uniqueName("bob"))

	if _, err := env.svc.PostMessage(ctx, id, "   ", nil, ""); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("blank message err = %v, want ErrInvalidMessage", err)
	}
	if _, err := env.svc.PostMessage(ctx, id, strings.Repeat("x", 1001), nil, ""); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("oversized message err = %v, want ErrInvalidMessage", err)
	}
}

func TestPostDedupe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := guest(uniqueName("carol"))

	key := uniqueName("dedupe")
	first, err := env.svc.PostMessage(ctx, id, "only once", nil, key)
	if err != nil {
		t.Fatalf("first PostMessage: %v", err)
	}
	// Client retry after a lost response: same dedupe key, same stored row.
	again, err := env.svc.PostMessage(ctx, id, "only once", nil, key)
	if err != nil {
		t.Fatalf("retried PostMessage: %v", err)
	}
	if again.Seq != first.Seq {
		t.Errorf("retry seq = %d, want original %d", again.Seq, first.Seq)
	}
}

func TestPostRateLimited(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tight := filter.NewLimiter(ctx, nil, "test-tight", 1, time.Minute)
	svc := NewService(env.db, cache.New(nil, "test:chat", 50, time.Minute), env.bus, tight, filter.New(nil, nil), env.presence, env.cfg)

	id := guest(uniqueName("dave"))
	id.Origin = "192.0.2.50"

	if _, err := svc.PostMessage(ctx, id, "first", nil, ""); err != nil {
		t.Fatalf("first PostMessage: %v", err)
	}
	if _, err := svc.PostMessage(ctx, id, "second", nil, ""); !errors.Is(err, ErrRateLimited) {
		t.Errorf("throttled PostMessage err = %v, want ErrRateLimited", err)
	}
}

func TestPostFiltersPublicContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := guest(uniqueName("erin"))

	msg, err := env.svc.PostMessage(ctx, id, "visit https://sketchy.test/deal now", nil, "")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if strings.Contains(msg.Text, "sketchy.test") {
		t.Errorf("stored text = %q, want the URL redacted", msg.Text)
	}
	if !strings.Contains(msg.Text, filter.Redacted) {
		t.Errorf("stored text = %q, want the redaction marker", msg.Text)
	}
}

func TestPostPublishesEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	events, cancel := env.bus.Subscribe()
	defer cancel()

	sent, err := env.svc.PostMessage(ctx, guest(uniqueName("frank")), "ping", nil, "")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != bus.KindMessage {
			t.Fatalf("event kind = %q, want %q", ev.Kind, bus.KindMessage)
		}
		got, ok := ev.Payload.(*Message)
		if !ok {
			t.Fatalf("payload type = %T, want *Message", ev.Payload)
		}
		if got.Seq != sent.Seq {
			t.Errorf("event seq = %d, want %d", got.Seq, sent.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message event published")
	}
}

func TestDeleteMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.svc.PostMessage(ctx, guest(uniqueName("grace")), "to be removed", nil, "")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if err := env.svc.DeleteMessage(ctx, msg.Seq); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	// Deleting twice (or a bogus seq) reports not found.
	if err := env.svc.DeleteMessage(ctx, msg.Seq); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("second delete err = %v, want ErrMessageNotFound", err)
	}

	msgs, err := env.svc.History(ctx, env.cfg.HistoryLimit)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, m := range msgs {
		if m.Seq == msg.Seq {
			t.Error("deleted message still present in history")
		}
	}
}

func TestCatchUpExcludesDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := guest(uniqueName("henry"))

	first, err := env.svc.PostMessage(ctx, id, "one", nil, "")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	second, err := env.svc.PostMessage(ctx, id, "two", nil, "")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	third, err := env.svc.PostMessage(ctx, id, "three", nil, "")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if err := env.svc.DeleteMessage(ctx, second.Seq); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}

	msgs, err := env.svc.CatchUp(ctx, first.Seq, 500)
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	var mine []Message
	for _, m := range msgs {
		if m.Username == id.Username {
			mine = append(mine, m)
		}
	}
	if len(mine) != 1 {
		t.Fatalf("CatchUp returned %d of this user's messages, want 1 (deleted excluded)", len(mine))
	}
	if mine[0].Seq != third.Seq {
		t.Errorf("CatchUp seq = %d, want %d", mine[0].Seq, third.Seq)
	}
}

func TestClearAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.svc.PostMessage(ctx, guest(uniqueName("iris")), "soon gone", nil, "")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	events, cancel := env.bus.Subscribe()
	defer cancel()

	if err := env.svc.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	msgs, err := env.svc.History(ctx, env.cfg.HistoryLimit)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, m := range msgs {
		if m.Seq == msg.Seq {
			t.Error("cleared message still present in history")
		}
	}

	select {
	case ev := <-events:
		if ev.Kind != bus.KindClear {
			t.Errorf("event kind = %q, want %q", ev.Kind, bus.KindClear)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no clear event published")
	}
}

func TestChatModeOverride(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mode, err := env.svc.ChatMode(ctx)
	if err != nil {
		t.Fatalf("ChatMode: %v", err)
	}
	if mode != "both" {
		t.Fatalf("default mode = %q, want both", mode)
	}

	if err := env.svc.SetChatMode(ctx, "broadcast"); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("invalid mode err = %v, want ErrInvalidMessage", err)
	}

	if err := env.svc.SetChatMode(ctx, "private"); err != nil {
		t.Fatalf("SetChatMode: %v", err)
	}
	t.Cleanup(func() {
		_ = db.SetSetting(context.Background(), env.db, "chat_mode", "")
	})

	if _, err := env.svc.PostMessage(ctx, guest(uniqueName("jack")), "hi", nil, ""); !errors.Is(err, ErrPublicDisabled) {
		t.Errorf("public post in private mode err = %v, want ErrPublicDisabled", err)
	}

	settings, err := env.svc.PublicSettings(ctx)
	if err != nil {
		t.Fatalf("PublicSettings: %v", err)
	}
	if settings["chat_mode"] != "private" {
		t.Errorf("settings chat_mode = %v, want private", settings["chat_mode"])
	}
}
