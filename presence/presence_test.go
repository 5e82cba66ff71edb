package presence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nightcast/livechat/backend/bus"
	"github.com/nightcast/livechat/backend/config"
	"github.com/nightcast/livechat/backend/testutil"
)

func uniqueName(prefix string) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return prefix + hex.EncodeToString(b)
}

func testConfig() *config.Config {
	return &config.Config{
		MaxNicknameLen:    30,
		ReservedNames:     []string{"admin", "moderator", "system", "root"},
		HeartbeatInterval: time.Second,
		PresenceExpiry:    5 * time.Minute,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	database := testutil.SetupTestDB(t)
	return NewManager(database, bus.New(), testConfig())
}

func TestRegisterAndLive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	nick := uniqueName("alice")
	sess, err := m.Register(ctx, nick, uniqueName("sess"), "192.0.2.1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if sess.Username != nick || sess.Role != RoleGuest {
		t.Errorf("session = %+v, want guest %q", sess, nick)
	}

	live, err := m.Live(ctx, nick, sess.SessionID)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	if live.SessionID != sess.SessionID {
		t.Errorf("Live session id = %q, want %q", live.SessionID, sess.SessionID)
	}
}

func TestRegisterIdempotentSameSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	nick := uniqueName("bob")
	sessionID := uniqueName("sess")
	if _, err := m.Register(ctx, nick, sessionID, "192.0.2.1"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	// Page reload: same session re-registers the same nickname.
	if _, err := m.Register(ctx, nick, sessionID, "192.0.2.1"); err != nil {
		t.Fatalf("re-Register same session: %v", err)
	}
}

func TestRegisterConflictLiveSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	nick := uniqueName("carol")
	if _, err := m.Register(ctx, nick, uniqueName("sess"), "192.0.2.1"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := m.Register(ctx, nick, uniqueName("sess"), "192.0.2.2")
	if !errors.Is(err, ErrNicknameTaken) {
		t.Errorf("second Register err = %v, want ErrNicknameTaken", err)
	}
	// Case-insensitive collision.
	_, err = m.Register(ctx, "  "+nick+" ", uniqueName("sess"), "192.0.2.3")
	if !errors.Is(err, ErrNicknameTaken) {
		t.Errorf("trimmed Register err = %v, want ErrNicknameTaken", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		nick string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"leading punctuation", ".hidden"},
		{"angle brackets", "<script>"},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Register(ctx, tt.nick, uniqueName("sess"), ""); !errors.Is(err, ErrInvalidNickname) {
				t.Errorf("Register(%q) err = %v, want ErrInvalidNickname", tt.nick, err)
			}
		})
	}
}

func TestRegisterReservedNickname(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, nick := range []string{"admin", "Admin", "ROOT"} {
		if _, err := m.Register(ctx, nick, uniqueName("sess"), ""); !errors.Is(err, ErrNicknameReserved) {
			t.Errorf("Register(%q) err = %v, want ErrNicknameReserved", nick, err)
		}
	}
}

func TestRegisterAccountNamespace(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	username := uniqueName("acct")
	hash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if _, err := m.db.ExecContext(ctx, `INSERT INTO accounts (username, password_hash, role) VALUES ($1,$2,'user')`, username, string(hash)); err != nil {
		t.Fatalf("insert account: %v", err)
	}

	// A guest may not take an account's username, regardless of case.
	if _, err := m.Register(ctx, username, uniqueName("sess"), ""); !errors.Is(err, ErrNicknameTaken) {
		t.Errorf("Register account-owned nickname err = %v, want ErrNicknameTaken", err)
	}
}

func TestAuthenticateAndBindSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	username := uniqueName("user")
	display := uniqueName("Display")
	hash, _ := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if _, err := m.db.ExecContext(ctx, `INSERT INTO accounts (username, display_name, password_hash, role) VALUES ($1,$2,$3,'user')`, username, display, string(hash)); err != nil {
		t.Fatalf("insert account: %v", err)
	}

	if _, err := m.Authenticate(ctx, username, "wrong"); !errors.Is(err, ErrBadCredential) {
		t.Errorf("bad password err = %v, want ErrBadCredential", err)
	}
	if _, err := m.Authenticate(ctx, uniqueName("ghost"), "hunter2"); !errors.Is(err, ErrBadCredential) {
		t.Errorf("unknown account err = %v, want ErrBadCredential", err)
	}

	acct, err := m.Authenticate(ctx, username, "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	sess, err := m.BindSession(ctx, uniqueName("sess"), "192.0.2.1", acct)
	if err != nil {
		t.Fatalf("BindSession: %v", err)
	}
	if sess.Username != display {
		t.Errorf("bound username = %q, want display name %q", sess.Username, display)
	}
	if sess.Role != RoleUser || sess.AccountID == nil {
		t.Errorf("bound session = %+v, want user role with account id", sess)
	}

	// A second login for the same non-elevated account conflicts while the
	// first session is live.
	if _, err := m.BindSession(ctx, uniqueName("sess"), "192.0.2.2", acct); !errors.Is(err, ErrNicknameTaken) {
		t.Errorf("concurrent login err = %v, want ErrNicknameTaken", err)
	}
}

func TestBindSessionElevatedMultiSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	username := uniqueName("mod")
	hash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if _, err := m.db.ExecContext(ctx, `INSERT INTO accounts (username, password_hash, role) VALUES ($1,$2,'moderator')`, username, string(hash)); err != nil {
		t.Fatalf("insert account: %v", err)
	}
	acct, err := m.Authenticate(ctx, username, "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if _, err := m.BindSession(ctx, uniqueName("sess"), "", acct); err != nil {
		t.Fatalf("first BindSession: %v", err)
	}
	if _, err := m.BindSession(ctx, uniqueName("sess"), "", acct); err != nil {
		t.Errorf("second BindSession for elevated role: %v, want success", err)
	}
}

func TestHeartbeat(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	nick := uniqueName("dave")
	sess, err := m.Register(ctx, nick, uniqueName("sess"), "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Heartbeat(ctx, nick, sess.SessionID); err != nil {
		t.Errorf("Heartbeat: %v", err)
	}
	if err := m.Heartbeat(ctx, nick, uniqueName("sess")); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Heartbeat unknown session err = %v, want ErrUnknownSession", err)
	}
	if err := m.Heartbeat(ctx, uniqueName("other"), sess.SessionID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Heartbeat wrong username err = %v, want ErrUnknownSession", err)
	}
}

func TestLogoutFreesNickname(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	nick := uniqueName("erin")
	sess, err := m.Register(ctx, nick, uniqueName("sess"), "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Logout(ctx, sess.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := m.Live(ctx, nick, sess.SessionID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Live after logout err = %v, want ErrUnknownSession", err)
	}
	// Someone else can take the nickname immediately.
	if _, err := m.Register(ctx, nick, uniqueName("sess"), ""); err != nil {
		t.Errorf("re-Register after logout: %v", err)
	}
}

func TestKick(t *testing.T) {
	database := testutil.SetupTestDB(t)
	b := bus.New()
	m := NewManager(database, b, testConfig())
	ctx := context.Background()

	nick := uniqueName("frank")
	sess, err := m.Register(ctx, nick, uniqueName("sess"), "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	events, cancel := b.Subscribe()
	defer cancel()

	if err := m.Kick(ctx, nick); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if _, err := m.Live(ctx, nick, sess.SessionID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Live after kick err = %v, want ErrUnknownSession", err)
	}

	// The kicked session gets a targeted reconnect event before the roster.
	var sawReconnect bool
	timeout := time.After(2 * time.Second)
	for !sawReconnect {
		select {
		case ev := <-events:
			if ev.Kind == bus.KindReconnect {
				if !ev.VisibleTo(nick, sess.SessionID) {
					t.Error("reconnect event not scoped to the kicked session")
				}
				if ev.VisibleTo(uniqueName("bystander"), uniqueName("sess")) {
					t.Error("reconnect event visible to unrelated session")
				}
				sawReconnect = true
			}
		case <-timeout:
			t.Fatal("no reconnect event after kick")
		}
	}

	if err := m.Kick(ctx, uniqueName("nobody")); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Kick unknown err = %v, want ErrUnknownSession", err)
	}
}

func TestBanBlocksRegistration(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	nick := uniqueName("grace")
	if err := m.Ban(ctx, nick, "", "spam"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if _, err := m.Register(ctx, nick, uniqueName("sess"), ""); !errors.Is(err, ErrBanned) {
		t.Errorf("Register banned nickname err = %v, want ErrBanned", err)
	}

	origin := "198.51.100.7"
	if err := m.Ban(ctx, "", origin, "abuse"); err != nil {
		t.Fatalf("Ban origin: %v", err)
	}
	if _, err := m.Register(ctx, uniqueName("other"), uniqueName("sess"), origin); !errors.Is(err, ErrBanned) {
		t.Errorf("Register from banned origin err = %v, want ErrBanned", err)
	}

	if err := m.Ban(ctx, "", "", "no target"); err == nil {
		t.Error("expected error for ban with no username and no origin")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	nick := uniqueName("henry")
	sess, err := m.Register(ctx, nick, uniqueName("sess"), "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Age the heartbeat past the expiry window, then sweep.
	if _, err := m.db.ExecContext(ctx, `UPDATE sessions SET last_heartbeat = NOW() - INTERVAL '10 minutes' WHERE session_id=$1`, sess.SessionID); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}
	n, err := m.sweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweepOnce: %v", err)
	}
	if n < 1 {
		t.Errorf("sweepOnce removed %d sessions, want at least 1", n)
	}
	if _, err := m.Live(ctx, nick, sess.SessionID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Live after sweep err = %v, want ErrUnknownSession", err)
	}
}
