// Package presence owns identity/session rows end to end: registration with
// the four-namespace collision check, credential auth and session binding,
// heartbeats, the expiry sweeper, kicks and bans, and the derived roster view.
// The roster is always a fresh read of the sessions table, never an in-memory
// set, so every publisher of a roster event carries the full current state.
package presence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nightcast/livechat/backend/bus"
	"github.com/nightcast/livechat/backend/config"
	"github.com/nightcast/livechat/backend/telemetry"
)

// Role of a session or account. Elevated roles may hold the same nickname
// from multiple concurrent sessions.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Elevated reports whether the role permits multiple concurrent sessions for
// one nickname and grants moderation rights.
func (r Role) Elevated() bool { return r == RoleModerator || r == RoleAdmin }

// Identity is the caller identity threaded through every write path.
type Identity struct {
	Username  string
	SessionID string
	Origin    string
	AccountID *int64
	Role      Role
}

// Session is one live identity/session row.
type Session struct {
	SessionID     string     `json:"session_id"`
	Username      string     `json:"username"`
	Origin        string     `json:"-"`
	AccountID     *int64     `json:"-"`
	Role          Role       `json:"role"`
	JoinedAt      time.Time  `json:"joined_at"`
	LastHeartbeat time.Time  `json:"-"`
}

// Identity returns the Identity view of the session.
func (s *Session) Identity() Identity {
	return Identity{Username: s.Username, SessionID: s.SessionID, Origin: s.Origin, AccountID: s.AccountID, Role: s.Role}
}

// Account is a registered (non-guest) identity.
type Account struct {
	ID          int64
	Username    string
	DisplayName string
	Role        Role
}

var nicknameRe = regexp.MustCompile(`^[\pL\pN][\pL\pN_. -]*$`)

// Manager owns session and account state.
type Manager struct {
	db  *sql.DB
	bus *bus.Bus
	cfg *config.Config
}

func NewManager(database *sql.DB, b *bus.Bus, cfg *config.Config) *Manager {
	return &Manager{db: database, bus: b, cfg: cfg}
}

// Register creates or refreshes the live session for a nickname. The same
// session re-registering its own nickname is treated as a heartbeat refresh
// so page reloads never conflict with themselves. Nickname collisions are
// checked against accounts' usernames, accounts' display names, synthetic
// identities, and other live sessions, under a per-nickname advisory lock so
// two racing registrations cannot both pass the check.
func (m *Manager) Register(ctx context.Context, nickname, sessionID, origin string) (*Session, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" || len(nickname) > m.cfg.MaxNicknameLen || !nicknameRe.MatchString(nickname) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNickname, nickname)
	}
	if banned, err := m.IsBanned(ctx, nickname, origin); err != nil {
		return nil, err
	} else if banned {
		return nil, ErrBanned
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("register begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize racing registrations for the same nickname; the lock is
	// released at commit/rollback.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext(lower($1)))`, nickname); err != nil {
		return nil, fmt.Errorf("register lock: %w", err)
	}

	// The caller may already hold a session (page reload, or an authenticated
	// session picking its display nickname).
	caller, err := m.sessionByID(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if caller != nil && strings.EqualFold(caller.Username, nickname) {
		// Idempotent re-register: refresh the heartbeat and keep the row.
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_heartbeat=NOW(), origin_addr=$2 WHERE session_id=$1`, sessionID, origin); err != nil {
			return nil, fmt.Errorf("register refresh: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("register commit: %w", err)
		}
		caller.LastHeartbeat = time.Now()
		return caller, nil
	}

	role := RoleGuest
	var accountID *int64
	entitled := false
	if caller != nil && caller.AccountID != nil {
		role = caller.Role
		accountID = caller.AccountID
		var acctName string
		var disp sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT username, display_name FROM accounts WHERE id=$1`, *caller.AccountID).Scan(&acctName, &disp); err == nil {
			entitled = strings.EqualFold(acctName, nickname) || strings.EqualFold(disp.String, nickname)
		}
	}

	// Reserved words are only available to the account entitled to them.
	if !entitled {
		for _, r := range m.cfg.ReservedNames {
			if strings.EqualFold(r, nickname) {
				return nil, fmt.Errorf("%w: %q", ErrNicknameReserved, nickname)
			}
		}
	}

	if err := m.checkNamespaces(ctx, tx, nickname, sessionID, role, entitled); err != nil {
		return nil, err
	}

	sess := &Session{
		SessionID: sessionID,
		Username:  nickname,
		Origin:    origin,
		AccountID: accountID,
		Role:      role,
		JoinedAt:  time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions (session_id, username, origin_addr, account_id, role, joined_at, last_heartbeat)
		VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
		ON CONFLICT (session_id) DO UPDATE SET username=EXCLUDED.username, origin_addr=EXCLUDED.origin_addr, last_heartbeat=NOW()`,
		sess.SessionID, sess.Username, sess.Origin, sess.AccountID, string(sess.Role)); err != nil {
		return nil, fmt.Errorf("register upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("register commit: %w", err)
	}
	sess.LastHeartbeat = sess.JoinedAt

	m.PublishRoster(ctx, "")
	return sess, nil
}

// checkNamespaces is the set-membership check across all four nickname
// namespaces: other accounts' usernames, other accounts' display names,
// synthetic identities, and other currently-live sessions.
func (m *Manager) checkNamespaces(ctx context.Context, tx *sql.Tx, nickname, sessionID string, role Role, entitled bool) error {
	if !entitled {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE lower(username)=lower($1) OR lower(display_name)=lower($1)`, nickname).Scan(&n); err != nil {
			return fmt.Errorf("account namespace check: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %q belongs to an account", ErrNicknameTaken, nickname)
		}
	}

	synthetics, err := m.Synthetics(ctx)
	if err != nil {
		return err
	}
	for _, s := range synthetics {
		if strings.EqualFold(s, nickname) {
			return fmt.Errorf("%w: %q", ErrNicknameTaken, nickname)
		}
	}

	if !role.Elevated() {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions
			WHERE lower(username)=lower($1) AND session_id<>$2 AND last_heartbeat > NOW() - $3::interval`,
			nickname, sessionID, m.cfg.PresenceExpiry.String()).Scan(&n)
		if err != nil {
			return fmt.Errorf("live session check: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %q has a live session", ErrNicknameTaken, nickname)
		}
	}
	return nil
}

// Authenticate verifies account credentials.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	var (
		acct Account
		hash string
		disp sql.NullString
		role string
	)
	err := m.db.QueryRowContext(ctx, `SELECT id, username, display_name, password_hash, role FROM accounts WHERE lower(username)=lower($1)`, username).
		Scan(&acct.ID, &acct.Username, &disp, &hash, &role)
	if err == sql.ErrNoRows {
		return nil, ErrBadCredential
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrBadCredential
	}
	acct.DisplayName = disp.String
	acct.Role = Role(role)
	return &acct, nil
}

// BindSession upgrades a session (existing guest or brand new) to carry the
// authenticated account's identity and role, keeping its session id. This is
// how a browser tab "becomes" an authenticated identity without reconnecting.
// Non-elevated accounts may hold their nickname from only one live session;
// the check runs under the same advisory lock as Register so two concurrent
// logins cannot both pass it.
func (m *Manager) BindSession(ctx context.Context, sessionID, origin string, acct *Account) (*Session, error) {
	nickname := acct.Username
	if acct.DisplayName != "" {
		nickname = acct.DisplayName
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("bind begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext(lower($1)))`, nickname); err != nil {
		return nil, fmt.Errorf("bind lock: %w", err)
	}

	if !acct.Role.Elevated() {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions
			WHERE lower(username)=lower($1) AND session_id<>$2 AND last_heartbeat > NOW() - $3::interval`,
			nickname, sessionID, m.cfg.PresenceExpiry.String()).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("bind live check: %w", err)
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: %q has a live session", ErrNicknameTaken, nickname)
		}
	}

	sess := &Session{
		SessionID: sessionID,
		Username:  nickname,
		Origin:    origin,
		AccountID: &acct.ID,
		Role:      acct.Role,
		JoinedAt:  time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions (session_id, username, origin_addr, account_id, role, joined_at, last_heartbeat)
		VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
		ON CONFLICT (session_id) DO UPDATE SET username=EXCLUDED.username, origin_addr=EXCLUDED.origin_addr,
			account_id=EXCLUDED.account_id, role=EXCLUDED.role, last_heartbeat=NOW()`,
		sess.SessionID, sess.Username, sess.Origin, acct.ID, string(acct.Role)); err != nil {
		return nil, fmt.Errorf("bind upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bind commit: %w", err)
	}
	sess.LastHeartbeat = sess.JoinedAt

	m.PublishRoster(ctx, "")
	return sess, nil
}

// Heartbeat refreshes the liveness of a (username, session) pair.
func (m *Manager) Heartbeat(ctx context.Context, username, sessionID string) error {
	res, err := m.db.ExecContext(ctx, `UPDATE sessions SET last_heartbeat=NOW() WHERE session_id=$1 AND lower(username)=lower($2)`, sessionID, username)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownSession
	}
	return nil
}

// Live returns the session for the pair if its heartbeat is within the expiry
// window; it is the gate in front of every write path.
func (m *Manager) Live(ctx context.Context, username, sessionID string) (*Session, error) {
	var (
		s    Session
		role string
	)
	err := m.db.QueryRowContext(ctx, `SELECT session_id, username, origin_addr, account_id, role, joined_at, last_heartbeat
		FROM sessions WHERE session_id=$1 AND lower(username)=lower($2) AND last_heartbeat > NOW() - $3::interval`,
		sessionID, username, m.cfg.PresenceExpiry.String()).
		Scan(&s.SessionID, &s.Username, &s.Origin, &s.AccountID, &role, &s.JoinedAt, &s.LastHeartbeat)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownSession
	}
	if err != nil {
		return nil, fmt.Errorf("live session lookup: %w", err)
	}
	s.Role = Role(role)
	return &s, nil
}

// LiveSessions returns all live sessions currently holding a username.
func (m *Manager) LiveSessions(ctx context.Context, username string) ([]Session, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT session_id, username, origin_addr, account_id, role, joined_at, last_heartbeat
		FROM sessions WHERE lower(username)=lower($1) AND last_heartbeat > NOW() - $2::interval ORDER BY joined_at`,
		username, m.cfg.PresenceExpiry.String())
	if err != nil {
		return nil, fmt.Errorf("live sessions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []Session
	for rows.Next() {
		var (
			s    Session
			role string
		)
		if err := rows.Scan(&s.SessionID, &s.Username, &s.Origin, &s.AccountID, &role, &s.JoinedAt, &s.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("live sessions scan: %w", err)
		}
		s.Role = Role(role)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Logout deletes the session and broadcasts the new roster.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	m.PublishRoster(ctx, "")
	return nil
}

// Kick forcibly removes every live session for the username, tells each
// affected client to drop back to registration, and broadcasts the roster
// with the kicked marker.
func (m *Manager) Kick(ctx context.Context, username string) error {
	sessions, err := m.LiveSessions(ctx, username)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return ErrUnknownSession
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM sessions WHERE lower(username)=lower($1)`, username); err != nil {
		return fmt.Errorf("kick: %w", err)
	}
	for _, s := range sessions {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindReconnect,
			Payload: map[string]string{"username": s.Username, "session_id": s.SessionID, "reason": "kicked"},
			Only:    []bus.Recipient{{Username: s.Username, SessionID: s.SessionID}},
		})
		if telemetry.SessionsKicked != nil {
			telemetry.SessionsKicked.Inc()
		}
	}
	m.PublishRoster(ctx, username)
	return nil
}

// Ban records a ban on a username and/or origin address. Either may be empty.
func (m *Manager) Ban(ctx context.Context, username, origin, reason string) error {
	if username == "" && origin == "" {
		return fmt.Errorf("%w: ban needs a username or origin", ErrInvalidNickname)
	}
	if _, err := m.db.ExecContext(ctx, `INSERT INTO bans (username, origin_addr, reason) VALUES (NULLIF($1,''), NULLIF($2,''), $3)`, username, origin, reason); err != nil {
		return fmt.Errorf("ban: %w", err)
	}
	return nil
}

// IsBanned reports whether the username or origin address is banned.
func (m *Manager) IsBanned(ctx context.Context, username, origin string) (bool, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bans WHERE (username IS NOT NULL AND lower(username)=lower($1)) OR (origin_addr IS NOT NULL AND origin_addr=$2 AND $2<>'')`, username, origin).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ban check: %w", err)
	}
	return n > 0, nil
}

func (m *Manager) sessionByID(ctx context.Context, tx *sql.Tx, sessionID string) (*Session, error) {
	var (
		s    Session
		role string
	)
	err := tx.QueryRowContext(ctx, `SELECT session_id, username, origin_addr, account_id, role, joined_at, last_heartbeat FROM sessions WHERE session_id=$1`, sessionID).
		Scan(&s.SessionID, &s.Username, &s.Origin, &s.AccountID, &role, &s.JoinedAt, &s.LastHeartbeat)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	s.Role = Role(role)
	return &s, nil
}
