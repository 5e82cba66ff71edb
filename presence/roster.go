package presence

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nightcast/livechat/backend/bus"
	"github.com/nightcast/livechat/backend/db"
	"github.com/nightcast/livechat/backend/telemetry"
)

// RosterEntry is one displayed roster line. Synthetic entries pad the view
// only; they never correspond to a sessions row and are excluded from the
// real-user count.
type RosterEntry struct {
	Username  string `json:"username"`
	Role      Role   `json:"role,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

// Roster is the full derived presence snapshot. Every roster event carries
// the complete roster, never a delta, so subscribers self-correct.
type Roster struct {
	Users  []RosterEntry `json:"users"`
	Count  int           `json:"count"`
	Kicked string        `json:"kicked,omitempty"`
}

const syntheticsKey = "synthetic_users"

// Roster returns the live session set merged with synthetic identities.
func (m *Manager) Roster(ctx context.Context) (*Roster, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT DISTINCT ON (lower(username)) username, role FROM sessions
		WHERE last_heartbeat > NOW() - $1::interval ORDER BY lower(username), joined_at`, m.cfg.PresenceExpiry.String())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	r := &Roster{Users: make([]RosterEntry, 0, 16)}
	for rows.Next() {
		var (
			e    RosterEntry
			role string
		)
		if err := rows.Scan(&e.Username, &role); err != nil {
			return nil, err
		}
		e.Role = Role(role)
		r.Users = append(r.Users, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	r.Count = len(r.Users)

	synthetics, err := m.Synthetics(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range synthetics {
		r.Users = append(r.Users, RosterEntry{Username: s, Synthetic: true})
	}
	telemetry.SetLiveSessions(r.Count)
	return r, nil
}

// PublishRoster broadcasts the full current roster, optionally naming a
// kicked identity.
func (m *Manager) PublishRoster(ctx context.Context, kicked string) {
	r, err := m.Roster(ctx)
	if err != nil {
		slog.Warn("roster publish failed", slog.Any("err", err))
		return
	}
	r.Kicked = kicked
	m.bus.Publish(bus.Event{Kind: bus.KindRoster, Payload: r})
}

// Synthetics returns the admin-maintained synthetic identity list.
func (m *Manager) Synthetics(ctx context.Context) ([]string, error) {
	raw, err := db.GetSetting(ctx, m.db, syntheticsKey)
	if err != nil || raw == "" {
		return nil, err
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetSynthetics replaces the synthetic identity list and broadcasts the new
// roster view.
func (m *Manager) SetSynthetics(ctx context.Context, names []string) error {
	if err := db.SetSetting(ctx, m.db, syntheticsKey, strings.Join(names, ",")); err != nil {
		return err
	}
	m.PublishRoster(ctx, "")
	return nil
}

// StartSweeper deletes sessions whose heartbeat has fallen outside the expiry
// window, on the heartbeat cadence. The delete is conditional on the stored
// timestamp so a concurrent heartbeat can never lose a freshly renewed
// session to the sweep.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	slog.Info("presence sweeper starting",
		slog.Duration("interval", m.cfg.HeartbeatInterval),
		slog.Duration("expiry", m.cfg.PresenceExpiry))
	for {
		select {
		case <-ticker.C:
			n, err := m.sweepOnce(ctx)
			if err != nil {
				slog.Warn("presence sweep failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				slog.Debug("presence sweep removed sessions", slog.Int("count", n))
				m.PublishRoster(ctx, "")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) (int, error) {
	rows, err := m.db.QueryContext(ctx, `DELETE FROM sessions WHERE last_heartbeat < NOW() - $1::interval RETURNING username, session_id`, m.cfg.PresenceExpiry.String())
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	n := 0
	for rows.Next() {
		var username, sessionID string
		if err := rows.Scan(&username, &sessionID); err != nil {
			return n, err
		}
		n++
		if telemetry.SessionsExpired != nil {
			telemetry.SessionsExpired.Inc()
		}
	}
	return n, rows.Err()
}
