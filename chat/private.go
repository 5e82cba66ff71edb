package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nightcast/livechat/backend/bus"
	"github.com/nightcast/livechat/backend/filter"
	"github.com/nightcast/livechat/backend/presence"
	"github.com/nightcast/livechat/backend/telemetry"
)

// PrivateMessage is one 1:1 message. Rows are stamped with both participants'
// session ids: conversation visibility is scoped to the exact
// (username, session) pair, so a new anonymous occupant of a reused nickname
// can never see a prior occupant's history.
type PrivateMessage struct {
	ID            int64      `json:"id"`
	FromUsername  string     `json:"from"`
	FromSessionID string     `json:"-"`
	ToUsername    string     `json:"to"`
	ToSessionID   string     `json:"-"`
	Text          string     `json:"text,omitempty"`
	AttachmentRef string     `json:"attachment_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
}

// SendPrivate persists and distributes one private message. The recipient
// must hold a live session; the message carries either text or an attachment
// reference.
func (s *Service) SendPrivate(ctx context.Context, from presence.Identity, toUsername, text, attachmentRef string) (*PrivateMessage, error) {
	mode, err := s.ChatMode(ctx)
	if err != nil {
		return nil, err
	}
	if mode == "public" {
		return nil, ErrPrivateDisabled
	}

	text = strings.TrimSpace(text)
	if (text == "" && attachmentRef == "") || len(text) > s.cfg.MaxMessageLen {
		return nil, fmt.Errorf("%w: need text or attachment, under %d bytes", ErrInvalidMessage, s.cfg.MaxMessageLen)
	}
	if strings.EqualFold(from.Username, toUsername) {
		return nil, fmt.Errorf("%w: cannot message yourself", ErrInvalidMessage)
	}

	if !s.limiter.Allow(ctx, from.Origin) {
		if telemetry.RateLimited != nil {
			telemetry.RateLimited.Inc()
		}
		return nil, ErrRateLimited
	}

	if text != "" {
		filtered, changed := s.filter.Apply(text, filter.VisibilityPrivate)
		if changed && telemetry.MessagesFiltered != nil {
			telemetry.MessagesFiltered.Inc()
		}
		text = filtered
	}

	if attachmentRef != "" {
		if _, err := s.attachmentByRef(ctx, attachmentRef); err != nil {
			return nil, err
		}
	}

	recipients, err := s.presence.LiveSessions(ctx, toUsername)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecipientOffline, toUsername)
	}
	// The oldest live session is the canonical conversation partner; any
	// additional elevated sessions still receive the event.
	to := recipients[0]

	pm := &PrivateMessage{
		FromUsername:  from.Username,
		FromSessionID: from.SessionID,
		ToUsername:    to.Username,
		ToSessionID:   to.SessionID,
		Text:          text,
		AttachmentRef: attachmentRef,
	}
	err = s.db.QueryRowContext(ctx, `INSERT INTO private_messages
		(from_username, from_session, from_account_id, to_username, to_session, to_account_id, body, attachment_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''))
		RETURNING id, created_at`,
		pm.FromUsername, pm.FromSessionID, from.AccountID, pm.ToUsername, pm.ToSessionID, to.AccountID, pm.Text, pm.AttachmentRef).
		Scan(&pm.ID, &pm.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("send private: %w", err)
	}

	only := []bus.Recipient{{Username: from.Username, SessionID: from.SessionID}}
	for _, r := range recipients {
		only = append(only, bus.Recipient{Username: r.Username, SessionID: r.SessionID})
	}
	s.bus.Publish(bus.Event{Kind: bus.KindPrivate, Payload: pm, Only: only})
	if telemetry.PrivateSent != nil {
		telemetry.PrivateSent.Inc()
	}
	return pm, nil
}

// Conversation returns the caller's private history with another username,
// matched strictly against the caller's own (username, session) pair on
// either side of each row, and marks received messages read.
func (s *Service) Conversation(ctx context.Context, id presence.Identity, withUsername string) ([]PrivateMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, from_username, from_session, to_username, to_session, body, COALESCE(attachment_ref,''), created_at, read_at
		FROM private_messages
		WHERE (lower(from_username)=lower($1) AND from_session=$2 AND lower(to_username)=lower($3))
		   OR (lower(to_username)=lower($1) AND to_session=$2 AND lower(from_username)=lower($3))
		ORDER BY id ASC`, id.Username, id.SessionID, withUsername)
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	out := make([]PrivateMessage, 0)
	for rows.Next() {
		var m PrivateMessage
		if err := rows.Scan(&m.ID, &m.FromUsername, &m.FromSessionID, &m.ToUsername, &m.ToSessionID, &m.Text, &m.AttachmentRef, &m.CreatedAt, &m.ReadAt); err != nil {
			return nil, fmt.Errorf("conversation scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE private_messages SET read_at=NOW()
		WHERE lower(to_username)=lower($1) AND to_session=$2 AND lower(from_username)=lower($3) AND read_at IS NULL`,
		id.Username, id.SessionID, withUsername); err != nil {
		slog.Warn("failed to mark conversation read", slog.Any("err", err))
	}
	return out, nil
}
