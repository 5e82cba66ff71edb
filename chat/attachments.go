package chat

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Attachment is an uploaded file referenced by at most one private message.
// Attachments are purged after the retention window regardless of read state.
type Attachment struct {
	Ref         string    `json:"ref"`
	StoragePath string    `json:"-"`
	Size        int64     `json:"size"`
	Mime        string    `json:"mime"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

const maxAttachmentSize = 10 << 20 // 10 MiB

// SaveAttachment streams an upload to disk and records its row with the
// retention deadline.
func (s *Service) SaveAttachment(ctx context.Context, r io.Reader, mime string) (*Attachment, error) {
	dir := filepath.Join(s.cfg.DataDir, "attachments")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("attachment dir: %w", err)
	}

	ref := uuid.New().String()
	path := filepath.Join(dir, ref)
	f, err := os.Create(path) //nolint:gosec // G304: path is built from a fresh UUID under DataDir
	if err != nil {
		return nil, fmt.Errorf("attachment create: %w", err)
	}
	size, err := io.Copy(f, io.LimitReader(r, maxAttachmentSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && size > maxAttachmentSize {
		err = fmt.Errorf("%w: attachment over %d bytes", ErrInvalidMessage, maxAttachmentSize)
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			slog.Warn("failed to remove partial attachment", slog.Any("err", rmErr))
		}
		return nil, err
	}

	att := &Attachment{
		Ref:         ref,
		StoragePath: path,
		Size:        size,
		Mime:        mime,
		ExpiresAt:   time.Now().UTC().Add(s.cfg.AttachmentRetention),
	}
	err = s.db.QueryRowContext(ctx, `INSERT INTO attachments (ref, storage_path, size_bytes, mime, expires_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING created_at`,
		att.Ref, att.StoragePath, att.Size, att.Mime, att.ExpiresAt).Scan(&att.CreatedAt)
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			slog.Warn("failed to remove orphaned attachment", slog.Any("err", rmErr))
		}
		return nil, fmt.Errorf("attachment insert: %w", err)
	}
	return att, nil
}

// OpenAttachment returns the attachment row and an open reader for its
// content. Expired attachments are indistinguishable from missing ones.
func (s *Service) OpenAttachment(ctx context.Context, ref string) (*Attachment, io.ReadCloser, error) {
	att, err := s.attachmentByRef(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(att.StoragePath) //nolint:gosec // G304: path comes from our own attachments row
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrAttachmentNotFound, ref)
	}
	return att, f, nil
}

func (s *Service) attachmentByRef(ctx context.Context, ref string) (*Attachment, error) {
	var att Attachment
	err := s.db.QueryRowContext(ctx, `SELECT ref, storage_path, size_bytes, mime, created_at, expires_at
		FROM attachments WHERE ref=$1 AND expires_at > NOW()`, ref).
		Scan(&att.Ref, &att.StoragePath, &att.Size, &att.Mime, &att.CreatedAt, &att.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAttachmentNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("attachment lookup: %w", err)
	}
	return &att, nil
}

// StartAttachmentRetention runs a background job that purges attachments past
// the retention window, deleting both the row and the file.
func (s *Service) StartAttachmentRetention(ctx context.Context) {
	interval := s.cfg.AttachmentRetention / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	slog.Info("attachment retention job starting",
		slog.Duration("retention", s.cfg.AttachmentRetention),
		slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.purgeExpiredAttachments(ctx); err != nil {
				slog.Warn("attachment purge failed", slog.Any("err", err))
			} else if n > 0 {
				slog.Info("attachment purge removed files", slog.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) purgeExpiredAttachments(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `DELETE FROM attachments WHERE expires_at <= NOW() RETURNING ref, storage_path`)
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
		var ref, path string
		if err := rows.Scan(&ref, &path); err != nil {
			return n, err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove attachment file", slog.String("ref", ref), slog.Any("err", err))
		}
		n++
	}
	return n, rows.Err()
}
