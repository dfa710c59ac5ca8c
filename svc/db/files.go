package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"securepad/pkg/domain"
)

const fileColumns = `id, pad_slug, blob_key, original_name, size, mime_type, uploaded_at, expires_at`

func (s *SQLite) CreateFile(ctx context.Context, f *domain.FileAttachment) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.PadSlug, f.BlobKey, f.OriginalName, f.Size, f.MIMEType, ts(f.UploadedAt), ts(f.ExpiresAt))
	s.recordError(err)
	if isForeignKeyViolation(err) {
		return domain.ErrPadNotFound
	}
	return errors.Wrap(err, "create file")
}

func (s *SQLite) FileExists(ctx context.Context, id string) (bool, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "file exists")
	}
	return true, nil
}

// GetFile returns the attachment only when it belongs to slug.
func (s *SQLite) GetFile(ctx context.Context, slug, id string) (*domain.FileAttachment, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ? AND pad_slug = ?`, id, slug)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get file")
	}
	files, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, domain.ErrFileNotFound
	}
	return files[0], nil
}

// ListFiles returns unexpired attachments of slug, newest first.
func (s *SQLite) ListFiles(ctx context.Context, slug string, now time.Time) ([]*domain.FileAttachment, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files
		WHERE pad_slug = ? AND expires_at >= ? ORDER BY uploaded_at DESC, id`, slug, ts(now))
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list files")
	}
	return scanFiles(rows)
}

// ExpiredFiles returns at most limit attachments with expires_at before now.
func (s *SQLite) ExpiredFiles(ctx context.Context, now time.Time, limit int) ([]*domain.FileAttachment, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files
		WHERE expires_at < ? ORDER BY expires_at LIMIT ?`, ts(now), limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "expired files")
	}
	return scanFiles(rows)
}

// DeleteFile removes the metadata row. A missing row is not an error.
func (s *SQLite) DeleteFile(ctx context.Context, id string) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	s.recordError(err)
	return errors.Wrap(err, "delete file")
}

func scanFiles(rows *sql.Rows) ([]*domain.FileAttachment, error) {
	defer rows.Close()
	var out []*domain.FileAttachment
	for rows.Next() {
		var f domain.FileAttachment
		var uploaded, expires string
		if err := rows.Scan(&f.ID, &f.PadSlug, &f.BlobKey, &f.OriginalName, &f.Size, &f.MIMEType, &uploaded, &expires); err != nil {
			return nil, errors.Wrap(err, "scan file")
		}
		var err error
		if f.UploadedAt, err = parseTS(uploaded); err != nil {
			return nil, err
		}
		if f.ExpiresAt, err = parseTS(expires); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, errors.Wrap(rows.Err(), "iterate files")
}
