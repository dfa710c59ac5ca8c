package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"securepad/pkg/domain"
)

const padColumns = `slug, content, content_dek, is_public, credential_hash, alert_email,
	file_ttl_seconds, content_ttl_seconds, content_expires_at, created_at, updated_at`

func (s *SQLite) PadExists(ctx context.Context, slug string) (bool, error) {
	start := time.Now()
	defer s.normalizeResponseTime(start)
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM pads WHERE slug = ? LIMIT 1`, slug).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "pad exists")
	}
	return true, nil
}

// CreatePad inserts p. A taken slug yields domain.ErrSlugTaken.
func (s *SQLite) CreatePad(ctx context.Context, p *domain.Pad) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO pads (`+padColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Slug, p.SealedContent, p.ContentDEK, p.IsPublic, p.CredentialHash, p.AlertEmail,
		int64(p.FileTTL/time.Second), int64(p.ContentTTL/time.Second),
		nullTS(p.ContentExpiresAt), ts(p.CreatedAt), ts(p.UpdatedAt),
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return domain.ErrSlugTaken
	}
	return errors.Wrap(err, "create pad")
}

// GetPad returns the full row including sealed content.
func (s *SQLite) GetPad(ctx context.Context, slug string) (*domain.Pad, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	p, err := scanPad(s.db.QueryRowContext(ctx, `SELECT `+padColumns+` FROM pads WHERE slug = ?`, slug))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPadNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get pad")
	}
	return p, nil
}

// GetPadHeader returns the immutable part of a pad without its content.
func (s *SQLite) GetPadHeader(ctx context.Context, slug string) (*domain.Pad, error) {
	start := time.Now()
	defer s.normalizeResponseTime(start)
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	p, err := scanPad(s.db.QueryRowContext(ctx, `SELECT slug, NULL, content_dek, is_public, credential_hash,
		alert_email, file_ttl_seconds, content_ttl_seconds, NULL, created_at, created_at
		FROM pads WHERE slug = ?`, slug))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPadNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get pad header")
	}
	return p, nil
}

// UpdatePadContent replaces the sealed content. Last write wins.
func (s *SQLite) UpdatePadContent(ctx context.Context, slug string, sealed []byte, expiresAt *time.Time, now time.Time) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pads SET content = ?, content_expires_at = ?, updated_at = ? WHERE slug = ?`,
		sealed, nullTS(expiresAt), ts(now), slug)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "update pad content")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPadNotFound
	}
	return nil
}

// ClearExpiredContent empties content whose expiry is before now and
// returns the affected slugs. Pads without content are left alone.
func (s *SQLite) ClearExpiredContent(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "begin clear content")
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT slug FROM pads
		WHERE content IS NOT NULL AND content_expires_at IS NOT NULL AND content_expires_at < ?
		LIMIT ?`, ts(now), limit)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "select expired content")
	}
	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan slug")
		}
		slugs = append(slugs, slug)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate expired content")
	}
	cleared := slugs[:0]
	for _, slug := range slugs {
		res, err := tx.ExecContext(ctx, `UPDATE pads SET content = NULL, content_expires_at = NULL, updated_at = ?
			WHERE slug = ? AND content_expires_at < ?`, ts(now), slug, ts(now))
		if err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "clear content")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cleared = append(cleared, slug)
		}
	}
	err = tx.Commit()
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "commit clear content")
	}
	return cleared, nil
}

func scanPad(row *sql.Row) (*domain.Pad, error) {
	var (
		p                    domain.Pad
		fileTTL, contentTTL  int64
		contentExpires       sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.Slug, &p.SealedContent, &p.ContentDEK, &p.IsPublic, &p.CredentialHash, &p.AlertEmail,
		&fileTTL, &contentTTL, &contentExpires, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.FileTTL = time.Duration(fileTTL) * time.Second
	p.ContentTTL = time.Duration(contentTTL) * time.Second
	var err error
	if p.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	if contentExpires.Valid {
		t, err := parseTS(contentExpires.String)
		if err != nil {
			return nil, err
		}
		p.ContentExpiresAt = &t
	}
	return &p, nil
}

// PadKey returns the wrapped data key of slug.
func (s *SQLite) PadKey(ctx context.Context, slug string) ([]byte, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var key []byte
	err = s.db.QueryRowContext(ctx, `SELECT content_dek FROM pads WHERE slug = ?`, slug).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPadNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "pad key")
	}
	return key, nil
}
