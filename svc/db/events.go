package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"securepad/pkg/domain"
)

// AppendEvent writes one security log row and fills in its id. Rows are
// never updated afterwards.
func (s *SQLite) AppendEvent(ctx context.Context, e *domain.SecurityEvent) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res, err := s.db.ExecContext(ctx, `INSERT INTO security_logs
		(pad_slug, event_type, ip_address, user_agent, success, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.PadSlug, string(e.Type), e.IPAddress, e.UserAgent, e.Success, e.Details, ts(e.CreatedAt))
	s.recordError(err)
	if isForeignKeyViolation(err) {
		return domain.ErrPadNotFound
	}
	if err != nil {
		return errors.Wrap(err, "append security event")
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return errors.Wrap(err, "security event id")
	}
	return nil
}

// CountRecentFailures groups failed logins on slug newer than since by IP.
// The time bound is exclusive. A positive throughID ignores rows appended
// after that one, so a caller sees the log as of its own row.
func (s *SQLite) CountRecentFailures(ctx context.Context, slug string, since time.Time, throughID int64) ([]domain.FailureCount, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT ip_address, COUNT(*) FROM security_logs
		WHERE pad_slug = ? AND event_type = ? AND success = 0 AND created_at > ?
		AND (? <= 0 OR id <= ?)
		GROUP BY ip_address ORDER BY COUNT(*) DESC, ip_address`,
		slug, string(domain.EventLoginFailed), ts(since), throughID, throughID)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "count recent failures")
	}
	defer rows.Close()
	var out []domain.FailureCount
	for rows.Next() {
		var fc domain.FailureCount
		if err := rows.Scan(&fc.IPAddress, &fc.Count); err != nil {
			return nil, errors.Wrap(err, "scan failure count")
		}
		out = append(out, fc)
	}
	return out, errors.Wrap(rows.Err(), "iterate failure counts")
}

// RecentEvents returns up to limit rows for slug, newest first.
func (s *SQLite) RecentEvents(ctx context.Context, slug string, limit int) ([]*domain.SecurityEvent, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT id, pad_slug, event_type, ip_address, user_agent, success, details, created_at
		FROM security_logs WHERE pad_slug = ? ORDER BY id DESC LIMIT ?`, slug, limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "recent events")
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*domain.SecurityEvent, error) {
	defer rows.Close()
	var out []*domain.SecurityEvent
	for rows.Next() {
		var e domain.SecurityEvent
		var typ, created string
		if err := rows.Scan(&e.ID, &e.PadSlug, &typ, &e.IPAddress, &e.UserAgent, &e.Success, &e.Details, &created); err != nil {
			return nil, errors.Wrap(err, "scan security event")
		}
		e.Type = domain.EventType(typ)
		var err error
		if e.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, errors.Wrap(rows.Err(), "iterate security events")
}
