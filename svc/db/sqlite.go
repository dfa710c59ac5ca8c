package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 20 * time.Millisecond
	responseTimeJitter = 10 * time.Millisecond
)

// tsLayout is fixed width so stored timestamps order lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	QueryTimeout    time.Duration
	NormalizeTiming bool
}

func DefaultOptions() Options {
	return Options{MaxOpenConns: 50, MaxIdleConns: 10, QueryTimeout: 5 * time.Second, NormalizeTiming: true}
}

// SQLite stores pads, their attachments and the security log.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	normalize     bool
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string, opts Options) (*SQLite, error) {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultOptions().QueryTimeout
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: opts.QueryTimeout,
		normalize:    opts.NormalizeTiming,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// dsn turns on foreign keys for every pooled connection.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func (s *SQLite) migrate() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return errors.Wrap(err, pragma)
		}
	}
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS pads (
		slug TEXT PRIMARY KEY,
		content BLOB,
		content_dek BLOB NOT NULL,
		is_public INTEGER NOT NULL DEFAULT 0,
		credential_hash TEXT NOT NULL,
		alert_email TEXT NOT NULL DEFAULT '',
		file_ttl_seconds INTEGER NOT NULL,
		content_ttl_seconds INTEGER NOT NULL,
		content_expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pads_content_expires ON pads(content_expires_at);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		pad_slug TEXT NOT NULL REFERENCES pads(slug) ON DELETE CASCADE,
		blob_key TEXT NOT NULL,
		original_name TEXT NOT NULL,
		size INTEGER NOT NULL,
		mime_type TEXT NOT NULL,
		uploaded_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_files_pad ON files(pad_slug);
	CREATE INDEX IF NOT EXISTS idx_files_expires ON files(expires_at);

	CREATE TABLE IF NOT EXISTS security_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pad_slug TEXT NOT NULL REFERENCES pads(slug) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_security_logs_pad_time ON security_logs(pad_slug, created_at);
	`)
	return err
}

func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds &&
			atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUniqueViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

// begin runs the shared preamble of every query: circuit check and timeout.
func (s *SQLite) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	return ctx, cancel, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// normalizeResponseTime pads lookups that reveal whether a slug exists so
// that hits and misses take the same time.
func (s *SQLite) normalizeResponseTime(start time.Time) {
	if !s.normalize {
		return
	}
	var jitter time.Duration
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitter = responseTimeJitter
	} else {
		jitter = time.Duration(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	if elapsed := time.Since(start); elapsed < minResponseTime+jitter {
		time.Sleep(minResponseTime + jitter - elapsed)
	}
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "bad timestamp %q", s)
	}
	return t, nil
}

func nullTS(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts(*t), Valid: true}
}
