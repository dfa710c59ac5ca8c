// Package access decides who may touch a pad and keeps the security log
// honest about it. Every outcome is written to the log before it is acted
// on, and repeated failures from one address are classified as brute force
// and reported to the pad owner. Nothing here blocks an attacker; the
// package only observes and reports.
package access

import (
	"context"
	"time"

	"securepad/pkg/domain"
)

// HeaderSource returns the immutable part of a pad or domain.ErrPadNotFound.
type HeaderSource interface {
	Header(ctx context.Context, slug string) (*domain.Pad, error)
}

// EventLog is the append-only security log.
type EventLog interface {
	AppendEvent(ctx context.Context, e *domain.SecurityEvent) error
	CountRecentFailures(ctx context.Context, slug string, since time.Time, throughID int64) ([]domain.FailureCount, error)
}

type PasswordChecker interface {
	Verify(password, encoded string) (bool, error)
}

// Notifier delivers owner alerts. It reports whether delivery was handed
// off; failures never reach the caller as errors.
type Notifier interface {
	Notify(ctx context.Context, email, slug string, event domain.EventType, detail domain.AlertDetail) bool
}

// Request is one access attempt.
type Request struct {
	Slug       string
	Credential string
	IP         string
	UserAgent  string
}

// Grant is proof that a request passed the verifier. Only Verifier
// produces one, so operations that take a *Grant cannot run unchecked.
type Grant struct {
	pad       *domain.Pad
	ip        string
	userAgent string
	at        time.Time
}

func (g *Grant) Slug() string      { return g.pad.Slug }
func (g *Grant) IP() string        { return g.ip }
func (g *Grant) UserAgent() string { return g.userAgent }
func (g *Grant) At() time.Time     { return g.at }

// Pad returns a copy of the pad header the grant was issued for.
func (g *Grant) Pad() *domain.Pad {
	cp := *g.pad
	return &cp
}
