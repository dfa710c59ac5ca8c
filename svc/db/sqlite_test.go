package db

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"securepad/pkg/domain"
)

var dbSeq int64

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	path := fmt.Sprintf("file:dbtest%d?mode=memory&cache=shared", atomic.AddInt64(&dbSeq, 1))
	s, err := NewSQLite(path, Options{MaxOpenConns: 1, MaxIdleConns: 1, QueryTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedPad(t *testing.T, s *SQLite, slug string, public bool) *domain.Pad {
	t.Helper()
	p := &domain.Pad{
		Slug:           slug,
		ContentDEK:     []byte("wrapped"),
		IsPublic:       public,
		CredentialHash: "$argon2id$stub",
		AlertEmail:     "owner@example.com",
		FileTTL:        time.Hour,
		ContentTTL:     2 * time.Hour,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
	if err := s.CreatePad(context.Background(), p); err != nil {
		t.Fatalf("CreatePad: %v", err)
	}
	return p
}

func TestCreatePadAndConflict(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	seedPad(t, s, "alice", false)

	ok, err := s.PadExists(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("PadExists(alice) = %v, %v", ok, err)
	}
	ok, err = s.PadExists(ctx, "nobody")
	if err != nil || ok {
		t.Fatalf("PadExists(nobody) = %v, %v", ok, err)
	}

	err = s.CreatePad(ctx, &domain.Pad{Slug: "alice", ContentDEK: []byte("x"), CredentialHash: "h", CreatedAt: base, UpdatedAt: base})
	if !errors.Is(err, domain.ErrSlugTaken) {
		t.Fatalf("duplicate create: got %v, want ErrSlugTaken", err)
	}
	// a conflict must not trip the breaker
	if s.checkCircuit() != nil {
		t.Fatal("circuit opened on constraint violation")
	}
}

func TestGetPadHeaderAndContent(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	seedPad(t, s, "alice", false)

	if _, err := s.GetPadHeader(ctx, "ghost"); !errors.Is(err, domain.ErrPadNotFound) {
		t.Fatalf("missing header: got %v", err)
	}
	exp := base.Add(2 * time.Hour)
	if err := s.UpdatePadContent(ctx, "alice", []byte("sealed"), &exp, base.Add(time.Minute)); err != nil {
		t.Fatalf("UpdatePadContent: %v", err)
	}
	h, err := s.GetPadHeader(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPadHeader: %v", err)
	}
	if h.SealedContent != nil || h.ContentExpiresAt != nil {
		t.Error("header carries content")
	}
	if h.IsPublic || h.AlertEmail != "owner@example.com" || h.FileTTL != time.Hour || h.ContentTTL != 2*time.Hour {
		t.Errorf("header fields: %+v", h)
	}

	p, err := s.GetPad(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPad: %v", err)
	}
	if string(p.SealedContent) != "sealed" {
		t.Errorf("content = %q", p.SealedContent)
	}
	if p.ContentExpiresAt == nil || !p.ContentExpiresAt.Equal(exp) {
		t.Errorf("content_expires_at = %v", p.ContentExpiresAt)
	}
	if !p.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("updated_at = %v", p.UpdatedAt)
	}
	if err := s.UpdatePadContent(ctx, "ghost", nil, nil, base); !errors.Is(err, domain.ErrPadNotFound) {
		t.Errorf("update missing pad: got %v", err)
	}
}

func TestClearExpiredContent(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	seedPad(t, s, "old", false)
	seedPad(t, s, "fresh", false)
	seedPad(t, s, "empty", false)
	past := base.Add(-time.Minute)
	future := base.Add(time.Hour)
	s.UpdatePadContent(ctx, "old", []byte("a"), &past, base)
	s.UpdatePadContent(ctx, "fresh", []byte("b"), &future, base)

	cleared, err := s.ClearExpiredContent(ctx, base, 100)
	if err != nil {
		t.Fatalf("ClearExpiredContent: %v", err)
	}
	if len(cleared) != 1 || cleared[0] != "old" {
		t.Fatalf("cleared = %v, want [old]", cleared)
	}
	p, _ := s.GetPad(ctx, "old")
	if p.SealedContent != nil || p.ContentExpiresAt != nil {
		t.Error("old content still present")
	}
	p, _ = s.GetPad(ctx, "fresh")
	if string(p.SealedContent) != "b" {
		t.Error("fresh content cleared")
	}
	again, err := s.ClearExpiredContent(ctx, base, 100)
	if err != nil || len(again) != 0 {
		t.Fatalf("second clear = %v, %v", again, err)
	}
}

func TestFiles(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	seedPad(t, s, "alice", false)
	seedPad(t, s, "bob", false)

	mk := func(id, slug string, uploaded time.Time) *domain.FileAttachment {
		f := &domain.FileAttachment{
			ID: id, PadSlug: slug, BlobKey: "k/" + id, OriginalName: id + ".pdf",
			Size: 10, MIMEType: "application/pdf", UploadedAt: uploaded, ExpiresAt: uploaded.Add(time.Hour),
		}
		if err := s.CreateFile(ctx, f); err != nil {
			t.Fatalf("CreateFile(%s): %v", id, err)
		}
		return f
	}
	mk("f1", "alice", base.Add(-2*time.Hour))
	mk("f2", "alice", base)
	mk("f3", "alice", base.Add(time.Minute))
	mk("f4", "bob", base)

	if err := s.CreateFile(ctx, &domain.FileAttachment{ID: "x", PadSlug: "ghost", BlobKey: "k", OriginalName: "n",
		MIMEType: "m", UploadedAt: base, ExpiresAt: base.Add(time.Hour)}); !errors.Is(err, domain.ErrPadNotFound) {
		t.Fatalf("file on missing pad: got %v", err)
	}

	list, err := s.ListFiles(ctx, "alice", base)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(list) != 2 || list[0].ID != "f3" || list[1].ID != "f2" {
		t.Fatalf("ListFiles order/filter wrong: %v", ids(list))
	}

	if _, err := s.GetFile(ctx, "bob", "f1"); !errors.Is(err, domain.ErrFileNotFound) {
		t.Fatalf("cross-pad GetFile: got %v", err)
	}
	f, err := s.GetFile(ctx, "alice", "f1")
	if err != nil || f.BlobKey != "k/f1" {
		t.Fatalf("GetFile = %+v, %v", f, err)
	}

	expired, err := s.ExpiredFiles(ctx, base, 10)
	if err != nil {
		t.Fatalf("ExpiredFiles: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "f1" {
		t.Fatalf("ExpiredFiles = %v", ids(expired))
	}

	if err := s.DeleteFile(ctx, "f1"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if ok, _ := s.FileExists(ctx, "f1"); ok {
		t.Fatal("f1 still exists")
	}
	if err := s.DeleteFile(ctx, "f1"); err != nil {
		t.Fatalf("second DeleteFile: %v", err)
	}
}

func ids(files []*domain.FileAttachment) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.ID
	}
	return out
}

func TestAppendEventIDsIncrease(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	seedPad(t, s, "alice", false)
	var last int64
	for i := 0; i < 5; i++ {
		e := &domain.SecurityEvent{PadSlug: "alice", Type: domain.EventNoteAccessed, IPAddress: "1.1.1.1", Success: true, CreatedAt: base}
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if e.ID <= last {
			t.Fatalf("id %d not greater than %d", e.ID, last)
		}
		last = e.ID
	}
	events, err := s.RecentEvents(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 3 || events[0].ID != last {
		t.Fatalf("RecentEvents should return newest first, got %d rows", len(events))
	}
	if err := s.AppendEvent(ctx, &domain.SecurityEvent{PadSlug: "ghost", Type: domain.EventLoginFailed, CreatedAt: base}); !errors.Is(err, domain.ErrPadNotFound) {
		t.Fatalf("event for missing pad: got %v", err)
	}
}

func TestCountRecentFailuresWindow(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	seedPad(t, s, "alice", false)
	window := 15 * time.Minute
	add := func(ip string, at time.Time, typ domain.EventType, ok bool) {
		t.Helper()
		if err := s.AppendEvent(ctx, &domain.SecurityEvent{PadSlug: "alice", Type: typ, IPAddress: ip, Success: ok, CreatedAt: at}); err != nil {
			t.Fatal(err)
		}
	}
	now := base
	add("10.0.0.1", now.Add(-window), domain.EventLoginFailed, false) // exactly on the boundary
	add("10.0.0.1", now.Add(-window+time.Second), domain.EventLoginFailed, false)
	add("10.0.0.1", now, domain.EventLoginFailed, false)
	add("10.0.0.2", now.Add(-time.Minute), domain.EventLoginFailed, false)
	add("10.0.0.2", now.Add(-time.Minute), domain.EventNoteAccessed, true)

	count := func(through int64) map[string]int {
		t.Helper()
		counts, err := s.CountRecentFailures(ctx, "alice", now.Add(-window), through)
		if err != nil {
			t.Fatalf("CountRecentFailures: %v", err)
		}
		got := map[string]int{}
		for _, c := range counts {
			got[c.IPAddress] = c.Count
		}
		return got
	}
	if got := count(0); got["10.0.0.1"] != 2 || got["10.0.0.2"] != 1 || len(got) != 2 {
		t.Fatalf("counts = %v", got)
	}
	// as of the second row, only that row is in the window
	if got := count(2); got["10.0.0.1"] != 1 || len(got) != 1 {
		t.Fatalf("counts through row 2 = %v", got)
	}
}

func TestTimestampLayoutSorts(t *testing.T) {
	a := ts(base)
	b := ts(base.Add(time.Nanosecond))
	c := ts(base.Add(time.Second).In(time.FixedZone("x", 3600)))
	if !(a < b && b < c) {
		t.Fatalf("timestamps do not sort: %s %s %s", a, b, c)
	}
	back, err := parseTS(b)
	if err != nil || !back.Equal(base.Add(time.Nanosecond)) {
		t.Fatalf("round trip: %v %v", back, err)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	s := newTestDB(t)
	for i := 0; i < maxFailures; i++ {
		s.recordError(errors.New("disk I/O error"))
	}
	if !errors.Is(s.checkCircuit(), ErrCircuitOpen) {
		t.Fatal("breaker did not open")
	}
	if _, err := s.PadExists(context.Background(), "x"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("query with open breaker: %v", err)
	}
	s.recordError(nil)
	if s.checkCircuit() != nil {
		t.Fatal("success did not close breaker")
	}
}
