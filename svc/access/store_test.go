package access

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"securepad/pkg/domain"
	"securepad/svc/auth"
	"securepad/svc/db"
)

type sqlHeaders struct{ s *db.SQLite }

func (h sqlHeaders) Header(ctx context.Context, slug string) (*domain.Pad, error) {
	return h.s.GetPadHeader(ctx, slug)
}

var storeSeq int64

func TestConcurrentFailuresAgainstSQLite(t *testing.T) {
	path := fmt.Sprintf("file:accesstest%d?mode=memory&cache=shared", atomic.AddInt64(&storeSeq, 1))
	store, err := db.NewSQLite(path, db.Options{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC)
	if err := store.CreatePad(ctx, &domain.Pad{
		Slug: "alice-notes", ContentDEK: []byte("k"), CredentialHash: "h:secret1", AlertEmail: "a@example.com",
		FileTTL: time.Hour, ContentTTL: time.Hour, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := store.AppendEvent(ctx, &domain.SecurityEvent{
			PadSlug: "alice-notes", Type: domain.EventLoginFailed, IPAddress: "1.2.3.4", CreatedAt: now.Add(-time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}

	held := holdCounts(store, 2)
	notifier := &memNotifier{}
	clock := func() time.Time { return now }
	rec := NewRecorder(held, notifier)
	rec.now = clock
	det := NewDetector(held, rec, 15*time.Minute, 5)
	det.now = clock
	v := NewVerifier(sqlHeaders{store}, &plainChecker{}, rec, det)
	v.now = clock

	failConcurrently(t, v, "alice-notes", "1.2.3.4", 2)

	events, err := store.RecentEvents(ctx, "alice-notes", 50)
	if err != nil {
		t.Fatal(err)
	}
	counts := map[domain.EventType]int{}
	for _, e := range events {
		counts[e.Type]++
	}
	if counts[domain.EventLoginFailed] != 6 || counts[domain.EventBruteForce] != 1 {
		t.Fatalf("log counts = %v", counts)
	}
	if notifier.count(domain.EventBruteForce) != 1 {
		t.Fatal("owner not alerted once")
	}
}

// TestVerifierAgainstSQLite runs the brute force flow on the real store and
// hasher so the window comparison is the one SQL performs.
func TestVerifierAgainstSQLite(t *testing.T) {
	path := fmt.Sprintf("file:accesstest%d?mode=memory&cache=shared", atomic.AddInt64(&storeSeq, 1))
	store, err := db.NewSQLite(path, db.Options{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	hasher, err := auth.NewHasher(auth.Params{Time: 1, Memory: 1024, Parallelism: 1}, []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	hasher.Start(1)
	defer hasher.Stop()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC)
	hash, err := hasher.Hash(ctx, "secret1")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreatePad(ctx, &domain.Pad{
		Slug: "alice-notes", ContentDEK: []byte("k"), CredentialHash: hash, AlertEmail: "a@example.com",
		FileTTL: time.Hour, ContentTTL: time.Hour, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	notifier := &memNotifier{}
	clock := func() time.Time { return now }
	rec := NewRecorder(store, notifier)
	rec.now = clock
	det := NewDetector(store, rec, 15*time.Minute, 5)
	det.now = clock
	v := NewVerifier(sqlHeaders{store}, hasher, rec, det)
	v.now = clock

	if _, err := v.Verify(ctx, Request{Slug: "alice-notes", Credential: "secret1", IP: "1.2.3.4"}); err != nil {
		t.Fatalf("correct password: %v", err)
	}
	for i := 0; i < 5; i++ {
		now = now.Add(time.Minute)
		if _, err := v.Verify(ctx, Request{Slug: "alice-notes", Credential: "nope", IP: "1.2.3.4"}); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	events, err := store.RecentEvents(ctx, "alice-notes", 50)
	if err != nil {
		t.Fatal(err)
	}
	counts := map[domain.EventType]int{}
	for _, e := range events {
		counts[e.Type]++
	}
	if counts[domain.EventNoteAccessed] != 1 || counts[domain.EventLoginFailed] != 5 || counts[domain.EventBruteForce] != 1 {
		t.Fatalf("log counts = %v", counts)
	}
	if events[0].Type != domain.EventBruteForce {
		t.Fatalf("newest row is %s, want brute_force", events[0].Type)
	}
	if notifier.count(domain.EventBruteForce) != 1 {
		t.Fatal("owner not alerted once")
	}
}
