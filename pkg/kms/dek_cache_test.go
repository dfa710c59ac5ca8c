package kms

import (
	"context"
	"sync"
	"testing"
	"time"
)

type mockUnwrapper struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (m *mockUnwrapper) Unwrap(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	time.Sleep(m.delay)
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return append([]byte("plain-"), ciphertext...), nil
}

func (m *mockUnwrapper) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestDEKCache_HitMiss(t *testing.T) {
	m := &mockUnwrapper{}
	cache := newDEKCache(m, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	first, err := cache.Unwrap(ctx, []byte("wrapped"), EncryptionContext{"pad": "abc"})
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	second, err := cache.Unwrap(ctx, []byte("wrapped"), EncryptionContext{"pad": "abc"})
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if m.count() != 1 {
		t.Errorf("expected 1 unwrap call, got %d", m.count())
	}
	if string(first) != string(second) {
		t.Error("cache hit returned different key")
	}
	wipeBytes(first)
	third, _ := cache.Unwrap(ctx, []byte("wrapped"), EncryptionContext{"pad": "abc"})
	if string(third) != "plain-wrapped" {
		t.Errorf("caller wipe leaked into cache: %q", third)
	}
}

func TestDEKCache_ContextIsPartOfKey(t *testing.T) {
	m := &mockUnwrapper{}
	cache := newDEKCache(m, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	_, _ = cache.Unwrap(ctx, []byte("wrapped"), EncryptionContext{"pad": "abc"})
	_, _ = cache.Unwrap(ctx, []byte("wrapped"), EncryptionContext{"pad": "xyz"})
	if m.count() != 2 {
		t.Errorf("expected separate entries per scope, got %d calls", m.count())
	}
}

func TestDEKCache_Expiration(t *testing.T) {
	m := &mockUnwrapper{}
	cache := newDEKCache(m, 50*time.Millisecond)
	defer cache.Stop()

	ctx := context.Background()
	_, _ = cache.Unwrap(ctx, []byte("k"), nil)
	time.Sleep(120 * time.Millisecond)
	_, _ = cache.Unwrap(ctx, []byte("k"), nil)
	if m.count() != 2 {
		t.Errorf("expected re-unwrap after ttl, got %d calls", m.count())
	}
}

func TestDEKCache_SingleFlight(t *testing.T) {
	m := &mockUnwrapper{delay: 50 * time.Millisecond}
	cache := newDEKCache(m, time.Hour)
	defer cache.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dek, err := cache.Unwrap(context.Background(), []byte("k"), nil)
			if err != nil {
				t.Errorf("Unwrap failed: %v", err)
				return
			}
			wipeBytes(dek)
		}()
	}
	wg.Wait()
	if m.count() != 1 {
		t.Errorf("expected 1 unwrap call (single-flight), got %d", m.count())
	}
}

func TestDEKCache_Stop(t *testing.T) {
	cache := newDEKCache(&mockUnwrapper{}, time.Hour)
	ctx := context.Background()
	_, _ = cache.Unwrap(ctx, []byte("a"), nil)
	_, _ = cache.Unwrap(ctx, []byte("b"), nil)
	if got := cache.Stats().Entries; got != 2 {
		t.Errorf("expected 2 entries, got %d", got)
	}
	cache.Stop()
	if got := cache.Stats().Entries; got != 0 {
		t.Errorf("expected 0 entries after stop, got %d", got)
	}
	if _, err := cache.Unwrap(ctx, []byte("a"), nil); err != ErrProviderUnavailable {
		t.Errorf("expected ErrProviderUnavailable after stop, got %v", err)
	}
}
