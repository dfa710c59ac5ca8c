package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"securepad/metrics"
	"securepad/pkg/domain"
)

// Headers caches the immutable part of pads (visibility, credential hash,
// alert address, retention windows). Content is never cached.
type Headers struct {
	c   *lru.Cache[string, item]
	ttl time.Duration
	mu  sync.Mutex
	now func() time.Time
}

type item struct {
	pad *domain.Pad
	exp time.Time
}

func NewHeaders(size int, ttl time.Duration) (*Headers, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &Headers{c: c, ttl: ttl, now: time.Now}, nil
}

// Get returns a copy so callers cannot mutate the cached header.
func (h *Headers) Get(slug string) (*domain.Pad, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	it, ok := h.c.Get(slug)
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	if h.now().After(it.exp) {
		h.c.Remove(slug)
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	cp := *it.pad
	return &cp, true
}

func (h *Headers) Add(p *domain.Pad) {
	hdr := p.Header()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.c.Add(p.Slug, item{pad: hdr, exp: h.now().Add(h.ttl)})
}

func (h *Headers) Remove(slug string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.c.Remove(slug)
}

func (h *Headers) Len() int {
	return h.c.Len()
}
