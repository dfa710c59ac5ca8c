package alert

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"

	"securepad/metrics"
	"securepad/pkg/domain"
	"securepad/svc/util"
)

// Delivery sends one alert synchronously.
type Delivery interface {
	Notify(ctx context.Context, email, slug string, event domain.EventType, detail domain.AlertDetail) bool
}

type job struct {
	email  string
	slug   string
	event  domain.EventType
	detail domain.AlertDetail
}

// Dispatcher hands alerts to a pool of workers so the triggering request
// never waits on SMTP. Repeated note_accessed alerts for the same pad and
// address are collapsed within the cooldown.
type Dispatcher struct {
	delivery Delivery
	queue    chan job
	workers  int
	recent   *expirable.LRU[string, struct{}]
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
}

func NewDispatcher(delivery Delivery, workers, queueSize int, cooldown time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher{
		delivery: delivery,
		queue:    make(chan job, queueSize),
		workers:  workers,
	}
	if cooldown > 0 {
		d.recent = expirable.NewLRU[string, struct{}](4096, nil, cooldown)
	}
	return d
}

func (d *Dispatcher) Start() {
	d.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go d.worker()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j)
	}
}

// deliver sends one alert; a panicking delivery loses that alert only.
func (d *Dispatcher) deliver(j job) {
	defer func() {
		if r := recover(); r != nil {
			metrics.Alerts.WithLabelValues("panicked").Inc()
			util.Error().Interface("panic", r).Str("slug", j.slug).Str("event", string(j.event)).Msg("alert delivery panicked")
		}
	}()
	d.delivery.Notify(context.Background(), j.email, j.slug, j.event, j.detail)
}

// Notify queues an alert. It returns false when the queue is full or the
// dispatcher is shut down; the alert is then dropped. A repeated
// note_accessed alert inside the cooldown is collapsed into the one already
// queued and reported as handed off.
func (d *Dispatcher) Notify(ctx context.Context, email, slug string, event domain.EventType, detail domain.AlertDetail) bool {
	if email == "" {
		return false
	}
	key, collapsible := d.cooldownKey(slug, event, detail)
	if collapsible && d.recent.Contains(key) {
		metrics.Alerts.WithLabelValues("suppressed").Inc()
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- job{email: email, slug: slug, event: event, detail: detail}:
		if collapsible {
			d.recent.Add(key, struct{}{})
		}
		return true
	default:
		metrics.Alerts.WithLabelValues("dropped").Inc()
		util.Warn().Str("slug", slug).Str("event", string(event)).Msg("alert queue full, dropping alert")
		return false
	}
}

func (d *Dispatcher) cooldownKey(slug string, event domain.EventType, detail domain.AlertDetail) (string, bool) {
	if d.recent == nil || event != domain.EventNoteAccessed {
		return "", false
	}
	return slug + "|" + detail.IP, true
}

// Shutdown stops accepting alerts and waits for queued ones to be sent.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "alert queue drain")
	}
}
