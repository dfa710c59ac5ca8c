package lim

import (
	"net/http"
	"sync"
	"time"

	"securepad/metrics"
	"securepad/svc/util"
)

const (
	anomalyMinRequests = 10
	errorRatePercent   = 5.0
	denialRatePercent  = 50.0
)

// AnomalyDetector keeps a five minute ring of response counts. It calls
// onAnomaly when server errors pass 5% of traffic, or when denied
// passwords pass half of it, which is what a guessing run spread over many
// pads and addresses looks like.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    []bucket
	cur       int
	onAnomaly func(reason string)
	done      chan struct{}
	stopOnce  sync.Once
}

type bucket struct {
	requests int64
	failures int64
	denials  int64
}

func NewAnomalyDetector(onAnomaly func(reason string)) *AnomalyDetector {
	return &AnomalyDetector{
		window:    make([]bucket, 5),
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Record counts one finished response.
func (d *AnomalyDetector) Record(status int) {
	d.mu.Lock()
	b := &d.window[d.cur]
	b.requests++
	switch {
	case status >= 500:
		b.failures++
	case status == http.StatusUnauthorized:
		b.denials++
	}
	d.mu.Unlock()
}

func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	var total bucket
	for _, b := range d.window {
		total.requests += b.requests
		total.failures += b.failures
		total.denials += b.denials
	}
	d.cur = (d.cur + 1) % len(d.window)
	d.window[d.cur] = bucket{}
	d.mu.Unlock()

	errRate := percent(total.failures, total.requests)
	denyRate := percent(total.denials, total.requests)
	metrics.ErrorRatePercent.Set(errRate)
	metrics.DenialRatePercent.Set(denyRate)
	if total.requests <= anomalyMinRequests {
		return
	}
	switch {
	case errRate > errorRatePercent:
		d.fire("server_errors", total, errRate)
	case denyRate > denialRatePercent:
		d.fire("denials", total, denyRate)
	}
}

func (d *AnomalyDetector) fire(reason string, total bucket, rate float64) {
	util.Warn().
		Str("reason", reason).
		Float64("rate", rate).
		Int64("requests", total.requests).
		Msg("anomalous traffic, tightening rate limits")
	metrics.AdaptiveTriggers.WithLabelValues(reason).Inc()
	if d.onAnomaly != nil {
		d.onAnomaly(reason)
	}
}

func percent(n, of int64) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of) * 100
}
