package access

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"securepad/metrics"
	"securepad/pkg/domain"
	"securepad/svc/util"
)

const (
	DefaultWindow    = 15 * time.Minute
	DefaultThreshold = 5
)

// Detector classifies repeated failed logins from one address as brute
// force. The count is recomputed from the log on every call.
type Detector struct {
	log       EventLog
	recorder  *Recorder
	window    time.Duration
	threshold int
	now       func() time.Time
}

func NewDetector(log EventLog, recorder *Recorder, window time.Duration, threshold int) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{log: log, recorder: recorder, window: window, threshold: threshold, now: time.Now}
}

// Check runs after the login_failed row failure is durable. It counts the
// failures from the same address in the window ending at that row, looking
// only at rows up to and including it, so concurrent failures each see
// their own position in the log and exactly one of them reaches the
// threshold. It returns the brute_force row when failure is that one, and
// nil otherwise.
func (d *Detector) Check(ctx context.Context, pad *domain.Pad, failure *domain.SecurityEvent) (*domain.SecurityEvent, error) {
	at := failure.CreatedAt
	if at.IsZero() {
		at = d.now().UTC()
	}
	counts, err := d.log.CountRecentFailures(ctx, pad.Slug, at.Add(-d.window), failure.ID)
	if err != nil {
		return nil, errors.Wrap(err, "count recent failures")
	}
	ip := failure.IPAddress
	attempts := 0
	for _, c := range counts {
		if c.IPAddress == ip {
			attempts = c.Count
			break
		}
	}
	if attempts != d.threshold {
		return nil, nil
	}
	metrics.BruteForceDetected.Inc()
	util.Warn().
		Str("slug", pad.Slug).
		Str("ip", util.RedactIP(ip)).
		Int("attempts", attempts).
		Dur("window", d.window).
		Msg("brute force attempt detected")
	return d.recorder.Record(ctx, pad, Entry{
		Type:      domain.EventBruteForce,
		IP:        ip,
		UserAgent: failure.UserAgent,
		Success:   false,
		Details:   fmt.Sprintf("%d failed attempts", attempts),
		Alert:     domain.AlertDetail{AttemptCount: attempts},
	})
}
