package access

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"securepad/metrics"
	"securepad/pkg/domain"
	"securepad/svc/util"
)

// Recorder appends security events and forwards the alertable ones to the
// pad owner.
type Recorder struct {
	log      EventLog
	notifier Notifier
	now      func() time.Time
}

func NewRecorder(log EventLog, notifier Notifier) *Recorder {
	return &Recorder{log: log, notifier: notifier, now: time.Now}
}

// Entry describes one event to record against pad.
type Entry struct {
	Type      domain.EventType
	IP        string
	UserAgent string
	Success   bool
	Details   string
	Alert     domain.AlertDetail
}

// Record appends e and returns the stored row. The alert, if any, is sent
// only after the row is durable; its outcome does not affect the result.
func (r *Recorder) Record(ctx context.Context, pad *domain.Pad, e Entry) (*domain.SecurityEvent, error) {
	ev := &domain.SecurityEvent{
		PadSlug:   pad.Slug,
		Type:      e.Type,
		IPAddress: e.IP,
		UserAgent: e.UserAgent,
		Success:   e.Success,
		Details:   e.Details,
		CreatedAt: r.now().UTC(),
	}
	if err := r.log.AppendEvent(ctx, ev); err != nil {
		return nil, errors.Wrapf(err, "append %s", e.Type)
	}
	if r.notifier != nil && pad.HasAlertEmail() && e.Type.Alertable(pad.IsPublic) {
		detail := e.Alert
		if detail.IP == "" {
			detail.IP = e.IP
		}
		if detail.UserAgent == "" {
			detail.UserAgent = e.UserAgent
		}
		if !r.notifier.Notify(ctx, pad.AlertEmail, pad.Slug, e.Type, detail) {
			util.Warn().Str("slug", pad.Slug).Str("event", string(e.Type)).Msg("owner alert not delivered")
		}
	}
	return ev, nil
}

// RecordDetached records an event that follows an operation which already
// succeeded. A log failure is reported but does not undo the operation.
func (r *Recorder) RecordDetached(ctx context.Context, pad *domain.Pad, e Entry) {
	if _, err := r.Record(ctx, pad, e); err != nil {
		metrics.Alerts.WithLabelValues("log_failed").Inc()
		util.Error().Err(err).Str("slug", pad.Slug).Str("event", string(e.Type)).Msg("security log write failed")
	}
}
