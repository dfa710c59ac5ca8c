// Package retention purges expired attachments and note content on a
// schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"securepad/metrics"
	"securepad/pkg/domain"
	"securepad/svc/blob"
	"securepad/svc/util"
)

// maxBatches bounds one tick so a large backlog is spread over several.
const maxBatches = 50

type Store interface {
	ExpiredFiles(ctx context.Context, now time.Time, limit int) ([]*domain.FileAttachment, error)
	DeleteFile(ctx context.Context, id string) error
	ClearExpiredContent(ctx context.Context, now time.Time, limit int) ([]string, error)
	AppendEvent(ctx context.Context, e *domain.SecurityEvent) error
}

type Options struct {
	Interval      time.Duration
	BatchSize     int
	ContentExpiry bool
}

type Report struct {
	FilesPurged    int
	FilesDeferred  int
	ContentCleared int
}

func (r Report) String() string {
	return fmt.Sprintf("files_purged=%d files_deferred=%d content_cleared=%d",
		r.FilesPurged, r.FilesDeferred, r.ContentCleared)
}

type Engine struct {
	store Store
	blobs blob.Store
	opts  Options
	now   func() time.Time
}

func New(store Store, blobs blob.Store, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Engine{store: store, blobs: blobs, opts: opts, now: time.Now}
}

// Run ticks once immediately and then every interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		e.runTick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) runTick(ctx context.Context) {
	report, err := e.Tick(ctx)
	metrics.RetentionTicks.Inc()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		util.Error().Err(err).Str("report", report.String()).Msg("retention tick failed")
		return
	}
	if report != (Report{}) {
		util.Info().
			Int("files_purged", report.FilesPurged).
			Int("files_deferred", report.FilesDeferred).
			Int("content_cleared", report.ContentCleared).
			Msg("retention tick")
	}
}

// Tick removes everything that has expired as of now. Work done before an
// error is kept and reflected in the report.
func (e *Engine) Tick(ctx context.Context) (Report, error) {
	var report Report
	now := e.now().UTC()
	if err := e.purgeFiles(ctx, now, &report); err != nil {
		return report, err
	}
	if !e.opts.ContentExpiry {
		return report, nil
	}
	for i := 0; i < maxBatches; i++ {
		slugs, err := e.store.ClearExpiredContent(ctx, now, e.opts.BatchSize)
		if err != nil {
			return report, errors.Wrap(err, "clear expired content")
		}
		for _, slug := range slugs {
			report.ContentCleared++
			metrics.RetentionPurged.WithLabelValues("content").Inc()
			e.logEvent(ctx, slug, domain.EventContentExpired, "content expired", now)
		}
		if len(slugs) < e.opts.BatchSize {
			break
		}
	}
	return report, nil
}

func (e *Engine) purgeFiles(ctx context.Context, now time.Time, report *Report) error {
	deferred := make(map[string]bool)
	for i := 0; i < maxBatches; i++ {
		limit := e.opts.BatchSize + len(deferred)
		files, err := e.store.ExpiredFiles(ctx, now, limit)
		if err != nil {
			return errors.Wrap(err, "list expired files")
		}
		progress := 0
		for _, f := range files {
			if deferred[f.ID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.blobs.Delete(ctx, f.BlobKey); err != nil {
				deferred[f.ID] = true
				report.FilesDeferred++
				metrics.RetentionDeferred.Inc()
				util.Warn().Err(err).Str("file_id", f.ID).Msg("blob delete failed, keeping row for next tick")
				continue
			}
			if err := e.store.DeleteFile(ctx, f.ID); err != nil {
				return errors.Wrapf(err, "delete file row %s", f.ID)
			}
			progress++
			report.FilesPurged++
			metrics.RetentionPurged.WithLabelValues("file").Inc()
			e.logEvent(ctx, f.PadSlug, domain.EventFileExpired, "file expired: "+f.OriginalName, now)
		}
		if len(files) < limit || progress == 0 {
			return nil
		}
	}
	return nil
}

func (e *Engine) logEvent(ctx context.Context, slug string, typ domain.EventType, details string, now time.Time) {
	err := e.store.AppendEvent(ctx, &domain.SecurityEvent{
		PadSlug:   slug,
		Type:      typ,
		IPAddress: "system",
		UserAgent: "retention",
		Success:   true,
		Details:   util.Truncate(details, 255),
		CreatedAt: now,
	})
	if err != nil && !errors.Is(err, domain.ErrPadNotFound) {
		util.Error().Err(err).Str("slug", slug).Str("event", string(typ)).Msg("retention event not logged")
	}
}
