package svc

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"

	"securepad/metrics"
	"securepad/pkg/domain"
	"securepad/pkg/kms"
	"securepad/svc/access"
	"securepad/svc/blob"
	"securepad/svc/db"
	"securepad/svc/util"
)

// allowedTypes maps an accepted extension to the detected types that may
// back it. A docx is a zip container and may be detected as either.
var allowedTypes = map[string][]string{
	".pdf":  {"application/pdf"},
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".png":  {"image/png"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"},
}

type Files struct {
	db       *db.SQLite
	blobs    blob.Store
	envelope *kms.Envelope
	recorder *access.Recorder
	maxSize  int64
	now      func() time.Time
}

func NewFiles(sqlDB *db.SQLite, blobs blob.Store, envelope *kms.Envelope, recorder *access.Recorder, maxSize int64) *Files {
	if sqlDB == nil || blobs == nil || envelope == nil || recorder == nil {
		panic("files service: nil dependency")
	}
	return &Files{db: sqlDB, blobs: blobs, envelope: envelope, recorder: recorder, maxSize: maxSize, now: time.Now}
}

func (f *Files) MaxSize() int64 { return f.maxSize }

// detectType checks data against the extension of name and returns the
// canonical MIME type.
func detectType(name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	want, ok := allowedTypes[ext]
	if !ok {
		return "", domain.ErrFileType
	}
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		for _, w := range want {
			if m.Is(w) {
				return want[0], nil
			}
		}
	}
	return "", domain.ErrFileType
}

// Upload validates and stores an attachment. The blob is written before
// the metadata row; a row that fails to insert takes its blob with it.
func (f *Files) Upload(ctx context.Context, g *access.Grant, name string, data []byte) (*domain.FileAttachment, error) {
	if int64(len(data)) > f.maxSize {
		return nil, domain.ErrFileTooLarge
	}
	name = sanitizeFileName(name)
	if name == "" || len(data) == 0 {
		return nil, domain.ErrFileType
	}
	mimeType, err := detectType(name, data)
	if err != nil {
		return nil, err
	}
	slug := g.Slug()
	key, err := f.db.PadKey(ctx, slug)
	if err != nil {
		return nil, err
	}
	sealed, err := f.envelope.Seal(ctx, slug, key, data)
	if err != nil {
		return nil, errors.Wrap(err, "seal file")
	}
	id, err := util.GenID(func(id string) (bool, error) {
		return f.db.FileExists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(domain.ErrIDGeneration, err.Error())
	}
	blobKey, err := f.blobs.Put(ctx, sealed, blob.Meta{PadSlug: slug, Ext: filepath.Ext(name)})
	if err != nil {
		return nil, domain.Upstream(err, "blob put")
	}
	now := f.now().UTC()
	file := &domain.FileAttachment{
		ID:           id,
		PadSlug:      slug,
		BlobKey:      blobKey,
		OriginalName: name,
		Size:         int64(len(data)),
		MIMEType:     mimeType,
		UploadedAt:   now,
		ExpiresAt:    now.Add(g.Pad().FileTTL),
	}
	if err := f.db.CreateFile(ctx, file); err != nil {
		if derr := f.blobs.Delete(context.WithoutCancel(ctx), blobKey); derr != nil {
			util.Error().Err(derr).Str("blob_key", blobKey).Msg("orphaned blob after failed insert")
		}
		return nil, errors.Wrap(err, "store file metadata")
	}
	metrics.FileOps.WithLabelValues("upload").Inc()
	f.recorder.RecordDetached(ctx, g.Pad(), access.Entry{
		Type:      domain.EventFileUploaded,
		IP:        g.IP(),
		UserAgent: g.UserAgent(),
		Success:   true,
		Details:   name,
		Alert:     domain.AlertDetail{FileName: name},
	})
	return file, nil
}

// List returns the unexpired attachments, newest first.
func (f *Files) List(ctx context.Context, g *access.Grant) ([]*domain.FileAttachment, error) {
	files, err := f.db.ListFiles(ctx, g.Slug(), f.now().UTC())
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []*domain.FileAttachment{}
	}
	return files, nil
}

func (f *Files) Download(ctx context.Context, g *access.Grant, id string) (*domain.FileAttachment, []byte, error) {
	file, err := f.db.GetFile(ctx, g.Slug(), id)
	if err != nil {
		return nil, nil, err
	}
	if file.Expired(f.now()) {
		return nil, nil, domain.ErrFileExpired
	}
	sealed, err := f.blobs.Get(ctx, file.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil, domain.ErrFileNotFound
	}
	if err != nil {
		return nil, nil, domain.Upstream(err, "blob get")
	}
	key, err := f.db.PadKey(ctx, g.Slug())
	if err != nil {
		return nil, nil, err
	}
	data, err := f.envelope.Open(ctx, g.Slug(), key, sealed)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open file")
	}
	metrics.FileOps.WithLabelValues("download").Inc()
	f.recorder.RecordDetached(ctx, g.Pad(), access.Entry{
		Type:      domain.EventFileDownloaded,
		IP:        g.IP(),
		UserAgent: g.UserAgent(),
		Success:   true,
		Details:   file.OriginalName,
		Alert:     domain.AlertDetail{FileName: file.OriginalName},
	})
	return file, data, nil
}

// Delete removes the blob and then the row. If the blob cannot be removed
// the row stays so the file is still visible and can be retried.
func (f *Files) Delete(ctx context.Context, g *access.Grant, id string) error {
	file, err := f.db.GetFile(ctx, g.Slug(), id)
	if err != nil {
		return err
	}
	if err := f.blobs.Delete(ctx, file.BlobKey); err != nil {
		return domain.Upstream(err, "blob delete")
	}
	if err := f.db.DeleteFile(ctx, file.ID); err != nil {
		return err
	}
	metrics.FileOps.WithLabelValues("delete").Inc()
	f.recorder.RecordDetached(ctx, g.Pad(), access.Entry{
		Type:      domain.EventFileDeleted,
		IP:        g.IP(),
		UserAgent: g.UserAgent(),
		Success:   true,
		Details:   file.OriginalName,
		Alert:     domain.AlertDetail{FileName: file.OriginalName},
	})
	return nil
}
