// Package blob stores file attachment bytes outside the database.
package blob

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"securepad/cfg"
)

var ErrNotFound = errors.New("blob not found")

type Meta struct {
	PadSlug     string
	ContentType string
	Ext         string
}

// Store keeps opaque blobs under generated keys. Delete of a missing key
// succeeds.
type Store interface {
	Put(ctx context.Context, data []byte, meta Meta) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Name() string
}

// New builds the backend selected by BLOB_BACKEND.
func New(ctx context.Context, c cfg.BlobCfg) (Store, error) {
	switch c.Backend {
	case "fs", "":
		return NewFS(c.UploadDir)
	case "s3":
		return NewS3(ctx, c)
	}
	return nil, errors.Errorf("unknown blob backend %q", c.Backend)
}

func newKey(meta Meta) string {
	ext := strings.ToLower(path.Ext("x" + meta.Ext))
	return uuid.NewString() + ext
}

func validKey(key string) bool {
	if key == "" || len(key) > 128 {
		return false
	}
	return !strings.ContainsAny(key, `/\`) && !strings.HasPrefix(key, ".")
}
