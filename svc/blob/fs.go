package blob

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type FS struct {
	dir string
}

func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create upload dir")
	}
	return &FS{dir: dir}, nil
}

func (f *FS) Name() string { return "fs" }

func (f *FS) Put(ctx context.Context, data []byte, meta Meta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := newKey(meta)
	tmp, err := os.CreateTemp(f.dir, ".upload-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp blob")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "write blob")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "sync blob")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close blob")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(f.dir, key)); err != nil {
		return "", errors.Wrap(err, "commit blob")
	}
	return key, nil
}

func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(f.dir, key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read blob")
	}
	return data, nil
}

func (f *FS) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return nil
	}
	err := os.Remove(filepath.Join(f.dir, key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete blob")
	}
	return nil
}
