package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/archivelog/archivelog/pkg/metrics"

	// Register rclone backends via blank imports.
	_ "github.com/rclone/rclone/backend/azureblob"
	_ "github.com/rclone/rclone/backend/googlecloudstorage"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/s3"
	_ "github.com/rclone/rclone/backend/sftp"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configmap"
	"github.com/rclone/rclone/fs/hash"
	"github.com/rclone/rclone/fs/object"
)

// RcloneBackend wraps an rclone fs.Fs as a Backend.
type RcloneBackend struct {
	name     string
	backType string
	rfs      fs.Fs
}

// NewRcloneBackend creates a backend from config.
// backendType is the rclone backend name (e.g. "azureblob", "s3", "local").
// remotePath is the bucket/container + optional prefix.
// params maps rclone config keys to values.
func NewRcloneBackend(name, backendType, remotePath string, params map[string]string) (*RcloneBackend, error) {
	m := configmap.Simple(params)

	regInfo, err := fs.Find(backendType)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: unknown type %q: %w", backendType, err)
	}

	rfs, err := regInfo.NewFs(context.Background(), name, remotePath, m)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: create %q (%s): %w", name, backendType, err)
	}

	slog.Info("Backend created",
		"component", "backend", "name", name,
		"type", backendType, "path", remotePath,
	)

	return &RcloneBackend{name: name, backType: backendType, rfs: rfs}, nil
}

func (b *RcloneBackend) Name() string { return b.name }
func (b *RcloneBackend) Type() string { return b.backType }

// observe records the duration of one operation and counts it as an error
// when err is not nil.
func (b *RcloneBackend) observe(op string, start time.Time, err error) {
	metrics.BackendRequestDuration.WithLabelValues(b.name, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.BackendErrors.WithLabelValues(b.name, op).Inc()
	}
}

// mapErr translates rclone's not-found errors into ErrNotFound.
func mapErr(err error) error {
	if errors.Is(err, fs.ErrorObjectNotFound) || errors.Is(err, fs.ErrorDirNotFound) ||
		errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// List returns objects and directories under the given prefix.
func (b *RcloneBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	entries, err := b.rfs.List(ctx, prefix)
	if err != nil {
		err = fmt.Errorf("backend %s: List %q: %w", b.name, prefix, mapErr(err))
		b.observe("list", start, err)
		return nil, err
	}
	b.observe("list", start, nil)

	result := make([]ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		oi := ObjectInfo{
			Path:    entry.Remote(),
			ModTime: entry.ModTime(ctx),
		}

		switch e := entry.(type) {
		case fs.Object:
			oi.Size = e.Size()
		case fs.Directory:
			oi.IsDir = true
			oi.Size = e.Size()
		}

		// Strip prefix to get just the child name.
		if prefix != "" {
			oi.Path = strings.TrimPrefix(oi.Path, prefix)
			oi.Path = strings.TrimPrefix(oi.Path, "/")
		}

		result = append(result, oi)
	}

	return result, nil
}

// Stat returns info for a single object.
func (b *RcloneBackend) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	start := time.Now()
	obj, err := b.rfs.NewObject(ctx, path)
	if err != nil {
		err = fmt.Errorf("backend %s: Stat %q: %w", b.name, path, mapErr(err))
		b.observe("stat", start, err)
		return ObjectInfo{}, err
	}
	b.observe("stat", start, nil)
	return objectInfoFromRclone(ctx, obj), nil
}

// Open returns a reader for the entire object.
func (b *RcloneBackend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	start := time.Now()
	obj, err := b.rfs.NewObject(ctx, path)
	if err != nil {
		err = fmt.Errorf("backend %s: Open %q: %w", b.name, path, mapErr(err))
		b.observe("open", start, err)
		return nil, err
	}

	rc, err := obj.Open(ctx)
	if err != nil {
		err = fmt.Errorf("backend %s: Open %q: %w", b.name, path, err)
		b.observe("open", start, err)
		return nil, err
	}
	b.observe("open", start, nil)
	return rc, nil
}

// Write writes data to the given path.
func (b *RcloneBackend) Write(ctx context.Context, path string, r io.Reader, size int64) error {
	start := time.Now()
	info := object.NewStaticObjectInfo(path, time.Now(), size, true, nil, nil)
	_, err := b.rfs.Put(ctx, r, info)
	if err != nil {
		err = fmt.Errorf("backend %s: Write %q: %w", b.name, path, err)
		b.observe("write", start, err)
		return err
	}
	b.observe("write", start, nil)
	if size > 0 {
		metrics.BackendBytesWritten.WithLabelValues(b.name).Add(float64(size))
	}
	return nil
}

// Delete removes an object.
func (b *RcloneBackend) Delete(ctx context.Context, path string) error {
	start := time.Now()
	obj, err := b.rfs.NewObject(ctx, path)
	if err != nil {
		err = fmt.Errorf("backend %s: Delete %q: %w", b.name, path, mapErr(err))
		b.observe("delete", start, err)
		return err
	}
	if err := obj.Remove(ctx); err != nil {
		err = fmt.Errorf("backend %s: Delete %q: %w", b.name, path, err)
		b.observe("delete", start, err)
		return err
	}
	b.observe("delete", start, nil)
	return nil
}

// Rmdir removes an empty directory. Bucket-based remotes have no real
// directories; rclone treats those as no-ops.
func (b *RcloneBackend) Rmdir(ctx context.Context, dir string) error {
	start := time.Now()
	if err := b.rfs.Rmdir(ctx, dir); err != nil {
		err = fmt.Errorf("backend %s: Rmdir %q: %w", b.name, dir, mapErr(err))
		b.observe("rmdir", start, err)
		return err
	}
	b.observe("rmdir", start, nil)
	return nil
}

// Close releases resources.
func (b *RcloneBackend) Close() error {
	slog.Info("Backend closed", "component", "backend", "name", b.name)
	return nil
}

func objectInfoFromRclone(ctx context.Context, obj fs.Object) ObjectInfo {
	oi := ObjectInfo{
		Path:    obj.Remote(),
		Size:    obj.Size(),
		ModTime: obj.ModTime(ctx),
	}
	if h, err := obj.Hash(ctx, hash.MD5); err == nil && h != "" {
		oi.ETag = h
	}
	return oi
}
