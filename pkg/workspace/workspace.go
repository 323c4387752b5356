// Package workspace is the staging area where files are placed before the
// storage layer copies them to the offers of a strategy.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/archivelog/archivelog/pkg/backend"
)

// ErrContainerNotEmpty is returned by a non-forced DeleteContainer on a
// container that still holds objects.
var ErrContainerNotEmpty = errors.New("container not empty")

// Client stages objects in named containers on a backend.
type Client struct {
	be backend.Backend
}

// New returns a Client staging into be.
func New(be backend.Backend) *Client {
	return &Client{be: be}
}

func objectPath(container, name string) (string, error) {
	if err := checkName(container); err != nil {
		return "", fmt.Errorf("container: %w", err)
	}
	if err := checkName(name); err != nil {
		return "", fmt.Errorf("object: %w", err)
	}
	return path.Join(container, name), nil
}

func checkName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid name %q", s)
	}
	return nil
}

// PutObject stores size bytes from r as container/name. The container is
// created on first use.
func (c *Client) PutObject(ctx context.Context, container, name string, r io.Reader, size int64) error {
	p, err := objectPath(container, name)
	if err != nil {
		return fmt.Errorf("workspace.PutObject: %w", err)
	}
	if err := c.be.Write(ctx, p, r, size); err != nil {
		return fmt.Errorf("workspace.PutObject: %w", err)
	}
	return nil
}

// Open returns a reader for a staged object.
func (c *Client) Open(ctx context.Context, container, name string) (io.ReadCloser, error) {
	p, err := objectPath(container, name)
	if err != nil {
		return nil, fmt.Errorf("workspace.Open: %w", err)
	}
	rc, err := c.be.Open(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("workspace.Open: %w", err)
	}
	return rc, nil
}

// Size returns the size of a staged object.
func (c *Client) Size(ctx context.Context, container, name string) (int64, error) {
	p, err := objectPath(container, name)
	if err != nil {
		return 0, fmt.Errorf("workspace.Size: %w", err)
	}
	info, err := c.be.Stat(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("workspace.Size: %w", err)
	}
	return info.Size, nil
}

// DeleteContainer removes a container. With force set, the objects it holds
// are deleted first; otherwise a non-empty container is an error. Deleting a
// container that does not exist succeeds.
func (c *Client) DeleteContainer(ctx context.Context, container string, force bool) error {
	if err := checkName(container); err != nil {
		return fmt.Errorf("workspace.DeleteContainer: container: %w", err)
	}
	entries, err := c.be.List(ctx, container)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("workspace.DeleteContainer: %w", err)
	}
	if len(entries) > 0 && !force {
		return fmt.Errorf("workspace.DeleteContainer: %s: %w", container, ErrContainerNotEmpty)
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir {
			errs = append(errs, fmt.Errorf("%s/%s: nested directories are not staged", container, e.Path))
			continue
		}
		if err := c.be.Delete(ctx, path.Join(container, e.Path)); err != nil && !errors.Is(err, backend.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("workspace.DeleteContainer: %w", errors.Join(errs...))
	}
	if err := c.be.Rmdir(ctx, container); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("workspace.DeleteContainer: %w", err)
	}
	slog.Debug("workspace container deleted",
		"component", "workspace", "container", container, "objects", len(entries))
	return nil
}
