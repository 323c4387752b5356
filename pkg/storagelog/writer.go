package storagelog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// segmentTimeLayout is fixed-width so file names sort chronologically.
const segmentTimeLayout = "20060102150405.000"

const segmentExt = ".log"

// segmentWriter owns one append-only segment file for a (tenant, category).
type segmentWriter struct {
	path      string
	tenant    int
	category  Category
	beginTime time.Time

	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	entries int64
	bytes   int64
	failed  error
	closed  bool
}

// Timestamp formats t as the 17-digit UTC yyyyMMddHHmmssSSS used in
// segment and backup object names.
func Timestamp(t time.Time) string {
	return strings.Replace(t.UTC().Format(segmentTimeLayout), ".", "", 1)
}

// segmentName returns "{tenant}_{yyyyMMddHHmmssSSS}_{uuid}.log".
func segmentName(tenant int, begin time.Time) string {
	return fmt.Sprintf("%d_%s_%s%s", tenant, Timestamp(begin), uuid.NewString(), segmentExt)
}

// parseSegmentName extracts the tenant and begin time from a segment file name.
func parseSegmentName(name string) (tenant int, begin time.Time, ok bool) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, time.Time{}, false
	}
	parts := strings.SplitN(strings.TrimSuffix(name, segmentExt), "_", 3)
	if len(parts) != 3 || len(parts[1]) != 17 {
		return 0, time.Time{}, false
	}
	tenant, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, false
	}
	stamp := parts[1][:14] + "." + parts[1][14:]
	begin, err = time.ParseInLocation(segmentTimeLayout, stamp, time.UTC)
	if err != nil {
		return 0, time.Time{}, false
	}
	return tenant, begin, true
}

// openSegment creates a fresh segment file under dir.
func openSegment(dir string, tenant int, cat Category, begin time.Time) (*segmentWriter, error) {
	path := filepath.Join(dir, segmentName(tenant, begin))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("storagelog.openSegment: %w: %w", ErrWriteFailed, err)
	}
	return &segmentWriter{
		path:      path,
		tenant:    tenant,
		category:  cat,
		beginTime: begin,
		file:      f,
		buf:       bufio.NewWriterSize(f, 64*1024),
	}, nil
}

// Append writes one serialized entry followed by a newline. Bytes may stay
// buffered until FlushAndClose.
func (w *segmentWriter) Append(entry LogEntry) error {
	line, err := entry.Line()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("storagelog: append to %s: %w", w.path, ErrClosed)
	}
	if w.failed != nil {
		return fmt.Errorf("storagelog: append to %s: writer unusable: %w", w.path, w.failed)
	}
	if _, err := w.buf.Write(line); err != nil {
		w.failed = fmt.Errorf("%w: %w", ErrWriteFailed, err)
		return fmt.Errorf("storagelog: append to %s: %w", w.path, w.failed)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		w.failed = fmt.Errorf("%w: %w", ErrWriteFailed, err)
		return fmt.Errorf("storagelog: append to %s: %w", w.path, w.failed)
	}
	w.entries++
	w.bytes += int64(len(line)) + 1
	return nil
}

// FlushAndClose flushes buffered bytes, syncs and closes the file.
// A writer that already failed reports that failure, since entries it
// acknowledged may never have reached the disk. Calling it more than once
// is a no-op.
func (w *segmentWriter) FlushAndClose() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.failed != nil {
		errs = append(errs, w.failed)
	} else if err := w.buf.Flush(); err != nil {
		errs = append(errs, err)
	} else if err := w.file.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("storagelog: close %s: %w: %v", w.path, ErrWriteFailed, errs)
	}
	return nil
}

// Entries returns the number of entries appended so far.
func (w *segmentWriter) Entries() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries
}

// Size returns the number of bytes appended so far, buffered or not.
func (w *segmentWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}
