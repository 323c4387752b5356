package storagelog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danjacques/gofslock/fslock"

	"github.com/archivelog/archivelog/pkg/metrics"
)

// LogInformation summarizes a segment detached from its writer. Ownership
// of the file at Path belongs to whoever received it from Rotate.
type LogInformation struct {
	Path      string    `json:"path"`
	Tenant    int       `json:"tenant"`
	Category  Category  `json:"category"`
	BeginTime time.Time `json:"begin_time"`
	EndTime   time.Time `json:"end_time"`
	Size      int64     `json:"size"`
}

// Options configures a Service.
type Options struct {
	// Dir is the root under which one sub-directory per category is created.
	Dir string
	// Tenants is the static set of tenants accepted by the service.
	Tenants []int
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// ShardStatus reports the live state of one (tenant, category) log.
type ShardStatus struct {
	Tenant        int       `json:"tenant"`
	Category      string    `json:"category"`
	ActivePath    string    `json:"active_path"`
	ActiveSince   time.Time `json:"active_since"`
	ActiveEntries int64     `json:"active_entries"`
	ActiveBytes   int64     `json:"active_bytes"`
	Pending       int       `json:"pending"`
}

type shardKey struct {
	tenant   int
	category Category
}

// shard guards the current writer of one (tenant, category). Appends and
// the writer swap in Rotate take the same mutex; nothing ever holds two
// shard mutexes at once.
type shard struct {
	mu      sync.Mutex
	writer  *segmentWriter
	pending []LogInformation
	closed  bool
}

// Service owns every live segment writer, keyed by (tenant, category).
type Service struct {
	root    string
	now     func() time.Time
	tenants []int
	shards  map[shardKey]*shard // fixed after Open

	lock   fslock.Handle
	closed atomic.Bool
}

// Open prepares the category directories, locks the root, adopts segments
// left behind by a previous process and opens one writer per tenant and
// category.
func Open(opts Options) (*Service, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("storagelog.Open: directory is required")
	}
	if len(opts.Tenants) == 0 {
		return nil, fmt.Errorf("storagelog.Open: at least one tenant is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	for _, cat := range Categories {
		if err := os.MkdirAll(filepath.Join(opts.Dir, cat.Dir()), 0o750); err != nil {
			return nil, fmt.Errorf("storagelog.Open: %w", err)
		}
	}

	lock, err := fslock.Lock(filepath.Join(opts.Dir, ".lock"))
	if err != nil {
		if errors.Is(err, fslock.ErrLockHeld) {
			return nil, fmt.Errorf("storagelog.Open: %s: %w", opts.Dir, ErrLocked)
		}
		return nil, fmt.Errorf("storagelog.Open: lock %s: %w", opts.Dir, err)
	}

	s := &Service{
		root:   opts.Dir,
		now:    now,
		shards: make(map[shardKey]*shard, len(opts.Tenants)*len(Categories)),
		lock:   lock,
	}
	for _, t := range opts.Tenants {
		if _, dup := s.shards[shardKey{t, Write}]; dup {
			continue
		}
		s.tenants = append(s.tenants, t)
		for _, cat := range Categories {
			s.shards[shardKey{t, cat}] = &shard{}
		}
	}
	sort.Ints(s.tenants)

	for _, cat := range Categories {
		if err := s.recover(cat); err != nil {
			s.abort()
			return nil, err
		}
	}

	for key, sh := range s.shards {
		w, err := openSegment(s.Dir(key.category), key.tenant, key.category, s.now())
		if err != nil {
			s.abort()
			return nil, fmt.Errorf("storagelog.Open: %w", err)
		}
		sh.writer = w
	}

	slog.Info("storage log opened",
		"component", "storagelog", "dir", opts.Dir, "tenants", len(s.tenants))
	return s, nil
}

// recover adopts segment files found in the category directory as pending
// segments of their tenant. Empty leftovers are removed.
func (s *Service) recover(cat Category) error {
	dir := s.Dir(cat)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("storagelog.recover: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		tenant, begin, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		sh, known := s.shards[shardKey{tenant, cat}]
		if !known {
			slog.Warn("segment of unconfigured tenant left in place",
				"component", "storagelog", "file", e.Name(), "tenant", tenant)
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("storagelog.recover: %w", err)
		}
		path := filepath.Join(dir, e.Name())
		if info.Size() == 0 {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("storagelog.recover: %w", err)
			}
			continue
		}
		sh.pending = append(sh.pending, LogInformation{
			Path:      path,
			Tenant:    tenant,
			Category:  cat,
			BeginTime: begin,
			EndTime:   info.ModTime(),
			Size:      info.Size(),
		})
		slog.Info("recovered segment from previous run",
			"component", "storagelog", "file", e.Name(), "category", cat.String())
	}
	return nil
}

// abort releases what Open acquired when it fails half way.
func (s *Service) abort() {
	for _, sh := range s.shards {
		if sh.writer != nil {
			sh.writer.FlushAndClose()
			os.Remove(sh.writer.path)
		}
	}
	s.lock.Unlock()
}

// Dir returns the directory holding segments of the given category.
func (s *Service) Dir(cat Category) string {
	return filepath.Join(s.root, cat.Dir())
}

// Tenants returns the configured tenants in ascending order.
func (s *Service) Tenants() []int {
	out := make([]int, len(s.tenants))
	copy(out, s.tenants)
	return out
}

func (s *Service) shard(tenant int, cat Category) (*shard, error) {
	if !cat.valid() {
		return nil, fmt.Errorf("storagelog: invalid category %d", int(cat))
	}
	sh, ok := s.shards[shardKey{tenant, cat}]
	if !ok {
		return nil, fmt.Errorf("storagelog: tenant %d: %w", tenant, ErrUnknownTenant)
	}
	return sh, nil
}

// AppendWriteLog records a write operation for tenant.
func (s *Service) AppendWriteLog(tenant int, entry LogEntry) error {
	return s.Append(tenant, Write, entry)
}

// AppendAccessLog records an access operation for tenant.
func (s *Service) AppendAccessLog(tenant int, entry LogEntry) error {
	return s.Append(tenant, Access, entry)
}

// Append writes entry to the current segment of (tenant, cat).
func (s *Service) Append(tenant int, cat Category, entry LogEntry) error {
	sh, err := s.shard(tenant, cat)
	if err != nil {
		return fmt.Errorf("storagelog.Append: %w", err)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return fmt.Errorf("storagelog.Append: tenant %d %s: %w", tenant, cat, ErrClosed)
	}
	if sh.writer == nil {
		w, err := openSegment(s.Dir(cat), tenant, cat, s.now())
		if err != nil {
			metrics.StorageLogAppendErrors.WithLabelValues(cat.String()).Inc()
			return fmt.Errorf("storagelog.Append: tenant %d %s: %w", tenant, cat, err)
		}
		sh.writer = w
	}
	if err := sh.writer.Append(entry); err != nil {
		metrics.StorageLogAppendErrors.WithLabelValues(cat.String()).Inc()
		return fmt.Errorf("storagelog.Append: tenant %d %s: %w", tenant, cat, err)
	}
	metrics.StorageLogAppends.WithLabelValues(cat.String()).Inc()
	return nil
}

// RotateLogFile detaches the current segment of the tenant's write or access
// log and installs a fresh one.
func (s *Service) RotateLogFile(tenant int, isWriteOperation bool) ([]LogInformation, error) {
	return s.Rotate(tenant, CategoryFor(isWriteOperation))
}

// Rotate swaps in a new writer for (tenant, cat) and returns every segment
// the caller now owns: previously pending segments first, then the one just
// detached. A detached segment that never received an entry is deleted and
// not returned, so the result may be empty.
func (s *Service) Rotate(tenant int, cat Category) ([]LogInformation, error) {
	sh, err := s.shard(tenant, cat)
	if err != nil {
		return nil, fmt.Errorf("storagelog.Rotate: %w", err)
	}

	// The replacement is created before taking the lock so the swap itself
	// is only a pointer exchange. Its begin time precedes every entry it
	// can receive.
	next, err := openSegment(s.Dir(cat), tenant, cat, s.now())
	if err != nil {
		return nil, fmt.Errorf("storagelog.Rotate: tenant %d %s: %w", tenant, cat, err)
	}

	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		next.FlushAndClose()
		os.Remove(next.path)
		return nil, fmt.Errorf("storagelog.Rotate: tenant %d %s: %w", tenant, cat, ErrClosed)
	}
	old := sh.writer
	sh.writer = next
	infos := sh.pending
	sh.pending = nil
	endTime := s.now()
	sh.mu.Unlock()

	if old == nil {
		return infos, nil
	}

	closeErr := old.FlushAndClose()
	entries := old.Entries()
	if entries == 0 && closeErr == nil {
		if err := os.Remove(old.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove empty segment",
				"component", "storagelog", "path", old.path, "error", err)
		}
		return infos, nil
	}

	detached := LogInformation{
		Path:      old.path,
		Tenant:    tenant,
		Category:  cat,
		BeginTime: old.beginTime,
		EndTime:   endTime,
		Size:      old.Size(),
	}
	if closeErr != nil {
		// Whatever reached the disk stays owned by the registry and is
		// handed out again by the next rotation, sized by what the file
		// actually holds.
		if fi, err := os.Stat(old.path); err == nil {
			detached.Size = fi.Size()
		}
		for _, info := range append(infos, detached) {
			s.Requeue(info)
		}
		return nil, fmt.Errorf("storagelog.Rotate: tenant %d %s: %w", tenant, cat, closeErr)
	}

	metrics.StorageLogRotations.WithLabelValues(cat.String()).Inc()
	metrics.StorageLogRotatedBytes.WithLabelValues(cat.String()).Add(float64(detached.Size))
	slog.Debug("segment rotated",
		"component", "storagelog", "tenant", tenant, "category", cat.String(),
		"path", detached.Path, "entries", entries)
	return append(infos, detached), nil
}

// Requeue hands a detached segment back to the registry, typically after a
// failed backup. The next Rotate of the same tenant and category returns it.
func (s *Service) Requeue(info LogInformation) error {
	sh, err := s.shard(info.Tenant, info.Category)
	if err != nil {
		return fmt.Errorf("storagelog.Requeue: %w", err)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.pending = append(sh.pending, info)
	sort.SliceStable(sh.pending, func(i, j int) bool {
		return sh.pending[i].BeginTime.Before(sh.pending[j].BeginTime)
	})
	return nil
}

// Status reports every shard, ordered by tenant then category.
func (s *Service) Status() []ShardStatus {
	out := make([]ShardStatus, 0, len(s.shards))
	for _, t := range s.tenants {
		for _, cat := range Categories {
			sh := s.shards[shardKey{t, cat}]
			sh.mu.Lock()
			st := ShardStatus{Tenant: t, Category: cat.String(), Pending: len(sh.pending)}
			if w := sh.writer; w != nil {
				st.ActivePath = w.path
				st.ActiveSince = w.beginTime
				st.ActiveEntries = w.Entries()
				st.ActiveBytes = w.Size()
			}
			sh.mu.Unlock()
			out = append(out, st)
		}
	}
	return out
}

// Close flushes and closes every writer and releases the directory lock.
// Appends and rotations fail with ErrClosed afterwards. Segments that never
// received an entry are removed.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for key, sh := range s.shards {
		sh.mu.Lock()
		w := sh.writer
		sh.writer = nil
		sh.closed = true
		sh.mu.Unlock()
		if w == nil {
			continue
		}
		if err := w.FlushAndClose(); err != nil {
			errs = append(errs, fmt.Errorf("tenant %d %s: %w", key.tenant, key.category, err))
			continue
		}
		if w.Entries() == 0 {
			os.Remove(w.path)
		}
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	slog.Info("storage log closed", "component", "storagelog", "dir", s.root)
	if len(errs) > 0 {
		return fmt.Errorf("storagelog.Close: %w", errors.Join(errs...))
	}
	return nil
}
