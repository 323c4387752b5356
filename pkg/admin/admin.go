// Package admin backs up rotated storage-log segments: it rotates each
// tenant's log, stages every detached segment in the workspace, stores it
// through a storage strategy, records the outcome in the logbook and cleans
// up the staging container.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/archivelog/archivelog/pkg/logbook"
	"github.com/archivelog/archivelog/pkg/metrics"
	"github.com/archivelog/archivelog/pkg/storage"
	"github.com/archivelog/archivelog/pkg/storagelog"
)

const (
	defaultTimeout = time.Hour
	minWorkers     = 16
	cleanupTimeout = time.Minute
)

// LogRotator hands out detached segments and takes back the ones whose
// backup failed.
type LogRotator interface {
	Rotate(tenant int, cat storagelog.Category) ([]storagelog.LogInformation, error)
	Requeue(info storagelog.LogInformation) error
}

// Workspace is the staging area written before each store.
type Workspace interface {
	PutObject(ctx context.Context, container, name string, r io.Reader, size int64) error
	DeleteContainer(ctx context.Context, container string, force bool) error
}

// Storage persists staged files.
type Storage interface {
	StoreFileFromWorkspace(ctx context.Context, strategyID string, category storage.DataCategory,
		objectName string, desc storage.ObjectDescription) (storage.StoredInfo, error)
}

// Logbook records one bulk of audit entries per tenant run.
type Logbook interface {
	BulkCreate(ctx context.Context, operationID string, entries []logbook.Entry) ([]logbook.Entry, error)
}

// Deps are the collaborators of an Administration.
type Deps struct {
	Logs      LogRotator
	Workspace Workspace
	Storage   Storage
	Logbook   Logbook
}

// Options tunes an Administration. Zero values select defaults.
type Options struct {
	// Workers bounds how many tenants are processed at once; defaults to
	// max(GOMAXPROCS, 16).
	Workers int
	// Timeout bounds a whole BackupStorageLog call; defaults to one hour.
	Timeout time.Duration
	// Compression applied to segments before staging; defaults to zstd.
	Compression Compression
	// TempDir holds compressed segments while they are staged; defaults
	// to os.TempDir().
	TempDir string
	Now     func() time.Time
	NewID   func() string
}

// SegmentBackup describes one segment persisted by a backup run.
type SegmentBackup struct {
	ObjectName string    `json:"object_name"`
	BeginTime  time.Time `json:"begin_time"`
	EndTime    time.Time `json:"end_time"`
	Size       int64     `json:"size"`
	StoredSize int64     `json:"stored_size"`
	Digest     string    `json:"digest"`
	Offers     []string  `json:"offers"`
}

// StorageLogBackupResult is the outcome of one tenant's backup.
type StorageLogBackupResult struct {
	Tenant      int             `json:"tenant"`
	OperationID string          `json:"operation_id"`
	Outcome     string          `json:"outcome"`
	Segments    []SegmentBackup `json:"segments"`
	Error       string          `json:"error,omitempty"`
}

// BackupError reports the tenants whose backup failed in one run.
type BackupError struct {
	Category storagelog.Category
	Failed   int
	Total    int
	Errs     []error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("One or more %s operations failed (%d/%d tenants)", e.Category, e.Failed, e.Total)
}

// Unwrap exposes the per-tenant errors to errors.Is and errors.As.
func (e *BackupError) Unwrap() []error { return e.Errs }

// Administration runs storage-log backups.
type Administration struct {
	logs     LogRotator
	ws       Workspace
	storage  Storage
	logbook  Logbook
	workers  int
	timeout  time.Duration
	compress Compression
	tempDir  string
	now      func() time.Time
	newID    func() string

	// retryNames maps the path of a requeued segment to the object name its
	// failed store used, so a retry overwrites any partial copy.
	retryMu    sync.Mutex
	retryNames map[string]string
}

// New wires an Administration. Every dependency is required.
func New(deps Deps, opts Options) (*Administration, error) {
	if deps.Logs == nil || deps.Workspace == nil || deps.Storage == nil || deps.Logbook == nil {
		return nil, fmt.Errorf("admin.New: logs, workspace, storage and logbook are required")
	}
	a := &Administration{
		logs:     deps.Logs,
		ws:       deps.Workspace,
		storage:  deps.Storage,
		logbook:  deps.Logbook,
		workers:  opts.Workers,
		timeout:  opts.Timeout,
		compress: opts.Compression,
		tempDir:  opts.TempDir,
		now:      opts.Now,
		newID:    opts.NewID,

		retryNames: make(map[string]string),
	}
	if a.workers <= 0 {
		a.workers = max(runtime.GOMAXPROCS(0), minWorkers)
	}
	if a.timeout <= 0 {
		a.timeout = defaultTimeout
	}
	if a.compress == "" {
		a.compress = CompressionZstd
	}
	if _, err := ParseCompression(string(a.compress)); err != nil {
		return nil, fmt.Errorf("admin.New: %w", err)
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	return a, nil
}

// BackupStorageLog backs up the write log (isWriteOperation) or the access
// log of every tenant in tenants to strategyID. Tenants are processed
// concurrently and independently. When some fail, the results of every
// tenant are still returned together with a *BackupError.
func (a *Administration) BackupStorageLog(ctx context.Context, strategyID string, isWriteOperation bool,
	tenants []int) ([]StorageLogBackupResult, error) {

	cat := storagelog.CategoryFor(isWriteOperation)
	tenants = uniqueTenants(tenants)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results := make([]StorageLogBackupResult, len(tenants))
	errs := make([]error, len(tenants))

	var g errgroup.Group
	g.SetLimit(a.workers)
	for i, tenant := range tenants {
		g.Go(func() error {
			results[i], errs[i] = a.backupTenant(ctx, strategyID, cat, tenant)
			return nil
		})
	}
	g.Wait()

	var failures []error
	for i, err := range errs {
		outcome := logbook.OutcomeOK
		if err != nil {
			outcome = logbook.OutcomeKO
			failures = append(failures, err)
		}
		metrics.BackupRuns.WithLabelValues(cat.String(), outcome).Inc()
		metrics.BackupSegments.WithLabelValues(cat.String()).Add(float64(len(results[i].Segments)))
	}
	metrics.BackupDuration.WithLabelValues(cat.String()).Observe(time.Since(start).Seconds())

	if len(failures) > 0 {
		berr := &BackupError{Category: cat, Failed: len(failures), Total: len(tenants), Errs: failures}
		slog.Error("storage log backup failed",
			"component", "admin", "category", cat.String(), "strategy", strategyID,
			"failed", berr.Failed, "tenants", berr.Total, "error", errors.Join(failures...))
		return results, berr
	}
	slog.Info("storage log backup completed",
		"component", "admin", "category", cat.String(), "strategy", strategyID,
		"tenants", len(tenants), "duration", time.Since(start))
	return results, nil
}

func uniqueTenants(tenants []int) []int {
	seen := make(map[int]bool, len(tenants))
	out := make([]int, 0, len(tenants))
	for _, t := range tenants {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// backupTenant runs rotate, stage, store and audit for one tenant. The
// staging container is deleted on every path once it may exist. Stored
// segments are removed from disk; failed ones go back to the registry.
func (a *Administration) backupTenant(ctx context.Context, strategyID string, cat storagelog.Category,
	tenant int) (StorageLogBackupResult, error) {

	res := StorageLogBackupResult{
		Tenant:      tenant,
		OperationID: a.newID(),
		Outcome:     logbook.OutcomeOK,
		Segments:    []SegmentBackup{},
	}
	fail := func(err error) (StorageLogBackupResult, error) {
		res.Outcome = logbook.OutcomeKO
		res.Error = err.Error()
		return res, fmt.Errorf("tenant %d: %w", tenant, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	infos, err := a.logs.Rotate(tenant, cat)
	if err != nil {
		return fail(fmt.Errorf("rotate: %w", err))
	}
	if len(infos) == 0 {
		return res, nil
	}

	container := a.newID()
	defer a.deleteContainer(ctx, container, tenant)

	var (
		entries []logbook.Entry
		stored  []storagelog.LogInformation
		failed  []storagelog.LogInformation
		errs    []error
	)
	used := make(map[string]bool, len(infos))
	for _, info := range infos {
		name := a.retryName(info.Path)
		if name == "" || used[name] {
			name = a.objectName(info, res.OperationID, used)
		} else {
			used[name] = true
		}
		sb, err := a.backupSegment(ctx, strategyID, cat, container, res.OperationID, name, info)
		if err != nil {
			errs = append(errs, fmt.Errorf("segment %s: %w", info.Path, err))
			failed = append(failed, info)
			a.setRetryName(info.Path, name)
			entries = append(entries, a.auditEntry(cat, tenant, strategyID, info, SegmentBackup{ObjectName: name}, err))
			continue
		}
		a.setRetryName(info.Path, "")
		res.Segments = append(res.Segments, sb)
		stored = append(stored, info)
		entries = append(entries, a.auditEntry(cat, tenant, strategyID, info, sb, nil))
	}

	if _, err := a.logbook.BulkCreate(ctx, res.OperationID, entries); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}

	for _, info := range stored {
		if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove backed up segment",
				"component", "admin", "path", info.Path, "error", err)
		}
	}
	for _, info := range failed {
		if err := a.logs.Requeue(info); err != nil {
			a.setRetryName(info.Path, "")
			slog.Error("failed to requeue segment",
				"component", "admin", "path", info.Path, "error", err)
		}
	}

	if len(errs) > 0 {
		return fail(errors.Join(errs...))
	}
	return res, nil
}

func (a *Administration) retryName(path string) string {
	a.retryMu.Lock()
	defer a.retryMu.Unlock()
	return a.retryNames[path]
}

// setRetryName records the object name of a failed segment store. An empty
// name forgets it.
func (a *Administration) setRetryName(path, name string) {
	a.retryMu.Lock()
	defer a.retryMu.Unlock()
	if name == "" {
		delete(a.retryNames, path)
		return
	}
	a.retryNames[path] = name
}

// objectName returns "{tenant}_{begin}_{end}_{operationId}.log" plus the
// compression suffix, made unique within one tenant run.
func (a *Administration) objectName(info storagelog.LogInformation, operationID string, used map[string]bool) string {
	base := fmt.Sprintf("%d_%s_%s_%s", info.Tenant,
		storagelog.Timestamp(info.BeginTime), storagelog.Timestamp(info.EndTime), operationID)
	name := base + ".log" + a.compress.Ext()
	for i := 1; used[name]; i++ {
		name = fmt.Sprintf("%s-%d.log%s", base, i, a.compress.Ext())
	}
	used[name] = true
	return name
}

func (a *Administration) backupSegment(ctx context.Context, strategyID string, cat storagelog.Category,
	container, operationID, name string, info storagelog.LogInformation) (SegmentBackup, error) {

	src, err := os.Open(info.Path)
	if err != nil {
		return SegmentBackup{}, err
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return SegmentBackup{}, err
	}

	var body io.Reader = src
	size := fi.Size()
	if a.compress != CompressionNone {
		tmp, err := os.CreateTemp(a.tempDir, "archivelog-*"+a.compress.Ext())
		if err != nil {
			return SegmentBackup{}, fmt.Errorf("compress: %w", err)
		}
		defer os.Remove(tmp.Name())
		defer tmp.Close()
		if err := a.compress.compress(tmp, src); err != nil {
			return SegmentBackup{}, fmt.Errorf("compress: %w", err)
		}
		if size, err = tmp.Seek(0, io.SeekCurrent); err != nil {
			return SegmentBackup{}, fmt.Errorf("compress: %w", err)
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return SegmentBackup{}, fmt.Errorf("compress: %w", err)
		}
		body = tmp
	}

	if err := a.ws.PutObject(ctx, container, name, body, size); err != nil {
		return SegmentBackup{}, fmt.Errorf("stage: %w", err)
	}
	stored, err := a.storage.StoreFileFromWorkspace(ctx, strategyID, storage.CategoryForLog(cat), name,
		storage.ObjectDescription{
			Tenant:             info.Tenant,
			WorkspaceContainer: container,
			WorkspaceObject:    name,
			RequestID:          operationID,
		})
	if err != nil {
		return SegmentBackup{}, fmt.Errorf("store: %w", err)
	}
	return SegmentBackup{
		ObjectName: name,
		BeginTime:  info.BeginTime,
		EndTime:    info.EndTime,
		Size:       fi.Size(),
		StoredSize: stored.Size,
		Digest:     stored.Digest,
		Offers:     stored.Offers,
	}, nil
}

// EventType returns the logbook event type of a backup of cat.
func EventType(cat storagelog.Category) string {
	if cat.IsWrite() {
		return "STP_STORAGE_BACKUP"
	}
	return "STP_STORAGE_ACCESS_BACKUP"
}

func (a *Administration) auditEntry(cat storagelog.Category, tenant int, strategyID string,
	info storagelog.LogInformation, sb SegmentBackup, err error) logbook.Entry {

	e := logbook.Entry{
		EventType:       EventType(cat),
		Outcome:         logbook.OutcomeOK,
		Tenant:          tenant,
		Time:            a.now(),
		ObjectName:      sb.ObjectName,
		Strategy:        strategyID,
		Digest:          sb.Digest,
		DigestAlgorithm: storage.DigestAlgorithm,
		Size:            sb.StoredSize,
		BeginTime:       info.BeginTime,
		EndTime:         info.EndTime,
		Details:         map[string]string{"compression": string(a.compress)},
	}
	if err != nil {
		e.Outcome = logbook.OutcomeKO
		e.Message = err.Error()
		e.Digest, e.DigestAlgorithm = "", ""
	}
	return e
}

func (a *Administration) deleteContainer(ctx context.Context, container string, tenant int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := a.ws.DeleteContainer(ctx, container, true); err != nil {
		slog.Warn("failed to delete staging container",
			"component", "admin", "container", container, "tenant", tenant, "error", err)
	}
}
