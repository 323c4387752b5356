package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage log metrics
	StorageLogAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivelog_storagelog_appends_total",
		Help: "Entries appended to storage log segments",
	}, []string{"category"})
	StorageLogAppendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivelog_storagelog_append_errors_total",
		Help: "Failed storage log appends",
	}, []string{"category"})
	StorageLogRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivelog_storagelog_rotations_total",
		Help: "Non-empty segments detached by rotation",
	}, []string{"category"})
	StorageLogRotatedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivelog_storagelog_rotated_bytes_total",
		Help: "Bytes contained in rotated segments",
	}, []string{"category"})

	// Backup metrics
	BackupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivelog_backup_tenant_runs_total",
		Help: "Per-tenant storage log backups by outcome",
	}, []string{"category", "outcome"})
	BackupSegments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivelog_backup_segments_total",
		Help: "Segments persisted to a storage strategy",
	}, []string{"category"})
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archivelog_backup_duration_seconds",
		Help:    "Duration of a whole backup run",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900},
	}, []string{"category"})

	// Backend metrics
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archivelog_backend_request_duration_seconds",
		Help:    "Backend request duration",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"backend", "operation"})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivelog_backend_errors_total",
		Help: "Backend errors by operation",
	}, []string{"backend", "operation"})

	BackendBytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivelog_backend_bytes_written_total",
		Help: "Total bytes written to backends",
	}, []string{"backend"})

	// Logbook metrics
	LogbookEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivelog_logbook_entries_total",
		Help: "Audit entries appended to the logbook",
	}, []string{"event_type", "outcome"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	for _, cat := range []string{"StorageLog", "StorageAccessLog"} {
		StorageLogAppends.WithLabelValues(cat)
		StorageLogRotations.WithLabelValues(cat)
		BackupRuns.WithLabelValues(cat, "OK")
		BackupRuns.WithLabelValues(cat, "KO")
	}
	BackendRequestDuration.WithLabelValues("", "write")
	BackendErrors.WithLabelValues("", "write")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// healthChecker holds registered health checks.
type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

// runChecks runs all registered health checks.
func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// DirHealthCheck returns a check function that fails when dir is missing
// or not a directory.
func DirHealthCheck(dir string) func() error {
	return func() error {
		fi, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func MetricsServer(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
