// Package control is the administration entrypoint: a REST API over the
// backup administration, the object storage and the logbook, plus the
// periodic backup scheduler.
package control

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/archivelog/archivelog/pkg/storagelog"
)

// StatusReport summarizes the live state of the system.
type StatusReport struct {
	Shards     []storagelog.ShardStatus `json:"shards"`
	Offers     []string                 `json:"offers"`
	Strategies []string                 `json:"strategies"`
	Logbook    LogbookStatus            `json:"logbook"`
	Schedule   ScheduleStatus           `json:"schedule"`
}

// LogbookStatus reports the logbook size and health.
type LogbookStatus struct {
	Entries uint64 `json:"entries"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// ScheduleStatus reports the periodic backup configuration.
type ScheduleStatus struct {
	Strategy          string `json:"strategy,omitempty"`
	WriteLogInterval  string `json:"write_log_interval"`
	AccessLogInterval string `json:"access_log_interval"`
}

// Server is the archivelog control plane server.
type Server struct {
	sys     *System
	addr    string
	mu      sync.Mutex
	httpSrv *http.Server
}

// NewServer creates a control plane server over sys.
func NewServer(sys *System) *Server {
	return &Server{sys: sys, addr: sys.Config.ControlPlane.RESTAddr}
}

// SetRESTAddr overrides the REST listen address.
func (s *Server) SetRESTAddr(addr string) {
	s.addr = addr
}

// Handler returns the REST API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterAPIRoutes(mux)
	return mux
}

// Run starts the HTTP server and the backup scheduler. It blocks until ctx
// is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.addr
	if addr == "" {
		addr = ":8080"
	}

	s.mu.Lock()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpSrv := s.httpSrv
	s.mu.Unlock()

	schedCtx, schedCancel := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		s.sys.Scheduler().Run(schedCtx)
	}()
	defer func() {
		schedCancel()
		<-schedDone
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control plane listening", "component", "control", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("control plane shutting down", "component", "control")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Status collects the live state of every shard, the offers and the logbook.
func (s *Server) Status() StatusReport {
	rep := StatusReport{
		Shards:     s.sys.Logs.Status(),
		Offers:     s.sys.Offers.Names(),
		Strategies: s.sys.Storage.Strategies(),
		Logbook:    LogbookStatus{Entries: s.sys.Logbook.Len(), Healthy: true},
		Schedule: ScheduleStatus{
			Strategy:          s.sys.Config.Backup.Strategy,
			WriteLogInterval:  s.sys.Config.Backup.WriteLogInterval.String(),
			AccessLogInterval: s.sys.Config.Backup.AccessLogInterval.String(),
		},
	}
	if err := s.sys.Logbook.Healthy(); err != nil {
		rep.Logbook.Healthy = false
		rep.Logbook.Error = err.Error()
	}
	return rep
}
