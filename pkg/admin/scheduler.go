package admin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/archivelog/archivelog/pkg/storagelog"
)

// Scheduler periodically backs up the write and access logs of every
// tenant. A zero interval disables the category.
type Scheduler struct {
	Admin          *Administration
	Strategy       string
	Tenants        []int
	WriteInterval  time.Duration
	AccessInterval time.Duration
}

// Run starts one backup loop per enabled category and blocks until ctx is
// done and every in-flight backup has returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, cat := range storagelog.Categories {
		interval := s.interval(cat)
		if interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, cat, interval)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) interval(cat storagelog.Category) time.Duration {
	if cat.IsWrite() {
		return s.WriteInterval
	}
	return s.AccessInterval
}

func (s *Scheduler) loop(ctx context.Context, cat storagelog.Category, interval time.Duration) {
	slog.Info("backup schedule started", "component", "scheduler",
		"category", cat.String(), "interval", interval, "strategy", s.Strategy)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, cat)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, cat storagelog.Category) {
	start := time.Now()
	results, err := s.Admin.BackupStorageLog(ctx, s.Strategy, cat.IsWrite(), s.Tenants)
	if err != nil {
		slog.Error("scheduled backup failed", "component", "scheduler",
			"category", cat.String(), "error", err)
		return
	}
	segments := 0
	for _, r := range results {
		segments += len(r.Segments)
	}
	slog.Info("scheduled backup complete", "component", "scheduler",
		"category", cat.String(), "segments", segments, "duration", time.Since(start))
}
