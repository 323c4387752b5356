package control

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/archivelog/archivelog/pkg/admin"
	"github.com/archivelog/archivelog/pkg/backend"
	"github.com/archivelog/archivelog/pkg/config"
	"github.com/archivelog/archivelog/pkg/logbook"
	"github.com/archivelog/archivelog/pkg/storage"
	"github.com/archivelog/archivelog/pkg/storagelog"
	"github.com/archivelog/archivelog/pkg/workspace"
)

// System is every long-lived component built from one configuration.
type System struct {
	Config    *config.Config
	Logs      *storagelog.Service
	Offers    *backend.Registry
	Workspace *workspace.Client
	Storage   *storage.Distribution
	Logbook   *logbook.Logbook
	Admin     *admin.Administration

	wsBackend backend.Backend
}

// OpenSystem opens the storage log directory, the offers, the workspace and
// the logbook described by cfg and wires the backup administration on top.
// On error everything opened so far is closed again.
func OpenSystem(cfg *config.Config) (*System, error) {
	sys := &System{Config: cfg}
	if err := sys.open(); err != nil {
		sys.Close()
		return nil, fmt.Errorf("control.OpenSystem: %w", err)
	}
	return sys, nil
}

func (s *System) open() error {
	cfg := s.Config

	var err error
	s.Offers, err = backend.NewRegistryFromConfig(cfg.Backends)
	if err != nil {
		return err
	}

	s.wsBackend, err = backend.NewRcloneBackend("workspace", cfg.Workspace.Type,
		cfg.Workspace.Config["root"], cfg.Workspace.Config)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	s.Workspace = workspace.New(s.wsBackend)

	s.Logs, err = storagelog.Open(storagelog.Options{
		Dir:     cfg.StorageLog.Path,
		Tenants: cfg.StorageLog.Tenants,
	})
	if err != nil {
		return err
	}

	s.Storage, err = storage.NewDistribution(s.Offers, cfg.Strategies, s.Workspace, s.Logs)
	if err != nil {
		return err
	}

	s.Logbook, err = logbook.Open(logbook.Options{Path: cfg.Logbook.Path})
	if err != nil {
		return err
	}

	compression, err := admin.ParseCompression(cfg.Backup.Compression)
	if err != nil {
		return err
	}
	s.Admin, err = admin.New(admin.Deps{
		Logs:      s.Logs,
		Workspace: s.Workspace,
		Storage:   s.Storage,
		Logbook:   s.Logbook,
	}, admin.Options{
		Workers:     cfg.Backup.Workers,
		Timeout:     cfg.Backup.Timeout,
		Compression: compression,
	})
	if err != nil {
		return err
	}

	slog.Info("system opened", "component", "control",
		"tenants", len(cfg.StorageLog.Tenants), "offers", len(cfg.Backends),
		"strategies", len(cfg.Strategies), "compression", compression)
	return nil
}

// Scheduler returns the periodic backup loop configured under backup.
func (s *System) Scheduler() *admin.Scheduler {
	return &admin.Scheduler{
		Admin:          s.Admin,
		Strategy:       s.Config.Backup.Strategy,
		Tenants:        s.Config.StorageLog.Tenants,
		WriteInterval:  s.Config.Backup.WriteLogInterval,
		AccessInterval: s.Config.Backup.AccessLogInterval,
	}
}

// Close flushes the storage logs and closes the logbook and every backend.
func (s *System) Close() error {
	var errs []error
	if s.Logs != nil {
		errs = append(errs, s.Logs.Close())
	}
	if s.Logbook != nil {
		errs = append(errs, s.Logbook.Close())
	}
	if s.wsBackend != nil {
		errs = append(errs, s.wsBackend.Close())
	}
	if s.Offers != nil {
		errs = append(errs, s.Offers.Close())
	}
	return errors.Join(errs...)
}
