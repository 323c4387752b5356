package config

import (
	"fmt"
	"time"
)

// Config is the top-level archivelog configuration.
type Config struct {
	StorageLog   StorageLogConfig   `yaml:"storage_log"`
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	Backends     []BackendConfig    `yaml:"backends"`
	Strategies   []StrategyConfig   `yaml:"strategies"`
	Backup       BackupConfig       `yaml:"backup"`
	Logbook      LogbookConfig      `yaml:"logbook"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
}

// StorageLogConfig locates the live segment files and lists the tenants
// accepted by the registry.
type StorageLogConfig struct {
	Path    string `yaml:"path"`
	Tenants []int  `yaml:"tenants"`
}

// WorkspaceConfig describes the staging area. It is an rclone backend like
// the offers, typically "local".
type WorkspaceConfig struct {
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

// BackendConfig describes a single storage offer.
type BackendConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"` // rclone options; "root" is the remote path
}

// RemotePath returns the rclone remote path of the backend.
func (b BackendConfig) RemotePath() string { return b.Config["root"] }

// StrategyConfig maps a storage strategy to the offers it writes to.
type StrategyConfig struct {
	ID     string   `yaml:"id"`
	Offers []string `yaml:"offers"`
}

// BackupConfig configures the backup orchestrator and its scheduler.
type BackupConfig struct {
	Compression       string        `yaml:"compression"` // "none", "zstd", "lz4"
	Workers           int           `yaml:"workers"`     // 0 = max(GOMAXPROCS, 16)
	Timeout           time.Duration `yaml:"timeout"`
	Strategy          string        `yaml:"strategy"` // used by the scheduler
	WriteLogInterval  time.Duration `yaml:"write_log_interval"`
	AccessLogInterval time.Duration `yaml:"access_log_interval"`
}

// LogbookConfig locates the badger directory of the audit logbook.
type LogbookConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// ControlPlaneConfig configures the administration REST server.
type ControlPlaneConfig struct {
	RESTAddr string `yaml:"rest_addr"`
}

// Strategy returns the offers of the given strategy.
func (c *Config) Strategy(id string) (StrategyConfig, bool) {
	for _, s := range c.Strategies {
		if s.ID == id {
			return s, true
		}
	}
	return StrategyConfig{}, false
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.StorageLog.Path == "" {
		return fmt.Errorf("config: storage_log.path is required")
	}
	if len(c.StorageLog.Tenants) == 0 {
		return fmt.Errorf("config: storage_log.tenants must list at least one tenant")
	}
	seen := make(map[int]bool)
	for _, t := range c.StorageLog.Tenants {
		if t < 0 {
			return fmt.Errorf("config: storage_log.tenants: negative tenant %d", t)
		}
		if seen[t] {
			return fmt.Errorf("config: storage_log.tenants: duplicate tenant %d", t)
		}
		seen[t] = true
	}

	if c.Workspace.Type == "" {
		return fmt.Errorf("config: workspace.type is required")
	}

	names := make(map[string]bool)
	for _, be := range c.Backends {
		if be.Name == "" {
			return fmt.Errorf("config: backend name cannot be empty")
		}
		if be.Type == "" {
			return fmt.Errorf("config: backend %q has empty type", be.Name)
		}
		if names[be.Name] {
			return fmt.Errorf("config: duplicate backend name %q", be.Name)
		}
		names[be.Name] = true
	}

	ids := make(map[string]bool)
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("config: strategy id cannot be empty")
		}
		if ids[s.ID] {
			return fmt.Errorf("config: duplicate strategy %q", s.ID)
		}
		ids[s.ID] = true
		if len(s.Offers) == 0 {
			return fmt.Errorf("config: strategy %q has no offers", s.ID)
		}
		for _, o := range s.Offers {
			if !names[o] {
				return fmt.Errorf("config: strategy %q references unknown backend %q", s.ID, o)
			}
		}
	}

	switch c.Backup.Compression {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("config: backup.compression must be none, zstd or lz4, got %q", c.Backup.Compression)
	}
	if c.Backup.Workers < 0 {
		return fmt.Errorf("config: backup.workers must be non-negative, got %d", c.Backup.Workers)
	}
	if c.Backup.Timeout <= 0 {
		return fmt.Errorf("config: backup.timeout must be positive, got %s", c.Backup.Timeout)
	}
	if c.Backup.WriteLogInterval < 0 || c.Backup.AccessLogInterval < 0 {
		return fmt.Errorf("config: backup intervals must be non-negative")
	}
	scheduled := c.Backup.WriteLogInterval > 0 || c.Backup.AccessLogInterval > 0
	if scheduled {
		if c.Backup.Strategy == "" {
			return fmt.Errorf("config: backup.strategy is required when a backup interval is set")
		}
		if !ids[c.Backup.Strategy] {
			return fmt.Errorf("config: backup.strategy %q is not defined", c.Backup.Strategy)
		}
	}
	return nil
}
