package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses an archivelog configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StorageLog.Path == "" {
		c.StorageLog.Path = "/var/lib/archivelog/logs"
	}
	if c.Workspace.Type == "" {
		c.Workspace.Type = "local"
	}
	if c.Workspace.Config == nil {
		c.Workspace.Config = map[string]string{}
	}
	if c.Workspace.Type == "local" && c.Workspace.Config["root"] == "" {
		c.Workspace.Config["root"] = "/var/lib/archivelog/workspace"
	}
	if c.Backup.Compression == "" {
		c.Backup.Compression = "zstd"
	}
	if c.Backup.Timeout == 0 {
		c.Backup.Timeout = time.Hour
	}
	if c.Logbook.Path == "" {
		c.Logbook.Path = "/var/lib/archivelog/logbook"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.ControlPlane.RESTAddr == "" {
		c.ControlPlane.RESTAddr = ":8080"
	}
}
