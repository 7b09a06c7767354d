// Package config loads rowsyncd/rowsync-cli runtime configuration from
// an optional YAML file overlaid with ROWSYNC_* environment variables.
package config

import (
	"os"
	"strconv"

	appErrors "rowsync/internal/errors"
	"rowsync/internal/syncengine"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for a rowsync node, server or
// client.
type Config struct {
	// DataDir holds the node's SQLite database. ROWSYNC_DATA_DIR.
	DataDir string `yaml:"data_dir"`

	// NodeID is this node's allocator/origin identifier. ROWSYNC_NODE_ID.
	// Servers use 0; clients fill this in from noderegistry.EnsureNodeID.
	NodeID int `yaml:"node_id"`

	// BatchSize bounds pull/push page size. ROWSYNC_BATCH_SIZE (default 500).
	BatchSize int `yaml:"batch_size"`

	// Policy selects the conflict resolution strategy. ROWSYNC_POLICY
	// (default last_write_wins).
	Policy syncengine.Policy `yaml:"policy"`

	// ServerURL is the peer this client syncs against. ROWSYNC_SERVER_URL.
	ServerURL string `yaml:"server_url"`

	// CachePath is where the client's node id / device_key cache lives.
	// ROWSYNC_CACHE_PATH.
	CachePath string `yaml:"cache_path"`

	// ListenAddr is the server's bind address. ROWSYNC_LISTEN_ADDR.
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration's zero-state defaults, applied
// before a YAML file or environment variables are layered on top.
func Default() Config {
	return Config{
		DataDir:    "./data",
		BatchSize:  500,
		Policy:     syncengine.LastWriteWins,
		ListenAddr: ":8091",
	}
}

// Load reads yamlPath (if non-empty and present) into a Config seeded
// with Default(), then applies ROWSYNC_* environment overrides, which
// always take precedence.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, appErrors.Wrap(appErrors.ErrInvalid, "failed to read config file", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, appErrors.Wrap(appErrors.ErrSerialization, "failed to parse config file", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROWSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ROWSYNC_NODE_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NodeID = n
		}
	}
	if v := os.Getenv("ROWSYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("ROWSYNC_POLICY"); v != "" {
		cfg.Policy = syncengine.Policy(v)
	}
	if v := os.Getenv("ROWSYNC_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("ROWSYNC_CACHE_PATH"); v != "" {
		cfg.CachePath = v
	}
	if v := os.Getenv("ROWSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}
