package noderegistry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	appErrors "rowsync/internal/errors"
	"rowsync/internal/uuid"
)

// DefaultCachePath is ~/.rowsync/config.json.
func DefaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", appErrors.Wrap(appErrors.ErrInvalid, "failed to resolve home directory", err)
	}
	return filepath.Join(home, ".rowsync", "config.json"), nil
}

// clientConfig is the on-disk shape of the client node cache.
type clientConfig struct {
	DeviceKey string  `json:"device_key"`
	NodeID    *uint16 `json:"node_id"`
}

// ClientCache persists this device's device_key and, once assigned, its
// node_id, at a JSON file on disk.
type ClientCache struct {
	path string
	cfg  clientConfig
}

// LoadOrCreateClientCache reads path, or creates it with a freshly
// minted device_key if absent.
func LoadOrCreateClientCache(path string) (*ClientCache, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var cfg clientConfig
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
			return nil, appErrors.Wrap(appErrors.ErrSerialization, "failed to parse node cache", jsonErr)
		}
		if cfg.DeviceKey == "" {
			cfg.DeviceKey = uuid.New()
		}
		return &ClientCache{path: path, cfg: cfg}, nil
	}
	if !os.IsNotExist(err) {
		return nil, appErrors.Wrap(appErrors.ErrInvalid, "failed to read node cache", err)
	}

	c := &ClientCache{path: path, cfg: clientConfig{DeviceKey: uuid.New()}}
	if err := c.save(); err != nil {
		return nil, err
	}
	return c, nil
}

// DeviceKey returns this client's stable device identifier.
func (c *ClientCache) DeviceKey() string {
	return c.cfg.DeviceKey
}

// NodeID returns the cached node id and whether one has been assigned.
func (c *ClientCache) NodeID() (uint16, bool) {
	if c.cfg.NodeID == nil {
		return 0, false
	}
	return *c.cfg.NodeID, true
}

func (c *ClientCache) setNodeID(nodeID uint16) error {
	c.cfg.NodeID = &nodeID
	return c.save()
}

func (c *ClientCache) save() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return appErrors.Wrap(appErrors.ErrInvalid, "failed to create node cache directory", err)
	}
	data, err := json.MarshalIndent(c.cfg, "", "  ")
	if err != nil {
		return appErrors.Wrap(appErrors.ErrSerialization, "failed to encode node cache", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return appErrors.Wrap(appErrors.ErrInvalid, "failed to write node cache", err)
	}
	return nil
}

// registrar is the subset of transport.HTTPTransport (or any
// transport.NodeRegistrar) EnsureNodeID needs.
type registrar interface {
	RegisterNode(ctx context.Context, deviceKey string) (uint16, error)
}

// EnsureNodeID returns this device's cached node_id, registering with
// server on first use and caching the result.
func EnsureNodeID(ctx context.Context, cache *ClientCache, server registrar) (uint16, error) {
	if nodeID, ok := cache.NodeID(); ok {
		return nodeID, nil
	}

	nodeID, err := server.RegisterNode(ctx, cache.DeviceKey())
	if err != nil {
		return 0, err
	}
	if err := cache.setNodeID(nodeID); err != nil {
		return 0, err
	}
	return nodeID, nil
}
