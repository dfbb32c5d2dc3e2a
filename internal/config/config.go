// Package config loads and validates the YAML node/cluster configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docraft/docraft/internal/types"
)

type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Timing      TimingConfig      `yaml:"timing"`
	Replication ReplicationConfig `yaml:"replication"`
	Network     NetworkConfig     `yaml:"network"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type NodeConfig struct {
	ID               string `yaml:"id"`
	Address          string `yaml:"address"`
	DataDir          string `yaml:"data_dir"`
	SnapshotInterval uint64 `yaml:"snapshot_interval"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type TimingConfig struct {
	ElectionTimeoutMinMS int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS int `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMS  int `yaml:"heartbeat_interval_ms"`
}

type ReplicationConfig struct {
	BatchSize int `yaml:"batch_size"`
}

type NetworkConfig struct {
	CallTimeoutMS      int `yaml:"call_timeout_ms"`
	MaxAttempts        int `yaml:"max_attempts"`
	BaseBackoffMS      int `yaml:"base_backoff_ms"`
	MaxBackoffMS       int `yaml:"max_backoff_ms"`
	PartitionThreshold int `yaml:"partition_threshold"`
	ProbeIntervalMS    int `yaml:"probe_interval_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.SnapshotInterval == 0 {
		c.Node.SnapshotInterval = 1000
	}
	if c.Timing.ElectionTimeoutMinMS == 0 {
		c.Timing.ElectionTimeoutMinMS = 150
	}
	if c.Timing.ElectionTimeoutMaxMS == 0 {
		c.Timing.ElectionTimeoutMaxMS = 300
	}
	if c.Timing.HeartbeatIntervalMS == 0 {
		c.Timing.HeartbeatIntervalMS = 50
	}
	if c.Replication.BatchSize == 0 {
		c.Replication.BatchSize = 64
	}
	if c.Network.CallTimeoutMS == 0 {
		c.Network.CallTimeoutMS = 100
	}
	if c.Network.MaxAttempts == 0 {
		c.Network.MaxAttempts = 3
	}
	if c.Network.BaseBackoffMS == 0 {
		c.Network.BaseBackoffMS = 20
	}
	if c.Network.MaxBackoffMS == 0 {
		c.Network.MaxBackoffMS = 500
	}
	if c.Network.PartitionThreshold == 0 {
		c.Network.PartitionThreshold = 5
	}
	if c.Network.ProbeIntervalMS == 0 {
		c.Network.ProbeIntervalMS = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}
	if c.Timing.ElectionTimeoutMinMS >= c.Timing.ElectionTimeoutMaxMS {
		return fmt.Errorf("timing.election_timeout_min_ms must be less than election_timeout_max_ms")
	}
	if c.Timing.HeartbeatIntervalMS >= c.Timing.ElectionTimeoutMinMS {
		return fmt.Errorf("timing.heartbeat_interval_ms must be less than election_timeout_min_ms")
	}

	found := false
	unique := make(map[string]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == "" || peer.Address == "" {
			return fmt.Errorf("every peer needs an id and an address")
		}
		if unique[peer.ID] {
			return fmt.Errorf("duplicate peer id: %s", peer.ID)
		}
		unique[peer.ID] = true
		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.Address {
				return fmt.Errorf("node address mismatch: node.address=%s but peer address=%s",
					c.Node.Address, peer.Address)
			}
		}
	}
	if !found {
		return fmt.Errorf("node.id=%s not found in cluster.peers", c.Node.ID)
	}
	return nil
}

// PeerMap returns id -> address for every peer, including self.
func (c *Config) PeerMap() map[types.NodeID]string {
	out := make(map[types.NodeID]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		out[types.NodeID(peer.ID)] = peer.Address
	}
	return out
}

// PeerIDs returns the ids of all peers except self.
func (c *Config) PeerIDs() []types.NodeID {
	var out []types.NodeID
	for _, peer := range c.Cluster.Peers {
		if peer.ID != c.Node.ID {
			out = append(out, types.NodeID(peer.ID))
		}
	}
	return out
}

func (c *Config) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.Timing.ElectionTimeoutMinMS) * time.Millisecond
}

func (c *Config) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.Timing.ElectionTimeoutMaxMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Timing.HeartbeatIntervalMS) * time.Millisecond
}
