// Package gossnap carries the daemon configuration shared by cmd/gossnapd
// and the tests that exercise full wiring.
package gossnap

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/gossnap/gossip"
)

// MainnetChain is the default chain identifier (bitcoin genesis hash, as
// carried on the wire).
const MainnetChain = "6fe28c0ab6f1b372c1a6a246ae63f74f931e8365e15a089c68d6190000000000"

// Config configures the gossnap daemon.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// DBPath is the SQLite database path.
	DBPath string `yaml:"db_path"`
	// Chain is the hex chain identifier embedded in every snapshot.
	Chain string `yaml:"chain"`
	// FeedAddr is the upstream gossip feed (tcp host:port).
	FeedAddr string `yaml:"feed_addr"`

	// Horizon is the staleness horizon: channels with no update younger
	// than this are pruned from the servable view.
	Horizon time.Duration `yaml:"horizon"`
	// BucketInterval rounds client reference timestamps for cache keying.
	BucketInterval time.Duration `yaml:"bucket_interval"`
	// CacheEntries bounds the snapshot LRU.
	CacheEntries int `yaml:"cache_entries"`

	// OrphanRetention is how long an update may wait for its channel
	// announcement.
	OrphanRetention time.Duration `yaml:"orphan_retention"`
	// OrphanLimit caps the orphan holding set.
	OrphanLimit int `yaml:"orphan_limit"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.DBPath == "" {
		c.DBPath = "data/gossip.db"
	}
	if c.Chain == "" {
		c.Chain = MainnetChain
	}
	if c.Horizon <= 0 {
		c.Horizon = 14 * 24 * time.Hour
	}
	if c.BucketInterval <= 0 {
		c.BucketInterval = time.Hour
	}
	if c.CacheEntries <= 0 {
		c.CacheEntries = 64
	}
	if c.OrphanRetention <= 0 {
		c.OrphanRetention = 30 * time.Minute
	}
	if c.OrphanLimit <= 0 {
		c.OrphanLimit = 8192
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads a yaml config from path and fills defaults. An empty path
// returns the defaults alone.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.defaults()
	return c, nil
}

// ChainHash decodes the configured chain identifier.
func (c *Config) ChainHash() (gossip.ChainHash, error) {
	var h gossip.ChainHash
	b, err := hex.DecodeString(c.Chain)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("config: chain must be %d hex bytes", len(h))
	}
	copy(h[:], b)
	return h, nil
}
