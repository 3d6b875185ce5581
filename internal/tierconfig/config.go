// Package tierconfig holds the YAML-loadable retention knobs for the
// example cmd/ binaries. The core packages (chunkstore, shard, the
// planners) never read a config file themselves — they take plain structs
// from their callers — so this package exists purely for cmd/coordinator
// and cmd/node to have something to load at startup instead of wiring every
// knob through an environment variable.
package tierconfig

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/promshard/internal/chunkstore"
)

// TierConfig describes the retention and chunking knobs for one storage
// tier (e.g. the in-memory raw tier or a downsampled tier), loaded from a
// YAML file on disk.
type TierConfig struct {
	// Name identifies the tier, e.g. "raw" or "5m-downsampled".
	Name string `yaml:"name"`

	// MaxChunkSize caps the number of samples buffered per chunk before
	// it's sealed. See chunkstore.StoreConfig.MaxChunkSize.
	MaxChunkSize int `yaml:"max_chunk_size"`

	// ChunkDuration bounds the wall-clock span of samples a single chunk
	// may cover before it's sealed, independent of sample count.
	ChunkDuration time.Duration `yaml:"chunk_duration"`

	// Retention is how long samples in this tier are to be kept. StoreConfig
	// does not carry it, so no retention bound is applied to shards set up
	// from this tier.
	Retention time.Duration `yaml:"retention"`

	// MaxPartitions caps the number of time-series partitions a shard on
	// this tier may hold resident. StoreConfig does not carry it, so no
	// eviction policy is built from it.
	MaxPartitions int `yaml:"max_partitions"`
}

// Config is the root document loaded from a tier-config YAML file: the
// shard count for the cluster and the list of tiers it serves.
type Config struct {
	NumShards int          `yaml:"num_shards"`
	Tiers     []TierConfig `yaml:"tiers"`
}

// DefaultConfig returns the single-tier configuration cmd/node falls back
// to when no tier config file is supplied.
func DefaultConfig() Config {
	return Config{
		NumShards: 16,
		Tiers: []TierConfig{
			{
				Name:          "raw",
				MaxChunkSize:  1024,
				ChunkDuration: 2 * time.Hour,
				Retention:     24 * time.Hour,
				MaxPartitions: 10000,
			},
		},
	}
}

// Load reads and parses a tier-config YAML file from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading tier config")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing tier config")
	}
	if len(cfg.Tiers) == 0 {
		return Config{}, errors.New("tier config must declare at least one tier")
	}
	return cfg, nil
}

// RawTier returns the first tier named "raw", or the first declared tier if
// none is named "raw". cmd/node uses this tier's knobs to configure the
// shards it owns; downsampled tiers are declared for forward compatibility
// with a future rollup path but aren't yet consulted by any planner.
func (c Config) RawTier() TierConfig {
	for _, t := range c.Tiers {
		if t.Name == "raw" {
			return t
		}
	}
	return c.Tiers[0]
}

// StoreConfig converts this tier's MaxChunkSize and ChunkDuration into the
// chunkstore.StoreConfig a shard is set up with. Retention and MaxPartitions
// are not carried over: Eviction and EarliestRetainedFn are left unset.
func (t TierConfig) StoreConfig() chunkstore.StoreConfig {
	return chunkstore.StoreConfig{
		MaxChunkSize:    t.MaxChunkSize,
		ChunkDurationMs: t.ChunkDuration.Milliseconds(),
	}
}
