// Package config loads pipeline settings from a YAML file.
package config

import (
	"fmt"
	"os"

	"github.com/sanonone/tempograph/pkg/core/sampler"
	"github.com/sanonone/tempograph/pkg/engine"
	"gopkg.in/yaml.v3"
)

// Config mirrors engine.Options with YAML keys.
type Config struct {
	Layers           int     `yaml:"layers"`
	Fanout           int     `yaml:"fanout"`
	SamplingStrategy string  `yaml:"sampling_strategy"`
	SamplerThreads   int     `yaml:"sampler_threads"`
	Seed             uint64  `yaml:"seed"`
	DedupEnabled     bool    `yaml:"dedup_enabled"`
	CacheEnabled     bool    `yaml:"cache_enabled"`
	CacheCapacity    int     `yaml:"cache_capacity"`
	CacheShards      int     `yaml:"cache_shards"`
	TimeBucketWindow float64 `yaml:"time_bucket_window"`
	PreloadEnabled   bool    `yaml:"preload_enabled"`
	PreloadPinned    bool    `yaml:"preload_pinned"`
	IncludeDst       bool    `yaml:"include_dst"`
}

// DefaultConfig returns engine.DefaultOptions as a Config.
func DefaultConfig() Config {
	o := engine.DefaultOptions()
	return Config{
		Layers:           o.Layers,
		Fanout:           o.Fanout,
		SamplingStrategy: string(o.Strategy),
		SamplerThreads:   o.SamplerThreads,
		Seed:             o.Seed,
		DedupEnabled:     o.DedupEnabled,
		CacheEnabled:     o.CacheEnabled,
		CacheCapacity:    o.CacheCapacity,
		CacheShards:      o.CacheShards,
		TimeBucketWindow: o.TimeBucketWindow,
		PreloadEnabled:   o.PreloadEnabled,
		PreloadPinned:    o.PreloadPinned,
		IncludeDst:       o.IncludeDst,
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are an
// error. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open pipeline config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("YAML syntax error in pipeline config: %w", err)
	}
	return cfg, nil
}

// Options converts the config and validates the result.
func (c Config) Options() (engine.Options, error) {
	strategy, err := sampler.ParseStrategy(c.SamplingStrategy)
	if err != nil {
		return engine.Options{}, err
	}
	opts := engine.Options{
		Layers:           c.Layers,
		Fanout:           c.Fanout,
		Strategy:         strategy,
		SamplerThreads:   c.SamplerThreads,
		Seed:             c.Seed,
		DedupEnabled:     c.DedupEnabled,
		CacheEnabled:     c.CacheEnabled,
		CacheCapacity:    c.CacheCapacity,
		CacheShards:      c.CacheShards,
		TimeBucketWindow: c.TimeBucketWindow,
		PreloadEnabled:   c.PreloadEnabled,
		PreloadPinned:    c.PreloadPinned,
		IncludeDst:       c.IncludeDst,
	}
	if opts.SamplerThreads <= 0 {
		opts.SamplerThreads = engine.DefaultOptions().SamplerThreads
	}
	if err := opts.Validate(); err != nil {
		return engine.Options{}, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return opts, nil
}
