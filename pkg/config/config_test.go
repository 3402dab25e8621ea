package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sanonone/tempograph/pkg/core/sampler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
layers: 3
fanout: 10
sampling_strategy: uniform
seed: 7
cache_enabled: false
time_bucket_window: 0.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	opts, err := cfg.Options()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Layers != 3 || opts.Fanout != 10 || opts.Strategy != sampler.Uniform || opts.Seed != 7 {
		t.Errorf("explicit keys not applied: %+v", opts)
	}
	if opts.CacheEnabled || opts.TimeBucketWindow != 0.5 {
		t.Errorf("cache keys not applied: %+v", opts)
	}
	// Untouched keys keep their defaults.
	if !opts.DedupEnabled || !opts.IncludeDst || opts.CacheCapacity != 2_000_000 || opts.SamplerThreads <= 0 {
		t.Errorf("defaults lost: %+v", opts)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "fanout: 5\ncache_size: 10\n")
	if _, err := Load(path); err == nil {
		t.Fatal("unknown key should be rejected")
	}
}

func TestOptionsValidation(t *testing.T) {
	cases := map[string]string{
		"strategy": "sampling_strategy: newest\n",
		"layers":   "layers: 0\n",
		"capacity": "cache_capacity: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, body))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := cfg.Options(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestEmptyPathIsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("got %+v", cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
