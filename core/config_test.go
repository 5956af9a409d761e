package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "us-east", cfg.Geo.LocalRegion)
	assert.Equal(t, 100, cfg.Optimizer.MaxConcurrent)
	assert.Equal(t, "none", cfg.Persistence.Provider)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
name: edge-discovery
geo:
  local_region: eu-west
  placement_strategy: hash
index:
  cache_ttl: 30s
persistence:
  provider: file
  path: /var/lib/meshindex/snapshot.json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "edge-discovery", cfg.Name)
	assert.Equal(t, "eu-west", cfg.Geo.LocalRegion)
	assert.Equal(t, "hash", cfg.Geo.PlacementStrategy)
	assert.Equal(t, 30*time.Second, cfg.Index.CacheTTL)
	assert.Equal(t, "file", cfg.Persistence.Provider)

	// Unset fields keep their defaults.
	assert.Equal(t, 100, cfg.Optimizer.MaxConcurrent)
	assert.Equal(t, 0.01, cfg.Index.FalsePositiveRate)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Setenv("MESHINDEX_LOCAL_REGION", "ap-south")
	t.Setenv("MESHINDEX_CACHE_TTL", "5s")
	t.Setenv("MESHINDEX_MAX_CONCURRENT", "25")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "ap-south", cfg.Geo.LocalRegion)
	assert.Equal(t, 5*time.Second, cfg.Index.CacheTTL)
	assert.Equal(t, 25, cfg.Optimizer.MaxConcurrent)
}

func TestApplyEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MESHINDEX_CACHE_TTL", "not-a-duration")
	t.Setenv("MESHINDEX_MAX_CONCURRENT", "-3")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, 60*time.Second, cfg.Index.CacheTTL)
	assert.Equal(t, 100, cfg.Optimizer.MaxConcurrent)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero false positive rate", func(c *Config) { c.Index.FalsePositiveRate = 0 }},
		{"false positive rate of one", func(c *Config) { c.Index.FalsePositiveRate = 1 }},
		{"no expected agents", func(c *Config) { c.Index.ExpectedAgents = 0 }},
		{"zero concurrency", func(c *Config) { c.Optimizer.MaxConcurrent = 0 }},
		{"zero batch size", func(c *Config) { c.Optimizer.BatchSize = 0 }},
		{"no query timeout", func(c *Config) { c.Geo.QueryTimeout = 0 }},
		{"bogus placement", func(c *Config) { c.Geo.PlacementStrategy = "teleport" }},
		{"bogus persistence", func(c *Config) { c.Persistence.Provider = "carrier-pigeon" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, IsValidation(err), "expected validation error, got %v", err)
		})
	}
}
