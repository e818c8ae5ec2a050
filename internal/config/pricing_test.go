package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPricing_Defaults(t *testing.T) {
	pricing, err := LoadPricing("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPricing(), pricing)
}

func TestLoadPricing_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := "model-a:\n  input: 1.5\n  output: 6\n  cache_read: 0.15\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	pricing, err := LoadPricing(path)
	require.NoError(t, err)
	assert.Equal(t, Price{Input: 1.5, Output: 6, CacheRead: 0.15}, pricing["model-a"])
	assert.Contains(t, pricing, "claude-sonnet-4-5")
}

func TestLoadPricing_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model-a: [not, a, price"), 0o600))

	_, err := LoadPricing(path)
	assert.Error(t, err)
}

func TestLoad_PricingFileEnvOverrides(t *testing.T) {
	t.Setenv("COMPACTION_THRESHOLD", "12")
	t.Setenv("CACHE_TTL", "30m")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("SUMMARY_MODEL", "")

	cfg := Load()
	assert.Equal(t, 12, cfg.CompactionThreshold)
	assert.Equal(t, "30m0s", cfg.CacheTTL.String())
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, cfg.DefaultModel, cfg.SummarizerModel())
}
