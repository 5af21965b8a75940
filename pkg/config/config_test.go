package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgraph/termgraph/pkg/relation"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8087, cfg.Server.Port)
	assert.Equal(t, 0.9, cfg.Inference.Decay)
	assert.Equal(t, 0.75, cfg.Inference.MinConfidence)
	assert.Equal(t, 3, cfg.Inference.MaxDepth)
	assert.Equal(t, int64(5000), cfg.Storage.ActivationThreshold)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TERMGRAPH_HTTP_PORT", "9999")
	t.Setenv("TERMGRAPH_INFER_DECAY", "0.8")
	t.Setenv("TERMGRAPH_SQLITE_PATH", ":memory:")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 0.8, cfg.Inference.Decay)
	assert.Equal(t, ":memory:", cfg.Storage.SQLitePath)
}

func TestYAMLFileAndPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
inference:
  decay: 0.85
  max_depth: 4
types:
  - name: causes
    transitive: true
`), 0o644))

	// Environment beats the file.
	t.Setenv("TERMGRAPH_CONFIG", path)
	t.Setenv("TERMGRAPH_INFER_DECAY", "0.95")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 0.95, cfg.Inference.Decay)
	assert.Equal(t, 4, cfg.Inference.MaxDepth)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	spec, err := reg.Spec("causes")
	require.NoError(t, err)
	assert.True(t, spec.Transitive)
	// Built-ins survive extension.
	assert.True(t, reg.Known(relation.TypeIsA))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"sqlite path", func(c *Config) { c.Storage.SQLitePath = "" }},
		{"decay", func(c *Config) { c.Inference.Decay = 1.5 }},
		{"min confidence", func(c *Config) { c.Inference.MinConfidence = -1 }},
		{"max depth", func(c *Config) { c.Inference.MaxDepth = 0 }},
		{"unnamed type", func(c *Config) { c.Types = []relation.TypeSpec{{}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/does/not/exist.yaml")
	assert.Error(t, err)
}
