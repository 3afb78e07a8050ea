package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calm.toml")
	body := `
arches = ["x86_64", "noarch"]

[paths]
relarea = "/srv/release"
homedir = "/srv/home"

[retention]
keep-count = 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"x86_64", "noarch"}, cfg.Arches)
	assert.Equal(t, "/srv/release", cfg.Paths.Relarea)
	assert.Equal(t, 5, cfg.Retention.KeepCount)
	assert.Equal(t, 2, cfg.Retention.KeepCountTest, "unset fields keep their default")
}

func TestLoadRejectsEmptyArches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calm.toml")
	require.NoError(t, os.WriteFile(path, []byte("arches = []\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
