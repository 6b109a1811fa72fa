package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/etc/addr2sym.yaml", []byte(`
arch: arm64e
uuid: 0A1B2C3D-4E5F-6071-8293-A4B5C6D7E8F9
file_offset_type: true
log_level: debug
`), 0o644))

	cfg, err := Load(fsys, "/etc/addr2sym.yaml", true)
	require.NoError(t, err)
	assert.Equal(t, &Config{
		Arch:           "arm64e",
		UUID:           "0A1B2C3D-4E5F-6071-8293-A4B5C6D7E8F9",
		FileOffsetType: true,
		LogLevel:       "debug",
	}, cfg)
}

func TestLoadMissing(t *testing.T) {
	fsys := afero.NewMemMapFs()

	cfg, err := Load(fsys, "/home/u/.addr2sym.yaml", false)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)

	_, err = Load(fsys, "/nowhere.yaml", true)
	assert.ErrorContains(t, err, "failed to read config")
}

func TestLoadRejectsBadInput(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "unknown.yaml", []byte("archh: arm64\n"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "level.yaml", []byte("log_level: loud\n"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "empty.yaml", nil, 0o644))

	_, err := Load(fsys, "unknown.yaml", true)
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = Load(fsys, "level.yaml", true)
	assert.ErrorContains(t, err, "log_level must be one of")

	cfg, err := Load(fsys, "empty.yaml", true)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfig, "")

	p, explicit := Path("")
	assert.Equal(t, filepath.Join(home, DefaultFile), p)
	assert.False(t, explicit)

	t.Setenv(EnvConfig, "/env.yaml")
	p, explicit = Path("")
	assert.Equal(t, "/env.yaml", p)
	assert.True(t, explicit)

	p, explicit = Path("/flag.yaml")
	assert.Equal(t, "/flag.yaml", p)
	assert.True(t, explicit)
}
