package mapfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMapsContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Sample.bin")
	require.NoError(t, os.WriteFile(path, []byte("\xcf\xfa\xed\xfe payload"), 0o644))

	mf, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "Sample.bin", mf.Name())
	assert.Equal(t, []byte("\xcf\xfa\xed\xfe payload"), mf.Data)
	require.NoError(t, mf.Close())
	assert.Nil(t, mf.Data)
	require.NoError(t, mf.Close())
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	mf, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, mf.Data)
	require.NoError(t, mf.Close())
}

func TestOpenMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing")
	_, err := Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), path)
}

func TestOpenDirectory(t *testing.T) {
	_, err := Open(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a directory")
}
