package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub")
	require.NoError(t, Default.MkdirAll(dir, 0o755))

	name := filepath.Join(dir, "obj")
	require.NoError(t, WriteFile(Default, name, []byte("v1")))
	require.NoError(t, WriteFile(Default, name, []byte("v2")))

	data, err := ReadFile(Default, name)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	entries, err := Default.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "obj", entries[0].Name())

	renamed := filepath.Join(dir, "renamed")
	require.NoError(t, Default.Rename(name, renamed))
	info, err := Default.Stat(renamed)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size())

	require.NoError(t, Default.Remove(renamed))
	_, err = Default.Stat(renamed)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFaultyFS(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("wal-", Fault{FailAfterBytes: 4, FailOnSync: true})

	f, err := ffs.OpenFile(filepath.Join(dir, "wal-1.log"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = f.Write([]byte("de"))
	assert.ErrorIs(t, err, ErrInjected)
	assert.ErrorIs(t, f.Sync(), ErrInjected)

	ffs.ClearRules()
	_, err = f.Write([]byte("de"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	other, err := ffs.OpenFile(filepath.Join(dir, "checkpoint"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, isFaulty := other.(*faultyFile)
	assert.False(t, isFaulty)
	require.NoError(t, other.Close())

	ffs.AddRule("WRITE", Fault{FailAfterBytes: 0})
	assert.Error(t, WriteFile(ffs, filepath.Join(dir, "WRITE"), []byte("x")))
	_, err = os.Stat(filepath.Join(dir, "WRITE.tmp"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
