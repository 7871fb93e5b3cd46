package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveHashesAndSizes(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	body := "G28\nG1 X10\n"
	saved, err := store.Save(strings.NewReader(body), "benchy.gcode")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(body))
	assert.Equal(t, hex.EncodeToString(sum[:]), saved.Hash)
	assert.EqualValues(t, len(body), saved.Size)
	assert.Equal(t, store.Dir(), filepath.Dir(saved.Path))

	name := filepath.Base(saved.Path)
	assert.True(t, strings.HasPrefix(name, "benchy-"))
	assert.True(t, strings.HasSuffix(name, ".gcode"))

	f, err := store.Open(saved.Path)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	count, total, err := store.Usage()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.EqualValues(t, len(body), total)
}

func TestSameNameGetsDistinctFiles(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	a, err := store.Save(strings.NewReader("a"), "part.gcode")
	require.NoError(t, err)
	b, err := store.Save(strings.NewReader("b"), "part.gcode")
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)
}

func TestRemoveIsConfinedToStore(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "keep.gcode")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	assert.ErrorIs(t, store.Remove(outside), ErrNotInStore)
	_, err = store.Open(outside)
	assert.ErrorIs(t, err, ErrNotInStore)

	saved, err := store.Save(strings.NewReader("x"), "cube.gcode")
	require.NoError(t, err)
	require.NoError(t, store.Remove(saved.Path))
	require.NoError(t, store.Remove(saved.Path))
	_, err = os.Stat(saved.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "cube.gcode", SafeName("../../etc/cube.gcode"))
	assert.Equal(t, "cube.gcode", SafeName(`C:\slicer\cube.gcode`))
	assert.Equal(t, "upload.gcode", SafeName(""))
	assert.Equal(t, "upload.gcode", SafeName(".."))
}
