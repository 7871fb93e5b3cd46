package moonraker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDirectoryShapesAgree(t *testing.T) {
	split := []byte(`{
		"dirs": [{"dirname": "prints", "modified": 2.0, "permissions": "rw"}],
		"files": [
			{"filename": "b.gcode", "size": 20, "modified": 3.0},
			{"filename": "A.gcode", "size": 10, "modified": 1.0}
		]
	}`)
	items := []byte(`{
		"items": [
			{"name": "b.gcode", "path": "gcodes/b.gcode", "type": "file", "size": 20, "modified": 3.0},
			{"name": "prints", "path": "gcodes/prints", "type": "dir", "modified": 2.0, "permissions": "rw"},
			{"path": "gcodes/A.gcode", "size": 10, "modified": 1.0}
		]
	}`)

	fromSplit := NormalizeDirectory("gcodes", split)
	fromItems := NormalizeDirectory("gcodes", items)

	require.Len(t, fromSplit, 3)
	assert.Equal(t, fromSplit, fromItems)

	assert.Equal(t, "prints", fromSplit[0].Name)
	assert.Equal(t, "dir", fromSplit[0].Type)
	assert.Equal(t, "gcodes/prints", fromSplit[0].Path)
	assert.Nil(t, fromSplit[0].Size)
	assert.Equal(t, "A.gcode", fromSplit[1].Name)
	assert.Equal(t, "b.gcode", fromSplit[2].Name)
	require.NotNil(t, fromSplit[2].Size)
	assert.EqualValues(t, 20, *fromSplit[2].Size)
}

func TestNormalizeDirectoryEmpty(t *testing.T) {
	assert.Empty(t, NormalizeDirectory("gcodes", []byte(`{}`)))
	assert.Empty(t, NormalizeDirectory("gcodes", []byte(`garbage`)))
}

func TestSplitRootPath(t *testing.T) {
	tests := []struct {
		in, root, rest string
	}{
		{"gcodes/cube.gcode", "gcodes", "cube.gcode"},
		{"gcodes/sub/cube.gcode", "gcodes", "sub/cube.gcode"},
		{"cube.gcode", "gcodes", "cube.gcode"},
		{"/config/printer.cfg", "config", "printer.cfg"},
	}
	for _, tt := range tests {
		root, rest := SplitRootPath(tt.in)
		assert.Equal(t, tt.root, root, tt.in)
		assert.Equal(t, tt.rest, rest, tt.in)
	}
}
