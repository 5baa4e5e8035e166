package update

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeAtomic(t *testing.T) {
	stored := Document{"id": "a", "n": json.Number("1.5"), "tags": []any{"x"}, VersionField: json.Number("7")}
	out, err := MergeAtomic(stored, Document{
		"id":   "a",
		"n":    map[string]any{"inc": 1},
		"tags": map[string]any{"add": []any{"y", "z"}},
		"new":  map[string]any{"inc": "3"},
		"raw":  map[string]any{"set": "v", "extra": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.5, out["n"])
	assert.Equal(t, []any{"x", "y", "z"}, out["tags"])
	assert.Equal(t, int64(3), out["new"])
	assert.Equal(t, map[string]any{"set": "v", "extra": 1}, out["raw"], "two keys is a plain value")
	assert.Equal(t, json.Number("1.5"), stored["n"], "stored document is not modified")
}

func TestMergeAtomicErrors(t *testing.T) {
	_, err := MergeAtomic(Document{"id": "a"}, Document{"id": map[string]any{"set": "b"}})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = MergeAtomic(Document{"id": "a", "n": "abc"}, Document{"id": "a", "n": map[string]any{"inc": 1}})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestIsAtomic(t *testing.T) {
	assert.False(t, IsAtomic(Document{"id": "a", "f": "v"}))
	assert.True(t, IsAtomic(Document{"id": "a", "f": map[string]any{"set": "v"}}))
	assert.False(t, IsAtomic(Document{"id": "a", "f": map[string]any{"put": "v"}}))
}
