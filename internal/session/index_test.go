package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zacedev/zace/internal/types"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := OpenIndex(t.TempDir(), "s1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestSearch_NewestFirstAndBounded(t *testing.T) {
	ix := openTestIndex(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, ix.Message(types.RoleAssistant, fmt.Sprintf("note number %d", i)))
	}

	out, err := ix.Search("note", 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "note number 5", out[0].Content)
	assert.Equal(t, "note number 4", out[1].Content)
	assert.Equal(t, "note number 3", out[2].Content)
}

func TestSearch_CaseInsensitiveKeyword(t *testing.T) {
	ix := openTestIndex(t)
	require.NoError(t, ix.Message(types.RoleUser, "Fix the Parser bug"))
	require.NoError(t, ix.Message(types.RoleAssistant, "unrelated"))

	out, err := ix.Search("parser", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, types.RoleUser, out[0].Role)
	assert.NotEmpty(t, out[0].Timestamp)
}

func TestSearch_EmptyKeywordReturnsEverything(t *testing.T) {
	ix := openTestIndex(t)
	require.NoError(t, ix.Message(types.RoleUser, "a"))
	require.NoError(t, ix.Message(types.RoleUser, "b"))

	out, err := ix.Search("", 10)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestNilIndex_Safe(t *testing.T) {
	var ix *Index
	require.NoError(t, ix.Message(types.RoleUser, "x"))
	out, err := ix.Search("x", 5)
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, ix.Close())
}

func TestReopen_PersistsEntries(t *testing.T) {
	dir := t.TempDir()
	ix, err := OpenIndex(dir, "s2")
	require.NoError(t, err)
	require.NoError(t, ix.Message(types.RoleAssistant, "durable note"))
	require.NoError(t, ix.Close())

	ix2, err := OpenIndex(dir, "s2")
	require.NoError(t, err)
	defer ix2.Close()
	out, err := ix2.Search("durable", 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
}
