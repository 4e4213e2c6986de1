package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codementor-bot/codementor/internal/cache"
	"github.com/codementor-bot/codementor/internal/codec"
)

func TestWriteEntries(t *testing.T) {
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	key := codec.Encode("Merge conflicted file content:\n<<<<<<< feature_branch\nx = 1\n")
	require.NoError(t, c.Update(key, codec.Encode(`{"code":"x"}`)))

	entries, err := c.Entries()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeEntries(&buf, entries))
	out := buf.String()

	require.Contains(t, out, "Merge conflicted file content: <<<<<<< feature_branch")
	require.Contains(t, out, entries[0].PayloadFile)
	require.Contains(t, out, "1 entries")
}

func TestShorten(t *testing.T) {
	require.Equal(t, "short", shorten("short", 10))
	require.Equal(t, "abcdefg...", shorten("abcdefghijklmnop", 10))
	require.Equal(t, "<undecodable>", promptPreview("%%%"))
}
