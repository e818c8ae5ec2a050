package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_ShortTextIsOneChunk(t *testing.T) {
	chunks := Split("doc", "  a short text  ", 100, 10)
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short text", chunks[0].Text)
	assert.Equal(t, "doc", chunks[0].DocumentID)
}

func TestSplit_EmptyText(t *testing.T) {
	assert.Empty(t, Split("doc", "   ", 100, 10))
}

func TestSplit_WindowsOverlapAndCoverText(t *testing.T) {
	words := make([]string, 300)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	chunks := Split("doc", text, 100, 20)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, len([]rune(c.Text)), 100)
		assert.False(t, strings.HasPrefix(c.Text, "ord"), "chunk %d starts mid-word", i)
	}
	assert.True(t, strings.HasSuffix(text, chunks[len(chunks)-1].Text))
}

func TestSplit_MultibyteRunes(t *testing.T) {
	text := strings.Repeat("日本語のテキスト", 50)
	chunks := Split("doc", text, 64, 8)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Text)), 64)
	}
}

func TestSplit_InvalidOverlapIsClamped(t *testing.T) {
	chunks := Split("doc", strings.Repeat("x", 500), 100, 100)
	assert.NotEmpty(t, chunks)
	assert.Less(t, len(chunks), 10)
}
