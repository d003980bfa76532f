package preprocess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanStripsScriptsAndNav(t *testing.T) {
	html := `<html><head><script>evil()</script></head><body><nav>Home</nav><article>Hello <b>World</b></article></body></html>`
	text, method := Clean(html, "text/html")
	assert.Equal(t, "html_strip", method)
	assert.Contains(t, text, "Hello")
	assert.Contains(t, text, "World")
	assert.NotContains(t, text, "evil")
	assert.NotContains(t, text, "Home")
}

func TestCleanFallsBackToRawOnPlainText(t *testing.T) {
	text, method := Clean("just some plain text", "text/plain")
	assert.Equal(t, "raw", method)
	assert.Equal(t, "just some plain text", text)
}

func TestCleanFallsBackWhenExtractionYieldsNothing(t *testing.T) {
	text, method := Clean("<html><body><script>a</script><style>b</style></body></html>", "text/html")
	assert.Equal(t, "raw_fallback", method)
	assert.NotEmpty(t, text)
}

func TestSplitEmptyTextYieldsNoChunks(t *testing.T) {
	chunks := Split("", DefaultChunkConfig())
	assert.Empty(t, chunks)
}

func TestSplitShortTextYieldsOneChunk(t *testing.T) {
	chunks := Split("short text", DefaultChunkConfig())
	assert.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
}

func TestSplitLongTextProducesDenseIndicesAndOverlap(t *testing.T) {
	cfg := ChunkConfig{MaxChunkSize: 100, OverlapSize: 20, MaxChunks: 50}
	text := strings.Repeat("a", 250)

	chunks := Split(text, cfg)
	require := assert.New(t)
	require.True(len(chunks) > 1)
	for i, c := range chunks {
		require.Equal(i, c.Index)
		require.NotEmpty(c.Text)
	}

	first := []rune(chunks[0].Text)
	second := []rune(chunks[1].Text)
	overlapFromFirst := string(first[len(first)-cfg.OverlapSize:])
	overlapFromSecond := string(second[:cfg.OverlapSize])
	require.Equal(overlapFromFirst, overlapFromSecond)
}

func TestSplitRespectsMaxChunks(t *testing.T) {
	cfg := ChunkConfig{MaxChunkSize: 10, OverlapSize: 2, MaxChunks: 3}
	text := strings.Repeat("x", 1000)

	chunks := Split(text, cfg)
	assert.LessOrEqual(t, len(chunks), 3)
}

func TestContentHashIsDeterministic(t *testing.T) {
	assert.Equal(t, ContentHash("hello"), ContentHash("hello"))
	assert.NotEqual(t, ContentHash("hello"), ContentHash("world"))
}
