package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPagedText produces an annotated stream the way pdfextract does: one
// marker per non-empty page, pages joined with blank lines.
func buildPagedText(pages map[int]string, order []int) string {
	parts := make([]string, 0, len(order))
	for _, n := range order {
		parts = append(parts, fmt.Sprintf("<!-- Page %d -->\n%s", n, pages[n]))
	}
	return strings.Join(parts, "\n\n")
}

func repeatSentences(prefix string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s sentence number %d ends here. ", prefix, i)
	}
	return b.String()
}

func TestSplitDeterministic(t *testing.T) {
	text := buildPagedText(map[int]string{
		1: repeatSentences("Alpha", 40),
		2: repeatSentences("Beta", 40),
	}, []int{1, 2})
	p := Params{ChunkSize: 100, Overlap: 20, MinChunkSize: 10}

	first := Split(text, p)
	second := Split(text, p)

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestSplitShortTextProducesNoChunks(t *testing.T) {
	// Below the minimum chunk size (100 tokens = 400 chars by default).
	chunks := Split("<!-- Page 1 -->\nToo short to keep.", Params{})
	assert.Empty(t, chunks)
}

func TestSplitMarkerlessTextHasUnknownPages(t *testing.T) {
	text := repeatSentences("Plain", 30)
	chunks := Split(text, Params{ChunkSize: 50, Overlap: 10, MinChunkSize: 10})

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Nil(t, c.PageStart)
		assert.Nil(t, c.PageEnd)
	}
}

func TestSplitSnapsToSentenceBoundary(t *testing.T) {
	// A period sits inside the last 20% of the first window (chars 80..100),
	// so the first chunk must end just past it instead of at the raw cutoff.
	text := strings.Repeat("a", 85) + "." + strings.Repeat("b", 60)
	chunks := Split(text, Params{ChunkSize: 25, Overlap: 5, MinChunkSize: 5})

	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, strings.Repeat("a", 85)+".", chunks[0].Content)
	// The next window starts overlap characters before the snapped end.
	assert.True(t, strings.HasPrefix(chunks[1].Content, strings.Repeat("a", 19)+"."))
}

func TestSplitPageAttribution(t *testing.T) {
	// Page 2 was empty at extraction time, so the stream jumps from page 1 to
	// page 3. Chunks must be attributed to 1, 3, or the 1-3 span.
	text := buildPagedText(map[int]string{
		1: repeatSentences("First", 12),
		3: repeatSentences("Third", 12),
	}, []int{1, 3})
	chunks := Split(text, Params{ChunkSize: 50, Overlap: 10, MinChunkSize: 10})
	require.NotEmpty(t, chunks)

	sawSpan := false
	for _, c := range chunks {
		require.NotNil(t, c.PageStart)
		require.NotNil(t, c.PageEnd)
		assert.LessOrEqual(t, *c.PageStart, *c.PageEnd)
		assert.Contains(t, []int{1, 3}, *c.PageStart)
		assert.Contains(t, []int{1, 3}, *c.PageEnd)
		if *c.PageStart == 1 && *c.PageEnd == 3 {
			sawSpan = true
		}
	}
	assert.Equal(t, 1, *chunks[0].PageStart)
	assert.Equal(t, 3, *chunks[len(chunks)-1].PageEnd)
	assert.True(t, sawSpan, "some chunk should straddle the page boundary")
}

func TestPageRangeExactBoundaryOffsets(t *testing.T) {
	boundaries := []pageBoundary{{page: 1, start: 0}, {page: 2, start: 100}}

	cases := []struct {
		name       string
		start, end int
		wantStart  int
		wantEnd    int
	}{
		{"inside first page", 0, 99, 1, 1},
		{"end exactly on boundary", 0, 100, 1, 2},
		{"start exactly on boundary", 100, 150, 2, 2},
		{"straddling", 50, 150, 1, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ps, pe := pageRange(boundaries, tc.start, tc.end)
			require.NotNil(t, ps)
			require.NotNil(t, pe)
			assert.Equal(t, tc.wantStart, *ps)
			assert.Equal(t, tc.wantEnd, *pe)
		})
	}
}

func TestSplitLongSinglePageOverlap(t *testing.T) {
	// Default parameters (800/150/100 tokens) over a >10k character page:
	// consecutive chunks must share their overlap region and make progress.
	var b strings.Builder
	b.WriteString("<!-- Page 1 -->\n")
	lastSentence := ""
	for i := 0; b.Len() < 10500; i++ {
		lastSentence = fmt.Sprintf("The quick brown fox jumps over the lazy dog number %d.", i)
		b.WriteString(lastSentence + " ")
	}
	chunks := Split(b.String(), Params{})

	require.GreaterOrEqual(t, len(chunks), 3)
	for i, c := range chunks {
		assert.GreaterOrEqual(t, c.TokenCount, DefaultMinChunkSize, "chunk %d", i)
		assert.Equal(t, len(c.Content)/4, c.TokenCount, "chunk %d", i)
		require.NotNil(t, c.PageStart)
		assert.Equal(t, 1, *c.PageStart)
		assert.Equal(t, 1, *c.PageEnd)
	}
	for i := 0; i+1 < len(chunks); i++ {
		lead := chunks[i+1].Content[:400]
		assert.True(t, strings.Contains(chunks[i].Content, lead),
			"chunk %d should begin inside the overlap tail of chunk %d", i+1, i)
		assert.NotEqual(t, chunks[i].Content, chunks[i+1].Content)
	}

	// Nothing from either end of the document goes missing.
	assert.Contains(t, chunks[0].Content, "dog number 0.")
	assert.Contains(t, chunks[len(chunks)-1].Content, lastSentence)
}

func TestSplitMultibyteTextStaysValidUTF8(t *testing.T) {
	// CJK text is three bytes per rune; budgets and boundaries must count
	// characters so no chunk ever starts or ends mid-rune.
	text := "<!-- Page 1 -->\n" + strings.Repeat("模型检索系统说明。", 200)
	chunks := Split(text, Params{ChunkSize: 50, Overlap: 10, MinChunkSize: 5})

	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.True(t, utf8.ValidString(c.Content), "chunk %d", i)
		require.NotNil(t, c.PageStart)
		assert.Equal(t, 1, *c.PageStart)
	}

	// The first window is exactly ChunkSize*4 characters: no ASCII sentence
	// terminator exists here, so the raw cutoff stands, in runes not bytes.
	first := []rune(chunks[0].Content)
	assert.Len(t, first, 200)
	assert.Equal(t, 50, chunks[0].TokenCount)
}

func TestSplitCoversWholeDocument(t *testing.T) {
	text := buildPagedText(map[int]string{
		1: repeatSentences("Alpha", 25),
		2: repeatSentences("Beta", 25),
	}, []int{1, 2})
	chunks := Split(text, Params{ChunkSize: 60, Overlap: 15, MinChunkSize: 10})
	require.NotEmpty(t, chunks)

	joined := strings.Join(chunkContents(chunks), "\n")
	for _, probe := range []string{
		"Alpha sentence number 0 ends here.",
		"Alpha sentence number 24 ends here.",
		"Beta sentence number 0 ends here.",
		"Beta sentence number 24 ends here.",
	} {
		assert.Contains(t, joined, probe)
	}
}

func chunkContents(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out
}
