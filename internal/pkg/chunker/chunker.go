// Package chunker splits page-annotated document text into overlapping,
// sentence-aligned segments tagged with their originating page range.
//
// Sizes are expressed in tokens and approximated as characters/4; this is a
// heuristic, not a tokenizer. All offsets and budgets count runes so that
// multi-byte text never gets cut mid-character. The input is the annotated
// stream produced by pdfextract, where each page begins with a
// "<!-- Page N -->" marker.
package chunker

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the target chunk size in tokens.
	DefaultChunkSize = 800
	// DefaultOverlap is the overlap between consecutive chunks in tokens.
	// Must stay strictly below the chunk size or the cursor cannot advance.
	DefaultOverlap = 150
	// DefaultMinChunkSize is the minimum size in tokens below which a
	// trimmed segment is discarded.
	DefaultMinChunkSize = 100

	charsPerToken = 4
)

var pageMarkerPattern = regexp.MustCompile(`<!-- Page (\d+) -->\n`)

// Params are the chunking parameters, all in tokens. Zero or negative values
// fall back to the defaults.
type Params struct {
	ChunkSize    int
	Overlap      int
	MinChunkSize int
}

// Chunk is one segment of the flattened text. PageStart/PageEnd are 1-based
// inclusive page numbers; nil means the page could not be attributed.
type Chunk struct {
	Content    string
	PageStart  *int
	PageEnd    *int
	TokenCount int
}

// pageBoundary records the rune offset in the flat buffer at which a page's
// content begins. Boundaries are produced in ascending offset order.
type pageBoundary struct {
	page  int
	start int
}

func (p Params) withDefaults() Params {
	if p.ChunkSize <= 0 {
		p.ChunkSize = DefaultChunkSize
	}
	if p.Overlap <= 0 {
		p.Overlap = DefaultOverlap
	}
	if p.MinChunkSize <= 0 {
		p.MinChunkSize = DefaultMinChunkSize
	}
	return p
}

// Split chunks annotated text with a sliding window over runes. The window end
// snaps back to the nearest sentence terminator found in the last 20% of the
// window so chunks avoid splitting mid-sentence; segments shorter than the
// minimum size after trimming are dropped. Identical input and parameters
// always produce identical output.
func Split(text string, p Params) []Chunk {
	p = p.withDefaults()

	charChunkSize := p.ChunkSize * charsPerToken
	charOverlap := p.Overlap * charsPerToken
	charMinSize := p.MinChunkSize * charsPerToken

	flat, boundaries := stripMarkers(text)

	var chunks []Chunk
	start := 0
	for start < len(flat) {
		end := start + charChunkSize
		if end > len(flat) {
			end = len(flat)
		}
		if end < len(flat) {
			end = snapToSentence(flat, start, end)
		}

		segment := strings.TrimSpace(string(flat[start:end]))
		if utf8.RuneCountInString(segment) >= charMinSize {
			pageStart, pageEnd := pageRange(boundaries, start, end)
			chunks = append(chunks, Chunk{
				Content:    segment,
				PageStart:  pageStart,
				PageEnd:    pageEnd,
				TokenCount: utf8.RuneCountInString(segment) / charsPerToken,
			})
		}

		next := end - charOverlap
		if next <= 0 || end >= len(flat) {
			break
		}
		start = next
	}
	return chunks
}

// stripMarkers flattens the annotated text into a rune buffer without markers
// and records where each page's content begins. Text without any marker is
// kept whole and attributed to an unknown page range.
func stripMarkers(text string) ([]rune, []pageBoundary) {
	markers := pageMarkerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(markers) == 0 {
		return []rune(text), nil
	}

	var flat []rune
	boundaries := make([]pageBoundary, 0, len(markers))
	for i, m := range markers {
		page, _ := strconv.Atoi(text[m[2]:m[3]])

		segEnd := len(text)
		if i+1 < len(markers) {
			segEnd = markers[i+1][0]
		}

		boundaries = append(boundaries, pageBoundary{page: page, start: len(flat)})
		flat = append(flat, []rune(text[m[1]:segEnd])...)
		flat = append(flat, '\n', '\n')
	}
	return flat, boundaries
}

// snapToSentence searches backward from end for a sentence terminator within
// the last 20% of the window. Terminators are tried in priority order and the
// last occurrence strictly after start wins; without a usable match the raw
// end is kept.
func snapToSentence(s []rune, start, end int) int {
	searchStart := int(float64(end) * 0.8)
	if searchStart < 0 {
		searchStart = 0
	}
	for _, term := range []rune{'.', '!', '?', '\n'} {
		pos := lastIndexRune(s, term, searchStart, end)
		if pos > start {
			return pos + 1
		}
	}
	return end
}

// lastIndexRune returns the index of the last occurrence of term in s within
// [from, to), or -1.
func lastIndexRune(s []rune, term rune, from, to int) int {
	for i := to - 1; i >= from; i-- {
		if s[i] == term {
			return i
		}
	}
	return -1
}

// pageRange attributes a [start, end) span to pages by nearest preceding
// boundary: the start page is the last boundary at or before start, the end
// page the last boundary at or before end. Boundaries ascend, so the scan can
// stop at the first boundary past end.
func pageRange(boundaries []pageBoundary, start, end int) (*int, *int) {
	var pageStart, pageEnd *int
	for _, b := range boundaries {
		if b.start <= start {
			p := b.page
			pageStart = &p
		}
		if b.start <= end {
			p := b.page
			pageEnd = &p
		} else {
			break
		}
	}
	return pageStart, pageEnd
}
