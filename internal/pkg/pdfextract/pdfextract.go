// Package pdfextract pulls per-page text out of a PDF and annotates it with
// page markers so the chunker can attribute chunks back to pages.
package pdfextract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

type pageText struct {
	number int
	text   string
}

// ComputeSHA256 returns the hex-encoded SHA-256 digest of the file content,
// used for per-user duplicate detection.
func ComputeSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ExtractText reads the entire content of r and extracts plain text from the
// PDF. Each page with non-empty text is prefixed with a "<!-- Page N -->"
// marker (1-based, in page order); empty pages are dropped from the stream but
// still count toward pageCount. An empty result with a nil error means the PDF
// had no extractable text.
func ExtractText(r io.Reader) (text string, pageCount int, err error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("read pdf failed: %w", err)
	}
	if len(b) == 0 {
		return "", 0, fmt.Errorf("pdf is empty")
	}

	// The pdf library panics on some malformed cross-reference tables.
	defer func() {
		if rec := recover(); rec != nil {
			text, pageCount = "", 0
			err = fmt.Errorf("parse pdf failed: %v", rec)
		}
	}()

	readerAt := bytes.NewReader(b)
	pdfReader, err := pdf.NewReader(readerAt, int64(len(b)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf failed: %w", err)
	}

	pageCount = pdfReader.NumPage()
	pages := make([]pageText, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		page := pdfReader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the document.
			continue
		}
		pages = append(pages, pageText{number: i, text: content})
	}

	return annotate(pages), pageCount, nil
}

// annotate joins non-empty pages into one stream, each prefixed with its page
// marker. Pages whose text is blank are skipped entirely.
func annotate(pages []pageText) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if strings.TrimSpace(p.text) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("<!-- Page %d -->\n%s", p.number, p.text))
	}
	return strings.Join(parts, "\n\n")
}
