// Package chunker splits extracted text into overlapping windows that prefer
// sentence boundaries over mid-word cuts.
package chunker

import (
	"fmt"
	"unicode"

	"github.com/kailas-cloud/corpusdex/internal/domain"
)

// maxLookback caps how far a chunk end may be pulled back to meet a sentence
// boundary, independent of the configured overlap.
const maxLookback = 120

// Span is one chunk window. Start and End are rune offsets into the source
// text; End is exclusive.
type Span struct {
	Start int
	End   int
	Text  string
}

// Chunker produces overlapping spans of a fixed target size.
type Chunker struct {
	size     int
	overlap  int
	lookback int
}

// New creates a chunker. size and overlap are in runes; overlap must be
// strictly less than size.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf(
			"chunk size %d, overlap %d: %w", size, overlap, domain.ErrInvalidChunkConfig,
		)
	}
	lookback := overlap - 1
	if lookback > maxLookback {
		lookback = maxLookback
	}
	if lookback < 0 {
		lookback = 0
	}
	return &Chunker{size: size, overlap: overlap, lookback: lookback}, nil
}

// Split tiles the text with spans starting at i*(size-overlap). Every span end
// except the last is snapped to the nearest sentence boundary (then word
// boundary) within the lookback window; the last span is truncated to the
// remaining text and is never empty.
func (c *Chunker) Split(text string) []Span {
	runes := []rune(text)
	total := len(runes)
	if total == 0 {
		return nil
	}

	stride := c.size - c.overlap
	var spans []Span
	for start := 0; start < total; start += stride {
		end := start + c.size
		if end >= total {
			end = total
		} else {
			end = c.snap(runes, end)
		}
		spans = append(spans, Span{Start: start, End: end, Text: string(runes[start:end])})
	}
	return spans
}

// snap pulls end back to just after a sentence terminator, falling back to a
// whitespace boundary. Pulling back at most lookback runes keeps at least one
// rune of overlap with the next span.
func (c *Chunker) snap(runes []rune, end int) int {
	limit := end - c.lookback
	if limit < 1 {
		limit = 1
	}

	for i := end - 1; i >= limit; i-- {
		if isSentenceEnd(runes[i]) && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			return i + 1
		}
	}
	for i := end - 1; i >= limit; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}
