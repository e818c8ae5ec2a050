package retrieval

import (
	"strings"
	"unicode"
)

// Chunk is one window of document text prepared for embedding.
type Chunk struct {
	DocumentID string
	Index      int
	Text       string
	Vector     []float32
}

// Split cuts text into windows of about size runes that overlap by overlap
// runes. Windows end on whitespace when one is close to the boundary.
func Split(documentID, text string, size, overlap int) []Chunk {
	if size <= 0 {
		size = 1200
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 6
	}

	runes := []rune(strings.TrimSpace(text))
	var chunks []Chunk
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = softBoundary(runes, start, end)
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, Chunk{DocumentID: documentID, Index: len(chunks), Text: piece})
		}
		if end == len(runes) {
			break
		}

		next := alignStart(runes, end-overlap, end)
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// softBoundary moves end back to the last whitespace within the final tenth of the window.
func softBoundary(runes []rune, start, end int) int {
	limit := end - (end-start)/10
	for i := end; i > limit; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

// alignStart moves a window start forward to the next word start before end, if any.
func alignStart(runes []rune, from, end int) int {
	for i := from; i < end; i++ {
		if i > 0 && unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return from
}
