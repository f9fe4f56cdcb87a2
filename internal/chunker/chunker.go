// Package chunker splits long text into segments a speech backend accepts.
package chunker

import (
	"strings"
	"unicode"
)

// DefaultMaxLength stays under the 500 character request limit of the
// speech backend.
const DefaultMaxLength = 480

// Chunk is one segment of the source text. Index starts at 1.
type Chunk struct {
	Index int
	Text  string
}

// Split cuts text into chunks of at most maxLength characters (runes). Cuts
// prefer the latest ". ", "? " or "! " past half of maxLength, then the latest
// space past half of maxLength, and otherwise fall at maxLength exactly.
// A non-positive maxLength selects DefaultMaxLength.
func Split(text string, maxLength int) []Chunk {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	remaining := trim([]rune(text))
	var chunks []Chunk
	for len(remaining) > 0 {
		if len(remaining) <= maxLength {
			chunks = append(chunks, Chunk{Index: len(chunks) + 1, Text: string(remaining)})
			break
		}
		cut := breakPoint(remaining, maxLength)
		chunks = append(chunks, Chunk{Index: len(chunks) + 1, Text: string(trim(remaining[:cut]))})
		remaining = trim(remaining[cut:])
	}
	return chunks
}

// Texts returns the chunk bodies in order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// breakPoint assumes len(r) > maxLength. Candidates must lie beyond half of
// maxLength; a terminator at i keeps r[:i+1], so i stops at maxLength-1.
func breakPoint(r []rune, maxLength int) int {
	for i := maxLength - 1; 2*i > maxLength; i-- {
		if isTerminator(r[i]) && r[i+1] == ' ' {
			return i + 1
		}
	}
	for i := maxLength; 2*i > maxLength; i-- {
		if r[i] == ' ' {
			return i
		}
	}
	return maxLength
}

func isTerminator(r rune) bool {
	return r == '.' || r == '?' || r == '!'
}

func trim(r []rune) []rune {
	start, end := 0, len(r)
	for start < end && unicode.IsSpace(r[start]) {
		start++
	}
	for end > start && unicode.IsSpace(r[end-1]) {
		end--
	}
	return r[start:end]
}

// Join reassembles chunks with single spaces.
func Join(chunks []Chunk) string {
	return strings.Join(Texts(chunks), " ")
}
