// Package content splits message bodies into fixed-size chunks for storage
// and reassembles them on read.
package content

import (
	"errors"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize is the maximum number of characters per stored chunk.
const DefaultChunkSize = 256

var (
	// ErrInvalidChunkSize is returned when the chunk size is not positive.
	ErrInvalidChunkSize = errors.New("content: chunk size must be positive")

	// ErrBrokenSequence is returned when stored chunks do not form the range 1..N.
	ErrBrokenSequence = errors.New("content: chunk sequence is not contiguous from 1")
)

// Chunk is one stored fragment of a message body.
type Chunk struct {
	Seq     int
	Payload string
}

// Split cuts s into fragments of at most size characters.
//
// Characters are UTF-8 code points; an invalid byte counts as one character and
// is kept as is, so Join(Split(s)) == s for any byte string.
// Empty input yields a single empty fragment so that empty bodies are still
// stored as one chunk. A body whose length is an exact multiple of size ends
// with a full fragment, never a trailing empty one.
func Split(s string, size int) ([]string, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if s == "" {
		return []string{""}, nil
	}

	out := make([]string, 0, len(s)/size+1)
	for len(s) > 0 {
		end, chars := 0, 0
		for end < len(s) && chars < size {
			_, n := utf8.DecodeRuneInString(s[end:])
			end += n
			chars++
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return out, nil
}

// Join concatenates fragments in order. It is the left inverse of Split.
func Join(fragments []string) string {
	n := 0
	for _, f := range fragments {
		n += len(f)
	}

	var b strings.Builder
	b.Grow(n)
	for _, f := range fragments {
		b.WriteString(f)
	}
	return b.String()
}

// Chunks splits s and numbers the fragments from 1.
func Chunks(s string, size int) ([]Chunk, error) {
	parts, err := Split(s, size)
	if err != nil {
		return nil, err
	}
	out := make([]Chunk, len(parts))
	for i, p := range parts {
		out[i] = Chunk{Seq: i + 1, Payload: p}
	}
	return out, nil
}

// Assemble rebuilds a body from its stored chunks.
// Chunks may arrive in any order; their sequence numbers must be exactly 1..N.
func Assemble(chunks []Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", ErrBrokenSequence
	}

	sorted := append([]Chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	parts := make([]string, len(sorted))
	for i, c := range sorted {
		if c.Seq != i+1 {
			return "", ErrBrokenSequence
		}
		parts[i] = c.Payload
	}
	return Join(parts), nil
}
