package kg

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const defaultChunkSize = 500

// Document is raw text submitted for graph population.
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Chunk is a slice of a Document. Start and End are byte offsets into the
// document text.
type Chunk struct {
	DocID   string
	ChunkID string
	Text    string
	Start   int
	End     int
}

// Chunker splits document text into chunks.
type Chunker interface {
	Chunk(ctx context.Context, docID string, text string) ([]Chunk, error)
}

// chunkSeparators are tried in order; a piece is only split on a later
// separator when it is still too long after splitting on the earlier ones.
var chunkSeparators = []string{"\n\n", "\n", ". ", " "}

// TextChunker splits text into chunks of at most ChunkSize runes (500 by
// default), preferring paragraph breaks, then line breaks, then sentence ends,
// then spaces. Words longer than ChunkSize are cut at rune boundaries. Chunks
// never overlap and carry no leading or trailing whitespace.
type TextChunker struct {
	ChunkSize int
}

type textSpan struct {
	start, end int
}

func (c TextChunker) Chunk(ctx context.Context, docID string, text string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := c.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}

	spans := splitSpan(text, textSpan{0, len(text)}, chunkSeparators, size)
	chunks := make([]Chunk, 0, len(spans))
	for i, s := range spans {
		chunks = append(chunks, Chunk{
			DocID:   docID,
			ChunkID: fmt.Sprintf("%s-chunk-%03d", docID, i),
			Text:    text[s.start:s.end],
			Start:   s.start,
			End:     s.end,
		})
	}
	return chunks, nil
}

func splitSpan(text string, s textSpan, seps []string, size int) []textSpan {
	s = trimSpan(text, s)
	if s.start >= s.end {
		return nil
	}
	if spanRunes(text, s) <= size {
		return []textSpan{s}
	}
	if len(seps) == 0 {
		return hardSplitSpan(text, s, size)
	}

	// cut after every separator so each piece keeps its trailing separator
	sep := seps[0]
	var pieces []textSpan
	for pos := s.start; pos < s.end; {
		i := strings.Index(text[pos:s.end], sep)
		if i < 0 {
			pieces = append(pieces, textSpan{pos, s.end})
			break
		}
		cut := pos + i + len(sep)
		pieces = append(pieces, textSpan{pos, cut})
		pos = cut
	}

	var out []textSpan
	current := textSpan{-1, -1}
	flush := func() {
		if current.start < 0 {
			return
		}
		if t := trimSpan(text, current); t.start < t.end {
			out = append(out, t)
		}
		current = textSpan{-1, -1}
	}
	for _, p := range pieces {
		if spanRunes(text, p) > size {
			flush()
			out = append(out, splitSpan(text, p, seps[1:], size)...)
			continue
		}
		if current.start < 0 {
			current = p
			continue
		}
		if spanRunes(text, textSpan{current.start, p.end}) <= size {
			current.end = p.end
			continue
		}
		flush()
		current = p
	}
	flush()
	return out
}

func hardSplitSpan(text string, s textSpan, size int) []textSpan {
	var out []textSpan
	start, n := s.start, 0
	for i := range text[s.start:s.end] {
		if n == size {
			if t := trimSpan(text, textSpan{start, s.start + i}); t.start < t.end {
				out = append(out, t)
			}
			start, n = s.start+i, 0
		}
		n++
	}
	if t := trimSpan(text, textSpan{start, s.end}); t.start < t.end {
		out = append(out, t)
	}
	return out
}

func trimSpan(text string, s textSpan) textSpan {
	for s.start < s.end {
		r, w := utf8.DecodeRuneInString(text[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.start += w
	}
	for s.end > s.start {
		r, w := utf8.DecodeLastRuneInString(text[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.end -= w
	}
	return s
}

func spanRunes(text string, s textSpan) int {
	return utf8.RuneCountInString(text[s.start:s.end])
}
