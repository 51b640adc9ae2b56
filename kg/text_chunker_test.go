package kg

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextChunker(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		size int
		text string
		want []string
	}{
		{
			name: "empty",
			size: 10,
			text: "  \n ",
			want: []string{},
		},
		{
			name: "fits_in_one_chunk",
			size: 50,
			text: "  short text  ",
			want: []string{"short text"},
		},
		{
			name: "paragraphs_first",
			size: 12,
			text: "first para\n\nsecond one",
			want: []string{"first para", "second one"},
		},
		{
			name: "sentences_packed_greedily",
			size: 20,
			text: "A b. C d. E f. G h. I j.",
			want: []string{"A b. C d. E f. G h.", "I j."},
		},
		{
			name: "long_word_hard_split",
			size: 4,
			text: "abcdefghij",
			want: []string{"abcd", "efgh", "ij"},
		},
		{
			name: "multibyte_runes_counted_once",
			size: 3,
			text: "日本語テキスト",
			want: []string{"日本語", "テキス", "ト"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chunks, err := TextChunker{ChunkSize: tc.size}.Chunk(ctx, "doc", tc.text)
			require.NoError(t, err)

			got := make([]string, 0, len(chunks))
			for i, c := range chunks {
				got = append(got, c.Text)
				assert.Equal(t, "doc", c.DocID)
				assert.Equal(t, tc.text[c.Start:c.End], c.Text, "offsets must address the source text")
				assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), tc.size)
				if i > 0 {
					assert.GreaterOrEqual(t, c.Start, chunks[i-1].End, "chunks must not overlap")
				}
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTextChunkerIDsAndDefaultSize(t *testing.T) {
	text := strings.Repeat("word ", 250)
	chunks, err := TextChunker{}.Chunk(context.Background(), "d1", text)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "d1-chunk-000", chunks[0].ChunkID)
	assert.Equal(t, "d1-chunk-002", chunks[2].ChunkID)
}

func TestTextChunkerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := TextChunker{}.Chunk(ctx, "d", "text")
	require.ErrorIs(t, err, context.Canceled)
}
