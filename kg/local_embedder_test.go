package kg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEmbedder(t *testing.T) {
	ctx := context.Background()

	_, err := NewLocalEmbedder(0)
	require.ErrorIs(t, err, ErrInvalidEmbeddingDimension)

	e, err := NewLocalEmbedder(64)
	require.NoError(t, err)
	assert.Equal(t, 64, e.Dim())

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "words", input: "graph storage engine"},
		{name: "stopwords_only", input: "the and of"},
		{name: "punctuation_only", input: "?!"},
		{name: "empty", input: "   ", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			vec, err := e.Embed(ctx, tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, vec, 64)

			var norm float64
			for _, v := range vec {
				norm += float64(v) * float64(v)
			}
			assert.InDelta(t, 1.0, norm, 1e-4)
		})
	}

	t.Run("similar_text_is_closer", func(t *testing.T) {
		a, err := e.Embed(ctx, "knowledge graph")
		require.NoError(t, err)
		b, err := e.Embed(ctx, "knowledge graphs")
		require.NoError(t, err)
		c, err := e.Embed(ctx, "banana smoothie")
		require.NoError(t, err)
		assert.Greater(t, dot32(a, b), dot32(a, c))
	})

	t.Run("batch_matches_single", func(t *testing.T) {
		batch, err := EmbedBatch(ctx, e, []string{"alpha", "beta"})
		require.NoError(t, err)
		single, err := e.Embed(ctx, "beta")
		require.NoError(t, err)
		assert.Equal(t, single, batch[1])
	})
}

func dot32(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
