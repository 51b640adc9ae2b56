package kg

import (
	"context"
	"fmt"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, input string) ([]float32, error)
}

// BatchEmbedder is implemented by embedders that can embed many inputs in one
// call.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error)
}

// EmbedBatch embeds inputs with e, using its batch endpoint when it has one
// and one Embed call per input otherwise. The result is index-aligned with
// inputs.
func EmbedBatch(ctx context.Context, e Embedder, inputs []string) ([][]float32, error) {
	if e == nil {
		return nil, fmt.Errorf("embedder is nil")
	}
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	if b, ok := e.(BatchEmbedder); ok {
		out, err := b.EmbedBatch(ctx, inputs)
		if err != nil {
			return nil, err
		}
		if len(out) != len(inputs) {
			return nil, fmt.Errorf("batch embedder returned %d vectors for %d inputs", len(out), len(inputs))
		}
		return out, nil
	}

	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.Embed(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("embed input %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}
