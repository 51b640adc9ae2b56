package kg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryGraphStore(t *testing.T) {
	runGraphStoreTests(t, func(t *testing.T) GraphStore {
		return NewMemoryGraphStore()
	})
	runGraphStoreConcurrencyTests(t, func(t *testing.T) GraphStore {
		return NewMemoryGraphStore()
	})
}

func TestMemoryGraphStoreHonoursCancelledContext(t *testing.T) {
	s := NewMemoryGraphStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, s.UpsertNode(ctx, "a", nil), context.Canceled)
	_, err := s.GetAllLabels(ctx)
	require.ErrorIs(t, err, context.Canceled)
	_, _, err = s.EmbedNodes(ctx, AlgorithmDegree)
	require.ErrorIs(t, err, context.Canceled)
}
