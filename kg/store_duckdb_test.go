package kg

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDuckDBGraphStore(t *testing.T, path string) *DuckDBGraphStore {
	t.Helper()
	s, err := OpenDuckDBGraphStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDuckDBGraphStore(t *testing.T) {
	runGraphStoreTests(t, func(t *testing.T) GraphStore {
		return newTestDuckDBGraphStore(t, filepath.Join(t.TempDir(), "graph.duckdb"))
	})
	runGraphStoreConcurrencyTests(t, func(t *testing.T) GraphStore {
		return newTestDuckDBGraphStore(t, filepath.Join(t.TempDir(), "graph.duckdb"))
	})
}

func TestDuckDBGraphStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.duckdb")

	s, err := OpenDuckDBGraphStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertNode(ctx, "a", Attributes{"name": "Alpha"}))
	require.NoError(t, s.UpsertEdge(ctx, "a", "b", Attributes{"relation": "next"}))
	require.NoError(t, s.UpsertEdge(ctx, "b", "c", nil))
	require.NoError(t, s.Close())

	reopened := newTestDuckDBGraphStore(t, path)

	labels, err := reopened.GetAllLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, labels)

	attrs, found, err := reopened.GetEdge(ctx, "a", "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Attributes{"relation": "next"}, attrs)

	// new rows keep sorting after the reopened ones
	require.NoError(t, reopened.UpsertNode(ctx, "d", nil))
	labels, err = reopened.GetAllLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, labels)
}

func TestDuckDBGraphStoreInMemory(t *testing.T) {
	ctx := context.Background()
	s := newTestDuckDBGraphStore(t, "")

	require.NoError(t, s.UpsertEdge(ctx, "x", "y", nil))
	ok, err := s.HasEdge(ctx, "x", "y")
	require.NoError(t, err)
	assert.True(t, ok)
}
