package kg

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runGraphStoreTests exercises the GraphStore contract against a fresh store
// per subtest.
func runGraphStoreTests(t *testing.T, newStore func(t *testing.T) GraphStore) {
	t.Helper()
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(t *testing.T, s GraphStore)
	}{
		{
			name: "upsert_then_get_node",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertNode(ctx, "alice", Attributes{"kind": "person"}))

				ok, err := s.HasNode(ctx, "alice")
				require.NoError(t, err)
				assert.True(t, ok)

				attrs, found, err := s.GetNode(ctx, "alice")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, Attributes{"kind": "person"}, attrs)
			},
		},
		{
			name: "missing_reads_report_not_found",
			run: func(t *testing.T, s GraphStore) {
				ok, err := s.HasNode(ctx, "ghost")
				require.NoError(t, err)
				assert.False(t, ok)

				attrs, found, err := s.GetNode(ctx, "ghost")
				require.NoError(t, err)
				assert.False(t, found)
				assert.Nil(t, attrs)

				_, found, err = s.GetEdge(ctx, "ghost", "other")
				require.NoError(t, err)
				assert.False(t, found)

				edges, found, err := s.GetNodeEdges(ctx, "ghost")
				require.NoError(t, err)
				assert.False(t, found)
				assert.Nil(t, edges)

				deg, err := s.NodeDegree(ctx, "ghost")
				require.NoError(t, err)
				assert.Zero(t, deg)
			},
		},
		{
			name: "node_ids_are_case_sensitive",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertNode(ctx, "Alice", nil))
				ok, err := s.HasNode(ctx, "alice")
				require.NoError(t, err)
				assert.False(t, ok)
			},
		},
		{
			name: "upsert_merges_attributes",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertNode(ctx, "n", Attributes{"a": "1", "b": "2"}))
				require.NoError(t, s.UpsertNode(ctx, "n", Attributes{"b": "3", "c": "4"}))

				attrs, _, err := s.GetNode(ctx, "n")
				require.NoError(t, err)
				assert.Equal(t, Attributes{"a": "1", "b": "3", "c": "4"}, attrs)
			},
		},
		{
			name: "upsert_is_idempotent",
			run: func(t *testing.T, s GraphStore) {
				for i := 0; i < 3; i++ {
					require.NoError(t, s.UpsertNode(ctx, "n", Attributes{"a": "1"}))
					require.NoError(t, s.UpsertEdge(ctx, "n", "m", Attributes{"w": "1"}))
				}
				labels, err := s.GetAllLabels(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"n", "m"}, labels)

				deg, err := s.NodeDegree(ctx, "n")
				require.NoError(t, err)
				assert.Equal(t, 1, deg)
			},
		},
		{
			name: "returned_attributes_are_copies",
			run: func(t *testing.T, s GraphStore) {
				in := Attributes{"a": "1"}
				require.NoError(t, s.UpsertNode(ctx, "n", in))
				in["a"] = "changed"

				attrs, _, err := s.GetNode(ctx, "n")
				require.NoError(t, err)
				attrs["a"] = "mutated"

				again, _, err := s.GetNode(ctx, "n")
				require.NoError(t, err)
				assert.Equal(t, "1", again["a"])
			},
		},
		{
			name: "edge_upsert_creates_endpoints",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertEdge(ctx, "x", "y", Attributes{"relation": "knows"}))

				for _, id := range []string{"x", "y"} {
					attrs, found, err := s.GetNode(ctx, id)
					require.NoError(t, err)
					require.True(t, found, id)
					assert.Empty(t, attrs)
				}

				attrs, found, err := s.GetEdge(ctx, "x", "y")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, Attributes{"relation": "knows"}, attrs)
			},
		},
		{
			name: "edge_upsert_keeps_existing_endpoint_attributes",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertNode(ctx, "x", Attributes{"kind": "person"}))
				require.NoError(t, s.UpsertEdge(ctx, "x", "y", nil))

				attrs, _, err := s.GetNode(ctx, "x")
				require.NoError(t, err)
				assert.Equal(t, Attributes{"kind": "person"}, attrs)
			},
		},
		{
			name: "edges_are_directed",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertEdge(ctx, "a", "b", nil))

				ok, err := s.HasEdge(ctx, "a", "b")
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = s.HasEdge(ctx, "b", "a")
				require.NoError(t, err)
				assert.False(t, ok)
			},
		},
		{
			name: "edge_upsert_merges_attributes",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertEdge(ctx, "a", "b", Attributes{"w": "1", "r": "x"}))
				require.NoError(t, s.UpsertEdge(ctx, "a", "b", Attributes{"w": "2"}))

				attrs, _, err := s.GetEdge(ctx, "a", "b")
				require.NoError(t, err)
				assert.Equal(t, Attributes{"w": "2", "r": "x"}, attrs)
			},
		},
		{
			name: "degrees",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertEdge(ctx, "a", "b", nil))
				require.NoError(t, s.UpsertEdge(ctx, "c", "a", nil))
				require.NoError(t, s.UpsertEdge(ctx, "a", "a", nil))
				require.NoError(t, s.UpsertNode(ctx, "lonely", nil))

				cases := map[string]int{"a": 4, "b": 1, "c": 1, "lonely": 0}
				for id, want := range cases {
					got, err := s.NodeDegree(ctx, id)
					require.NoError(t, err)
					assert.Equal(t, want, got, id)
				}

				got, err := s.EdgeDegree(ctx, "a", "b")
				require.NoError(t, err)
				assert.Equal(t, 5, got)

				got, err = s.EdgeDegree(ctx, "b", "ghost")
				require.NoError(t, err)
				assert.Equal(t, 1, got)
			},
		},
		{
			name: "node_edges_in_insertion_order",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertEdge(ctx, "a", "b", nil))
				require.NoError(t, s.UpsertEdge(ctx, "c", "a", nil))
				require.NoError(t, s.UpsertEdge(ctx, "b", "c", nil))
				require.NoError(t, s.UpsertEdge(ctx, "a", "a", nil))
				require.NoError(t, s.UpsertEdge(ctx, "a", "d", nil))

				edges, found, err := s.GetNodeEdges(ctx, "a")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, []EdgeKey{
					{Source: "a", Target: "b"},
					{Source: "c", Target: "a"},
					{Source: "a", Target: "a"},
					{Source: "a", Target: "d"},
				}, edges)
			},
		},
		{
			name: "node_without_edges_has_empty_edge_list",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertNode(ctx, "solo", nil))
				edges, found, err := s.GetNodeEdges(ctx, "solo")
				require.NoError(t, err)
				assert.True(t, found)
				assert.NotNil(t, edges)
				assert.Empty(t, edges)
			},
		},
		{
			name: "delete_cascades_incident_edges",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertEdge(ctx, "a", "b", nil))
				require.NoError(t, s.UpsertEdge(ctx, "c", "a", nil))
				require.NoError(t, s.UpsertEdge(ctx, "b", "c", nil))
				require.NoError(t, s.UpsertEdge(ctx, "a", "a", nil))

				require.NoError(t, s.DeleteNode(ctx, "a"))

				ok, err := s.HasNode(ctx, "a")
				require.NoError(t, err)
				assert.False(t, ok)
				for _, e := range []EdgeKey{{"a", "b"}, {"c", "a"}, {"a", "a"}} {
					ok, err := s.HasEdge(ctx, e.Source, e.Target)
					require.NoError(t, err)
					assert.False(t, ok, e.String())
				}

				ok, err = s.HasEdge(ctx, "b", "c")
				require.NoError(t, err)
				assert.True(t, ok)

				deg, err := s.NodeDegree(ctx, "b")
				require.NoError(t, err)
				assert.Equal(t, 1, deg)

				edges, _, err := s.GetNodeEdges(ctx, "c")
				require.NoError(t, err)
				assert.Equal(t, []EdgeKey{{Source: "b", Target: "c"}}, edges)
			},
		},
		{
			name: "delete_absent_node_is_noop",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertNode(ctx, "keep", nil))
				require.NoError(t, s.DeleteNode(ctx, "ghost"))
				require.NoError(t, s.DeleteNode(ctx, "ghost"))

				labels, err := s.GetAllLabels(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"keep"}, labels)
			},
		},
		{
			name: "labels_follow_insertion_order",
			run: func(t *testing.T, s GraphStore) {
				labels, err := s.GetAllLabels(ctx)
				require.NoError(t, err)
				assert.Empty(t, labels)

				require.NoError(t, s.UpsertNode(ctx, "z", nil))
				require.NoError(t, s.UpsertEdge(ctx, "m", "a", nil))
				require.NoError(t, s.UpsertNode(ctx, "z", Attributes{"x": "1"}))
				require.NoError(t, s.DeleteNode(ctx, "m"))
				require.NoError(t, s.UpsertNode(ctx, "m", nil))

				labels, err = s.GetAllLabels(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"z", "a", "m"}, labels)
			},
		},
		{
			name: "invalid_ids_are_rejected",
			run: func(t *testing.T, s GraphStore) {
				require.ErrorIs(t, s.UpsertNode(ctx, "", nil), ErrInvalidNodeID)
				require.ErrorIs(t, s.UpsertEdge(ctx, "a", "", nil), ErrInvalidNodeID)
				require.ErrorIs(t, s.UpsertEdge(ctx, "\xff", "b", nil), ErrInvalidNodeID)

				labels, err := s.GetAllLabels(ctx)
				require.NoError(t, err)
				assert.Empty(t, labels)
			},
		},
		{
			name: "attributes_round_trip_exactly",
			run: func(t *testing.T, s GraphStore) {
				want := Attributes{"name": "Café 東京", "emoji": "🙂", "empty": ""}
				require.NoError(t, s.UpsertNode(ctx, "n", want))
				require.NoError(t, s.UpsertEdge(ctx, "n", "m", want))

				attrs, _, err := s.GetNode(ctx, "n")
				require.NoError(t, err)
				assert.Equal(t, want, attrs)
				attrs, _, err = s.GetEdge(ctx, "n", "m")
				require.NoError(t, err)
				assert.Equal(t, want, attrs)
			},
		},
		{
			name: "invalid_attributes_are_rejected",
			run: func(t *testing.T, s GraphStore) {
				require.ErrorIs(t, s.UpsertNode(ctx, "n", Attributes{"k": "caf\xe9"}), ErrInvalidAttribute)
				require.ErrorIs(t, s.UpsertNode(ctx, "n", Attributes{"\xff": "v"}), ErrInvalidAttribute)
				require.ErrorIs(t, s.UpsertEdge(ctx, "a", "b", Attributes{"k": "\xc3"}), ErrInvalidAttribute)

				labels, err := s.GetAllLabels(ctx)
				require.NoError(t, err)
				assert.Empty(t, labels)

				require.NoError(t, s.UpsertNode(ctx, "n", Attributes{"k": "ok"}))
				require.ErrorIs(t, s.UpsertNode(ctx, "n", Attributes{"k": "caf\xe9"}), ErrInvalidAttribute)
				attrs, _, err := s.GetNode(ctx, "n")
				require.NoError(t, err)
				assert.Equal(t, Attributes{"k": "ok"}, attrs)
			},
		},
		{
			name: "embed_degree_is_aligned_with_ids",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertEdge(ctx, "a", "b", nil))
				require.NoError(t, s.UpsertEdge(ctx, "b", "c", nil))
				require.NoError(t, s.UpsertEdge(ctx, "a", "c", nil))

				matrix, ids, err := s.EmbedNodes(ctx, AlgorithmDegree)
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b", "c"}, ids)
				assert.Equal(t, [][]float64{
					{2, 0, 2, 2},
					{1, 1, 2, 2},
					{0, 2, 2, 2},
				}, matrix)
			},
		},
		{
			name: "embed_empty_graph",
			run: func(t *testing.T, s GraphStore) {
				for _, algo := range []string{AlgorithmDegree, AlgorithmSpectral} {
					matrix, ids, err := s.EmbedNodes(ctx, algo)
					require.NoError(t, err, algo)
					assert.Empty(t, matrix, algo)
					assert.Empty(t, ids, algo)
				}
			},
		},
		{
			name: "embed_spectral_is_deterministic",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertEdge(ctx, "a", "b", nil))
				require.NoError(t, s.UpsertEdge(ctx, "b", "c", nil))
				require.NoError(t, s.UpsertEdge(ctx, "c", "d", nil))
				require.NoError(t, s.UpsertNode(ctx, "e", nil))

				first, ids, err := s.EmbedNodes(ctx, AlgorithmSpectral)
				require.NoError(t, err)
				require.Len(t, first, len(ids))
				for _, row := range first {
					assert.Len(t, row, defaultSpectralDim)
				}

				second, ids2, err := s.EmbedNodes(ctx, AlgorithmSpectral)
				require.NoError(t, err)
				assert.Equal(t, ids, ids2)
				assert.Equal(t, first, second)
			},
		},
		{
			name: "embed_unsupported_algorithm",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertNode(ctx, "a", nil))
				_, _, err := s.EmbedNodes(ctx, "node2vec")
				require.ErrorIs(t, err, ErrUnsupportedAlgorithm)
				assert.Contains(t, err.Error(), "node2vec")
			},
		},
		{
			name: "snapshot_restores_into_fresh_store",
			run: func(t *testing.T, s GraphStore) {
				require.NoError(t, s.UpsertNode(ctx, "a", Attributes{"k": "v"}))
				require.NoError(t, s.UpsertEdge(ctx, "b", "a", Attributes{"relation": "likes"}))
				require.NoError(t, s.UpsertEdge(ctx, "a", "c", nil))

				snapper, ok := s.(Snapshotter)
				require.True(t, ok)
				snap, err := snapper.Snapshot(ctx)
				require.NoError(t, err)

				restored := NewMemoryGraphStore()
				require.NoError(t, RestoreSnapshot(ctx, restored, snap))

				labels, err := restored.GetAllLabels(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b", "c"}, labels)

				attrs, found, err := restored.GetEdge(ctx, "b", "a")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, "likes", attrs["relation"])

				edges, _, err := restored.GetNodeEdges(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, []EdgeKey{{"b", "a"}, {"a", "c"}}, edges)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newStore(t))
		})
	}
}

// runGraphStoreConcurrencyTests checks that concurrent writers lose no
// updates and that readers never observe an edge without both endpoints.
func runGraphStoreConcurrencyTests(t *testing.T, newStore func(t *testing.T) GraphStore) {
	t.Helper()
	t.Run("concurrent_upserts_keep_every_key", func(t *testing.T) {
		testConcurrentUpsertsKeepEveryKey(t, newStore(t))
	})
	t.Run("reads_never_see_dangling_edges", func(t *testing.T) {
		testReadsNeverSeeDanglingEdges(t, newStore(t))
	})
}

func testConcurrentUpsertsKeepEveryKey(t *testing.T, s GraphStore) {
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%02d", i)
			assert.NoError(t, s.UpsertNode(ctx, "shared", Attributes{key: "v"}))
			assert.NoError(t, s.UpsertEdge(ctx, "shared", "t"+key, Attributes{key: "v"}))
		}()
	}
	wg.Wait()

	attrs, found, err := s.GetNode(ctx, "shared")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, attrs, writers)

	deg, err := s.NodeDegree(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, writers, deg)
}

func testReadsNeverSeeDanglingEdges(t *testing.T, s GraphStore) {
	ctx := context.Background()
	snapper, ok := s.(Snapshotter)
	require.True(t, ok)

	ids := []string{"a", "b", "c", "d", "e"}
	stop := make(chan struct{})
	var writers sync.WaitGroup
	for w := 0; w < 4; w++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				src, dst := ids[(i+w)%len(ids)], ids[(i*3+w)%len(ids)]
				if i%5 == 0 {
					assert.NoError(t, s.DeleteNode(ctx, src))
					continue
				}
				assert.NoError(t, s.UpsertEdge(ctx, src, dst, Attributes{"i": fmt.Sprint(i)}))
			}
		}()
	}
	defer func() {
		close(stop)
		writers.Wait()
	}()

	for i := 0; i < 200; i++ {
		snap, err := snapper.Snapshot(ctx)
		require.NoError(t, err)
		_, err = snap.View()
		require.NoError(t, err, "snapshot holds an edge whose endpoint is missing")

		for _, id := range ids {
			edges, found, err := s.GetNodeEdges(ctx, id)
			require.NoError(t, err)
			if !found {
				continue
			}
			for _, e := range edges {
				assert.True(t, e.Source == id || e.Target == id)
			}
		}

		_, _, err = s.EmbedNodes(ctx, AlgorithmDegree)
		require.NoError(t, err)
	}
}
