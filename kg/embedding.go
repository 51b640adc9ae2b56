package kg

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

const (
	// AlgorithmDegree names the built-in degree-profile embedding.
	AlgorithmDegree = "degree"
	// AlgorithmSpectral names the built-in adjacency-spectral embedding.
	AlgorithmSpectral = "spectral"
	// AlgorithmText names the attribute-text embedding backed by an Embedder.
	AlgorithmText = "text"

	defaultSpectralDim        = 8
	defaultSpectralIterations = 200
	spectralTolerance         = 1e-9
)

// NodeEmbeddingAlgorithm turns a graph view into one fixed-width row per node.
// The returned matrix must have view.Len() rows, row i describing view.IDs[i].
type NodeEmbeddingAlgorithm interface {
	Embed(ctx context.Context, view *GraphView) ([][]float64, error)
}

// NodeEmbeddingFunc adapts an ordinary function to NodeEmbeddingAlgorithm.
type NodeEmbeddingFunc func(ctx context.Context, view *GraphView) ([][]float64, error)

// Embed calls f(ctx, view).
func (f NodeEmbeddingFunc) Embed(ctx context.Context, view *GraphView) ([][]float64, error) {
	return f(ctx, view)
}

// EmbeddingRegistry maps algorithm names to implementations.
type EmbeddingRegistry struct {
	mu    sync.RWMutex
	algos map[string]NodeEmbeddingAlgorithm
}

// NewEmbeddingRegistry returns a registry holding the built-in degree and
// spectral algorithms.
func NewEmbeddingRegistry() *EmbeddingRegistry {
	r := &EmbeddingRegistry{algos: make(map[string]NodeEmbeddingAlgorithm)}
	r.Register(AlgorithmDegree, DegreeEmbedding{})
	r.Register(AlgorithmSpectral, SpectralEmbedding{Dim: defaultSpectralDim})
	return r
}

// Register adds or replaces an algorithm. A nil algorithm removes the name.
func (r *EmbeddingRegistry) Register(name string, algo NodeEmbeddingAlgorithm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if algo == nil {
		delete(r.algos, name)
		return
	}
	r.algos[name] = algo
}

// Lookup returns the algorithm registered under name.
func (r *EmbeddingRegistry) Lookup(name string) (NodeEmbeddingAlgorithm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	algo, ok := r.algos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return algo, nil
}

// Names returns the registered algorithm names, sorted.
func (r *EmbeddingRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.algos))
	for name := range r.algos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// embedView runs algo over view and checks the row/id alignment contract.
func embedView(ctx context.Context, algo NodeEmbeddingAlgorithm, name string, view *GraphView) ([][]float64, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	matrix, err := algo.Embed(ctx, view)
	if err != nil {
		return nil, nil, fmt.Errorf("embed nodes with %s: %w", name, err)
	}
	if len(matrix) != view.Len() {
		return nil, nil, fmt.Errorf("%w: %s returned %d rows for %d nodes", ErrInvariantViolation, name, len(matrix), view.Len())
	}
	ids := make([]string, len(view.IDs))
	copy(ids, view.IDs)
	return matrix, ids, nil
}

// DegreeEmbedding describes each node by [out, in, out+in, mean neighbour degree].
type DegreeEmbedding struct{}

func (DegreeEmbedding) Embed(_ context.Context, view *GraphView) ([][]float64, error) {
	out := make([][]float64, view.Len())
	for i := range view.IDs {
		total := view.Degree(i)
		var neighbourSum float64
		for _, j := range view.Out[i] {
			neighbourSum += float64(view.Degree(j))
		}
		for _, j := range view.In[i] {
			neighbourSum += float64(view.Degree(j))
		}
		mean := 0.0
		if total > 0 {
			mean = neighbourSum / float64(total)
		}
		out[i] = []float64{
			float64(len(view.Out[i])),
			float64(len(view.In[i])),
			float64(total),
			mean,
		}
	}
	return out, nil
}

// SpectralEmbedding projects nodes onto the leading eigenvectors of the
// symmetrically normalized undirected adjacency matrix, shifted by the
// identity so every eigenvalue is non-negative. Eigenvectors are found by
// power iteration with Gram-Schmidt deflation from a fixed start vector, so
// output is deterministic for a given view. Rows are always Dim wide.
type SpectralEmbedding struct {
	Dim        int
	Iterations int
}

type weightedNeighbour struct {
	idx    int
	weight float64
}

func (s SpectralEmbedding) Embed(ctx context.Context, view *GraphView) ([][]float64, error) {
	dim := s.Dim
	if dim <= 0 {
		dim = defaultSpectralDim
	}
	iterations := s.Iterations
	if iterations <= 0 {
		iterations = defaultSpectralIterations
	}
	n := view.Len()
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, dim)
	}
	if n == 0 {
		return out, nil
	}

	adj := symmetricAdjacency(view)
	k := dim
	if k > n {
		k = n
	}

	basis := make([][]float64, 0, k)
	for c := 0; c < k; c++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := spectralStartVector(n, c)
		orthogonalize(v, basis)
		if !normalize(v) {
			break
		}
		for it := 0; it < iterations; it++ {
			next := applyShiftedNormalized(adj, v)
			orthogonalize(next, basis)
			if !normalize(next) {
				v = nil
				break
			}
			delta := 0.0
			for i := range next {
				delta += math.Abs(next[i] - v[i])
			}
			v = next
			if delta < spectralTolerance {
				break
			}
		}
		if v == nil {
			break
		}
		fixSign(v)
		basis = append(basis, v)
	}

	for c, vec := range basis {
		for i := 0; i < n; i++ {
			out[i][c] = vec[i]
		}
	}
	return out, nil
}

// symmetricAdjacency collapses direction and multiplicity into an undirected
// weighted adjacency list, normalized by D^-1/2 on both sides.
func symmetricAdjacency(view *GraphView) [][]weightedNeighbour {
	n := view.Len()
	weights := make([]map[int]float64, n)
	for i := range weights {
		weights[i] = make(map[int]float64)
	}
	for i := 0; i < n; i++ {
		for _, j := range view.Out[i] {
			weights[i][j]++
			if j != i {
				weights[j][i]++
			}
		}
	}

	degree := make([]float64, n)
	for i, row := range weights {
		for _, w := range row {
			degree[i] += w
		}
	}

	adj := make([][]weightedNeighbour, n)
	for i, row := range weights {
		cols := make([]int, 0, len(row))
		for j := range row {
			cols = append(cols, j)
		}
		sort.Ints(cols)
		for _, j := range cols {
			if degree[i] == 0 || degree[j] == 0 {
				continue
			}
			adj[i] = append(adj[i], weightedNeighbour{
				idx:    j,
				weight: row[j] / math.Sqrt(degree[i]*degree[j]),
			})
		}
	}
	return adj
}

// applyShiftedNormalized returns (I + D^-1/2 W D^-1/2) v.
func applyShiftedNormalized(adj [][]weightedNeighbour, v []float64) []float64 {
	out := make([]float64, len(v))
	for i, row := range adj {
		sum := v[i]
		for _, nb := range row {
			sum += nb.weight * v[nb.idx]
		}
		out[i] = sum
	}
	return out
}

// spectralStartVector is a fixed, component-dependent, non-constant start
// vector. Using a non-constant vector keeps later components from starting
// orthogonal to every remaining eigenvector.
func spectralStartVector(n, component int) []float64 {
	v := make([]float64, n)
	for i := range v {
		x := uint64(i+1)*2654435761 + uint64(component+1)*40503
		v[i] = 1 + float64(x%1009)/1009
	}
	return v
}

func orthogonalize(v []float64, basis [][]float64) {
	for _, b := range basis {
		d := dotFloat64(v, b)
		for i := range v {
			v[i] -= d * b[i]
		}
	}
}

func normalize(v []float64) bool {
	norm := math.Sqrt(dotFloat64(v, v))
	if norm < 1e-12 {
		return false
	}
	for i := range v {
		v[i] /= norm
	}
	return true
}

// fixSign flips v so its largest-magnitude component is positive.
func fixSign(v []float64) {
	best := 0
	for i := range v {
		if math.Abs(v[i]) > math.Abs(v[best])+1e-12 {
			best = i
		}
	}
	if v[best] < 0 {
		for i := range v {
			v[i] = -v[i]
		}
	}
}

func dotFloat64(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// TextEmbedding embeds each node's id and attributes with an Embedder. Row
// width is whatever the embedder returns; every row must have the same width.
type TextEmbedding struct {
	Embedder Embedder
}

func (t TextEmbedding) Embed(ctx context.Context, view *GraphView) ([][]float64, error) {
	if view.Len() == 0 {
		return [][]float64{}, nil
	}
	if t.Embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	texts := make([]string, view.Len())
	for i, id := range view.IDs {
		texts[i] = nodeText(id, view.Attributes[i])
	}
	vectors, err := EmbedBatch(ctx, t.Embedder, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d nodes", len(vectors), len(texts))
	}
	out := make([][]float64, len(vectors))
	width := len(vectors[0])
	for i, vec := range vectors {
		if len(vec) != width {
			return nil, fmt.Errorf("embedder returned width %d for node %q, want %d", len(vec), view.IDs[i], width)
		}
		row := make([]float64, len(vec))
		for j, x := range vec {
			row[j] = float64(x)
		}
		out[i] = row
	}
	return out, nil
}
