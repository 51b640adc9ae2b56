// graph.go defines the directed property graph contract shared by every
// backend.
//
// Graph model:
//
//   - nodes: string ids with string-keyed attributes. A node exists iff it has
//     an entry in the node table.
//   - edges: at most one record per ordered (source, target) pair. Upserting
//     an edge upserts both endpoints first, so every endpoint is a node.
//
// Ordering:
//
//   - Nodes and edges are ordered by first insertion. GetAllLabels, EmbedNodes
//     and GetNodeEdges all report in that order, so repeated calls on an
//     unchanged graph return identical results.
//
// Consistency:
//
//   - Writes are serialized. Reads never observe a half-applied write, and
//     DeleteNode removes a node together with its incident edges.

package kg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"
)

// Attributes is the string-keyed property map carried by nodes and edges.
type Attributes map[string]string

// Clone returns a copy that shares no storage with a.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// mergeInto writes every key of src into dst, overwriting existing keys.
func mergeInto(dst, src Attributes) {
	for k, v := range src {
		dst[k] = v
	}
}

// EdgeKey identifies a directed edge.
type EdgeKey struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (k EdgeKey) String() string {
	return k.Source + "->" + k.Target
}

// GraphStore is the operation set every graph backend implements.
//
// Read misses are reported through the found result and are not errors.
// Errors are reserved for invalid input, unknown embedding algorithms and
// backend failures.
type GraphStore interface {
	HasNode(ctx context.Context, id string) (bool, error)
	HasEdge(ctx context.Context, src, tgt string) (bool, error)
	NodeDegree(ctx context.Context, id string) (int, error)
	EdgeDegree(ctx context.Context, src, tgt string) (int, error)
	GetNode(ctx context.Context, id string) (Attributes, bool, error)
	GetEdge(ctx context.Context, src, tgt string) (Attributes, bool, error)
	GetNodeEdges(ctx context.Context, id string) ([]EdgeKey, bool, error)
	UpsertNode(ctx context.Context, id string, attrs Attributes) error
	UpsertEdge(ctx context.Context, src, tgt string, attrs Attributes) error
	DeleteNode(ctx context.Context, id string) error
	EmbedNodes(ctx context.Context, algorithm string) ([][]float64, []string, error)
	GetAllLabels(ctx context.Context) ([]string, error)
}

// Snapshotter is implemented by stores that can export a consistent copy of
// the whole graph.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*GraphSnapshot, error)
}

// GraphView is an immutable, index-based copy of a graph taken at a single
// point in time. Embedding algorithms only ever see a GraphView.
type GraphView struct {
	IDs        []string
	Attributes []Attributes
	// Out[i] and In[i] hold node indexes, in edge insertion order.
	Out [][]int
	In  [][]int
}

// Len returns the number of nodes in the view.
func (v *GraphView) Len() int {
	return len(v.IDs)
}

// Degree returns out-degree + in-degree of node i.
func (v *GraphView) Degree(i int) int {
	return len(v.Out[i]) + len(v.In[i])
}

// newGraphView builds a view from ordered ids and ordered edges. Edges whose
// endpoints are not in ids are reported as an invariant violation.
func newGraphView(ids []string, attrs []Attributes, edges []EdgeKey) (*GraphView, error) {
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	view := &GraphView{
		IDs:        ids,
		Attributes: attrs,
		Out:        make([][]int, len(ids)),
		In:         make([][]int, len(ids)),
	}
	for _, e := range edges {
		s, ok := index[e.Source]
		if !ok {
			return nil, fmt.Errorf("%w: edge %s source missing", ErrInvariantViolation, e)
		}
		t, ok := index[e.Target]
		if !ok {
			return nil, fmt.Errorf("%w: edge %s target missing", ErrInvariantViolation, e)
		}
		view.Out[s] = append(view.Out[s], t)
		view.In[t] = append(view.In[t], s)
	}
	return view, nil
}

func validateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidNodeID, id)
	}
	return nil
}

// validateAttributes rejects keys and values that are not valid UTF-8. Both
// backends and the snapshot format store attributes as text, so such bytes
// could not round-trip.
func validateAttributes(attrs Attributes) error {
	for k, v := range attrs {
		if !utf8.ValidString(k) {
			return fmt.Errorf("%w: key %q is not valid UTF-8", ErrInvalidAttribute, k)
		}
		if !utf8.ValidString(v) {
			return fmt.Errorf("%w: value of %q is not valid UTF-8", ErrInvalidAttribute, k)
		}
	}
	return nil
}

// nodeText renders a node as embedding input: the id followed by one
// "key: value" line per attribute, keys sorted.
func nodeText(id string, attrs Attributes) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(id)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(attrs[k])
	}
	return b.String()
}

type storeOptions struct {
	logger   *slog.Logger
	registry *EmbeddingRegistry
}

// StoreOption configures graph stores.
type StoreOption func(*storeOptions)

// WithLogger sets the logger used for invariant and lifecycle messages.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEmbeddingRegistry replaces the default embedding registry.
func WithEmbeddingRegistry(registry *EmbeddingRegistry) StoreOption {
	return func(o *storeOptions) {
		if registry != nil {
			o.registry = registry
		}
	}
}

// WithEmbeddingAlgorithm registers an additional embedding algorithm, or
// replaces a built-in one with the same name.
func WithEmbeddingAlgorithm(name string, algo NodeEmbeddingAlgorithm) StoreOption {
	return func(o *storeOptions) {
		o.registry.Register(name, algo)
	}
}

func newStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{
		logger:   slog.Default(),
		registry: NewEmbeddingRegistry(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
