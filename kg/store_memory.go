package kg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type memoryNode struct {
	seq   uint64
	attrs Attributes
}

type memoryEdge struct {
	seq   uint64
	attrs Attributes
}

// MemoryGraphStore is an in-process GraphStore guarded by a single RWMutex.
// Writers hold the write lock for the whole mutation, so readers see either
// all of an upsert or delete or none of it.
type MemoryGraphStore struct {
	mu sync.RWMutex

	nodes map[string]*memoryNode
	order []string // node ids in insertion order
	edges map[EdgeKey]*memoryEdge
	out   map[string]map[string]struct{}
	in    map[string]map[string]struct{}
	seq   uint64

	logger   *slog.Logger
	registry *EmbeddingRegistry
}

var (
	_ GraphStore  = (*MemoryGraphStore)(nil)
	_ Snapshotter = (*MemoryGraphStore)(nil)
)

// NewMemoryGraphStore creates an empty in-memory graph.
func NewMemoryGraphStore(opts ...StoreOption) *MemoryGraphStore {
	o := newStoreOptions(opts)
	return &MemoryGraphStore{
		nodes:    make(map[string]*memoryNode),
		edges:    make(map[EdgeKey]*memoryEdge),
		out:      make(map[string]map[string]struct{}),
		in:       make(map[string]map[string]struct{}),
		logger:   o.logger,
		registry: o.registry,
	}
}

// Registry returns the embedding registry used by EmbedNodes.
func (s *MemoryGraphStore) Registry() *EmbeddingRegistry {
	return s.registry
}

func (s *MemoryGraphStore) HasNode(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok, nil
}

func (s *MemoryGraphStore) HasEdge(ctx context.Context, src, tgt string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.edges[EdgeKey{Source: src, Target: tgt}]
	return ok, nil
}

func (s *MemoryGraphStore) NodeDegree(ctx context.Context, id string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degreeLocked(id), nil
}

// EdgeDegree returns NodeDegree(src) + NodeDegree(tgt), read under one lock
// hold so both halves describe the same graph state.
func (s *MemoryGraphStore) EdgeDegree(ctx context.Context, src, tgt string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degreeLocked(src) + s.degreeLocked(tgt), nil
}

func (s *MemoryGraphStore) degreeLocked(id string) int {
	return len(s.out[id]) + len(s.in[id])
}

func (s *MemoryGraphStore) GetNode(ctx context.Context, id string) (Attributes, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false, nil
	}
	return n.attrs.Clone(), true, nil
}

func (s *MemoryGraphStore) GetEdge(ctx context.Context, src, tgt string) (Attributes, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[EdgeKey{Source: src, Target: tgt}]
	if !ok {
		return nil, false, nil
	}
	return e.attrs.Clone(), true, nil
}

// GetNodeEdges lists every edge touching id, outgoing and incoming, in edge
// insertion order. A self-loop is listed once.
func (s *MemoryGraphStore) GetNodeEdges(ctx context.Context, id string) ([]EdgeKey, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[id]; !ok {
		return nil, false, nil
	}

	keys := make([]EdgeKey, 0, s.degreeLocked(id))
	for tgt := range s.out[id] {
		keys = append(keys, EdgeKey{Source: id, Target: tgt})
	}
	for src := range s.in[id] {
		if src == id {
			continue
		}
		keys = append(keys, EdgeKey{Source: src, Target: id})
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.edges[keys[i]].seq < s.edges[keys[j]].seq
	})
	return keys, true, nil
}

func (s *MemoryGraphStore) UpsertNode(ctx context.Context, id string, attrs Attributes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateNodeID(id); err != nil {
		return err
	}
	if err := validateAttributes(attrs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertNodeLocked(id, attrs)
	return nil
}

func (s *MemoryGraphStore) upsertNodeLocked(id string, attrs Attributes) {
	if n, ok := s.nodes[id]; ok {
		mergeInto(n.attrs, attrs)
		return
	}
	s.seq++
	s.nodes[id] = &memoryNode{seq: s.seq, attrs: attrs.Clone()}
	s.order = append(s.order, id)
}

// UpsertEdge creates src and tgt with empty attributes when missing, then
// creates the edge or merges attrs into it.
func (s *MemoryGraphStore) UpsertEdge(ctx context.Context, src, tgt string, attrs Attributes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateNodeID(src); err != nil {
		return fmt.Errorf("edge source: %w", err)
	}
	if err := validateNodeID(tgt); err != nil {
		return fmt.Errorf("edge target: %w", err)
	}
	if err := validateAttributes(attrs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertNodeLocked(src, nil)
	s.upsertNodeLocked(tgt, nil)
	if _, ok := s.nodes[src]; !ok {
		return s.invariantViolation("edge source missing after upsert", src, tgt)
	}
	if _, ok := s.nodes[tgt]; !ok {
		return s.invariantViolation("edge target missing after upsert", src, tgt)
	}

	key := EdgeKey{Source: src, Target: tgt}
	if e, ok := s.edges[key]; ok {
		mergeInto(e.attrs, attrs)
		return nil
	}
	s.seq++
	s.edges[key] = &memoryEdge{seq: s.seq, attrs: attrs.Clone()}
	addAdjacent(s.out, src, tgt)
	addAdjacent(s.in, tgt, src)
	return nil
}

func (s *MemoryGraphStore) invariantViolation(msg, src, tgt string) error {
	s.logger.Error("graph invariant violated", "reason", msg, "source", src, "target", tgt)
	return fmt.Errorf("%w: %s (%s->%s)", ErrInvariantViolation, msg, src, tgt)
}

func addAdjacent(m map[string]map[string]struct{}, from, to string) {
	set, ok := m[from]
	if !ok {
		set = make(map[string]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

// DeleteNode removes id and every edge where it is source or target. Deleting
// an absent node is a no-op.
func (s *MemoryGraphStore) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return nil
	}
	for tgt := range s.out[id] {
		delete(s.edges, EdgeKey{Source: id, Target: tgt})
		delete(s.in[tgt], id)
	}
	for src := range s.in[id] {
		delete(s.edges, EdgeKey{Source: src, Target: id})
		delete(s.out[src], id)
	}
	delete(s.out, id)
	delete(s.in, id)
	delete(s.nodes, id)

	for i, nodeID := range s.order {
		if nodeID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetAllLabels returns every node id in insertion order.
func (s *MemoryGraphStore) GetAllLabels(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	labels := make([]string, len(s.order))
	copy(labels, s.order)
	return labels, nil
}

// EmbedNodes captures a view under the read lock and runs the named algorithm
// on it after the lock is released.
func (s *MemoryGraphStore) EmbedNodes(ctx context.Context, algorithm string) ([][]float64, []string, error) {
	algo, err := s.registry.Lookup(algorithm)
	if err != nil {
		return nil, nil, err
	}
	view, err := s.view(ctx)
	if err != nil {
		return nil, nil, err
	}
	return embedView(ctx, algo, algorithm, view)
}

func (s *MemoryGraphStore) view(ctx context.Context) (*GraphView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	attrs := make([]Attributes, len(ids))
	for i, id := range ids {
		attrs[i] = s.nodes[id].attrs.Clone()
	}
	edges := s.orderedEdgesLocked()
	s.mu.RUnlock()

	return newGraphView(ids, attrs, edges)
}

func (s *MemoryGraphStore) orderedEdgesLocked() []EdgeKey {
	keys := make([]EdgeKey, 0, len(s.edges))
	for k := range s.edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.edges[keys[i]].seq < s.edges[keys[j]].seq
	})
	return keys
}

// Snapshot returns a consistent copy of the graph in insertion order.
func (s *MemoryGraphStore) Snapshot(ctx context.Context) (*GraphSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &GraphSnapshot{
		SchemaVersion: snapshotSchemaVersion,
		CreatedAt:     time.Now().UTC(),
		Nodes:         make([]SnapshotNode, 0, len(s.order)),
		Edges:         make([]SnapshotEdge, 0, len(s.edges)),
	}
	for _, id := range s.order {
		snap.Nodes = append(snap.Nodes, SnapshotNode{ID: id, Attributes: s.nodes[id].attrs.Clone()})
	}
	for _, k := range s.orderedEdgesLocked() {
		snap.Edges = append(snap.Edges, SnapshotEdge{
			Source:     k.Source,
			Target:     k.Target,
			Attributes: s.edges[k].attrs.Clone(),
		})
	}
	return snap, nil
}
