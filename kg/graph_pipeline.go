// graph_pipeline.go populates a GraphStore from free text.
//
// Pipeline stages:
//
//  1. Chunk: Chunker splits each Document into Chunks.
//  2. Extract: Grapher turns a batch of Chunks into raw entity names and
//     relations.
//  3. Canonicalize: Canonicalizer maps each raw name to a node id. Without
//     one, names are trimmed and whitespace-collapsed.
//  4. Upsert: entities become nodes and relations become edges.
//
// Node attributes:
//
//   - name: the raw name the entity was first seen under.
//   - source_chunks: comma-separated chunk ids mentioning the entity; new
//     ids are appended to whatever the node already holds.
//
// Edge attributes:
//
//   - relation, weight, chunk_id: from the most recent extraction of that
//     (source, target) pair.

package kg

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const defaultGraphBatchSize = 64

// EntityCandidate is a raw entity name extracted by a Grapher.
type EntityCandidate struct {
	Name    string
	ChunkID string
}

// EdgeCandidate is a raw relation between entity names.
type EdgeCandidate struct {
	Src     string
	Dst     string
	RelType string
	Weight  float64
	ChunkID string
}

// GraphExtraction is the output of a Grapher before canonicalization.
type GraphExtraction struct {
	Entities []EntityCandidate
	Edges    []EdgeCandidate
}

// Grapher extracts entities and relations from chunks.
type Grapher interface {
	Extract(ctx context.Context, chunks []Chunk) (*GraphExtraction, error)
}

// Canonicalizer maps entity names to node ids. An empty id drops the entity.
type Canonicalizer interface {
	Canonicalize(ctx context.Context, name string) (string, error)
}

// CanonicalizerFunc adapts a function to Canonicalizer.
type CanonicalizerFunc func(ctx context.Context, name string) (string, error)

func (f CanonicalizerFunc) Canonicalize(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// PopulateResult counts what one Populate call wrote.
type PopulateResult struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Entities  int `json:"entities"`
	Edges     int `json:"edges"`
}

// GraphBuilder runs the chunk, extract, canonicalize and upsert pipeline.
// BatchSize bounds the chunks sent to one Grapher.Extract call. A builder is
// safe for concurrent Populate calls; extraction runs in parallel and the
// upserts of each batch are applied one batch at a time.
type GraphBuilder struct {
	Chunker       Chunker
	Grapher       Grapher
	Canonicalizer Canonicalizer
	BatchSize     int

	// applyMu serializes the read-merge-write of source_chunks.
	applyMu sync.Mutex
}

// Populate writes the entities and relations found in docs into store. Batches
// are upserted as they complete, so a failure part way leaves the earlier
// batches in place.
func (b *GraphBuilder) Populate(ctx context.Context, store GraphStore, docs []Document) (*PopulateResult, error) {
	if b == nil || b.Grapher == nil {
		return nil, ErrGraphBuilderUnavailable
	}
	if store == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	chunker := b.Chunker
	if chunker == nil {
		chunker = TextChunker{}
	}
	batchSize := b.BatchSize
	if batchSize <= 0 {
		batchSize = defaultGraphBatchSize
	}

	result := &PopulateResult{}
	seenEntities := make(map[string]struct{})
	seenEdges := make(map[EdgeKey]struct{})

	batch := make([]Chunk, 0, batchSize)
	runBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		extraction, err := b.Grapher.Extract(ctx, batch)
		if err != nil {
			return fmt.Errorf("extract graph from %d chunks: %w", len(batch), err)
		}
		if err := b.apply(ctx, store, extraction, seenEntities, seenEdges); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for _, doc := range docs {
		chunks, err := chunker.Chunk(ctx, doc.ID, doc.Text)
		if err != nil {
			return nil, fmt.Errorf("chunk document %q: %w", doc.ID, err)
		}
		result.Documents++
		result.Chunks += len(chunks)
		for _, chunk := range chunks {
			batch = append(batch, chunk)
			if len(batch) >= batchSize {
				if err := runBatch(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := runBatch(); err != nil {
		return nil, err
	}

	result.Entities = len(seenEntities)
	result.Edges = len(seenEdges)
	return result, nil
}

func (b *GraphBuilder) canonicalize(ctx context.Context, name string) (string, error) {
	if b.Canonicalizer != nil {
		return b.Canonicalizer.Canonicalize(ctx, name)
	}
	return strings.Join(strings.Fields(name), " "), nil
}

func (b *GraphBuilder) apply(ctx context.Context, store GraphStore, extraction *GraphExtraction, seenEntities map[string]struct{}, seenEdges map[EdgeKey]struct{}) error {
	if extraction == nil {
		return nil
	}
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	type entityUpdate struct {
		name   string
		chunks []string
	}
	updates := make(map[string]*entityUpdate)
	order := make([]string, 0, len(extraction.Entities))
	for _, ent := range extraction.Entities {
		id, err := b.canonicalize(ctx, ent.Name)
		if err != nil {
			return fmt.Errorf("canonicalize %q: %w", ent.Name, err)
		}
		if id == "" {
			continue
		}
		u, ok := updates[id]
		if !ok {
			u = &entityUpdate{name: strings.TrimSpace(ent.Name)}
			updates[id] = u
			order = append(order, id)
		}
		if ent.ChunkID != "" {
			u.chunks = append(u.chunks, ent.ChunkID)
		}
	}

	for _, id := range order {
		u := updates[id]
		existing, found, err := store.GetNode(ctx, id)
		if err != nil {
			return err
		}
		attrs := Attributes{"source_chunks": joinChunkIDs(existing["source_chunks"], u.chunks)}
		if !found || existing["name"] == "" {
			attrs["name"] = u.name
		}
		if err := store.UpsertNode(ctx, id, attrs); err != nil {
			return fmt.Errorf("upsert entity %q: %w", id, err)
		}
		seenEntities[id] = struct{}{}
	}

	for _, edge := range extraction.Edges {
		src, err := b.canonicalize(ctx, edge.Src)
		if err != nil {
			return fmt.Errorf("canonicalize %q: %w", edge.Src, err)
		}
		dst, err := b.canonicalize(ctx, edge.Dst)
		if err != nil {
			return fmt.Errorf("canonicalize %q: %w", edge.Dst, err)
		}
		if src == "" || dst == "" {
			continue
		}
		weight := edge.Weight
		if weight <= 0 {
			weight = 1.0
		}
		attrs := Attributes{
			"relation": edge.RelType,
			"weight":   strconv.FormatFloat(weight, 'f', -1, 64),
			"chunk_id": edge.ChunkID,
		}
		if err := store.UpsertEdge(ctx, src, dst, attrs); err != nil {
			return fmt.Errorf("upsert relation %s->%s: %w", src, dst, err)
		}
		seenEntities[src] = struct{}{}
		seenEntities[dst] = struct{}{}
		seenEdges[EdgeKey{Source: src, Target: dst}] = struct{}{}
	}
	return nil
}

// joinChunkIDs merges added into the comma-separated list existing, dropping
// duplicates and sorting the result.
func joinChunkIDs(existing string, added []string) string {
	set := make(map[string]struct{})
	for _, id := range strings.Split(existing, ",") {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	for _, id := range added {
		set[id] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
