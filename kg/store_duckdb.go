// store_duckdb.go persists the property graph in DuckDB tables.
//
// Schema:
//
//   - graph_nodes: id, seq (insertion order), attrs (JSON object text).
//   - graph_edges: src, dst, seq, attrs. At most one row per (src, dst); the
//     store enforces this under its write lock, not with a unique index.
//
// Consistency:
//
//   - Every mutation runs inside one SQL transaction while holding the store's
//     write lock, so DeleteNode removes the node row and its incident edge rows
//     together or not at all.
//   - Multi-statement reads (GetNodeEdges, EmbedNodes, Snapshot) run under the
//     read lock, so no writer can interleave between their statements.

package kg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckDBGraphStore is a GraphStore backed by a DuckDB database file.
type DuckDBGraphStore struct {
	db *sql.DB
	mu sync.RWMutex

	logger   *slog.Logger
	registry *EmbeddingRegistry
}

var (
	_ GraphStore  = (*DuckDBGraphStore)(nil)
	_ Snapshotter = (*DuckDBGraphStore)(nil)
)

// OpenDuckDBGraphStore opens (or creates) the database at path and ensures the
// graph tables exist. An empty path opens an in-memory database.
func OpenDuckDBGraphStore(ctx context.Context, path string, opts ...StoreOption) (*DuckDBGraphStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	// one connection keeps in-memory databases shared and serializes access
	db.SetMaxOpenConns(1)

	store, err := NewDuckDBGraphStore(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewDuckDBGraphStore wraps an open DuckDB handle. The caller keeps ownership
// of db unless Close is called on the store.
func NewDuckDBGraphStore(ctx context.Context, db *sql.DB, opts ...StoreOption) (*DuckDBGraphStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if err := EnsureGraphTables(ctx, db); err != nil {
		return nil, err
	}
	o := newStoreOptions(opts)
	return &DuckDBGraphStore{db: db, logger: o.logger, registry: o.registry}, nil
}

// Registry returns the embedding registry used by EmbedNodes.
func (s *DuckDBGraphStore) Registry() *EmbeddingRegistry {
	return s.registry
}

// Close checkpoints and closes the underlying database.
func (s *DuckDBGraphStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`CHECKPOINT`); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("checkpoint graph db: %w", err)
	}
	return s.db.Close()
}

// EnsureGraphTables creates the graph tables and indexes if they do not
// already exist.
func EnsureGraphTables(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS graph_nodes (
			id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			attrs TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create graph_nodes table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS graph_edges (
			src TEXT NOT NULL,
			dst TEXT NOT NULL,
			seq BIGINT NOT NULL,
			attrs TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create graph_edges table: %w", err)
	}

	indexes := []struct {
		name string
		ddl  string
	}{
		{"idx_graph_nodes_id", `CREATE INDEX IF NOT EXISTS idx_graph_nodes_id ON graph_nodes(id)`},
		{"idx_graph_edges_src", `CREATE INDEX IF NOT EXISTS idx_graph_edges_src ON graph_edges(src)`},
		{"idx_graph_edges_dst", `CREATE INDEX IF NOT EXISTS idx_graph_edges_dst ON graph_edges(dst)`},
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx.ddl); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

func (s *DuckDBGraphStore) HasNode(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rowExists(ctx, s.db, `SELECT 1 FROM graph_nodes WHERE id = ? LIMIT 1`, id)
}

func (s *DuckDBGraphStore) HasEdge(ctx context.Context, src, tgt string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rowExists(ctx, s.db, `SELECT 1 FROM graph_edges WHERE src = ? AND dst = ? LIMIT 1`, src, tgt)
}

func (s *DuckDBGraphStore) NodeDegree(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degree(ctx, id)
}

func (s *DuckDBGraphStore) EdgeDegree(ctx context.Context, src, tgt string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.degree(ctx, src)
	if err != nil {
		return 0, err
	}
	b, err := s.degree(ctx, tgt)
	if err != nil {
		return 0, err
	}
	return a + b, nil
}

// degree counts a self-loop twice, once as outgoing and once as incoming.
func (s *DuckDBGraphStore) degree(ctx context.Context, id string) (int, error) {
	var out, in int
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE src = ?),
			COUNT(*) FILTER (WHERE dst = ?)
		FROM graph_edges
		WHERE src = ? OR dst = ?
	`, id, id, id, id).Scan(&out, &in); err != nil {
		return 0, fmt.Errorf("count degree of %q: %w", id, err)
	}
	return out + in, nil
}

func (s *DuckDBGraphStore) GetNode(ctx context.Context, id string) (Attributes, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryAttributes(ctx, s.db, `SELECT attrs FROM graph_nodes WHERE id = ? LIMIT 1`, id)
}

func (s *DuckDBGraphStore) GetEdge(ctx context.Context, src, tgt string) (Attributes, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryAttributes(ctx, s.db, `SELECT attrs FROM graph_edges WHERE src = ? AND dst = ? LIMIT 1`, src, tgt)
}

func (s *DuckDBGraphStore) GetNodeEdges(ctx context.Context, id string) ([]EdgeKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ok, err := rowExists(ctx, s.db, `SELECT 1 FROM graph_nodes WHERE id = ? LIMIT 1`, id)
	if err != nil || !ok {
		return nil, false, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT src, dst FROM graph_edges
		WHERE src = ? OR dst = ?
		ORDER BY seq
	`, id, id)
	if err != nil {
		return nil, false, fmt.Errorf("query edges of %q: %w", id, err)
	}
	defer rows.Close()

	keys := make([]EdgeKey, 0)
	for rows.Next() {
		var k EdgeKey
		if err := rows.Scan(&k.Source, &k.Target); err != nil {
			return nil, false, fmt.Errorf("scan edge row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("edge rows iteration error: %w", err)
	}
	return keys, true, nil
}

func (s *DuckDBGraphStore) UpsertNode(ctx context.Context, id string, attrs Attributes) error {
	if err := validateNodeID(id); err != nil {
		return err
	}
	if err := validateAttributes(attrs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertNodeTx(ctx, tx, id, attrs)
	})
}

func (s *DuckDBGraphStore) UpsertEdge(ctx context.Context, src, tgt string, attrs Attributes) error {
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertNodeTx(ctx, tx, src, nil); err != nil {
			return err
		}
		if err := upsertNodeTx(ctx, tx, tgt, nil); err != nil {
			return err
		}
		for _, endpoint := range []string{src, tgt} {
			ok, err := rowExists(ctx, tx, `SELECT 1 FROM graph_nodes WHERE id = ? LIMIT 1`, endpoint)
			if err != nil {
				return err
			}
			if !ok {
				s.logger.Error("graph invariant violated", "reason", "edge endpoint missing after upsert", "source", src, "target", tgt, "missing", endpoint)
				return fmt.Errorf("%w: endpoint %q missing after upsert (%s->%s)", ErrInvariantViolation, endpoint, src, tgt)
			}
		}

		current, found, err := queryAttributes(ctx, tx, `SELECT attrs FROM graph_edges WHERE src = ? AND dst = ? LIMIT 1`, src, tgt)
		if err != nil {
			return err
		}
		if found {
			mergeInto(current, attrs)
			encoded, err := encodeAttributes(current)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE graph_edges SET attrs = ? WHERE src = ? AND dst = ?`, encoded, src, tgt); err != nil {
				return fmt.Errorf("update edge %s->%s: %w", src, tgt, err)
			}
			return nil
		}

		encoded, err := encodeAttributes(attrs)
		if err != nil {
			return err
		}
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO graph_edges (src, dst, seq, attrs) VALUES (?, ?, ?, ?)`, src, tgt, seq, encoded); err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", src, tgt, err)
		}
		return nil
	})
}

// DeleteNode removes the node row and every incident edge row in one
// transaction. Deleting an absent node is a no-op.
func (s *DuckDBGraphStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE src = ? OR dst = ?`, id, id); err != nil {
			return fmt.Errorf("delete edges of %q: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete node %q: %w", id, err)
		}
		return nil
	})
}

func (s *DuckDBGraphStore) GetAllLabels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM graph_nodes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer rows.Close()

	labels := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels = append(labels, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("label rows iteration error: %w", err)
	}
	return labels, nil
}

func (s *DuckDBGraphStore) EmbedNodes(ctx context.Context, algorithm string) ([][]float64, []string, error) {
	algo, err := s.registry.Lookup(algorithm)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	view, err := snap.View()
	if err != nil {
		return nil, nil, err
	}
	return embedView(ctx, algo, algorithm, view)
}

// Snapshot reads nodes and edges under one read-lock hold.
func (s *DuckDBGraphStore) Snapshot(ctx context.Context) (*GraphSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &GraphSnapshot{
		SchemaVersion: snapshotSchemaVersion,
		CreatedAt:     time.Now().UTC(),
		Nodes:         make([]SnapshotNode, 0),
		Edges:         make([]SnapshotEdge, 0),
	}

	nodeRows, err := s.db.QueryContext(ctx, `SELECT id, attrs FROM graph_nodes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer nodeRows.Close()
	for nodeRows.Next() {
		var id, raw string
		if err := nodeRows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		attrs, err := decodeAttributes(raw)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		snap.Nodes = append(snap.Nodes, SnapshotNode{ID: id, Attributes: attrs})
	}
	if err := nodeRows.Err(); err != nil {
		return nil, fmt.Errorf("node rows iteration error: %w", err)
	}

	edgeRows, err := s.db.QueryContext(ctx, `SELECT src, dst, attrs FROM graph_edges ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var e SnapshotEdge
		var raw string
		if err := edgeRows.Scan(&e.Source, &e.Target, &raw); err != nil {
			return nil, fmt.Errorf("scan edge row: %w", err)
		}
		attrs, err := decodeAttributes(raw)
		if err != nil {
			return nil, fmt.Errorf("edge %s->%s: %w", e.Source, e.Target, err)
		}
		e.Attributes = attrs
		snap.Edges = append(snap.Edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("edge rows iteration error: %w", err)
	}
	return snap, nil
}

func (s *DuckDBGraphStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin graph tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit graph tx: %w", err)
	}
	return nil
}

func upsertNodeTx(ctx context.Context, tx *sql.Tx, id string, attrs Attributes) error {
	current, found, err := queryAttributes(ctx, tx, `SELECT attrs FROM graph_nodes WHERE id = ? LIMIT 1`, id)
	if err != nil {
		return err
	}
	if found {
		if len(attrs) == 0 {
			return nil
		}
		mergeInto(current, attrs)
		encoded, err := encodeAttributes(current)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE graph_nodes SET attrs = ? WHERE id = ?`, encoded, id); err != nil {
			return fmt.Errorf("update node %q: %w", id, err)
		}
		return nil
	}

	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO graph_nodes (id, seq, attrs) VALUES (?, ?, ?)`, id, seq, encoded); err != nil {
		return fmt.Errorf("insert node %q: %w", id, err)
	}
	return nil
}

// nextSeq returns one past the largest sequence used by any node or edge.
// Callers hold the store's write lock, so the value cannot race.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(seq) FROM graph_nodes), 0),
			COALESCE((SELECT MAX(seq) FROM graph_edges), 0)
		) + 1
	`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func rowExists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("existence query: %w", err)
	}
	defer rows.Close()
	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("existence rows iteration error: %w", err)
	}
	return found, nil
}

func queryAttributes(ctx context.Context, q queryer, query string, args ...any) (Attributes, bool, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("attribute query: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, fmt.Errorf("attribute rows iteration error: %w", err)
		}
		return nil, false, nil
	}
	var raw string
	if err := rows.Scan(&raw); err != nil {
		return nil, false, fmt.Errorf("scan attributes: %w", err)
	}
	attrs, err := decodeAttributes(raw)
	if err != nil {
		return nil, false, err
	}
	return attrs, true, nil
}

func encodeAttributes(attrs Attributes) (string, error) {
	if attrs == nil {
		attrs = Attributes{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(data), nil
}

func decodeAttributes(raw string) (Attributes, error) {
	attrs := Attributes{}
	if strings.TrimSpace(raw) == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return attrs, nil
}
