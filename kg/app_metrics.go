package kg

import (
	"runtime"
	"strings"
	"sync"
	"time"
)

// AppMetrics receives service-level measurements. Implementations must be
// safe for concurrent use.
type AppMetrics interface {
	RecordRequest(method, path string, status int, latencyMS int64)
	RecordEmbed(algorithm string, latencyMS int64, nodeCount int, err error)
	RecordMutation(op string, latencyMS int64, err error)
	RecordIngest(latencyMS int64, docCount, chunkCount, entityCount, edgeCount int, err error)
	RecordSnapshot(graphID string, latencyMS int64, sizeBytes int64, err error)
	Snapshot() MetricsSnapshot
}

type RouteStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMinMS int64 `json:"latency_min_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type EmbedStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
	TotalNodes   int64 `json:"total_nodes"`
}

type MutationStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type IngestStats struct {
	Count         int64 `json:"count"`
	ErrorCount    int64 `json:"error_count"`
	LatencySumMS  int64 `json:"latency_sum_ms"`
	LatencyMaxMS  int64 `json:"latency_max_ms"`
	TotalDocs     int64 `json:"total_docs"`
	TotalChunks   int64 `json:"total_chunks"`
	TotalEntities int64 `json:"total_entities"`
	TotalEdges    int64 `json:"total_edges"`
}

type SnapshotStats struct {
	Count           int64     `json:"count"`
	ErrorCount      int64     `json:"error_count"`
	LatencySumMS    int64     `json:"latency_sum_ms"`
	LatencyMaxMS    int64     `json:"latency_max_ms"`
	LastSizeBytes   int64     `json:"last_size_bytes"`
	LastSuccessAt   time.Time `json:"last_success_at"`
	CASConflicts    int64     `json:"cas_conflicts"`
	CASRetryDelayMS int64     `json:"cas_retry_delay_ms"`
}

type RecentRequest struct {
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type RuntimeStats struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	Goroutines     int    `json:"goroutines"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNS      uint64 `json:"gc_pause_ns"`
}

type MetricsSnapshot struct {
	RouteStats     map[string]RouteStats    `json:"route_stats"`
	EmbedStats     map[string]EmbedStats    `json:"embed_stats"`
	MutationStats  map[string]MutationStats `json:"mutation_stats"`
	IngestStats    IngestStats              `json:"ingest_stats"`
	SnapshotStats  map[string]SnapshotStats `json:"snapshot_stats"`
	RecentRequests []RecentRequest          `json:"recent_requests"`
	Runtime        RuntimeStats             `json:"runtime"`
	UptimeSeconds  int64                    `json:"uptime_seconds"`
	StartTime      time.Time                `json:"start_time"`
}

// NoopAppMetrics discards everything.
type NoopAppMetrics struct{}

func (NoopAppMetrics) RecordRequest(method, path string, status int, latencyMS int64) {}

func (NoopAppMetrics) RecordEmbed(algorithm string, latencyMS int64, nodeCount int, err error) {}

func (NoopAppMetrics) RecordMutation(op string, latencyMS int64, err error) {}

func (NoopAppMetrics) RecordIngest(latencyMS int64, docCount, chunkCount, entityCount, edgeCount int, err error) {
}

func (NoopAppMetrics) RecordSnapshot(graphID string, latencyMS int64, sizeBytes int64, err error) {}

func (NoopAppMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{}
}

const appMetricsRecentCapacity = 200

// InMemAppMetrics aggregates into maps and keeps the last requests in a ring
// buffer.
type InMemAppMetrics struct {
	mu sync.Mutex

	routeStats    map[string]RouteStats
	embedStats    map[string]EmbedStats
	mutationStats map[string]MutationStats
	ingestStats   IngestStats
	snapshotStats map[string]SnapshotStats

	recent      []RecentRequest
	recentNext  int
	recentCount int

	startTime time.Time
}

var (
	_ AppMetrics           = (*InMemAppMetrics)(nil)
	_ PublishRetryObserver = (*InMemAppMetrics)(nil)
)

func NewInMemAppMetrics() *InMemAppMetrics {
	return &InMemAppMetrics{
		routeStats:    make(map[string]RouteStats),
		embedStats:    make(map[string]EmbedStats),
		mutationStats: make(map[string]MutationStats),
		snapshotStats: make(map[string]SnapshotStats),
		recent:        make([]RecentRequest, appMetricsRecentCapacity),
		startTime:     time.Now().UTC(),
	}
}

func (m *InMemAppMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	if m == nil {
		return
	}

	method = strings.TrimSpace(strings.ToUpper(method))
	path = strings.TrimSpace(path)
	if method == "" {
		method = "UNKNOWN"
	}
	if path == "" {
		path = "/"
	}
	latencyMS = max(latencyMS, 0)
	key := method + " " + path

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.routeStats[key]
	v.Count++
	if status >= 400 {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	if v.Count == 1 || latencyMS < v.LatencyMinMS {
		v.LatencyMinMS = latencyMS
	}
	v.LatencyMaxMS = max(v.LatencyMaxMS, latencyMS)
	m.routeStats[key] = v

	m.recent[m.recentNext] = RecentRequest{
		Method:    method,
		Path:      path,
		Status:    status,
		LatencyMS: latencyMS,
		Timestamp: time.Now().UTC(),
	}
	m.recentNext = (m.recentNext + 1) % len(m.recent)
	if m.recentCount < len(m.recent) {
		m.recentCount++
	}
}

func (m *InMemAppMetrics) RecordEmbed(algorithm string, latencyMS int64, nodeCount int, err error) {
	if m == nil {
		return
	}
	algorithm = metricsKey(algorithm)

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.embedStats[algorithm]
	v.Count++
	if err != nil {
		v.ErrorCount++
	}
	v.LatencySumMS += max(latencyMS, 0)
	v.LatencyMaxMS = max(v.LatencyMaxMS, latencyMS)
	v.TotalNodes += int64(max(nodeCount, 0))
	m.embedStats[algorithm] = v
}

func (m *InMemAppMetrics) RecordMutation(op string, latencyMS int64, err error) {
	if m == nil {
		return
	}
	op = metricsKey(op)

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.mutationStats[op]
	v.Count++
	if err != nil {
		v.ErrorCount++
	}
	v.LatencySumMS += max(latencyMS, 0)
	v.LatencyMaxMS = max(v.LatencyMaxMS, latencyMS)
	m.mutationStats[op] = v
}

func (m *InMemAppMetrics) RecordIngest(latencyMS int64, docCount, chunkCount, entityCount, edgeCount int, err error) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v := &m.ingestStats
	v.Count++
	if err != nil {
		v.ErrorCount++
	}
	v.LatencySumMS += max(latencyMS, 0)
	v.LatencyMaxMS = max(v.LatencyMaxMS, latencyMS)
	v.TotalDocs += int64(max(docCount, 0))
	v.TotalChunks += int64(max(chunkCount, 0))
	v.TotalEntities += int64(max(entityCount, 0))
	v.TotalEdges += int64(max(edgeCount, 0))
}

func (m *InMemAppMetrics) RecordSnapshot(graphID string, latencyMS int64, sizeBytes int64, err error) {
	if m == nil {
		return
	}
	graphID = metricsKey(graphID)

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.snapshotStats[graphID]
	v.Count++
	v.LatencySumMS += max(latencyMS, 0)
	v.LatencyMaxMS = max(v.LatencyMaxMS, latencyMS)
	if err != nil {
		v.ErrorCount++
	} else {
		v.LastSizeBytes = sizeBytes
		v.LastSuccessAt = time.Now().UTC()
	}
	m.snapshotStats[graphID] = v
}

// ObservePublishRetry folds manifest CAS conflicts into the snapshot stats.
func (m *InMemAppMetrics) ObservePublishRetry(stats PublishRetryStats) {
	if m == nil || stats.ConflictCount == 0 {
		return
	}
	graphID := metricsKey(stats.GraphID)

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.snapshotStats[graphID]
	v.CASConflicts += int64(stats.ConflictCount)
	v.CASRetryDelayMS += stats.TotalRetryDelay.Milliseconds()
	m.snapshotStats[graphID] = v
}

func (m *InMemAppMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	m.mu.Lock()
	out := MetricsSnapshot{
		RouteStats:     copyMap(m.routeStats),
		EmbedStats:     copyMap(m.embedStats),
		MutationStats:  copyMap(m.mutationStats),
		IngestStats:    m.ingestStats,
		SnapshotStats:  copyMap(m.snapshotStats),
		RecentRequests: m.recentLocked(),
		StartTime:      m.startTime,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
	}
	m.mu.Unlock()

	// ReadMemStats stops the world; keep it outside m.mu.
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	out.Runtime = RuntimeStats{
		HeapAllocBytes: rt.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          rt.NumGC,
		GCPauseNS:      rt.PauseTotalNs,
	}
	return out
}

// recentLocked returns the ring buffer oldest first.
func (m *InMemAppMetrics) recentLocked() []RecentRequest {
	out := make([]RecentRequest, 0, m.recentCount)
	start := (m.recentNext - m.recentCount + len(m.recent)) % len(m.recent)
	for i := 0; i < m.recentCount; i++ {
		out = append(out, m.recent[(start+i)%len(m.recent)])
	}
	return out
}

func metricsKey(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	return s
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
