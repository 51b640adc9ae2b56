package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lryan599/grageng/kg"

	"github.com/labstack/echo/v4"
)

type Dependencies struct {
	Store           kg.GraphStore
	Builder         *kg.GraphBuilder
	Chat            kg.ChatModel
	PublishSnapshot func(context.Context) (kg.SnapshotRef, error)
	SnapshotHistory func(context.Context) ([]kg.SnapshotRef, error)
	AppMetrics      kg.AppMetrics
	Logger          *slog.Logger
}

type attributesRequest struct {
	Attributes kg.Attributes `json:"attributes"`
}

type embedRequest struct {
	Algorithm string `json:"algorithm"`
}

type ingestRequest struct {
	ChunkSize int           `json:"chunk_size"`
	Documents []kg.Document `json:"documents"`
}

type chatRequest struct {
	Prompt       string       `json:"prompt"`
	SystemPrompt string       `json:"system_prompt"`
	History      []kg.Message `json:"history"`
	Stream       bool         `json:"stream"`
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.AppMetrics
	if metrics == nil {
		metrics = kg.NoopAppMetrics{}
	}

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"Hello": "World"})
	})
	health := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	}
	e.GET("/health", health)
	e.GET("/healthz", health)
	e.GET("/metrics/app", func(c echo.Context) error {
		return c.JSON(http.StatusOK, metrics.Snapshot())
	})

	if deps.Store != nil {
		registerGraphRoutes(e.Group("/graph"), deps, logger, metrics)
	}

	e.POST("/chat", func(c echo.Context) error {
		if deps.Chat == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "chat model is not configured"})
		}
		var req chatRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		if strings.TrimSpace(req.Prompt) == "" {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "prompt is required"})
		}
		opts := []kg.ChatOption{kg.WithHistory(req.History), kg.WithSystemPrompt(req.SystemPrompt)}

		ctx := c.Request().Context()
		if !req.Stream {
			reply, err := deps.Chat.Chat(ctx, req.Prompt, opts...)
			if err != nil {
				logger.ErrorContext(ctx, "chat failed", "error", err)
				return WriteError(c, err)
			}
			return c.JSON(http.StatusOK, map[string]any{"reply": reply})
		}

		stream, err := deps.Chat.ChatStream(ctx, req.Prompt, opts...)
		if err != nil {
			logger.ErrorContext(ctx, "chat stream failed", "error", err)
			return WriteError(c, err)
		}
		defer stream.Close()
		return writeChatStream(c, stream, logger)
	})
}

func registerGraphRoutes(g *echo.Group, deps Dependencies, logger *slog.Logger, metrics kg.AppMetrics) {
	store := deps.Store

	g.GET("/labels", func(c echo.Context) error {
		labels, err := store.GetAllLabels(c.Request().Context())
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"labels": labels})
	})

	g.HEAD("/nodes/:id", func(c echo.Context) error {
		ok, err := store.HasNode(c.Request().Context(), pathParam(c, "id"))
		if err != nil {
			return WriteError(c, err)
		}
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusOK)
	})

	g.GET("/nodes/:id", func(c echo.Context) error {
		id := pathParam(c, "id")
		attrs, ok, err := store.GetNode(c.Request().Context(), id)
		if err != nil {
			return WriteError(c, err)
		}
		if !ok {
			return WriteError(c, fmt.Errorf("%w: %q", kg.ErrNodeNotFound, id))
		}
		return c.JSON(http.StatusOK, map[string]any{"id": id, "attributes": attrs})
	})

	g.PUT("/nodes/:id", func(c echo.Context) error {
		var req attributesRequest
		if err := bindOptional(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		id := pathParam(c, "id")
		start := time.Now()
		err := store.UpsertNode(c.Request().Context(), id, req.Attributes)
		metrics.RecordMutation("upsert_node", time.Since(start).Milliseconds(), err)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "id": id})
	})

	g.DELETE("/nodes/:id", func(c echo.Context) error {
		id := pathParam(c, "id")
		start := time.Now()
		err := store.DeleteNode(c.Request().Context(), id)
		metrics.RecordMutation("delete_node", time.Since(start).Milliseconds(), err)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "id": id})
	})

	g.GET("/nodes/:id/edges", func(c echo.Context) error {
		id := pathParam(c, "id")
		edges, ok, err := store.GetNodeEdges(c.Request().Context(), id)
		if err != nil {
			return WriteError(c, err)
		}
		if !ok {
			return WriteError(c, fmt.Errorf("%w: %q", kg.ErrNodeNotFound, id))
		}
		return c.JSON(http.StatusOK, map[string]any{"id": id, "edges": edges})
	})

	g.GET("/nodes/:id/degree", func(c echo.Context) error {
		id := pathParam(c, "id")
		degree, err := store.NodeDegree(c.Request().Context(), id)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"id": id, "degree": degree})
	})

	g.HEAD("/edges/:src/:dst", func(c echo.Context) error {
		ok, err := store.HasEdge(c.Request().Context(), pathParam(c, "src"), pathParam(c, "dst"))
		if err != nil {
			return WriteError(c, err)
		}
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusOK)
	})

	g.GET("/edges/:src/:dst", func(c echo.Context) error {
		src, dst := pathParam(c, "src"), pathParam(c, "dst")
		attrs, ok, err := store.GetEdge(c.Request().Context(), src, dst)
		if err != nil {
			return WriteError(c, err)
		}
		if !ok {
			return WriteError(c, fmt.Errorf("%w: %s->%s", kg.ErrEdgeNotFound, src, dst))
		}
		return c.JSON(http.StatusOK, map[string]any{"source": src, "target": dst, "attributes": attrs})
	})

	g.PUT("/edges/:src/:dst", func(c echo.Context) error {
		var req attributesRequest
		if err := bindOptional(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		src, dst := pathParam(c, "src"), pathParam(c, "dst")
		start := time.Now()
		err := store.UpsertEdge(c.Request().Context(), src, dst, req.Attributes)
		metrics.RecordMutation("upsert_edge", time.Since(start).Milliseconds(), err)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "source": src, "target": dst})
	})

	g.GET("/edges/:src/:dst/degree", func(c echo.Context) error {
		src, dst := pathParam(c, "src"), pathParam(c, "dst")
		degree, err := store.EdgeDegree(c.Request().Context(), src, dst)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"source": src, "target": dst, "degree": degree})
	})

	g.POST("/embed", func(c echo.Context) error {
		var req embedRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		algorithm := strings.TrimSpace(req.Algorithm)
		if algorithm == "" {
			algorithm = kg.AlgorithmSpectral
		}

		ctx := c.Request().Context()
		start := time.Now()
		matrix, ids, err := store.EmbedNodes(ctx, algorithm)
		metrics.RecordEmbed(algorithm, time.Since(start).Milliseconds(), len(ids), err)
		if err != nil {
			if !errors.Is(err, kg.ErrUnsupportedAlgorithm) {
				logger.ErrorContext(ctx, "embed nodes failed", "algorithm", algorithm, "error", err)
			}
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"algorithm":  algorithm,
			"ids":        ids,
			"embeddings": matrix,
		})
	})

	g.POST("/ingest", func(c echo.Context) error {
		start := time.Now()
		var req ingestRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		if len(req.Documents) == 0 {
			err := fmt.Errorf("documents are required")
			metrics.RecordIngest(time.Since(start).Milliseconds(), 0, 0, 0, 0, err)
			return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}

		docIDs := make([]string, 0, len(req.Documents))
		for i := range req.Documents {
			doc := &req.Documents[i]
			doc.ID = strings.TrimSpace(doc.ID)
			if doc.ID == "" {
				doc.ID = generateDocID()
			}
			if strings.TrimSpace(doc.Text) == "" {
				err := fmt.Errorf("each document requires non-empty text")
				metrics.RecordIngest(time.Since(start).Milliseconds(), len(req.Documents), 0, 0, 0, err)
				return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
			}
			docIDs = append(docIDs, doc.ID)
		}

		builder := deps.Builder
		if builder != nil && req.ChunkSize > 0 {
			sized := *builder
			sized.Chunker = kg.TextChunker{ChunkSize: req.ChunkSize}
			builder = &sized
		}

		ctx := c.Request().Context()
		res, err := builder.Populate(ctx, store, req.Documents)
		if err != nil {
			metrics.RecordIngest(time.Since(start).Milliseconds(), len(req.Documents), 0, 0, 0, err)
			logger.ErrorContext(ctx, "graph ingest failed", "documents", len(req.Documents), "error", err)
			return WriteError(c, err)
		}
		metrics.RecordIngest(time.Since(start).Milliseconds(), res.Documents, res.Chunks, res.Entities, res.Edges, nil)
		logger.InfoContext(ctx, "graph ingest completed",
			"documents", res.Documents,
			"chunks", res.Chunks,
			"entities", res.Entities,
			"edges", res.Edges,
		)

		return c.JSON(http.StatusOK, map[string]any{
			"status":  "ok",
			"doc_ids": docIDs,
			"result":  res,
		})
	})

	g.POST("/snapshot", func(c echo.Context) error {
		if deps.PublishSnapshot == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "snapshots are not configured"})
		}
		ref, err := deps.PublishSnapshot(c.Request().Context())
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, ref)
	})

	g.GET("/snapshots", func(c echo.Context) error {
		if deps.SnapshotHistory == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "snapshots are not configured"})
		}
		refs, err := deps.SnapshotHistory(c.Request().Context())
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"snapshots": refs})
	})
}

// pathParam returns a route parameter with percent-escapes decoded. echo
// matches against the raw path when the request needed escaping, so ids
// containing '/' or '%' arrive encoded in that case.
func pathParam(c echo.Context, name string) string {
	v := c.Param(name)
	if c.Request().URL.RawPath == "" {
		return v
	}
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

// bindOptional binds a JSON body when one was sent; an empty body leaves dst
// at its zero value.
func bindOptional(c echo.Context, dst any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return c.Bind(dst)
}

// writeChatStream relays fragments as newline-delimited JSON objects and ends
// with {"done":true}.
func writeChatStream(c echo.Context, stream *kg.ChatStream, logger *slog.Logger) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(res)
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return enc.Encode(map[string]any{"done": true})
		}
		if err != nil {
			logger.ErrorContext(c.Request().Context(), "chat stream interrupted", "error", err)
			return enc.Encode(map[string]any{"error": err.Error(), "done": true})
		}
		if err := enc.Encode(map[string]any{"content": fragment}); err != nil {
			return err
		}
		res.Flush()
	}
}

func generateDocID() string {
	return fmt.Sprintf("doc-%d-%s", time.Now().UnixMilli(), randomHex(3))
}

func randomHex(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// WriteError maps graph errors onto HTTP statuses.
func WriteError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, kg.ErrInvalidNodeID),
		errors.Is(err, kg.ErrInvalidAttribute),
		errors.Is(err, kg.ErrUnsupportedAlgorithm),
		errors.Is(err, kg.ErrGraphBuilderUnavailable):
		status = http.StatusBadRequest
	case errors.Is(err, kg.ErrNodeNotFound),
		errors.Is(err, kg.ErrEdgeNotFound),
		errors.Is(err, kg.ErrManifestNotFound):
		status = http.StatusNotFound
	case errors.Is(err, kg.ErrWriteLeaseConflict):
		c.Response().Header().Set("Retry-After", "1")
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]any{"error": err.Error()})
}
