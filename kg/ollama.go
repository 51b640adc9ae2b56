package kg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "all-minilm"
	defaultChatModel     = "llama3.2"

	defaultGrapherModel   = "gemma3:4b"
	defaultGrapherWorkers = 4
)

const ollamaGrapherPromptTemplate = `You are a knowledge-graph extraction system. Extract named entities and directed relationships from the text below.

Output schema (return exactly this JSON structure, one line, no markdown fences):
{"entities":["string"],"edges":[{"src":"string","dst":"string","rel":"string","weight":1.0}]}

Entity rules:
- Extract people, organizations, locations, products, events, concepts, and technical terms.
- Use the fullest canonical name found in the text (e.g. "John Smith" not "John", "ACME Corporation" not "ACME").
- Resolve pronouns and abbreviations to their full entity name when clearly identifiable.
- No duplicate entity names in the list.

Edge rules:
- src is the subject (actor), dst is the object (target) of the relationship.
- rel is a lowercase snake_case verb phrase (e.g. works_at, founded_by, located_in, acquired, authored).
- Both src and dst must appear in the entities list.
- weight is a confidence/relevance float from 0.1 to 1.0; use 1.0 when clearly stated, lower when implied.
- No duplicate edges.

If no entities can be extracted, return {"entities":[],"edges":[]}.

Example:
Input: "In 2015, Sundar Pichai became CEO of Google. Google is headquartered in Mountain View, California."
Output: {"entities":["Sundar Pichai","Google","Mountain View","California"],"edges":[{"src":"Sundar Pichai","dst":"Google","rel":"ceo_of","weight":1.0},{"src":"Google","dst":"Mountain View","rel":"headquartered_in","weight":1.0},{"src":"Mountain View","dst":"California","rel":"located_in","weight":1.0}]}

Text:
%s`

type ollamaClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func newOllamaClient(baseURL string) ollamaClient {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return ollamaClient{BaseURL: baseURL}
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v == "" {
		return fallback
	}
	return v
}

// post sends payload as JSON to path and returns the response body when the
// status is 200. The caller closes the body.
func (c ollamaClient) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if len(bytes.TrimSpace(msg)) == 0 {
			return nil, fmt.Errorf("ollama %s failed with status %d", path, resp.StatusCode)
		}
		return nil, fmt.Errorf("ollama %s failed with status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.Body, nil
}

func (c ollamaClient) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := c.post(ctx, path, payload)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode ollama %s response: %w", path, err)
	}
	return nil
}

// OllamaEmbedder implements BatchEmbedder with Ollama /api/embed.
type OllamaEmbedder struct {
	ollamaClient
	Model string
}

var _ BatchEmbedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an embedder; empty arguments select the local
// Ollama endpoint and the all-minilm model.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		ollamaClient: newOllamaClient(baseURL),
		Model:        orDefault(model, defaultOllamaModel),
	}
}

func (o *OllamaEmbedder) Embed(ctx context.Context, input string) ([]float32, error) {
	vectors, err := o.EmbedBatch(ctx, []string{input})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch sends every input in one request.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	var parsed struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	err := o.postJSON(ctx, "/api/embed", map[string]any{
		"model": o.Model,
		"input": inputs,
	}, &parsed)
	if err != nil {
		return nil, err
	}
	if len(parsed.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(parsed.Embeddings), len(inputs))
	}

	out := make([][]float32, len(parsed.Embeddings))
	for i, emb := range parsed.Embeddings {
		if len(emb) == 0 {
			return nil, fmt.Errorf("ollama returned an empty embedding for input %d", i)
		}
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// Ping checks connectivity by embedding a short string.
func (o *OllamaEmbedder) Ping(ctx context.Context) error {
	_, err := o.Embed(ctx, "ping")
	return err
}

// OllamaChat implements ChatModel with Ollama /api/chat.
type OllamaChat struct {
	ollamaClient
	Model string
}

var _ ChatModel = (*OllamaChat)(nil)

func NewOllamaChat(baseURL, model string) *OllamaChat {
	return &OllamaChat{
		ollamaClient: newOllamaClient(baseURL),
		Model:        orDefault(model, defaultChatModel),
	}
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func (o *OllamaChat) Chat(ctx context.Context, prompt string, opts ...ChatOption) (string, error) {
	var resp ollamaChatResponse
	err := o.postJSON(ctx, "/api/chat", ollamaChatRequest{
		Model:    o.Model,
		Messages: BuildMessages(prompt, opts...),
		Stream:   false,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama chat: %s", resp.Error)
	}
	return resp.Message.Content, nil
}

// ChatStream streams the reply; Ollama sends one JSON object per line and
// marks the last with "done": true.
func (o *OllamaChat) ChatStream(ctx context.Context, prompt string, opts ...ChatOption) (*ChatStream, error) {
	body, err := o.post(ctx, "/api/chat", ollamaChatRequest{
		Model:    o.Model,
		Messages: BuildMessages(prompt, opts...),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	return NewChatStream(body, func(line []byte) (string, bool, error) {
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", false, fmt.Errorf("decode ollama chat stream: %w", err)
		}
		if chunk.Error != "" {
			return "", true, fmt.Errorf("ollama chat: %s", chunk.Error)
		}
		return chunk.Message.Content, chunk.Done, nil
	}), nil
}

// OllamaGrapher extracts entities and relations with Ollama /api/generate in
// JSON mode, one request per chunk and at most MaxParallel in flight.
type OllamaGrapher struct {
	ollamaClient
	Model       string
	MaxParallel int
}

var _ Grapher = (*OllamaGrapher)(nil)

func NewOllamaGrapher(baseURL, model string) *OllamaGrapher {
	return &OllamaGrapher{
		ollamaClient: newOllamaClient(baseURL),
		Model:        orDefault(model, defaultGrapherModel),
		MaxParallel:  defaultGrapherWorkers,
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type ollamaGrapherResult struct {
	Entities []string `json:"entities"`
	Edges    []struct {
		Src    string  `json:"src"`
		Dst    string  `json:"dst"`
		Rel    string  `json:"rel"`
		Weight float64 `json:"weight"`
	} `json:"edges"`
}

func (o *OllamaGrapher) extractChunk(ctx context.Context, chunk Chunk) (*GraphExtraction, error) {
	var response struct {
		Response string `json:"response"`
	}
	err := o.postJSON(ctx, "/api/generate", ollamaGenerateRequest{
		Model:  o.Model,
		Prompt: fmt.Sprintf(ollamaGrapherPromptTemplate, chunk.Text),
		Format: "json",
		Stream: false,
	}, &response)
	if err != nil {
		return nil, err
	}

	var result ollamaGrapherResult
	if err := json.Unmarshal([]byte(response.Response), &result); err != nil {
		return nil, fmt.Errorf("parse grapher output for chunk %s: %w", chunk.ChunkID, err)
	}

	out := &GraphExtraction{
		Entities: make([]EntityCandidate, 0, len(result.Entities)),
		Edges:    make([]EdgeCandidate, 0, len(result.Edges)),
	}
	seen := make(map[string]struct{}, len(result.Entities))
	for _, name := range result.Entities {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out.Entities = append(out.Entities, EntityCandidate{Name: name, ChunkID: chunk.ChunkID})
	}
	for _, e := range result.Edges {
		out.Edges = append(out.Edges, EdgeCandidate{
			Src:     strings.TrimSpace(e.Src),
			Dst:     strings.TrimSpace(e.Dst),
			RelType: e.Rel,
			Weight:  e.Weight,
			ChunkID: chunk.ChunkID,
		})
	}
	return out, nil
}

// Extract keeps results in chunk order regardless of completion order. The
// first failure cancels the outstanding requests.
func (o *OllamaGrapher) Extract(ctx context.Context, chunks []Chunk) (*GraphExtraction, error) {
	workers := o.MaxParallel
	if workers <= 0 {
		workers = defaultGrapherWorkers
	}

	results := make([]*GraphExtraction, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range chunks {
		g.Go(func() error {
			res, err := o.extractChunk(gctx, chunks[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &GraphExtraction{}
	for _, res := range results {
		out.Entities = append(out.Entities, res.Entities...)
		out.Edges = append(out.Edges, res.Edges...)
	}
	return out, nil
}
