package kg

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultLocalEmbedDim is the LocalEmbedder width used when none is configured.
const DefaultLocalEmbedDim = 384

// Every word contributes "<word>" plus all of its rune n-grams in this range.
const (
	localMinGram = 3
	localMaxGram = 6
)

// localHashSeed namespaces feature hashes; changing it changes every vector.
const localHashSeed = "grageng/local-embedder/v1\x00"

// LocalEmbedder is an Embedder that needs no model server. Each word of the
// input is spread over dim buckets by hashing its character n-grams, so two
// node texts sharing names or spelling variants ("graph", "graphs") get a
// high dot product. Output is deterministic and unit length.
type LocalEmbedder struct {
	dim int
}

func NewLocalEmbedder(dim int) (*LocalEmbedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: local embedder needs a positive width, got %d", ErrInvalidEmbeddingDimension, dim)
	}
	return &LocalEmbedder{dim: dim}, nil
}

func (e *LocalEmbedder) Dim() int { return e.dim }

// Embed returns the normalized mean of the word vectors of input. Stopwords
// only count when input has nothing else; input without letters or digits is
// treated as one word.
func (e *LocalEmbedder) Embed(_ context.Context, input string) ([]float32, error) {
	text := strings.ToLower(strings.Join(strings.Fields(input), " "))
	if text == "" {
		return nil, fmt.Errorf("local embedder: blank input")
	}

	words := contentWords(text)
	vec := make([]float32, e.dim)
	for _, w := range words {
		e.hashWord(vec, w)
	}
	if !unitLength(vec) {
		return nil, fmt.Errorf("local embedder: features of %q cancelled out", input)
	}
	return vec, nil
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, 0, len(inputs))
	for i, input := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.Embed(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}

// contentWords splits text into letter/digit runs and drops stopwords,
// falling back to all runs and then to text itself.
func contentWords(text string) []string {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return []string{text}
	}
	words := tokens[:0:0]
	for _, tok := range tokens {
		if !isStopword(tok) {
			words = append(words, tok)
		}
	}
	if len(words) == 0 {
		return tokens
	}
	return words
}

// hashWord adds the word's features to vec, scaled so every word carries the
// same total weight.
func (e *LocalEmbedder) hashWord(vec []float32, word string) {
	runes := []rune("<" + word + ">")
	features := []string{string(runes)}
	for n := localMinGram; n <= localMaxGram && n <= len(runes); n++ {
		for i := 0; i+n <= len(runes); i++ {
			features = append(features, string(runes[i:i+n]))
		}
	}
	weight := 1 / float32(len(features))
	for _, f := range features {
		h := featureHash(f)
		idx := h % uint64(e.dim)
		if h>>63 == 1 {
			vec[idx] -= weight
		} else {
			vec[idx] += weight
		}
	}
}

func featureHash(feature string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(localHashSeed))
	_, _ = h.Write([]byte(feature))
	return h.Sum64()
}

func unitLength(vec []float32) bool {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return false
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return true
}

var stopwords = func() map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(`
		a about above after again against all am an and any are as at
		be because been before being below between both but by
		can did do does doing down during each few for from further
		had has have having he her here hers herself him himself his how
		i if in into is it its itself just me more most my myself
		no nor not now of off on once only or other our ours ourselves out over own
		same she should so some such than that the their theirs them themselves
		then there these they this those through to too under until up very
		was we were what when where which while who whom why with
		you your yours yourself yourselves`) {
		set[w] = struct{}{}
	}
	return set
}()

func isStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}
