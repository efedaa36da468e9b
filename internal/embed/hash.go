package embed

import (
	"context"
	"hash/fnv"
)

// HashEmbedder is an offline bag-of-words embedder. Each token and each
// adjacent token pair is hashed into a fixed number of buckets with a signed
// weight, then the vector is L2-normalized. Texts that share words land near
// each other; no model or corpus is needed, and the dimension never changes.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hashing embedder with the given dimension.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Model() string  { return "hash" }
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed never fails. Text with no tokens yields the zero vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		h.add(vec, tok, 1.0)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	normalize(vec)
	return vec, nil
}

func (h *HashEmbedder) add(vec []float64, feature string, weight float64) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}
