package embed

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder calls the OpenAI embeddings API, or any compatible server
// when a base URL is set.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

// NewOpenAIEmbedder creates an OpenAI embedder. An empty model selects
// text-embedding-ada-002; a name go-openai does not know is an error.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dims int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("openai embedder: api key required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	m := openai.AdaEmbeddingV2
	if model != "" {
		if err := m.UnmarshalText([]byte(model)); err != nil || m == openai.Unknown {
			return nil, fmt.Errorf("openai embedder: unknown model %q", model)
		}
	}
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  m,
		dims:   dims,
	}, nil
}

func (o *OpenAIEmbedder) Model() string  { return "openai:" + o.model.String() }
func (o *OpenAIEmbedder) Dimensions() int { return o.dims }

// Embed converts a single text to a vector.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: no data returned")
	}

	e32 := resp.Data[0].Embedding
	if len(e32) != o.dims {
		return nil, fmt.Errorf("openai model %s returned %d dimensions, configured %d", o.model, len(e32), o.dims)
	}
	vec := make([]float64, len(e32))
	for i, v := range e32 {
		vec[i] = float64(v)
	}
	return vec, nil
}
