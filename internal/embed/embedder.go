// Package embed turns text into fixed-length vectors.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/config"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// New builds the embedder named by cfg.Provider. "auto" uses Ollama when it
// answers a health check and falls back to the hashing embedder otherwise.
func New(ctx context.Context, cfg config.EmbeddingConfig, log *zap.Logger) (Embedder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Provider {
	case config.ProviderHash, "":
		return NewHashEmbedder(cfg.Dimensions), nil
	case config.ProviderOllama:
		return NewOllamaEmbedder(cfg.URL, cfg.Model, cfg.Dimensions), nil
	case config.ProviderOpenAI:
		return NewOpenAIEmbedder(cfg.APIKey, cfg.URL, cfg.Model, cfg.Dimensions)
	case config.ProviderAuto:
		o := NewOllamaEmbedder(cfg.URL, cfg.Model, cfg.Dimensions)
		if err := HealthCheck(ctx, o); err != nil {
			log.Info("ollama unavailable, using hashing embeddings", zap.Error(err))
			return NewHashEmbedder(cfg.Dimensions), nil
		}
		log.Info("using ollama embeddings", zap.String("model", o.model))
		return o, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// HealthCheck embeds a short string and checks the vector length.
func HealthCheck(ctx context.Context, e Embedder) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	vec, err := e.Embed(ctx, "health check")
	if err != nil {
		return err
	}
	if len(vec) != e.Dimensions() {
		return fmt.Errorf("%s returned %d dimensions, want %d", e.Model(), len(vec), e.Dimensions())
	}
	return nil
}

// OllamaEmbedder uses Ollama's embedding API.
type OllamaEmbedder struct {
	url    string
	model  string
	dims   int
	client *http.Client
}

// Defaults used when the config leaves them empty.
const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "nomic-embed-text"
)

// NewOllamaEmbedder creates an embedder using Ollama's API.
func NewOllamaEmbedder(url, model string, dims int) *OllamaEmbedder {
	if url == "" {
		url = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return &OllamaEmbedder{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OllamaEmbedder) Model() string  { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return o.dims }

// Embed sends text to Ollama's embed endpoint and returns the embedding vector.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{
		"model": o.model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}
	if got := len(result.Embeddings[0]); got != o.dims {
		return nil, fmt.Errorf("ollama model %s returned %d dimensions, configured %d", o.model, got, o.dims)
	}
	return result.Embeddings[0], nil
}

// tokenize splits text into lowercase tokens, stripping punctuation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 1 { // skip single-char tokens
				tokens = append(tokens, current.String())
			}
			current.Reset()
		}
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// normalize performs in-place L2 normalization.
func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}
