package engine

import (
	"context"

	"github.com/lazypower/spiral/internal/embed"
	"github.com/lazypower/spiral/internal/scoring"
)

// LevelCount is the population of one tier.
type LevelCount struct {
	Level scoring.Level `json:"level"`
	Name  string        `json:"name"`
	Count int           `json:"count"`
}

// EmbedderStatus reports the embedding subsystem.
type EmbedderStatus struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
}

// Status is a point-in-time summary of the store.
type Status struct {
	Path          string         `json:"path"`
	Levels        []LevelCount   `json:"levels"`
	TotalNodes    int            `json:"total_nodes"`
	Edges         int            `json:"edges"`
	Vectors       int            `json:"vectors"`
	IndexedNodes  int            `json:"indexed_nodes"`
	StorageBytes  int64          `json:"storage_bytes"`
	SchemaVersion int            `json:"schema_version"`
	Dimension     int            `json:"dimension"`
	Embedder      EmbedderStatus `json:"embedder"`
	LastEvolution *EvolutionRun  `json:"last_evolution,omitempty"`
}

// CountByLevel returns the population of each tier, zeros included.
func (e *Engine) CountByLevel(ctx context.Context) ([]LevelCount, error) {
	if e.closed.Load() {
		return nil, opErr("count", ErrClosed)
	}
	counts, err := e.db.CountByLevel(ctx)
	if err != nil {
		return nil, opErr("count", err)
	}
	return levelCounts(counts), nil
}

func levelCounts(counts map[scoring.Level]int) []LevelCount {
	out := make([]LevelCount, len(scoring.Levels))
	for i, l := range scoring.Levels {
		out[i] = LevelCount{Level: l, Name: l.Title(), Count: counts[l]}
	}
	return out
}

// Status gathers counts, storage size and embedder health. The embedder is
// checked with a short embed call.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	if e.closed.Load() {
		return nil, opErr("status", ErrClosed)
	}

	st := &Status{Path: e.db.Path, IndexedNodes: e.index.Len(), LastEvolution: e.lastEvolution.Load()}

	counts, err := e.db.CountByLevel(ctx)
	if err != nil {
		return nil, opErr("status", err)
	}
	st.Levels = levelCounts(counts)
	for _, c := range counts {
		st.TotalNodes += c
	}

	if st.Edges, err = e.db.CountEdges(ctx); err != nil {
		return nil, opErr("status", err)
	}
	if st.Vectors, err = e.db.CountVectors(ctx); err != nil {
		return nil, opErr("status", err)
	}
	if st.StorageBytes, err = e.db.Size(ctx); err != nil {
		return nil, opErr("status", err)
	}
	if st.SchemaVersion, err = e.db.SchemaVersion(); err != nil {
		return nil, opErr("status", err)
	}
	if st.Dimension, err = e.db.Dimension(ctx); err != nil {
		return nil, opErr("status", err)
	}

	st.Embedder = EmbedderStatus{Model: e.EmbedderModel()}
	if e.emb != nil {
		st.Embedder.Dimensions = e.emb.Dimensions()
		if err := embed.HealthCheck(ctx, e.emb); err != nil {
			st.Embedder.Error = err.Error()
		} else {
			st.Embedder.Healthy = true
		}
	} else {
		st.Embedder.Error = "no embedder configured"
	}
	return st, nil
}
