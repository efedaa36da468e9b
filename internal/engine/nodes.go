package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/store"
)

// Store saves content as a new node at level 1 with relevance 1.0. The
// embedding is computed before the write is queued; if it fails the node is
// stored without a vector.
func (e *Engine) Store(ctx context.Context, content, nodeType string, metadata map[string]any) (*store.Node, error) {
	if e.closed.Load() {
		return nil, opErr("store", ErrClosed)
	}
	if strings.TrimSpace(content) == "" {
		return nil, opErr("store", ErrEmptyContent)
	}

	vec := e.embedText(ctx, content)

	var node *store.Node
	err := e.submit(ctx, func(ctx context.Context) error {
		n := store.NewNode(nodeType, content, metadata)
		if err := e.db.CreateNode(ctx, n); err != nil {
			return err
		}
		e.saveVector(ctx, n.ID, vec)
		node = n
		return nil
	})
	if err != nil {
		return nil, opErr("store", err)
	}

	e.log.Debug("node stored", zap.String("id", node.ID), zap.String("type", node.Type), zap.Bool("vector", vec != nil))
	e.publish(Event{Type: EventNodeStored, NodeID: node.ID, NodeType: node.Type, To: node.Level})
	return node, nil
}

// embedText returns nil when there is no embedder or the call fails.
func (e *Engine) embedText(ctx context.Context, text string) []float64 {
	if e.emb == nil {
		return nil
	}
	vec, err := e.emb.Embed(ctx, text)
	if err != nil {
		e.log.Warn("embedding failed, storing without vector", zap.String("model", e.emb.Model()), zap.Error(err))
		return nil
	}
	return vec
}

// saveVector persists and indexes vec. Runs on the writer. Failures leave the
// node without a vector.
func (e *Engine) saveVector(ctx context.Context, id string, vec []float64) {
	if vec == nil {
		return
	}
	if err := e.db.SaveVector(ctx, id, vec, e.emb.Model()); err != nil {
		lvl := e.log.Warn
		if errors.Is(err, store.ErrDimensionMismatch) {
			lvl = e.log.Debug
		}
		lvl("vector not saved", zap.String("id", id), zap.Error(err))
		return
	}
	if err := e.index.Upsert(id, vec); err != nil {
		e.log.Warn("vector not indexed", zap.String("id", id), zap.Error(err))
	}
}

// Link records a directed relation between two existing nodes.
func (e *Engine) Link(ctx context.Context, from, to, rel string) error {
	if e.closed.Load() {
		return opErr("link", ErrClosed)
	}
	return opErr("link", e.submit(ctx, func(ctx context.Context) error {
		return e.db.AddEdge(ctx, from, to, rel)
	}))
}

// UpdateRelevance sets a node's score. The node moves tier on the next
// evolution pass.
func (e *Engine) UpdateRelevance(ctx context.Context, id string, score float64) error {
	if e.closed.Load() {
		return opErr("update relevance", ErrClosed)
	}
	return opErr("update relevance", e.submit(ctx, func(ctx context.Context) error {
		return e.db.UpdateRelevance(ctx, id, score)
	}))
}

// Get returns a node by id. Content is always the original text whatever
// the tier.
func (e *Engine) Get(ctx context.Context, id string) (*store.Node, error) {
	if e.closed.Load() {
		return nil, opErr("get", ErrClosed)
	}
	n, err := e.db.GetNode(ctx, id)
	if err != nil {
		return nil, opErr("get", err)
	}
	return n, nil
}
