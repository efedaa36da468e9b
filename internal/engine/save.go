package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/spiral/internal/evolve"
	"github.com/lazypower/spiral/internal/store"
	"github.com/lazypower/spiral/internal/transcript"
)

// SaveResult reports a SaveState call.
type SaveResult struct {
	Saved     int           `json:"saved"`
	Skipped   int           `json:"skipped"`
	NodeIDs   []string      `json:"node_ids,omitempty"`
	Evolution evolve.Result `json:"evolution"`
}

type pendingTurn struct {
	turn transcript.Turn
	hash string
	vec  []float64
}

// SaveState stores every turn whose content is not already in the store as
// a conversation node, then runs an evolution pass. Blank and duplicate
// turns are skipped, so saving the same conversation twice adds nothing.
// Embeddings are computed concurrently before the write.
func (e *Engine) SaveState(ctx context.Context, turns []transcript.Turn) (*SaveResult, error) {
	if e.closed.Load() {
		return nil, opErr("save", ErrClosed)
	}

	out := &SaveResult{}
	seen := make(map[string]bool, len(turns))
	var pending []*pendingTurn
	for _, t := range turns {
		if strings.TrimSpace(t.Content) == "" {
			out.Skipped++
			continue
		}
		h := store.HashContent(t.Content)
		if seen[h] {
			out.Skipped++
			continue
		}
		seen[h] = true

		exists, err := e.db.HasContentHash(ctx, h)
		if err != nil {
			return nil, opErr("save", err)
		}
		if exists {
			out.Skipped++
			continue
		}
		pending = append(pending, &pendingTurn{turn: t, hash: h})
	}

	if e.emb != nil && len(pending) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(embedConcurrency)
		for _, p := range pending {
			g.Go(func() error {
				p.vec = e.embedText(gctx, p.turn.Content)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return nil, opErr("save", err)
		}
	}

	var stored []*store.Node
	err := e.submit(ctx, func(ctx context.Context) error {
		for _, p := range pending {
			// A concurrent save may have stored it since the check above.
			exists, err := e.db.HasContentHash(ctx, p.hash)
			if err != nil {
				return err
			}
			if exists {
				out.Skipped++
				continue
			}

			n := store.NewNode(store.TypeConversation, p.turn.Content, turnMetadata(p.turn))
			if err := e.db.CreateNode(ctx, n); err != nil {
				return err
			}
			e.saveVector(ctx, n.ID, p.vec)
			stored = append(stored, n)
		}

		res, err := e.evolveLocked(ctx)
		out.Evolution = res
		return err
	})

	for _, n := range stored {
		out.Saved++
		out.NodeIDs = append(out.NodeIDs, n.ID)
		e.publish(Event{Type: EventNodeStored, NodeID: n.ID, NodeType: n.Type, To: n.Level})
	}
	if err != nil {
		return out, opErr("save", err)
	}

	e.log.Info("state saved", zap.Int("saved", out.Saved), zap.Int("skipped", out.Skipped))
	return out, nil
}

func turnMetadata(t transcript.Turn) map[string]any {
	role := strings.ToLower(strings.TrimSpace(t.Role))
	if role == "" {
		return map[string]any{"source": "save_state"}
	}
	return map[string]any{
		"source": "save_state",
		"role":   role,
		"tags":   []string{"conversation", role},
	}
}
