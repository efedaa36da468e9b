package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/evolve"
	"github.com/lazypower/spiral/internal/scoring"
)

// CompactResult reports a compaction.
type CompactResult struct {
	Aggressive bool          `json:"aggressive"`
	Evolution  evolve.Result `json:"evolution"`
	Pruned     []string      `json:"pruned,omitempty"`
}

// Evolve runs one evolution pass on the writer. A cancelled pass returns the
// partial result with the context error.
func (e *Engine) Evolve(ctx context.Context) (evolve.Result, error) {
	if e.closed.Load() {
		return evolve.Result{}, opErr("evolve", ErrClosed)
	}
	var res evolve.Result
	err := e.submit(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.evolveLocked(ctx)
		return err
	})
	return res, opErr("evolve", err)
}

// evolveLocked must run on the writer.
func (e *Engine) evolveLocked(ctx context.Context) (evolve.Result, error) {
	res, err := e.evolver.Evolve(ctx)
	if err == nil {
		e.lastEvolution.Store(&EvolutionRun{At: e.clock(), Result: res})
	}
	e.publishEvolution(res)
	return res, err
}

// Compact evolves the store. When aggressive, it then deletes deep-archive
// nodes beyond the retention count, oldest first, along with their vectors
// and edges.
func (e *Engine) Compact(ctx context.Context, aggressive bool) (*CompactResult, error) {
	if e.closed.Load() {
		return nil, opErr("compact", ErrClosed)
	}

	out := &CompactResult{Aggressive: aggressive}
	err := e.submit(ctx, func(ctx context.Context) error {
		res, err := e.evolveLocked(ctx)
		out.Evolution = res
		if err != nil || !aggressive {
			return err
		}

		ids, err := e.db.PruneLevel(ctx, scoring.LevelDeepArchive, e.retention)
		if err != nil {
			return err
		}
		now := e.clock()
		for _, id := range ids {
			e.index.Remove(id)
			e.publish(Event{Type: EventNodePruned, NodeID: id, From: scoring.LevelDeepArchive, Time: now})
		}
		out.Pruned = ids
		return nil
	})
	if err != nil {
		return out, opErr("compact", err)
	}

	e.log.Info("compaction complete",
		zap.Bool("aggressive", aggressive),
		zap.Int("promoted", out.Evolution.Promoted),
		zap.Int("demoted", out.Evolution.Demoted),
		zap.Int("pruned", len(out.Pruned)))
	return out, nil
}
