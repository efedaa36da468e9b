package engine

import (
	"context"

	"github.com/lazypower/spiral/internal/store"
)

// Export is a full dump of the graph for external rendering.
type Export struct {
	GeneratedAt int64        `json:"generated_at"`
	Nodes       []store.Node `json:"nodes"`
	Edges       []store.Edge `json:"edges"`
	Levels      []LevelCount `json:"levels"`
}

// ExportForVisualization returns every node and edge along with per-tier
// counts derived from the same snapshot of nodes.
func (e *Engine) ExportForVisualization(ctx context.Context) (*Export, error) {
	if e.closed.Load() {
		return nil, opErr("export", ErrClosed)
	}

	nodes, err := e.db.ListNodes(ctx, store.ListFilter{})
	if err != nil {
		return nil, opErr("export", err)
	}
	edges, err := e.db.ListEdges(ctx)
	if err != nil {
		return nil, opErr("export", err)
	}

	counts := make(map[int]int)
	for _, n := range nodes {
		counts[int(n.Level)]++
	}
	levels := levelCounts(nil)
	for i := range levels {
		levels[i].Count = counts[int(levels[i].Level)]
	}

	if nodes == nil {
		nodes = []store.Node{}
	}
	if edges == nil {
		edges = []store.Edge{}
	}
	return &Export{
		GeneratedAt: e.clock().UnixMilli(),
		Nodes:       nodes,
		Edges:       edges,
		Levels:      levels,
	}, nil
}
