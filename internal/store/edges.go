package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Edge is a directed relation between two nodes. Edges are append-only.
type Edge struct {
	FromID    string `json:"from"`
	ToID      string `json:"to"`
	Rel       string `json:"rel"`
	CreatedAt int64  `json:"created_at"`
}

// ErrInvalidEdge is returned for an edge with no relation or one that links
// a node to itself.
var ErrInvalidEdge = errors.New("invalid edge")

// AddEdge records a relation. Adding an edge that already exists is a no-op.
// Both endpoints must exist.
func (db *DB) AddEdge(ctx context.Context, from, to, rel string) error {
	rel = strings.ToLower(strings.TrimSpace(rel))
	if rel == "" {
		return fmt.Errorf("add edge: empty relation: %w", ErrInvalidEdge)
	}
	if from == to {
		return fmt.Errorf("add edge: self edge on %s: %w", from, ErrInvalidEdge)
	}

	var count int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM nodes WHERE id IN (?, ?)", from, to,
	).Scan(&count); err != nil {
		return fmt.Errorf("add edge: %w", err)
	}
	if count != 2 {
		return fmt.Errorf("add edge %s -> %s: %w", from, to, ErrNotFound)
	}

	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO edges (from_id, to_id, rel, created_at) VALUES (?, ?, ?, ?)
	`, from, to, rel, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add edge: %w", err)
	}
	return nil
}

// ListEdges returns every edge in creation order.
func (db *DB) ListEdges(ctx context.Context) ([]Edge, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT from_id, to_id, rel, created_at FROM edges ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Rel, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Degrees returns in+out degree for every node that has at least one edge.
func (db *DB) Degrees(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, COUNT(*) FROM (
			SELECT from_id AS id FROM edges
			UNION ALL
			SELECT to_id AS id FROM edges
		) GROUP BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("degrees: %w", err)
	}
	defer rows.Close()

	degrees := make(map[string]int)
	for rows.Next() {
		var id string
		var d int
		if err := rows.Scan(&id, &d); err != nil {
			return nil, fmt.Errorf("scan degree: %w", err)
		}
		degrees[id] = d
	}
	return degrees, rows.Err()
}

// CountEdges returns the total number of edges.
func (db *DB) CountEdges(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM edges").Scan(&n); err != nil {
		return 0, fmt.Errorf("count edges: %w", err)
	}
	return n, nil
}
