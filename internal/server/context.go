package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lazypower/spiral/internal/engine"
)

// handleContext renders a query as a markdown block for prompt injection.
// Query parameters: q (required), budget (tokens), limit.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeError(w, http.StatusBadRequest, "q parameter required")
		return
	}

	var opts engine.QueryOptions
	if b := r.URL.Query().Get("budget"); b != "" {
		if n, err := strconv.Atoi(b); err == nil && n > 0 {
			opts.TokenBudget = n
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	res, err := s.engine.Query(r.Context(), q, opts)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"context":        RenderContext(res),
		"node_count":     res.NodeCount,
		"token_estimate": res.TokenEstimate,
	})
}

// RenderContext formats a query result as one markdown section per non-empty
// tier, most relevant tier first.
func RenderContext(res *engine.QueryResult) string {
	var b strings.Builder

	b.WriteString("<context>\n## Spiral Memory\n")
	if res.NodeCount == 0 {
		b.WriteString("\nNo relevant memories.\n")
	}
	for _, p := range res.Partitions {
		if len(p.Items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n### %s\n", p.Name)
		for _, it := range p.Items {
			fmt.Fprintf(&b, "- [%s] %s\n", it.Node.Type, oneLine(it.Text))
		}
	}
	b.WriteString("</context>")
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
