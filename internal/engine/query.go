package engine

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/scoring"
	"github.com/lazypower/spiral/internal/store"
)

// QueryOptions narrows and bounds a query. Zero values mean no constraint,
// except Limit which defaults to DefaultQueryLimit.
type QueryOptions struct {
	TokenBudget int             `json:"token_budget,omitempty"`
	Levels      []scoring.Level `json:"levels,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Limit       int             `json:"limit,omitempty"`
}

func (o QueryOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultQueryLimit
	}
	return o.Limit
}

// Item is one ranked hit. Text is what the node shows at its tier.
type Item struct {
	Node       store.Node      `json:"node"`
	Text       string          `json:"text"`
	Score      float64         `json:"score"`
	Similarity float64         `json:"similarity"`
	Signals    scoring.Signals `json:"signals"`
	Tokens     int             `json:"tokens"`
}

// Partition groups the hits that sit in one tier, best first.
type Partition struct {
	Level scoring.Level `json:"level"`
	Name  string        `json:"name"`
	Items []Item        `json:"items"`
}

// QueryResult always carries five partitions, Focus to Deep Archive.
type QueryResult struct {
	Query         string      `json:"query"`
	Partitions    []Partition `json:"partitions"`
	NodeCount     int         `json:"node_count"`
	TokenEstimate int         `json:"token_estimate"`
}

// Items returns every hit across partitions in rank order.
func (r *QueryResult) Items() []Item {
	var out []Item
	for _, p := range r.Partitions {
		out = append(out, p.Items...)
	}
	sort.SliceStable(out, func(i, j int) bool { return rankLess(out[i], out[j]) })
	return out
}

func emptyResult(q string) *QueryResult {
	r := &QueryResult{Query: q, Partitions: make([]Partition, len(scoring.Levels))}
	for i, l := range scoring.Levels {
		r.Partitions[i] = Partition{Level: l, Name: l.Title(), Items: []Item{}}
	}
	return r
}

// EstimateTokens approximates tokens as characters/4, rounded up.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

func rankLess(a, b Item) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Node.Seq < b.Node.Seq
}

// Query finds the nodes most relevant to text and returns them partitioned
// by tier. Candidates come from the vector index, above MinSimilarity, plus
// a keyword search. Level and tag filters restrict both searches before any
// ranking, so the limit counts only matching nodes. Blank text gives an empty
// result. If a token budget is set the lowest ranked items are dropped until
// the rest fit.
//
// Every returned node is touched, and its stored score raised to the query
// score if that is higher. Those writes go through the writer queue after
// Query returns.
func (e *Engine) Query(ctx context.Context, text string, opts QueryOptions) (*QueryResult, error) {
	if e.closed.Load() {
		return nil, opErr("query", ErrClosed)
	}
	text = strings.TrimSpace(text)
	result := emptyResult(text)
	if text == "" {
		return result, nil
	}

	limit := opts.limit()
	k := limit * 3

	filter := store.ListFilter{Limit: k}
	var keep func(id string) bool
	if len(opts.Levels) > 0 || len(opts.Tags) > 0 {
		allowed, err := e.allowedIDs(ctx, opts)
		if err != nil {
			return nil, opErr("query", err)
		}
		if len(allowed) == 0 {
			return result, nil
		}
		filter.IDs = make([]string, 0, len(allowed))
		for id := range allowed {
			filter.IDs = append(filter.IDs, id)
		}
		keep = func(id string) bool { return allowed[id] }
	}

	sims := make(map[string]float64)
	weak := make(map[string]float64)
	vectorOK := false
	if qv := e.embedText(ctx, text); qv != nil {
		matches, err := e.index.SearchFunc(qv, k, keep)
		if err != nil {
			e.log.Warn("vector search failed, using keyword search only", zap.Error(err))
		} else {
			vectorOK = true
			for _, m := range matches {
				if m.Similarity < MinSimilarity {
					weak[m.ID] = scoring.ClampScore(m.Similarity)
					continue
				}
				sims[m.ID] = scoring.ClampScore(m.Similarity)
			}
		}
	}

	// Keyword hits are candidates in their own right. One below the
	// similarity floor keeps its weak similarity; one without a vector
	// scores 0.
	hits, err := e.db.SearchKeyword(ctx, text, filter)
	if err != nil {
		return nil, opErr("query", err)
	}
	for _, h := range hits {
		id := h.Node.ID
		if _, ok := sims[id]; ok {
			continue
		}
		if sim, ok := weak[id]; ok {
			sims[id] = sim
			continue
		}
		if vectorOK && e.index.Contains(id) {
			continue
		}
		sims[id] = 0
	}
	if len(sims) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(sims))
	for id := range sims {
		ids = append(ids, id)
	}
	nodes, err := e.db.GetNodes(ctx, ids)
	if err != nil {
		return nil, opErr("query", err)
	}
	degrees, err := e.db.Degrees(ctx)
	if err != nil {
		return nil, opErr("query", err)
	}

	now := e.clock()
	items := make([]Item, 0, len(nodes))
	for _, n := range nodes {
		sig := scoring.Signals{
			Semantic:   sims[n.ID],
			Recency:    scoring.Recency(n.LastActivity(), now, e.halfLife),
			Connection: scoring.Connection(degrees[n.ID]),
			TypeBoost:  scoring.TypeBoost(n.Type),
		}
		txt := n.Text()
		items = append(items, Item{
			Node:       n,
			Text:       txt,
			Score:      scoring.Score(n.Level, sig),
			Similarity: sig.Semantic,
			Signals:    sig,
			Tokens:     EstimateTokens(txt),
		})
	}

	sort.SliceStable(items, func(i, j int) bool { return rankLess(items[i], items[j]) })
	if len(items) > limit {
		items = items[:limit]
	}

	total := 0
	for _, it := range items {
		total += it.Tokens
	}
	if opts.TokenBudget > 0 {
		for len(items) > 0 && total > opts.TokenBudget {
			total -= items[len(items)-1].Tokens
			items = items[:len(items)-1]
		}
	}

	for _, it := range items {
		idx := int(it.Node.Level) - 1
		result.Partitions[idx].Items = append(result.Partitions[idx].Items, it)
	}
	result.NodeCount = len(items)
	result.TokenEstimate = total

	e.reinforce(items)
	return result, nil
}

// reinforce queues the access bookkeeping for query hits.
func (e *Engine) reinforce(items []Item) {
	if len(items) == 0 {
		return
	}
	type hit struct {
		id    string
		score float64
		raise bool
	}
	hits := make([]hit, len(items))
	for i, it := range items {
		hits[i] = hit{id: it.Node.ID, score: it.Score, raise: it.Score > it.Node.RelevanceScore}
	}

	queued := e.enqueue(func(ctx context.Context) error {
		for _, h := range hits {
			var err error
			if h.raise {
				err = e.db.UpdateRelevance(ctx, h.id, h.score)
			}
			if err == nil {
				err = e.db.TouchNode(ctx, h.id)
			}
			if err != nil {
				e.log.Debug("query reinforcement skipped", zap.String("id", h.id), zap.Error(err))
			}
		}
		return nil
	})
	if !queued {
		e.log.Debug("query reinforcement dropped", zap.Int("hits", len(hits)))
	}
}

// allowedIDs returns the ids of nodes in the requested levels that carry
// one of the requested tags.
func (e *Engine) allowedIDs(ctx context.Context, opts QueryOptions) (map[string]bool, error) {
	var levels []scoring.Level
	for _, l := range opts.Levels {
		levels = append(levels, scoring.ClampLevel(int(l)))
	}
	nodes, err := e.db.ListNodes(ctx, store.ListFilter{Levels: levels})
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if matchTags(n.Tags(), opts.Tags) {
			allowed[n.ID] = true
		}
	}
	return allowed, nil
}

func matchTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}
