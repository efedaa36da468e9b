// Package evolve re-scores every node, moves nodes between tiers, and
// compresses summaries as nodes sink.
package evolve

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/scoring"
	"github.com/lazypower/spiral/internal/store"
)

// Store is the part of the node store an evolution pass needs.
type Store interface {
	ListNodes(ctx context.Context, f store.ListFilter) ([]store.Node, error)
	ApplyTransition(ctx context.Context, t store.Transition) error
	Degrees(ctx context.Context) (map[string]int, error)
}

// DefaultHalfLife is the relevance half-life used when none is configured.
const DefaultHalfLife = 30 * 24 * time.Hour

// scoreEpsilon is the smallest score drift worth a write on its own.
const scoreEpsilon = 1e-4

// Service runs evolution passes. Zero-valued fields take defaults.
type Service struct {
	Store      Store
	Summarizer Summarizer
	Clock      func() time.Time
	HalfLife   time.Duration
	DecayFloor float64
	Logger     *zap.Logger
}

// TransitionRecord describes one node that changed tier.
type TransitionRecord struct {
	ID         string        `json:"id"`
	From       scoring.Level `json:"from"`
	To         scoring.Level `json:"to"`
	Score      float64       `json:"score"`
	Compressed bool          `json:"compressed"`
}

// Result summarizes an evolution pass.
type Result struct {
	Scanned     int                `json:"scanned"`
	Promoted    int                `json:"promoted"`
	Demoted     int                `json:"demoted"`
	Compressed  int                `json:"compressed"`
	Failed      int                `json:"failed"`
	Transitions []TransitionRecord `json:"transitions,omitempty"`
	Duration    time.Duration      `json:"duration"`
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Service) log() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s *Service) summarizer() Summarizer {
	if s.Summarizer != nil {
		return s.Summarizer
	}
	return ExtractiveSummarizer{}
}

func (s *Service) halfLife() time.Duration {
	if s.HalfLife > 0 {
		return s.HalfLife
	}
	return DefaultHalfLife
}

// Evolve runs one pass over every node in insertion order. Scores decay with
// idle time, more slowly for well-linked and load-bearing node types, and
// edges hold a node above a minimum. Each node's new level, score and summary
// are written together. A node whose write fails is counted in Failed and
// skipped. Cancellation stops the pass between nodes and returns what was
// done so far along with ctx.Err().
func (s *Service) Evolve(ctx context.Context) (Result, error) {
	var res Result
	if s.Store == nil {
		return res, fmt.Errorf("evolve: no store")
	}

	start := time.Now()
	now := s.now()
	defer func() { res.Duration = time.Since(start) }()

	nodes, err := s.Store.ListNodes(ctx, store.ListFilter{})
	if err != nil {
		return res, fmt.Errorf("evolve: list nodes: %w", err)
	}
	degrees, err := s.Store.Degrees(ctx)
	if err != nil {
		return res, fmt.Errorf("evolve: degrees: %w", err)
	}

	for i := range nodes {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		res.Scanned++

		rec, changed, err := s.evolveNode(ctx, &nodes[i], degrees[nodes[i].ID], now)
		if err != nil {
			res.Failed++
			s.log().Warn("evolve node failed", zap.String("id", nodes[i].ID), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		if rec.Compressed {
			res.Compressed++
		}
		switch {
		case rec.To < rec.From:
			res.Promoted++
		case rec.To > rec.From:
			res.Demoted++
		}
		if rec.To != rec.From {
			res.Transitions = append(res.Transitions, rec)
		}
	}

	res.Duration = time.Since(start)
	s.log().Debug("evolution pass complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("promoted", res.Promoted),
		zap.Int("demoted", res.Demoted),
		zap.Int("compressed", res.Compressed),
		zap.Duration("took", res.Duration))
	return res, nil
}

// evolveNode re-scores n from its stored score, its last activity, its edge
// degree and its type.
func (s *Service) evolveNode(ctx context.Context, n *store.Node, degree int, now time.Time) (TransitionRecord, bool, error) {
	sig := scoring.Signals{
		Connection: scoring.Connection(degree),
		TypeBoost:  scoring.TypeBoost(n.Type),
	}
	score := scoring.Rescore(n.RelevanceScore, sig, n.LastActivity(), now, s.halfLife(), s.DecayFloor)
	from := n.Level
	to := scoring.DetermineLevel(score)

	rec := TransitionRecord{ID: n.ID, From: from, To: to, Score: score}
	summary := n.Summary
	limit := scoring.SummaryLimit(to)

	// Promotions keep the existing summary. Demotions regenerate it from the
	// untouched content. A node sitting at 3+ with a missing or oversized
	// summary (legacy rows, direct writes) is repaired in place.
	needSummary := to > from ||
		(limit > 0 && (summary == "" || utf8.RuneCountInString(summary) > limit))
	if needSummary && limit > 0 {
		out, err := s.summarizer().Summarize(ctx, n.Content, limit)
		if err != nil {
			s.log().Warn("summarizer failed, truncating", zap.String("id", n.ID), zap.Error(err))
			out = summarize(n.Content, limit)
		}
		out = clip(out, limit)
		if out == "" {
			out = clip(collapseSpace(n.Content), limit)
		}
		if out != summary {
			summary = out
			rec.Compressed = true
		}
	}

	scoreMoved := math.Abs(score-n.RelevanceScore) > scoreEpsilon
	if to == from && !scoreMoved && summary == n.Summary {
		return rec, false, nil
	}
	if !scoreMoved {
		score = n.RelevanceScore
		rec.Score = score
	}

	err := s.Store.ApplyTransition(ctx, store.Transition{
		ID:      n.ID,
		Level:   to,
		Score:   score,
		Summary: summary,
	})
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}
