package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lazypower/spiral/internal/embed"
	"github.com/lazypower/spiral/internal/scoring"
	"github.com/lazypower/spiral/internal/store"
	"github.com/lazypower/spiral/internal/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDims = 64

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	return newEngineOn(t, db, embed.NewHashEmbedder(testDims), opts...)
}

func newEngineOn(t *testing.T, db *store.DB, emb embed.Embedder, opts ...Option) *Engine {
	t.Helper()
	e, err := New(db, emb, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// drain waits for every job queued so far, including query reinforcement.
func (e *Engine) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, e.submit(context.Background(), func(context.Context) error { return nil }))
}

type brokenEmbedder struct{}

func (brokenEmbedder) Embed(context.Context, string) ([]float64, error) {
	return nil, errors.New("embedding service down")
}
func (brokenEmbedder) Model() string   { return "broken" }
func (brokenEmbedder) Dimensions() int { return testDims }

var longContent = strings.Repeat("The ingest pipeline batches writes before flushing to disk. ", 12)

func TestStoreAndGet(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	n, err := e.Store(ctx, "Use WAL mode for concurrent readers", "Decision", map[string]any{"tags": []string{"sqlite"}})
	require.NoError(t, err)
	assert.Equal(t, scoring.LevelFocus, n.Level)
	assert.Equal(t, 1.0, n.RelevanceScore)
	assert.Equal(t, store.TypeDecision, n.Type)

	got, err := e.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Content, got.Content)
	assert.Equal(t, []string{"sqlite"}, got.Tags())

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Vectors)
	assert.Equal(t, 1, st.IndexedNodes)

	_, err = e.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.Store(ctx, "   ", store.TypeNote, nil)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestStoreWithoutEmbedding(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	e := newEngineOn(t, db, brokenEmbedder{})

	n, err := e.Store(ctx, "The billing service retries webhooks three times", store.TypeNote, nil)
	require.NoError(t, err, "embedding failure must not fail store")

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalNodes)
	assert.Zero(t, st.Vectors)
	assert.False(t, st.Embedder.Healthy)
	assert.NotEmpty(t, st.Embedder.Error)

	res, err := e.Query(ctx, "billing webhooks", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.NodeCount, "keyword fallback finds vector-less nodes")
	item := res.Items()[0]
	assert.Equal(t, n.ID, item.Node.ID)
	assert.Zero(t, item.Similarity)
}

func TestNilEmbedder(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	e := newEngineOn(t, db, nil)

	_, err = e.Store(ctx, "Deploys happen on Tuesdays", store.TypeNote, nil)
	require.NoError(t, err)

	res, err := e.Query(ctx, "deploys", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NodeCount)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "none", st.Embedder.Model)
}

func TestSpiralTransitions(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	n, err := e.Store(ctx, longContent, store.TypeCode, nil)
	require.NoError(t, err)

	steps := []struct {
		score float64
		level scoring.Level
		limit int
	}{
		{0.6, scoring.LevelActive, 0},
		{0.4, scoring.LevelReference, 200},
		{0.2, scoring.LevelArchive, 100},
		{0.05, scoring.LevelDeepArchive, 100},
	}
	for _, step := range steps {
		require.NoError(t, e.UpdateRelevance(ctx, n.ID, step.score))
		res, err := e.Evolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Demoted)

		got, err := e.Get(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, step.level, got.Level)
		assert.Equal(t, longContent, got.Content)
		if step.limit > 0 {
			assert.NotEmpty(t, got.Summary)
			assert.LessOrEqual(t, utf8.RuneCountInString(got.Summary), step.limit)
		}
	}

	second, err := e.Evolve(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Promoted)
	assert.Zero(t, second.Demoted)

	require.NoError(t, e.UpdateRelevance(ctx, n.ID, 0.8))
	res, err := e.Evolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)
	got, err := e.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, scoring.LevelFocus, got.Level)
	assert.Equal(t, longContent, got.Text())
}

func TestQueryPartitions(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	focus, err := e.Store(ctx, "SQLite WAL mode lets readers run during writes", store.TypeDecision, nil)
	require.NoError(t, err)
	ref, err := e.Store(ctx, "SQLite WAL checkpoints. "+longContent, store.TypeNote, nil)
	require.NoError(t, err)
	_, err = e.Store(ctx, "Frontend uses a dark color palette", store.TypeNote, nil)
	require.NoError(t, err)

	require.NoError(t, e.UpdateRelevance(ctx, ref.ID, 0.4))
	_, err = e.Evolve(ctx)
	require.NoError(t, err)

	res, err := e.Query(ctx, "sqlite wal", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, res.Partitions, 5)
	for i, p := range res.Partitions {
		assert.Equal(t, scoring.Levels[i], p.Level)
		for _, it := range p.Items {
			assert.Equal(t, p.Level, it.Node.Level)
		}
	}

	var focusIDs, refIDs []string
	for _, it := range res.Partitions[0].Items {
		focusIDs = append(focusIDs, it.Node.ID)
	}
	for _, it := range res.Partitions[2].Items {
		refIDs = append(refIDs, it.Node.ID)
		assert.Equal(t, it.Node.Summary, it.Text, "reference tier shows the summary")
		assert.LessOrEqual(t, utf8.RuneCountInString(it.Text), 200)
	}
	assert.Contains(t, focusIDs, focus.ID)
	assert.Contains(t, refIDs, ref.ID)

	total := 0
	for _, it := range res.Items() {
		total += it.Tokens
		assert.Equal(t, EstimateTokens(it.Text), it.Tokens)
	}
	assert.Equal(t, total, res.TokenEstimate)
	assert.Equal(t, len(res.Items()), res.NodeCount)
}

func TestQueryTokenBudget(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	words := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for i := range words {
		content := strings.Join(words[:i+1], " ") + " "
		content += strings.Repeat("x", 400-len(content))
		_, err := e.Store(ctx, content, store.TypeNote, nil)
		require.NoError(t, err)
	}

	bounded, err := e.Query(ctx, "alpha beta gamma delta epsilon", QueryOptions{TokenBudget: 250})
	require.NoError(t, err)
	assert.Equal(t, 2, bounded.NodeCount)
	assert.LessOrEqual(t, bounded.TokenEstimate, 250)
	e.drain(t)

	full, err := e.Query(ctx, "alpha beta gamma delta epsilon", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, full.NodeCount)
	assert.Equal(t, 500, full.TokenEstimate)

	b := bounded.Items()
	f := full.Items()
	for i := range b {
		assert.Equal(t, f[i].Node.ID, b[i].Node.ID, "budget drops the lowest ranked items")
	}

	tiny, err := e.Query(ctx, "alpha", QueryOptions{TokenBudget: 1})
	require.NoError(t, err)
	assert.Zero(t, tiny.NodeCount)
	assert.Zero(t, tiny.TokenEstimate)
}

func TestQueryEmptyAndFilters(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	for _, q := range []string{"", "   ", "\n\t"} {
		res, err := e.Query(ctx, q, QueryOptions{})
		require.NoError(t, err)
		assert.Zero(t, res.NodeCount)
		assert.Len(t, res.Partitions, 5)
	}

	a, err := e.Store(ctx, "Redis cache eviction uses LRU", store.TypeArchitecture, map[string]any{"tags": []string{"cache"}})
	require.NoError(t, err)
	b, err := e.Store(ctx, "Redis cluster has three shards", store.TypeArchitecture, map[string]any{"tags": []string{"infra"}})
	require.NoError(t, err)

	res, err := e.Query(ctx, "redis", QueryOptions{Tags: []string{"CACHE"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.NodeCount)
	assert.Equal(t, a.ID, res.Items()[0].Node.ID)

	require.NoError(t, e.UpdateRelevance(ctx, b.ID, 0.2))
	_, err = e.Evolve(ctx)
	require.NoError(t, err)

	res, err = e.Query(ctx, "redis", QueryOptions{Levels: []scoring.Level{scoring.LevelArchive}})
	require.NoError(t, err)
	require.Equal(t, 1, res.NodeCount)
	assert.Equal(t, b.ID, res.Partitions[3].Items[0].Node.ID)

	res, err = e.Query(ctx, "redis", QueryOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NodeCount)

	res, err = e.Query(ctx, "!!! ???", QueryOptions{})
	require.NoError(t, err, "malformed queries return empty results")
	assert.LessOrEqual(t, res.NodeCount, 2)
}

func TestQueryReinforcesHits(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	n, err := e.Store(ctx, "Kafka consumers commit offsets after processing", store.TypePattern, nil)
	require.NoError(t, err)
	require.NoError(t, e.UpdateRelevance(ctx, n.ID, 0.05))

	res, err := e.Query(ctx, "kafka consumers commit offsets", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.NodeCount)
	e.drain(t)

	got, err := e.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	assert.NotNil(t, got.LastAccess)
	assert.InDelta(t, res.Items()[0].Score, got.RelevanceScore, 1e-9, "stored score raised to the query score")
}

func TestQueryFiltersBeforeLimit(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	deep, err := e.Store(ctx, "Postgres failover runbook for the primary", store.TypeDecision,
		map[string]any{"tags": []string{"oncall"}})
	require.NoError(t, err)
	require.NoError(t, e.UpdateRelevance(ctx, deep.ID, 0.05))
	_, err = e.Evolve(ctx)
	require.NoError(t, err)

	for i := 0; i < 70; i++ {
		_, err := e.Store(ctx, fmt.Sprintf("Postgres failover runbook step %d", i+10), store.TypeDecision, nil)
		require.NoError(t, err)
	}

	res, err := e.Query(ctx, "postgres failover runbook", QueryOptions{Levels: []scoring.Level{scoring.LevelDeepArchive}})
	require.NoError(t, err)
	require.Equal(t, 1, res.NodeCount, "70 focus nodes must not crowd out the only deep match")
	assert.Equal(t, deep.ID, res.Partitions[4].Items[0].Node.ID)

	res, err = e.Query(ctx, "postgres failover runbook", QueryOptions{Tags: []string{"OnCall"}, Limit: 5})
	require.NoError(t, err)
	require.Equal(t, 1, res.NodeCount)
	assert.Equal(t, deep.ID, res.Items()[0].Node.ID)

	res, err = e.Query(ctx, "postgres failover runbook", QueryOptions{Tags: []string{"nobody-uses-this"}})
	require.NoError(t, err)
	assert.Zero(t, res.NodeCount)

	res, err = e.Query(ctx, "postgres failover runbook", QueryOptions{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, res.NodeCount)
}

func TestUnrelatedQueryLeavesDeepNodes(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	e := newEngineOn(t, db, embed.NewHashEmbedder(4096))

	n, err := e.Store(ctx, "Service mesh terminates mutual TLS at the sidecar", store.TypeArchitecture, nil)
	require.NoError(t, err)
	require.NoError(t, e.UpdateRelevance(ctx, n.ID, 0.05))
	_, err = e.Evolve(ctx)
	require.NoError(t, err)
	before, err := e.Get(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, scoring.LevelDeepArchive, before.Level)

	for i := 0; i < 3; i++ {
		res, err := e.Query(ctx, "banana smoothie recipe", QueryOptions{})
		require.NoError(t, err)
		assert.Zero(t, res.NodeCount)
	}
	e.drain(t)
	_, err = e.Evolve(ctx)
	require.NoError(t, err)

	got, err := e.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, scoring.LevelDeepArchive, got.Level)
	assert.Zero(t, got.AccessCount)
	assert.Equal(t, before.LastAccess, got.LastAccess)
	assert.InDelta(t, 0.05, got.RelevanceScore, 1e-4)

	res, err := e.Query(ctx, "mutual TLS sidecar", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.NodeCount)
	assert.GreaterOrEqual(t, res.Items()[0].Similarity, MinSimilarity)
	e.drain(t)
	got, err = e.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount, "a related query still reinforces")
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	a, err := e.Store(ctx, "service A calls service B", store.TypeArchitecture, nil)
	require.NoError(t, err)
	b, err := e.Store(ctx, "service B owns the ledger", store.TypeArchitecture, nil)
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, a.ID, b.ID, store.RelDependsOn))

	st, err := e.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Levels, 5)
	assert.Equal(t, 2, st.Levels[0].Count)
	for _, lc := range st.Levels[1:] {
		assert.Zero(t, lc.Count)
	}
	assert.Equal(t, 2, st.TotalNodes)
	assert.Equal(t, 1, st.Edges)
	assert.Equal(t, 2, st.Vectors)
	assert.Positive(t, st.StorageBytes)
	assert.Positive(t, st.SchemaVersion)
	assert.Equal(t, testDims, st.Dimension)
	assert.True(t, st.Embedder.Healthy)
	assert.Equal(t, "hash", st.Embedder.Model)
	assert.Nil(t, st.LastEvolution)

	_, err = e.Evolve(ctx)
	require.NoError(t, err)
	st, err = e.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastEvolution)
	assert.Equal(t, 2, st.LastEvolution.Result.Scanned)

	assert.ErrorIs(t, e.Link(ctx, a.ID, "missing", store.RelRelatedTo), store.ErrNotFound)
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, WithRetention(2))

	var ids []string
	for i := 0; i < 5; i++ {
		n, err := e.Store(ctx, strings.Repeat("stale fact ", i+1), store.TypeNote, nil)
		require.NoError(t, err)
		require.NoError(t, e.UpdateRelevance(ctx, n.ID, 0.01))
		ids = append(ids, n.ID)
	}
	keep, err := e.Store(ctx, "fresh fact", store.TypeNote, nil)
	require.NoError(t, err)

	soft, err := e.Compact(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 5, soft.Evolution.Demoted)
	assert.Empty(t, soft.Pruned)

	hard, err := e.Compact(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, ids[:3], hard.Pruned, "oldest deep-archive nodes go first")

	for _, id := range ids[:3] {
		_, err := e.Get(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	for _, id := range append(ids[3:], keep.ID) {
		_, err := e.Get(ctx, id)
		assert.NoError(t, err)
	}

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalNodes)
	assert.Equal(t, 3, st.Vectors)
	assert.Equal(t, 3, st.IndexedNodes)
}

func TestSaveState(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	for _, c := range []string{"first fact", "second fact", "third fact"} {
		_, err := e.Store(ctx, c, store.TypeNote, nil)
		require.NoError(t, err)
	}

	turns := []transcript.Turn{
		{Role: "user", Content: "Please remember the staging database is read-only"},
		{Role: "assistant", Content: "Noted: staging database is read-only."},
		{Role: "user", Content: "Please remember the staging database is read-only"},
		{Role: "user", Content: "  "},
		{Role: "assistant", Content: "first fact"},
	}
	res, err := e.SaveState(ctx, turns)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Saved)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 5, res.Evolution.Scanned)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.TotalNodes, 3)
	assert.Equal(t, 5, st.TotalNodes)
	assert.Equal(t, 5, st.Vectors)

	saved, err := e.Get(ctx, res.NodeIDs[0])
	require.NoError(t, err)
	assert.Equal(t, store.TypeConversation, saved.Type)
	assert.Equal(t, "user", saved.Metadata["role"])

	again, err := e.SaveState(ctx, turns)
	require.NoError(t, err)
	assert.Zero(t, again.Saved)

	empty, err := e.SaveState(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Saved)
	assert.Equal(t, 5, empty.Evolution.Scanned)
}

func TestExportForVisualization(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	empty, err := e.ExportForVisualization(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.Nodes)
	assert.NotNil(t, empty.Nodes)

	a, err := e.Store(ctx, "auth service", store.TypeArchitecture, nil)
	require.NoError(t, err)
	b, err := e.Store(ctx, "token cache", store.TypeCode, nil)
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, a.ID, b.ID, store.RelImports))
	require.NoError(t, e.UpdateRelevance(ctx, b.ID, 0.05))
	_, err = e.Evolve(ctx)
	require.NoError(t, err)

	ex, err := e.ExportForVisualization(ctx)
	require.NoError(t, err)
	require.Len(t, ex.Nodes, 2)
	assert.Equal(t, a.ID, ex.Nodes[0].ID)
	require.Len(t, ex.Edges, 1)
	assert.Equal(t, store.Edge{FromID: a.ID, ToID: b.ID, Rel: store.RelImports, CreatedAt: ex.Edges[0].CreatedAt}, ex.Edges[0])
	require.Len(t, ex.Levels, 5)
	assert.Equal(t, 1, ex.Levels[0].Count)
	assert.Equal(t, 1, ex.Levels[4].Count)
}

func recv(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "channel closed waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, WithRetention(0))

	events, cancel := e.Subscribe()
	defer cancel()

	n, err := e.Store(ctx, "event sourced fact", store.TypeNote, nil)
	require.NoError(t, err)
	ev := recv(t, events, EventNodeStored)
	assert.Equal(t, n.ID, ev.NodeID)
	assert.Equal(t, scoring.LevelFocus, ev.To)

	require.NoError(t, e.UpdateRelevance(ctx, n.ID, 0.01))
	_, err = e.Compact(ctx, true)
	require.NoError(t, err)

	ev = recv(t, events, EventNodeTransition)
	assert.Equal(t, scoring.LevelFocus, ev.From)
	assert.Equal(t, scoring.LevelDeepArchive, ev.To)
	ev = recv(t, events, EventEvolutionCompleted)
	require.NotNil(t, ev.Evolution)
	assert.Equal(t, 1, ev.Evolution.Demoted)
	ev = recv(t, events, EventNodePruned)
	assert.Equal(t, n.ID, ev.NodeID)

	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, WithEventBuffer(1))
	_, cancel := e.Subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		_, err := e.Store(ctx, strings.Repeat("y", i+1)+" fact", store.TypeNote, nil)
		require.NoError(t, err)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	n, err := e.Store(ctx, "before close", store.TypeNote, nil)
	require.NoError(t, err)
	events, _ := e.Subscribe()

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.True(t, e.Closed())

	_, ok := <-events
	assert.False(t, ok, "close ends subscriptions")

	_, err = e.Store(ctx, "after close", store.TypeNote, nil)
	assert.ErrorIs(t, err, ErrClosed)
	var oe *OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "store", oe.Op)

	_, err = e.Query(ctx, "x", QueryOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Get(ctx, n.ID)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Status(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Evolve(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Compact(ctx, true)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.SaveState(ctx, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.ExportForVisualization(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Link(ctx, n.ID, n.ID, "x"), ErrClosed)
	assert.ErrorIs(t, e.UpdateRelevance(ctx, n.ID, 1), ErrClosed)
	assert.ErrorIs(t, e.Start(), ErrClosed)

	late, _ := e.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestScheduler(t *testing.T) {
	e := newEngine(t, WithSchedule("@every 1s"))
	events, cancel := e.Subscribe()
	defer cancel()

	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	recv(t, events, EventEvolutionCompleted)
	require.NoError(t, e.Close())
}

func TestSchedulerInvalid(t *testing.T) {
	e := newEngine(t, WithSchedule("every now and then"))
	assert.Error(t, e.Start())

	off := newEngine(t, WithSchedule(""))
	assert.NoError(t, off.Start())
}

func TestReopenKeepsVectors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), store.DefaultFileName)

	db, err := store.Open(path, nil)
	require.NoError(t, err)
	e, err := New(db, embed.NewHashEmbedder(testDims))
	require.NoError(t, err)
	first, err := e.Store(ctx, "persisted across restarts", store.TypeNote, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	db, err = store.Open(path, nil)
	require.NoError(t, err)
	e = newEngineOn(t, db, embed.NewHashEmbedder(testDims))
	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.IndexedNodes)

	res, err := e.Query(ctx, "persisted across restarts", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.NodeCount)
	assert.Equal(t, first.ID, res.Items()[0].Node.ID)
	assert.Positive(t, res.Items()[0].Similarity)
}

func TestEmbedderDimensionChange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), store.DefaultFileName)

	db, err := store.Open(path, nil)
	require.NoError(t, err)
	e, err := New(db, embed.NewHashEmbedder(testDims))
	require.NoError(t, err)
	_, err = e.Store(ctx, "written with the old model", store.TypeNote, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	db, err = store.Open(path, nil)
	require.NoError(t, err)
	e = newEngineOn(t, db, embed.NewHashEmbedder(32))

	n, err := e.Store(ctx, "written with the new model", store.TypeNote, nil)
	require.NoError(t, err)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalNodes)
	assert.Equal(t, 1, st.Vectors, "mismatched vectors are not stored")

	res, err := e.Query(ctx, "new model", QueryOptions{})
	require.NoError(t, err)
	var found bool
	for _, it := range res.Items() {
		found = found || it.Node.ID == n.ID
	}
	assert.True(t, found)
}

func TestConcurrentUse(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				n, err := e.Store(ctx, strings.Repeat("concurrent write ", w+1)+string(rune('a'+i)), store.TypeNote, nil)
				if err != nil {
					errs <- err
					return
				}
				if err := e.UpdateRelevance(ctx, n.ID, float64(i)/10); err != nil {
					errs <- err
					return
				}
				if _, err := e.Query(ctx, "concurrent write", QueryOptions{Limit: 5}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			if _, err := e.Evolve(ctx); err != nil {
				errs <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, st.TotalNodes)
}

func TestCancelledContext(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Store(ctx, "never written", store.TypeNote, nil)
	assert.ErrorIs(t, err, context.Canceled)

	st, err := e.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.TotalNodes)
}
