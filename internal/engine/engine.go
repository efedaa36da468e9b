// Package engine is the spiral memory façade. It owns the store, the vector
// index and the evolution service, and serializes every mutation through a
// single writer goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/embed"
	"github.com/lazypower/spiral/internal/evolve"
	"github.com/lazypower/spiral/internal/store"
	"github.com/lazypower/spiral/internal/vector"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("engine closed")

// ErrEmptyContent is returned when Store is given blank content.
var ErrEmptyContent = errors.New("content is empty")

// OpError wraps a failed façade operation.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return "spiral: " + e.Op + ": " + e.Err.Error() }
func (e *OpError) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// Defaults applied by New.
const (
	DefaultRetention   = 500
	DefaultQueryLimit  = 20
	DefaultEventBuffer = 64
	DefaultSchedule    = "@every 30m"

	// MinSimilarity is the cosine similarity a vector match needs to be
	// a query candidate without a keyword match.
	MinSimilarity = 0.15

	queueSize        = 256
	embedConcurrency = 4
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides time.Now for scoring and evolution.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}

// WithSummarizer replaces the extractive summarizer used on demotion.
func WithSummarizer(s evolve.Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// WithRetention sets how many deep-archive nodes an aggressive compaction keeps.
func WithRetention(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retention = n
		}
	}
}

// WithHalfLife sets the relevance half-life used by decay and recency.
func WithHalfLife(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.halfLife = d
		}
	}
}

// WithDecayFloor sets the lowest score decay alone can push a node to.
func WithDecayFloor(f float64) Option {
	return func(e *Engine) { e.decayFloor = f }
}

// WithSchedule sets the cron spec for background evolution. An empty spec
// disables the scheduler.
func WithSchedule(spec string) Option {
	return func(e *Engine) { e.schedule = spec }
}

// WithEventBuffer sets the per-subscriber channel size.
func WithEventBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.eventBuffer = n
		}
	}
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error // nil for fire-and-forget
}

// Engine is a handle on one memory store. Create it with New and release it
// with Close.
type Engine struct {
	db    *store.DB
	emb   embed.Embedder
	index *vector.Index

	log         *zap.Logger
	clock       func() time.Time
	summarizer  evolve.Summarizer
	retention   int
	halfLife    time.Duration
	decayFloor  float64
	schedule    string
	eventBuffer int

	evolver *evolve.Service

	mu     sync.RWMutex // guards closed against sends on jobs
	closed atomic.Bool
	jobs   chan job
	done   chan struct{}
	once   sync.Once

	cronMu sync.Mutex
	cron   *cron.Cron

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	lastEvolution atomic.Pointer[EvolutionRun]
}

// EvolutionRun records the most recent completed pass.
type EvolutionRun struct {
	At     time.Time     `json:"at"`
	Result evolve.Result `json:"result"`
}

// New builds an engine over an open store. emb may be nil, in which case
// nodes are stored without vectors and queries fall back to keyword search.
// The engine owns db from here on and closes it in Close.
func New(db *store.DB, emb embed.Embedder, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.New("engine: nil store")
	}
	e := &Engine{
		db:          db,
		emb:         emb,
		log:         zap.NewNop(),
		clock:       time.Now,
		retention:   DefaultRetention,
		halfLife:    evolve.DefaultHalfLife,
		schedule:    DefaultSchedule,
		eventBuffer: DefaultEventBuffer,
		jobs:        make(chan job, queueSize),
		done:        make(chan struct{}),
		subs:        make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.evolver = &evolve.Service{
		Store:      db,
		Summarizer: e.summarizer,
		Clock:      e.clock,
		HalfLife:   e.halfLife,
		DecayFloor: e.decayFloor,
		Logger:     e.log.Named("evolve"),
	}

	if err := e.loadIndex(context.Background()); err != nil {
		return nil, err
	}

	go e.run()
	return e, nil
}

func (e *Engine) loadIndex(ctx context.Context) error {
	dim, err := e.db.Dimension(ctx)
	if err != nil {
		return fmt.Errorf("engine: read dimension: %w", err)
	}
	if e.emb != nil && dim > 0 && e.emb.Dimensions() != dim {
		e.log.Warn("embedder dimension differs from store, new nodes will be stored without vectors",
			zap.String("model", e.emb.Model()),
			zap.Int("embedder", e.emb.Dimensions()),
			zap.Int("store", dim))
	}

	records, err := e.db.AllVectors(ctx)
	if err != nil {
		return fmt.Errorf("engine: load vectors: %w", err)
	}
	entries := make([]vector.Entry, len(records))
	for i, r := range records {
		entries[i] = vector.Entry{ID: r.NodeID, Vector: r.Embedding}
	}

	e.index = vector.New(dim)
	if err := e.index.Load(entries); err != nil {
		e.log.Warn("vector index loaded with skipped entries", zap.Error(err))
	}
	e.log.Debug("vector index loaded", zap.Int("vectors", e.index.Len()), zap.Int("dimension", dim))
	return nil
}

// run is the single writer. Jobs execute one at a time in submission order.
func (e *Engine) run() {
	defer close(e.done)
	for j := range e.jobs {
		var err error
		if err = j.ctx.Err(); err == nil {
			err = j.fn(j.ctx)
		}
		if j.done != nil {
			j.done <- err
		} else if err != nil {
			e.log.Debug("background write failed", zap.Error(err))
		}
	}
}

// submit runs fn on the writer and waits for it. A job whose ctx is already
// done when it reaches the front of the queue is skipped.
func (e *Engine) submit(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	e.mu.RLock()
	if e.closed.Load() {
		e.mu.RUnlock()
		return ErrClosed
	}
	select {
	case e.jobs <- j:
	case <-ctx.Done():
		e.mu.RUnlock()
		return ctx.Err()
	}
	e.mu.RUnlock()

	// fn observes ctx itself and must not outlive this call.
	return <-j.done
}

// enqueue schedules fn on the writer without waiting. It reports false when
// the engine is closed or the queue is full.
func (e *Engine) enqueue(fn func(context.Context) error) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed.Load() {
		return false
	}
	select {
	case e.jobs <- job{ctx: context.Background(), fn: fn}:
		return true
	default:
		return false
	}
}

// Start launches background evolution on the configured schedule. Calling it
// more than once is a no-op.
func (e *Engine) Start() error {
	if e.closed.Load() {
		return opErr("start", ErrClosed)
	}
	if e.schedule == "" {
		return nil
	}

	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cron != nil {
		return nil
	}

	logger := cronLogger{e.log.Named("cron").Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := c.AddFunc(e.schedule, func() {
		res, err := e.Evolve(context.Background())
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				e.log.Warn("scheduled evolution failed", zap.Error(err))
			}
			return
		}
		e.log.Info("scheduled evolution",
			zap.Int("promoted", res.Promoted),
			zap.Int("demoted", res.Demoted),
			zap.Int("compressed", res.Compressed))
	})
	if err != nil {
		return opErr("start", fmt.Errorf("schedule %q: %w", e.schedule, err))
	}
	c.Start()
	e.cron = c
	e.log.Info("evolution scheduler started", zap.String("schedule", e.schedule))
	return nil
}

// Close stops the scheduler, drains the writer, closes every subscriber
// channel and closes the store. It is safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		e.cronMu.Lock()
		if e.cron != nil {
			<-e.cron.Stop().Done()
		}
		e.cronMu.Unlock()

		e.mu.Lock()
		e.closed.Store(true)
		close(e.jobs)
		e.mu.Unlock()
		<-e.done

		e.closeSubscribers()
		err = e.db.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

// EmbedderModel names the active embedder, or "none".
func (e *Engine) EmbedderModel() string {
	if e.emb == nil {
		return "none"
	}
	return e.emb.Model()
}

// cronLogger adapts zap to cron's logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
