// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/engine"
)

const namespace = "spiral"

// Source is what the collector reads from. *engine.Engine satisfies it.
type Source interface {
	Subscribe() (<-chan engine.Event, func())
	CountByLevel(ctx context.Context) ([]engine.LevelCount, error)
}

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	log      *zap.Logger

	NodesStored       prometheus.Counter
	Transitions       *prometheus.CounterVec
	NodesPruned       prometheus.Counter
	Evolutions        prometheus.Counter
	EvolutionDuration prometheus.Histogram
	NodesByLevel      *prometheus.GaugeVec
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New(log *zap.Logger) *Metrics {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		log:      log,

		NodesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_stored_total",
			Help:      "Total number of nodes stored",
		}),

		// direction: "promotion" or "demotion"
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Total number of tier transitions by direction and target tier",
		}, []string{"direction", "to"}),

		NodesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_pruned_total",
			Help:      "Total number of deep-archive nodes removed by compaction",
		}),

		Evolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evolutions_total",
			Help:      "Total number of evolution passes",
		}),

		EvolutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evolution_duration_seconds",
			Help:      "Evolution pass latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),

		NodesByLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Current number of nodes per tier",
		}, []string{"level"}),
	}

	reg.MustRegister(
		m.NodesStored,
		m.Transitions,
		m.NodesPruned,
		m.Evolutions,
		m.EvolutionDuration,
		m.NodesByLevel,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe updates counters for one event.
func (m *Metrics) Observe(ev engine.Event) {
	switch ev.Type {
	case engine.EventNodeStored:
		m.NodesStored.Inc()
	case engine.EventNodeTransition:
		dir := "demotion"
		if ev.To < ev.From {
			dir = "promotion"
		}
		m.Transitions.WithLabelValues(dir, ev.To.String()).Inc()
	case engine.EventNodePruned:
		m.NodesPruned.Inc()
	case engine.EventEvolutionCompleted:
		m.Evolutions.Inc()
		if ev.Evolution != nil {
			m.EvolutionDuration.Observe(ev.Evolution.Duration.Seconds())
		}
	}
}

// SetLevels replaces the per-tier gauge values.
func (m *Metrics) SetLevels(counts []engine.LevelCount) {
	for _, c := range counts {
		m.NodesByLevel.WithLabelValues(c.Level.String()).Set(float64(c.Count))
	}
}

// Run consumes src's events until ctx is done or the engine closes. The tier
// gauge is refreshed at start, after every change event, and at most once per
// refresh interval otherwise.
func (m *Metrics) Run(ctx context.Context, src Source, refresh time.Duration) {
	events, cancel := src.Subscribe()
	defer cancel()

	if refresh <= 0 {
		refresh = time.Minute
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	m.refreshLevels(ctx, src)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Observe(ev)
			switch ev.Type {
			case engine.EventNodeStored, engine.EventNodePruned, engine.EventEvolutionCompleted:
				m.refreshLevels(ctx, src)
			}
		case <-ticker.C:
			m.refreshLevels(ctx, src)
		}
	}
}

func (m *Metrics) refreshLevels(ctx context.Context, src Source) {
	counts, err := src.CountByLevel(ctx)
	if err != nil {
		m.log.Debug("level gauge refresh failed", zap.Error(err))
		return
	}
	m.SetLevels(counts)
}
