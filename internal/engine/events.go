package engine

import (
	"time"

	"github.com/lazypower/spiral/internal/evolve"
	"github.com/lazypower/spiral/internal/scoring"
)

// EventType names a change published to subscribers.
type EventType string

const (
	EventNodeStored         EventType = "node_stored"
	EventNodeTransition     EventType = "node_transition"
	EventNodePruned         EventType = "node_pruned"
	EventEvolutionCompleted EventType = "evolution_completed"
)

// Event is one change notification. Which fields are set depends on Type.
type Event struct {
	Type      EventType      `json:"type"`
	NodeID    string         `json:"node_id,omitempty"`
	NodeType  string         `json:"node_type,omitempty"`
	From      scoring.Level  `json:"from,omitempty"`
	To        scoring.Level  `json:"to,omitempty"`
	Evolution *evolve.Result `json:"evolution,omitempty"`
	Time      time.Time      `json:"time"`
}

// Subscribe returns a channel of future events and a cancel func. Slow
// subscribers miss events rather than block the engine. The channel is
// closed by cancel or by Close.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, e.eventBuffer)

	e.subMu.Lock()
	if e.closed.Load() {
		e.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

func (e *Engine) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.clock()
	}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}

// publishEvolution emits one transition event per tier change, then the
// completion event.
func (e *Engine) publishEvolution(res evolve.Result) {
	now := e.clock()
	for _, t := range res.Transitions {
		e.publish(Event{Type: EventNodeTransition, NodeID: t.ID, From: t.From, To: t.To, Time: now})
	}
	r := res
	e.publish(Event{Type: EventEvolutionCompleted, Evolution: &r, Time: now})
}
