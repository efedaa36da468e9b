// Package vector holds node embeddings in memory and answers
// nearest-neighbour queries by cosine similarity.
package vector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// ErrDimension is returned when a vector does not match the index dimension.
var ErrDimension = errors.New("vector dimension mismatch")

// Match is one search hit.
type Match struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Entry is an id and its embedding, used to bulk-load an index.
type Entry struct {
	ID     string
	Vector []float64
}

type slot struct {
	vec   []float64
	norm  float64
	order uint64
}

// Index is a brute-force cosine index. It is safe for concurrent use;
// searches do not block each other.
type Index struct {
	mu    sync.RWMutex
	dim   int
	next  uint64
	slots map[string]*slot
}

// New returns an empty index. A dim of 0 lets the first Upsert fix it.
func New(dim int) *Index {
	return &Index{dim: dim, slots: make(map[string]*slot)}
}

// Dimension returns the fixed vector length, or 0 if not yet known.
func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.slots)
}

// Contains reports whether id has a vector.
func (ix *Index) Contains(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.slots[id]
	return ok
}

// Upsert adds or replaces the vector for id. A replaced vector keeps its
// original insertion position for tie-breaking.
func (ix *Index) Upsert(id string, vec []float64) error {
	if len(vec) == 0 {
		return fmt.Errorf("upsert %s: empty vector", id)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.upsertLocked(id, vec)
}

func (ix *Index) upsertLocked(id string, vec []float64) error {
	if ix.dim == 0 {
		ix.dim = len(vec)
	}
	if len(vec) != ix.dim {
		return fmt.Errorf("upsert %s: got %d, want %d: %w", id, len(vec), ix.dim, ErrDimension)
	}

	cp := make([]float64, len(vec))
	copy(cp, vec)

	if s, ok := ix.slots[id]; ok {
		s.vec = cp
		s.norm = norm(cp)
		return nil
	}
	ix.slots[id] = &slot{vec: cp, norm: norm(cp), order: ix.next}
	ix.next++
	return nil
}

// Load adds entries in order. Entries with the wrong dimension are skipped
// and counted in the returned error.
func (ix *Index) Load(entries []Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var skipped int
	for _, e := range entries {
		if len(e.Vector) == 0 {
			skipped++
			continue
		}
		if err := ix.upsertLocked(e.ID, e.Vector); err != nil {
			skipped++
		}
	}
	if skipped > 0 {
		return fmt.Errorf("load: skipped %d of %d entries: %w", skipped, len(entries), ErrDimension)
	}
	return nil
}

// Remove drops id from the index. Removing an unknown id is a no-op.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.slots, id)
}

// Search returns up to k ids ranked by cosine similarity to q, highest first.
// Equal similarities rank in insertion order. An empty index, k <= 0, or a
// zero query all return an empty result.
func (ix *Index) Search(q []float64, k int) ([]Match, error) {
	return ix.SearchFunc(q, k, nil)
}

// SearchFunc is Search over only the ids keep accepts. A nil keep accepts
// every id. keep runs under the read lock and must not call back into ix.
func (ix *Index) SearchFunc(q []float64, k int, keep func(id string) bool) ([]Match, error) {
	if k <= 0 || len(q) == 0 {
		return nil, nil
	}
	qn := norm(q)
	if qn == 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.slots) == 0 {
		return nil, nil
	}
	if len(q) != ix.dim {
		return nil, fmt.Errorf("search: got %d, want %d: %w", len(q), ix.dim, ErrDimension)
	}

	type hit struct {
		Match
		order uint64
	}
	hits := make([]hit, 0, len(ix.slots))
	for id, s := range ix.slots {
		if keep != nil && !keep(id) {
			continue
		}
		sim := 0.0
		if s.norm > 0 {
			sim = dot(q, s.vec) / (qn * s.norm)
		}
		hits = append(hits, hit{Match{ID: id, Similarity: sim}, s.order})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].order < hits[j].order
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = h.Match
	}
	return out, nil
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty inputs, and zero vectors, give 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	denom := norm(a) * norm(b)
	if denom == 0 {
		return 0
	}
	return dot(a, b) / denom
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}
