package scoring

import (
	"math"
	"time"
)

// Weights are the per-tier blend factors for the four relevance signals.
type Weights struct {
	Semantic   float64 `json:"semantic"`
	Recency    float64 `json:"recency"`
	Connection float64 `json:"connection"`
	TypeBoost  float64 `json:"type_boost"`
}

// Sum returns the total of all four weights.
func (w Weights) Sum() float64 {
	return w.Semantic + w.Recency + w.Connection + w.TypeBoost
}

// weightTable shifts trust from semantic match toward structure as nodes sink.
// Each row sums to 1.0.
var weightTable = map[Level]Weights{
	LevelFocus:       {Semantic: 0.45, Recency: 0.30, Connection: 0.15, TypeBoost: 0.10},
	LevelActive:      {Semantic: 0.40, Recency: 0.25, Connection: 0.20, TypeBoost: 0.15},
	LevelReference:   {Semantic: 0.35, Recency: 0.20, Connection: 0.25, TypeBoost: 0.20},
	LevelArchive:     {Semantic: 0.30, Recency: 0.15, Connection: 0.30, TypeBoost: 0.25},
	LevelDeepArchive: {Semantic: 0.25, Recency: 0.10, Connection: 0.35, TypeBoost: 0.30},
}

// WeightsFor returns the weight row for a tier. Out-of-range tiers are clamped.
func WeightsFor(l Level) Weights {
	return weightTable[ClampLevel(int(l))]
}

// Signals are the normalized inputs to Score. Each is expected in [0,1].
type Signals struct {
	Semantic   float64 `json:"semantic"`
	Recency    float64 `json:"recency"`
	Connection float64 `json:"connection"`
	TypeBoost  float64 `json:"type_boost"`
}

// Score blends signals with the weights of the node's current tier.
func Score(l Level, s Signals) float64 {
	w := WeightsFor(l)
	return ClampScore(w.Semantic*ClampScore(s.Semantic) +
		w.Recency*ClampScore(s.Recency) +
		w.Connection*ClampScore(s.Connection) +
		w.TypeBoost*ClampScore(s.TypeBoost))
}

// Level thresholds. A score sitting exactly on a threshold belongs to the
// more relevant tier.
const (
	thresholdFocus     = 0.7
	thresholdActive    = 0.5
	thresholdReference = 0.3
	thresholdArchive   = 0.1
)

// DetermineLevel maps a relevance score to its tier.
func DetermineLevel(score float64) Level {
	score = ClampScore(score)
	switch {
	case score >= thresholdFocus:
		return LevelFocus
	case score >= thresholdActive:
		return LevelActive
	case score >= thresholdReference:
		return LevelReference
	case score >= thresholdArchive:
		return LevelArchive
	default:
		return LevelDeepArchive
	}
}

// ClampScore forces a score into [0,1]. NaN becomes 0.
func ClampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Recency is the half-life curve 0.5^(elapsed/halfLife). A reference time in
// the future, or a non-positive half-life, yields 1.
func Recency(ref, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	elapsed := now.Sub(ref)
	if elapsed <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(elapsed) / float64(halfLife))
}

// Decay caps a stored score by the recency curve, never below floor.
// Decay never raises a score, and applying it twice at the same instant
// gives the same result as applying it once.
func Decay(score float64, ref, now time.Time, halfLife time.Duration, floor float64) float64 {
	score = ClampScore(score)
	ceiling := math.Max(ClampScore(floor), Recency(ref, now, halfLife))
	if ceiling < score {
		return ceiling
	}
	return score
}

// connectionScale is the degree at which the connection signal reaches 0.5.
const connectionScale = 4.0

// Connection maps an edge degree onto [0,1) with diminishing returns.
func Connection(degree int) float64 {
	if degree <= 0 {
		return 0
	}
	return 1 - 1/(1+float64(degree)/connectionScale)
}

// typeBoosts rewards node kinds that tend to stay load-bearing over time.
var typeBoosts = map[string]float64{
	"architecture":    1.0,
	"decision":        0.9,
	"pattern":         0.8,
	"security_threat": 0.8,
	"defense_action":  0.7,
	"code":            0.6,
	"summary":         0.5,
	"web_knowledge":   0.4,
	"note":            0.3,
	"conversation":    0.2,
}

// TypeBoost returns the static importance of a node type. Unknown types get
// the same boost as a note.
func TypeBoost(nodeType string) float64 {
	if b, ok := typeBoosts[nodeType]; ok {
		return b
	}
	return typeBoosts["note"]
}

// supportStretch is how far full structural support stretches the half-life:
// a node with support 1 decays over (1+supportStretch) half-lives.
const supportStretch = 2.0

// Support is the structural share of a score, the weighted mean of the
// connection and type signals under the deep-archive weights. The row is
// fixed so a node's support does not move when its tier does.
func Support(s Signals) float64 {
	w := WeightsFor(LevelDeepArchive)
	return Score(LevelDeepArchive, Signals{Connection: s.Connection, TypeBoost: s.TypeBoost}) /
		(w.Connection + w.TypeBoost)
}

// Hold is the lowest score a node's edges keep it at on their own.
func Hold(s Signals) float64 {
	return Score(LevelDeepArchive, Signals{Connection: s.Connection})
}

// Rescore is the score an evolution pass assigns. The stored score decays
// toward the recency curve, with the half-life stretched by Support and the
// result never below Hold or floor. Only Connection and TypeBoost are read
// from s. Like Decay it is idempotent for a fixed now.
func Rescore(score float64, s Signals, ref, now time.Time, halfLife time.Duration, floor float64) float64 {
	hold := Hold(s)
	stretched := time.Duration(float64(halfLife) * (1 + supportStretch*Support(s)))
	return math.Max(Decay(score, ref, now, stretched, math.Max(floor, hold)), hold)
}
