// Package scoring turns node signals into a relevance score and a tier.
//
// Everything here is a pure function of its inputs. Callers own the clock.
package scoring

import "fmt"

// Level is a relevance tier. 1 is the freshest and most relevant, 5 is deep archive.
type Level int

const (
	LevelFocus Level = iota + 1
	LevelActive
	LevelReference
	LevelArchive
	LevelDeepArchive
)

// MinLevel and MaxLevel bound the closed tier range.
const (
	MinLevel = LevelFocus
	MaxLevel = LevelDeepArchive
)

// Levels lists every tier in order, most relevant first.
var Levels = []Level{LevelFocus, LevelActive, LevelReference, LevelArchive, LevelDeepArchive}

var levelNames = map[Level]string{
	LevelFocus:       "focus",
	LevelActive:      "active",
	LevelReference:   "reference",
	LevelArchive:     "archive",
	LevelDeepArchive: "deep_archive",
}

var levelTitles = map[Level]string{
	LevelFocus:       "Focus",
	LevelActive:      "Active",
	LevelReference:   "Reference",
	LevelArchive:     "Archive",
	LevelDeepArchive: "Deep Archive",
}

// String returns the snake_case name used in JSON and metrics labels.
func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return fmt.Sprintf("level_%d", int(l))
}

// Title returns the display name of the tier ("Deep Archive").
func (l Level) Title() string {
	if t, ok := levelTitles[l]; ok {
		return t
	}
	return l.String()
}

// Valid reports whether l is inside the closed range.
func (l Level) Valid() bool {
	return l >= MinLevel && l <= MaxLevel
}

// ClampLevel forces any integer into 1..5. Out-of-range levels come from
// legacy rows or arithmetic edge cases, so they are clamped, not rejected.
func ClampLevel(l int) Level {
	if l < int(MinLevel) {
		return MinLevel
	}
	if l > int(MaxLevel) {
		return MaxLevel
	}
	return Level(l)
}

// ParseLevel accepts either the numeric form ("3") or a name ("reference").
func ParseLevel(s string) (Level, error) {
	for l, n := range levelNames {
		if n == s {
			return l, nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse level %q: %w", s, err)
	}
	return ClampLevel(n), nil
}

// SummaryLimit is the maximum summary length in characters for nodes
// entering the given tier. Zero means the tier keeps no summary bound.
func SummaryLimit(l Level) int {
	switch {
	case l >= LevelArchive:
		return 100
	case l == LevelReference:
		return 200
	default:
		return 0
	}
}
