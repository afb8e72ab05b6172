// Package budget bounds the cost of a single query execution.
//
// A Budget caps the number of visited entities and relationships, the
// traversal depth from a seed, the wall-clock time and the number of result
// rows. Budgets are consumed monotonically by a Tracker and never refilled
// during one execution. Running out is not an error: the walk stops and the
// result is flagged as truncated.
//
// Named presets map to budgets plus the hybrid search channel weights:
//
//	shallow   depth 1, 1k visits,   keyword-heavy
//	moderate  depth 3, 10k visits,  balanced
//	deep      depth 6, 100k visits, proximity-heavy
//
// Presets can be overridden from YAML configuration (see pkg/config).
package budget

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Preset names.
const (
	PresetShallow  = "shallow"
	PresetModerate = "moderate"
	PresetDeep     = "deep"
)

// Weights are the hybrid search channel weights.
type Weights struct {
	Keyword   float64 `yaml:"keyword"`
	Semantic  float64 `yaml:"semantic"`
	Proximity float64 `yaml:"proximity"`
}

// Budget bounds one query execution. A zero field means that counter is
// unbounded.
type Budget struct {
	MaxNodesVisited int           `yaml:"max_nodes_visited"`
	MaxDepth        int           `yaml:"max_depth"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
	MaxResults      int           `yaml:"max_results"`
	Weights         Weights       `yaml:"weights"`
}

// Unlimited returns a budget with every counter unbounded and equal channel
// weights.
func Unlimited() Budget {
	return Budget{Weights: Weights{Keyword: 1, Semantic: 1, Proximity: 1}}
}

// Validate rejects negative limits and weights.
func (b Budget) Validate() error {
	if b.MaxNodesVisited < 0 || b.MaxDepth < 0 || b.MaxElapsed < 0 || b.MaxResults < 0 {
		return fmt.Errorf("budget: limits must not be negative")
	}
	if b.Weights.Keyword < 0 || b.Weights.Semantic < 0 || b.Weights.Proximity < 0 {
		return fmt.Errorf("budget: weights must not be negative")
	}
	return nil
}

// Merge returns b with every non-zero field of o applied on top.
func (b Budget) Merge(o Budget) Budget {
	if o.MaxNodesVisited != 0 {
		b.MaxNodesVisited = o.MaxNodesVisited
	}
	if o.MaxDepth != 0 {
		b.MaxDepth = o.MaxDepth
	}
	if o.MaxElapsed != 0 {
		b.MaxElapsed = o.MaxElapsed
	}
	if o.MaxResults != 0 {
		b.MaxResults = o.MaxResults
	}
	if o.Weights != (Weights{}) {
		b.Weights = o.Weights
	}
	return b
}

func (b Budget) String() string {
	return fmt.Sprintf("Budget{nodes=%d depth=%d elapsed=%s results=%d weights=%.2f/%.2f/%.2f}",
		b.MaxNodesVisited, b.MaxDepth, b.MaxElapsed, b.MaxResults,
		b.Weights.Keyword, b.Weights.Semantic, b.Weights.Proximity)
}

// Presets is a set of named budgets.
type Presets map[string]Budget

// DefaultPresets returns the built-in presets.
func DefaultPresets() Presets {
	return Presets{
		PresetShallow: {
			MaxNodesVisited: 1000,
			MaxDepth:        1,
			MaxElapsed:      time.Second,
			MaxResults:      100,
			Weights:         Weights{Keyword: 0.6, Semantic: 0.3, Proximity: 0.1},
		},
		PresetModerate: {
			MaxNodesVisited: 10000,
			MaxDepth:        3,
			MaxElapsed:      5 * time.Second,
			MaxResults:      1000,
			Weights:         Weights{Keyword: 0.4, Semantic: 0.4, Proximity: 0.2},
		},
		PresetDeep: {
			MaxNodesVisited: 100000,
			MaxDepth:        6,
			MaxElapsed:      30 * time.Second,
			MaxResults:      10000,
			Weights:         Weights{Keyword: 0.3, Semantic: 0.3, Proximity: 0.4},
		},
	}
}

// Get returns the named preset. Names are case-insensitive.
func (p Presets) Get(name string) (Budget, error) {
	b, ok := p[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Budget{}, fmt.Errorf("budget: unknown preset %q (have %s)", name, strings.Join(p.Names(), ", "))
	}
	return b, nil
}

// Names returns the preset names in sorted order.
func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WithOverrides returns a copy of p where each override is merged onto the
// preset of the same name, or added when the name is new.
func (p Presets) WithOverrides(overrides map[string]Budget) (Presets, error) {
	out := make(Presets, len(p)+len(overrides))
	for n, b := range p {
		out[n] = b
	}
	for n, o := range overrides {
		n = strings.ToLower(strings.TrimSpace(n))
		merged := out[n].Merge(o)
		if err := merged.Validate(); err != nil {
			return nil, fmt.Errorf("preset %s: %w", n, err)
		}
		out[n] = merged
	}
	return out, nil
}
