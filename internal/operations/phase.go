package operations

import (
	"fmt"
	"math"
	"sort"
)

// PhaseDefinition describes one step of a job
type PhaseDefinition struct {
	Number      int     `json:"number"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Requires    []int   `json:"dependencies"`
	Weight      float64 `json:"weight"`
	NeedsSites  bool    `json:"requires_input"`
}

// Catalog is an ordered, validated set of phase definitions.
// Every dependency points at a lower-numbered phase, so ascending order is always
// a valid execution order and current_phase only moves forward.
type Catalog struct {
	phases   []PhaseDefinition
	byNumber map[int]PhaseDefinition
}

// NewCatalog validates defs and builds a catalog
func NewCatalog(defs ...PhaseDefinition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("catalog needs at least one phase")
	}
	c := &Catalog{byNumber: make(map[int]PhaseDefinition, len(defs))}
	for _, d := range defs {
		if d.Number <= 0 {
			return nil, fmt.Errorf("phase %q has invalid number %d", d.Name, d.Number)
		}
		if _, dup := c.byNumber[d.Number]; dup {
			return nil, fmt.Errorf("duplicate phase number %d", d.Number)
		}
		if d.Weight < 0 {
			return nil, fmt.Errorf("phase %d has negative weight", d.Number)
		}
		c.byNumber[d.Number] = d
	}
	for _, d := range defs {
		for _, dep := range d.Requires {
			if _, ok := c.byNumber[dep]; !ok {
				return nil, fmt.Errorf("phase %d depends on unknown phase %d", d.Number, dep)
			}
			if dep >= d.Number {
				return nil, fmt.Errorf("phase %d depends on phase %d, dependencies must precede the phase", d.Number, dep)
			}
		}
	}
	c.phases = make([]PhaseDefinition, 0, len(defs))
	for _, d := range defs {
		c.phases = append(c.phases, d)
	}
	sort.Slice(c.phases, func(i, j int) bool { return c.phases[i].Number < c.phases[j].Number })
	return c, nil
}

// MustCatalog is like NewCatalog but panics on an invalid definition
func MustCatalog(defs ...PhaseDefinition) *Catalog {
	c, err := NewCatalog(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the definition of phase n
func (c *Catalog) Get(n int) (PhaseDefinition, bool) {
	d, ok := c.byNumber[n]
	return d, ok
}

// Phases returns every definition in ascending order
func (c *Catalog) Phases() []PhaseDefinition {
	out := make([]PhaseDefinition, len(c.phases))
	copy(out, c.phases)
	return out
}

// Numbers returns every phase number in ascending order
func (c *Catalog) Numbers() []int {
	out := make([]int, len(c.phases))
	for i, d := range c.phases {
		out[i] = d.Number
	}
	return out
}

// Len returns the number of phases
func (c *Catalog) Len() int {
	return len(c.phases)
}

// Max returns the highest phase number
func (c *Catalog) Max() int {
	return c.phases[len(c.phases)-1].Number
}

// Dependents returns the phases that directly require phase n
func (c *Catalog) Dependents(n int) []int {
	var out []int
	for _, d := range c.phases {
		for _, dep := range d.Requires {
			if dep == n {
				out = append(out, d.Number)
				break
			}
		}
	}
	return out
}

// Plan validates a requested phase set and returns it in execution order.
// A prerequisite is satisfied when it is requested too or when satisfied reports it
// as completed by an earlier run. A nil satisfied treats nothing as completed.
func (c *Catalog) Plan(requested []int, satisfied func(int) bool) ([]PhaseDefinition, error) {
	if len(requested) == 0 {
		return nil, NewValidationError("at least one phase must be requested")
	}
	set := make(map[int]bool, len(requested))
	for _, n := range requested {
		if _, ok := c.byNumber[n]; !ok {
			return nil, NewValidationError(fmt.Sprintf("invalid phase number %d (valid range: 1-%d)", n, c.Max()))
		}
		set[n] = true
	}

	plan := make([]PhaseDefinition, 0, len(set))
	for _, d := range c.phases {
		if !set[d.Number] {
			continue
		}
		for _, dep := range d.Requires {
			if set[dep] {
				continue
			}
			if satisfied != nil && satisfied(dep) {
				continue
			}
			return nil, NewDependencyUnsatisfiedError(d.Number, dep)
		}
		plan = append(plan, d)
	}
	return plan, nil
}

// PlanNumbers returns the phase numbers of a plan
func PlanNumbers(plan []PhaseDefinition) []int {
	out := make([]int, len(plan))
	for i, d := range plan {
		out[i] = d.Number
	}
	return out
}

// OverallPercent computes weighted progress through plan: phases before idx are done
// and phase idx is fraction complete. Phases without weights count equally.
func OverallPercent(plan []PhaseDefinition, idx int, fraction float64) float64 {
	if len(plan) == 0 {
		return 0
	}
	weights := make([]float64, len(plan))
	var total float64
	for i, d := range plan {
		weights[i] = d.Weight
		total += d.Weight
	}
	if total == 0 {
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(plan))
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	var done float64
	for i := 0; i < idx && i < len(plan); i++ {
		done += weights[i]
	}
	if idx < len(plan) {
		done += weights[idx] * fraction
	}
	pct := done / total * 100
	return math.Round(pct*10) / 10
}
