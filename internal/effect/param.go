package effect

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Parameter is one automatable value. Reads and writes are lock free so the
// render goroutine can read while a control writes.
type Parameter struct {
	ID      string
	Name    string
	Min     float64
	Max     float64
	Default float64

	bits atomic.Uint64
}

// NewParameter creates a parameter initialised to def.
func NewParameter(id, name string, min, max, def float64) *Parameter {
	p := &Parameter{ID: id, Name: name, Min: min, Max: max, Default: def}
	p.Set(def)
	return p
}

// Value returns the current value.
func (p *Parameter) Value() float64 {
	return math.Float64frombits(p.bits.Load())
}

// Set clamps v into [Min, Max], stores it and returns the stored value.
func (p *Parameter) Set(v float64) float64 {
	if math.IsNaN(v) {
		v = p.Default
	}
	v = math.Max(p.Min, math.Min(p.Max, v))
	p.bits.Store(math.Float64bits(v))
	return v
}

// ParameterTree is the ordered set of a unit's parameters.
type ParameterTree struct {
	order []*Parameter
	byID  map[string]*Parameter
}

// NewParameterTree builds a tree from params in display order.
func NewParameterTree(params ...*Parameter) *ParameterTree {
	t := &ParameterTree{byID: make(map[string]*Parameter, len(params))}
	for _, p := range params {
		t.order = append(t.order, p)
		t.byID[p.ID] = p
	}
	return t
}

// Value looks a parameter up by ID.
func (t *ParameterTree) Value(id string) (*Parameter, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// Set writes a parameter by ID and returns the clamped value.
func (t *ParameterTree) Set(id string, v float64) (float64, error) {
	p, ok := t.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParameter, id)
	}
	return p.Set(v), nil
}

// All returns the parameters in display order.
func (t *ParameterTree) All() []*Parameter {
	return append([]*Parameter(nil), t.order...)
}
