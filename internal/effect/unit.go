package effect

import (
	"sync"
	"sync/atomic"

	"github.com/satindergrewal/loophost/internal/audio"
)

// Unit is an instantiated processing unit owned by the graph's effect slot.
//
// Process is called only from the render goroutine. The other methods may be
// called from any goroutine.
type Unit interface {
	Descriptor() Descriptor
	Name() string

	// PreferredFormat is the format the unit wants on both of its edges.
	PreferredFormat() audio.Format

	// Parameters returns the unit's parameter tree.
	Parameters() *ParameterTree

	// Process renders one block. buf is in PreferredFormat and may be
	// modified in place.
	Process(buf audio.Buffer) audio.Buffer

	// SetContextName tells the unit which host it is running in.
	SetContextName(name string)

	// Detach releases everything the unit owns. It is called once, after
	// the unit has been disconnected from the graph.
	Detach()
}

// Base implements the bookkeeping parts of Unit. Concrete units embed it
// and add Process.
type Base struct {
	desc   Descriptor
	name   string
	format audio.Format
	params *ParameterTree

	mu          sync.Mutex
	contextName string
	detached    atomic.Bool
	onDetach    func()
}

// NewBase creates the shared part of a unit.
func NewBase(desc Descriptor, name string, format audio.Format, params *ParameterTree) *Base {
	if params == nil {
		params = NewParameterTree()
	}
	return &Base{desc: desc, name: name, format: format, params: params}
}

func (b *Base) Descriptor() Descriptor { return b.desc }
func (b *Base) Name() string { return b.name }
func (b *Base) PreferredFormat() audio.Format { return b.format }
func (b *Base) Parameters() *ParameterTree { return b.params }

// SetContextName records the host context name.
func (b *Base) SetContextName(name string) {
	b.mu.Lock()
	b.contextName = name
	b.mu.Unlock()
}

// ContextName returns the name set by the host.
func (b *Base) ContextName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contextName
}

// OnDetach registers a release hook run by the first Detach.
func (b *Base) OnDetach(fn func()) {
	b.mu.Lock()
	b.onDetach = fn
	b.mu.Unlock()
}

// Detach marks the unit released. Repeated calls are no-ops.
func (b *Base) Detach() {
	if !b.detached.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	fn := b.onDetach
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Detached reports whether Detach has run.
func (b *Base) Detached() bool { return b.detached.Load() }
