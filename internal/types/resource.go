package types

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"polyvm/internal/errs"
)

// AllocationStrategy selects which heap tier a TypeResource's objects
// live in (spec §4.3).
type AllocationStrategy int32

const (
	StrategyUnknown AllocationStrategy = iota
	StrategySmall
	StrategySmallUnsized
	StrategyLarge
)

// ResourceState is TypeResource's lifecycle (spec §3.3).
type ResourceState int32

const (
	StateDefined ResourceState = iota
	StateReady
)

// HeapPageSize must match internal/heap's constant; duplicated here
// (rather than imported) to avoid a dependency cycle between the type
// registry and the heap that allocates instances of its types.
const HeapPageSize = 1 << 16 // 64 KiB, matches internal/heap.PageSize

// TypeResource is the lazily-initialized, interning wrapper around a
// Type plus its computed TypeLayout: assign/reference edges to other
// resources, a process-wide heap pool handle (opaque to this
// package -- internal/heap keys its pools by *TypeResource), and an
// atomically published AllocationStrategy.
type TypeResource struct {
	mu    sync.Mutex
	id    uuid.UUID
	name  string
	typ   *Type
	layout TypeLayout

	state    atomic.Int32
	strategy atomic.Int32

	assigns    []*TypeResource // types this resource's Type assigns into
	references []*TypeResource // types this resource's Type references
}

// Define creates a resource in the Defined state with no Type yet.
func Define(name string) *TypeResource {
	r := &TypeResource{id: uuid.New(), name: name}
	r.state.Store(int32(StateDefined))
	r.strategy.Store(int32(StrategyUnknown))
	return r
}

func (r *TypeResource) ID() uuid.UUID       { return r.id }
func (r *TypeResource) Name() string        { return r.name }
func (r *TypeResource) Layout() TypeLayout  { return r.layout }
func (r *TypeResource) State() ResourceState { return ResourceState(r.state.Load()) }
func (r *TypeResource) Strategy() AllocationStrategy {
	return AllocationStrategy(r.strategy.Load())
}
func (r *TypeResource) Type() *Type { return r.typ }

// Upload computes t's layout, chooses an allocation strategy, and
// records it on a still-Defined resource. Re-uploading an
// already-Ready resource is an error, not a silent overwrite (spec §7).
func (r *TypeResource) Upload(t *Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ResourceState(r.state.Load()) != StateDefined {
		return errs.NewResourceError(errs.Unsupported, r.name)
	}
	r.typ = t
	r.layout = t.GetLayout()
	r.strategy.Store(int32(chooseStrategy(r.layout)))
	return nil
}

func chooseStrategy(l TypeLayout) AllocationStrategy {
	switch {
	case l.Size > HeapPageSize/8:
		return StrategyLarge
	case l.FlexibleSize > 0:
		return StrategySmallUnsized
	default:
		return StrategySmall
	}
}

// ToReadyState walks t's reference graph, asserting every
// Type.Reference resolves to a Ready resource, records the referenced
// resources (no assign edges are recorded), and transitions to Ready. Safe to call
// again once already Ready (idempotent, per spec §7).
func (r *TypeResource) ToReadyState() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ResourceState(r.state.Load()) == StateReady {
		return nil
	}
	if r.typ == nil {
		return errs.NewResourceError(errs.NotInitialized, r.name)
	}
	refs, err := collectReferences(r.typ)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.State() != StateReady {
			return errs.NewResourceError(errs.NotLoaded, ref.name)
		}
	}
	r.references = refs
	r.state.Store(int32(StateReady))
	return nil
}

func collectReferences(t *Type) ([]*TypeResource, error) {
	var out []*TypeResource
	var walk func(t *Type)
	walk = func(t *Type) {
		if t == nil {
			return
		}
		switch t.Kind {
		case KindReference, KindEmbed:
			if t.Ref != nil {
				out = append(out, t.Ref)
			}
		case KindPointer, KindArray:
			walk(t.Elem)
		case KindTuple:
			if t.Tuple.Kind == TupleNormal {
				for _, f := range t.Tuple.Fields {
					walk(f)
				}
			} else {
				for _, f := range t.Tuple.Compose {
					walk(f.Type)
				}
			}
		case KindEnum:
			for _, v := range t.Enum.Variants {
				walk(v)
			}
		case KindUnion:
			for _, v := range t.Union {
				walk(v)
			}
		case KindMetaData:
			for _, e := range t.MetaData {
				if e.Resource != nil {
					out = append(out, e.Resource)
				}
			}
		case KindConst:
			walk(t.ConstType)
		}
	}
	walk(t)
	return out, nil
}

// Registry is the memory singleton's process-wide type set (spec
// §3.3: "object registered in the memory singleton's type set").
type Registry struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*TypeResource
	named map[string]*TypeResource
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[uuid.UUID]*TypeResource), named: make(map[string]*TypeResource)}
}

func (reg *Registry) Register(r *TypeResource) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byID[r.id] = r
	if r.name != "" {
		reg.named[r.name] = r
	}
}

func (reg *Registry) Lookup(name string) (*TypeResource, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.named[name]
	return r, ok
}

func (reg *Registry) All() []*TypeResource {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*TypeResource, 0, len(reg.byID))
	for _, r := range reg.byID {
		out = append(out, r)
	}
	return out
}
