// Package state implements the runtime's external interface (spec
// §6): the StateRef a Lua, Wenyan or Java-class-loading front-end
// holds, and the handful of entry points it calls through --
// new_state, create, alloc/alloc_unsized. The spec §6
// MemoryInstructionSet bundle itself lives in internal/bytecode
// (catalog entries) and internal/interp (handler bodies), threaded
// automatically into every Engine; StateRef.FFI is a separate,
// optional capability table (internal/ffihost.ForeignCapabilitySet)
// for host-level SQL/WebSocket calls, not that bundle.
package state

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"polyvm/internal/bytecode"
	"polyvm/internal/errs"
	"polyvm/internal/ffihost"
	"polyvm/internal/heap"
	"polyvm/internal/interp"
	"polyvm/internal/jit"
	"polyvm/internal/object"
	"polyvm/internal/types"
)

// EngineKind selects which execution engine Create compiles a
// FunctionPack with (spec §4.5's "two engines share a single
// surface").
type EngineKind int

const (
	EngineInterpreted EngineKind = iota
	EngineJIT
)

// ResourceRef is the handle a front-end keeps for a compiled function:
// an Object carrying the callable entry, an identity, and a dead flag
// that GetObject checks. It does not track whether its function was
// defined before.
type ResourceRef struct {
	mu     sync.Mutex
	id     uuid.UUID
	kind   EngineKind
	object *object.Object
	dead   bool
}

func (r *ResourceRef) ID() uuid.UUID { return r.id }

// GetObject returns the entry-bearing Object, per spec §6.
func (r *ResourceRef) GetObject() (*object.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return nil, errs.NewResourceError(errs.Dead, "resource")
	}
	return r.object, nil
}

// StateRef is the front-end-facing runtime handle: an empty string
// intern table, an empty global shape, and an empty string meta-table
// at creation (spec §6 "new_state"), plus the shared heap, type
// registry, execution engines and FFI bundle every compiled function
// is wired against.
type StateRef struct {
	mu sync.Mutex

	interned   []string
	internIdx  map[string]int
	globals    map[string]*types.TypeResource
	stringMeta map[string]interface{}

	Heap     *heap.GlobalHeap
	Types    *types.Registry
	FFI      *ffihost.ForeignCapabilitySet
	interp   *interp.Engine
	jitMod   *jit.Compiler

	resources map[uuid.UUID]*ResourceRef
}

// NewState is new_state() from spec §6.
func NewState(set *bytecode.InstructionSet) (*StateRef, error) {
	h, err := heap.NewGlobalHeap()
	if err != nil {
		return nil, errors.Wrap(err, "state: new_state")
	}
	engine := interp.NewEngine(set)
	s := &StateRef{
		internIdx:  make(map[string]int),
		globals:    make(map[string]*types.TypeResource),
		stringMeta: make(map[string]interface{}),
		Heap:       h,
		Types:      types.NewRegistry(),
		FFI:        ffihost.NewForeignCapabilitySet(),
		interp:     engine,
		jitMod:     jit.NewCompiler(engine, engine.Module),
		resources:  make(map[uuid.UUID]*ResourceRef),
	}
	return s, nil
}

// Intern returns str's interned index, assigning a fresh one on first
// use (the "empty string intern table" new_state starts from).
func (s *StateRef) Intern(str string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.internIdx[str]; ok {
		return idx
	}
	idx := len(s.interned)
	s.interned = append(s.interned, str)
	s.internIdx[str] = idx
	return idx
}

func (s *StateRef) InternedString(idx int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.interned) {
		return "", false
	}
	return s.interned[idx], true
}

// DefineGlobal adds name to the global shape; the shape starts empty
// per new_state and grows only through this call.
func (s *StateRef) DefineGlobal(name string, t *types.TypeResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals[name] = t
}

func (s *StateRef) Global(name string) (*types.TypeResource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.globals[name]
	return t, ok
}

// SetStringMeta installs a string meta-table entry; empty at
// new_state, populated lazily by a front-end's string library.
func (s *StateRef) SetStringMeta(key string, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stringMeta[key] = v
}

func (s *StateRef) StringMeta(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.stringMeta[key]
	return v, ok
}

// Create compiles pack with the requested engine and returns a
// ResourceRef wrapping the entry-bearing Object (spec §6 "create").
// Every call compiles pack afresh and returns a new ResourceRef with a
// new ID; a second Create of the same pack is not detected or rejected.
func (s *StateRef) Create(pack *bytecode.FunctionPack, kind EngineKind) (*ResourceRef, error) {
	var obj *object.Object
	var err error

	switch kind {
	case EngineInterpreted:
		obj, err = s.interp.Bind(pack)
	case EngineJIT:
		name := "jit_fn_" + uuid.New().String()
		fn, cerr := s.jitMod.Compile(pack, sanitizeSymbol(name))
		if cerr != nil {
			return nil, cerr
		}
		obj, err = jit.Bind(fn.Name())
	default:
		return nil, errs.NewResourceError(errs.Unsupported, "unknown engine kind")
	}
	if err != nil {
		return nil, err
	}

	ref := &ResourceRef{id: uuid.New(), kind: kind, object: obj}
	s.mu.Lock()
	s.resources[ref.id] = ref
	s.mu.Unlock()
	return ref, nil
}

// sanitizeSymbol replaces characters an LLVM identifier can't carry
// unquoted (uuid.String's hyphens) with underscores, mirroring
// internal/interp.sanitize for the same reason: stable, readable
// per-binding function names.
func sanitizeSymbol(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// Alloc is alloc(TypeResource) -> NonNull<u8> from spec §6.
func (s *StateRef) Alloc(r *types.TypeResource) (uintptr, error) {
	return s.Heap.Alloc(r)
}

// AllocUnsized is alloc_unsized(TypeResource, len) -> NonNull<u8>.
func (s *StateRef) AllocUnsized(r *types.TypeResource, length int) (uintptr, error) {
	return s.Heap.AllocUnsized(r, length)
}
