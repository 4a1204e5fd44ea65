package object

import (
	"encoding/binary"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"polyvm/internal/errs"
)

// importKind distinguishes the three places a pending relocation can
// resolve against while still in builder form.
type importKind int

const (
	importObject importKind = iota // frozen Object, ready to resolve now
	importBuilder                   // another ObjectBuilder, staged; must be merged before Build
	importReflexive                  // this builder itself
)

type pendingImport struct {
	kind    importKind
	object  *Object
	builder *ObjectBuilder
	symIdx  int
}

type builderSymbol struct {
	offset int
	kind   SymbolKind
	usage  []pendingUsage
}

// pendingUsage records, pre-build, which relocation (identified by
// builder + index) depends on a builderSymbol. Builder usage carries a
// Builder|Reflexive distinction per spec §4.1.
type pendingUsage struct {
	builder  *ObjectBuilder
	relocIdx int
}

type builderReloc struct {
	reloc Relocation
	imp   pendingImport
}

// ObjectBuilder is the pre-freeze form of Object: a monotonic
// byte-level writer that accumulates symbols and relocations before
// Build freezes them into an Object.
type ObjectBuilder struct {
	id      uuid.UUID
	buf     []byte
	align   int
	syms    []*builderSymbol
	relocs  []builderReloc
}

// NewObjectBuilder returns an empty builder.
func NewObjectBuilder() *ObjectBuilder {
	return &ObjectBuilder{id: uuid.New(), align: 1}
}

// Len returns the current write offset (the offset the next Push
// would land at).
func (b *ObjectBuilder) Len() int { return len(b.buf) }

// Align bumps the builder's declared alignment and pads the buffer to
// the next multiple of n. Align never shrinks the declared alignment.
func (b *ObjectBuilder) Align(n int) {
	if n > b.align {
		b.align = n
	}
	for len(b.buf)%n != 0 {
		b.buf = append(b.buf, 0)
	}
}

// PushSlice appends raw bytes and returns the offset they were
// written at.
func (b *ObjectBuilder) PushSlice(data []byte) int {
	off := len(b.buf)
	b.buf = append(b.buf, data...)
	return off
}

// Push appends the little-endian bytes of an integer-like value v (of
// static size n bytes) and returns the write offset. Used by
// instruction encoding (internal/bytecode) for register/constant
// fields; value is masked to n bytes.
func (b *ObjectBuilder) Push(v uint64, n int) int {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return b.PushSlice(buf)
}

// PushU16 is a convenience wrapper used heavily by the register-based
// instruction encoder (operands are always u16, spec §4.4).
func (b *ObjectBuilder) PushU16(v uint16) int {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return b.PushSlice(buf)
}

// Receive reserves n zeroed bytes for later in-place patching and
// returns their offset.
func (b *ObjectBuilder) Receive(n int) int {
	off := len(b.buf)
	b.buf = append(b.buf, make([]byte, n)...)
	return off
}

// AddSymbol registers a new exported symbol at offset/kind and returns
// its index.
func (b *ObjectBuilder) AddSymbol(offset int, kind SymbolKind) int {
	b.syms = append(b.syms, &builderSymbol{offset: offset, kind: kind})
	return len(b.syms) - 1
}

// relocationWidth returns the slot size a relocation kind occupies,
// used by PushImport to size the reserved cell (spec: "reserves a slot
// sized per kind (1/4/word)").
func relocationWidth(kind RelocationKind) int {
	switch kind {
	case I8Relative:
		return 1
	case I32Relative:
		return 4
	case UsizePtrAbsolute:
		return int(unsafe.Sizeof(uintptr(0)))
	default:
		return 0
	}
}

// PushImport reserves a relocation-sized slot, records a pending
// relocation of kind against (source, symbolIndex), and returns the
// write offset of the reserved slot. source == nil means "this
// builder itself" (reflexive).
func (b *ObjectBuilder) PushImport(source interface{}, kind RelocationKind, symbolIndex int) int {
	off := b.Receive(relocationWidth(kind))
	imp := b.resolveImport(source, symbolIndex)
	b.relocs = append(b.relocs, builderReloc{reloc: Relocation{Offset: off, Kind: kind}, imp: imp})

	switch imp.kind {
	case importObject:
		imp.object.mu.Lock()
		imp.object.syms[symbolIndex].usage = append(imp.object.syms[symbolIndex].usage, usageEdge{})
		imp.object.mu.Unlock()
	case importBuilder:
		sym := imp.builder.syms[symbolIndex]
		sym.usage = append(sym.usage, pendingUsage{builder: b, relocIdx: len(b.relocs) - 1})
	case importReflexive:
		sym := b.syms[symbolIndex]
		sym.usage = append(sym.usage, pendingUsage{builder: b, relocIdx: len(b.relocs) - 1})
	}
	return off
}

func (b *ObjectBuilder) resolveImport(source interface{}, symbolIndex int) pendingImport {
	switch s := source.(type) {
	case nil:
		return pendingImport{kind: importReflexive, builder: b, symIdx: symbolIndex}
	case *Object:
		return pendingImport{kind: importObject, object: s, symIdx: symbolIndex}
	case *ObjectBuilder:
		if s == b {
			return pendingImport{kind: importReflexive, builder: b, symIdx: symbolIndex}
		}
		return pendingImport{kind: importBuilder, builder: s, symIdx: symbolIndex}
	default:
		panic("object: PushImport source must be nil, *Object or *ObjectBuilder")
	}
}

// Build freezes the builder into an Object. Every relocation must
// resolve against an Object or be reflexive; a relocation still
// pointing at a foreign, unmerged Builder is a fatal "cannot build
// object with unresolved Builder import" error (spec §4.1).
func (b *ObjectBuilder) Build() (*Object, error) {
	obj := &Object{id: b.id, buf: append([]byte(nil), b.buf...)}
	obj.syms = make([]*Symbol, len(b.syms))
	for i, s := range b.syms {
		obj.syms[i] = &Symbol{Offset: s.offset, Kind: s.kind}
	}
	obj.relocs = make([]relocEntry, len(b.relocs))
	for i, r := range b.relocs {
		var imp ObjectImport
		switch r.imp.kind {
		case importObject:
			imp = ObjectImport{Source: r.imp.object, SymbolIndex: r.imp.symIdx}
		case importReflexive:
			imp = ObjectImport{Source: nil, SymbolIndex: r.imp.symIdx}
		case importBuilder:
			return nil, errs.NewLinkError("object: cannot build object with unresolved Builder import (reloc %d)", i)
		}
		obj.relocs[i] = relocEntry{reloc: r.reloc, imp: imp}
	}

	for i, entry := range obj.relocs {
		if err := obj.addExport(i, entry.imp.Source, entry.imp.SymbolIndex); err != nil {
			return nil, errors.Wrapf(err, "object: build: relocation %d", i)
		}
	}
	return obj, nil
}
