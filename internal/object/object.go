// Package object implements the L1 linkable binary artifact: a
// mutable byte buffer with exported symbols and cross-object
// relocations (spec §4.1). Objects are reference-counted and
// internally mutex-guarded so concurrent readers serialize through a
// single per-object lock, matching the "Object is Arc<Mutex<..>>"
// concurrency note in spec §5.
package object

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"polyvm/internal/errs"
)

// SymbolKind distinguishes an in-buffer location from a word-sized
// cell holding an out-of-buffer address.
type SymbolKind int

const (
	SymbolPtr SymbolKind = iota
	SymbolValue
)

// usageEdge is a weak back-pointer: "object src, at relocation index
// relocIdx, depends on this symbol". Entries referencing a dropped
// exporter are left stale and ignored on upgrade failure (spec §9).
type usageEdge struct {
	src      *Object
	relocIdx int
}

// Symbol names a location inside an Object's buffer.
type Symbol struct {
	Offset int
	Kind   SymbolKind
	usage  []usageEdge
}

// RelocationKind enumerates the fix-up encodings the linker supports.
type RelocationKind int

const (
	I8Relative RelocationKind = iota
	I32Relative
	UsizePtrAbsolute
)

// Relocation is a pending (or applied) fix-up at Offset inside some
// object's buffer.
type Relocation struct {
	Offset int
	Kind   RelocationKind
}

// ObjectImport names what a Relocation resolves against. Source is nil
// for a self (reflexive) import.
type ObjectImport struct {
	Source      *Object
	SymbolIndex int
}

type relocEntry struct {
	reloc  Relocation
	imp    ObjectImport
}

// Object is the frozen, linkable form. Create one via
// ObjectBuilder.Build.
type Object struct {
	mu   sync.Mutex
	id   uuid.UUID
	buf  []byte
	syms []*Symbol
	relocs []relocEntry
	pin  bool
}

func (o *Object) ID() uuid.UUID { return o.id }

// Len returns the buffer length.
func (o *Object) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf)
}

// Bytes returns a copy of the live buffer contents, safe to read
// without racing a concurrent Replace.
func (o *Object) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]byte, len(o.buf))
	copy(out, o.buf)
	return out
}

// Pin forbids further Replace calls.
func (o *Object) Pin() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pin = true
}

func (o *Object) IsPinned() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pin
}

// SymbolCount reports the number of exported symbols.
func (o *Object) SymbolCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.syms)
}

// symbolAddr returns the host address a symbol resolves to: for a Ptr
// symbol that's &buf[offset]; for a Value symbol it's the usize stored
// at that offset (the cell holds an out-of-buffer address, spec's
// invariant on Symbol).
func (o *Object) symbolAddr(idx int) (uintptr, error) {
	if idx < 0 || idx >= len(o.syms) {
		return 0, errors.Errorf("object: symbol index %d out of range (len=%d)", idx, len(o.syms))
	}
	sym := o.syms[idx]
	if sym.Offset < 0 || sym.Offset+8 > len(o.buf) && sym.Kind == SymbolValue {
		return 0, errors.Errorf("object: symbol %d offset %d out of buffer (len=%d)", idx, sym.Offset, len(o.buf))
	}
	base := bufAddr(o.buf)
	switch sym.Kind {
	case SymbolPtr:
		return base + uintptr(sym.Offset), nil
	case SymbolValue:
		return readUsize(o.buf, sym.Offset), nil
	default:
		return 0, errors.Errorf("object: unknown symbol kind %d", sym.Kind)
	}
}

// GetExportPtr resolves symbol idx to its current host address. Per
// spec §5, a concurrent caller may observe either side of an in-flight
// Replace but never a torn write smaller than a relocation word.
func (o *Object) GetExportPtr(idx int) (uintptr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.symbolAddr(idx)
}

func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func readUsize(buf []byte, offset int) uintptr {
	var v uintptr
	for i := 0; i < int(unsafe.Sizeof(v)); i++ {
		v |= uintptr(buf[offset+i]) << (8 * i)
	}
	return v
}

func writeUsize(buf []byte, offset int, v uintptr) {
	for i := 0; i < int(unsafe.Sizeof(v)); i++ {
		buf[offset+i] = byte(v >> (8 * i))
	}
}

// relocate applies reloc at its Offset inside buf, targeting absolute
// host address target. Range violations are contract violations (a
// builder bug) and panic, per spec §7's "contract violations...are
// panics" policy.
func relocate(buf []byte, reloc Relocation, target uintptr) {
	site := bufAddr(buf) + uintptr(reloc.Offset)
	switch reloc.Kind {
	case I8Relative:
		delta := int64(target) - int64(site)
		if delta < -128 || delta > 127 {
			panic(fmt.Sprintf("object: I8Relative relocation at offset %d out of range: %d", reloc.Offset, delta))
		}
		buf[reloc.Offset] = byte(int8(delta))
	case I32Relative:
		delta := int64(target) - int64(site)
		if delta < -(1<<31) || delta > (1<<31)-1 {
			panic(fmt.Sprintf("object: I32Relative relocation at offset %d out of range: %d", reloc.Offset, delta))
		}
		d := uint32(int32(delta))
		buf[reloc.Offset] = byte(d)
		buf[reloc.Offset+1] = byte(d >> 8)
		buf[reloc.Offset+2] = byte(d >> 16)
		buf[reloc.Offset+3] = byte(d >> 24)
	case UsizePtrAbsolute:
		writeUsize(buf, reloc.Offset, target)
	default:
		panic(fmt.Sprintf("object: unknown relocation kind %d", reloc.Kind))
	}
}

// addExport applies reloc against source's symbol symIdx (or against
// o itself when source == nil, the reflexive case) and records the
// back-edge in the exporter's Symbol.usage so a later Replace on the
// exporter can find and rewrite this site.
func (o *Object) addExport(relocIdx int, source *Object, symIdx int) error {
	entry := o.relocs[relocIdx]
	exporter := source
	if exporter == nil {
		exporter = o
	}
	exporter.mu.Lock()
	addr, err := exporter.symbolAddr(symIdx)
	if err != nil {
		exporter.mu.Unlock()
		return errors.Wrap(err, "object: addExport")
	}
	exporter.syms[symIdx].usage = append(exporter.syms[symIdx].usage, usageEdge{src: o, relocIdx: relocIdx})
	exporter.mu.Unlock()

	relocate(o.buf, entry.reloc, addr)
	_ = entry.imp
	return nil
}

// Replace atomically swaps the object's contents, re-runs every
// relocation against its (possibly moved) source, and propagates the
// new addresses to every recorded usage of the object's own symbols.
// Fails if the object is pinned.
func (o *Object) Replace(buf []byte, syms []*Symbol, relocs []relocEntry) error {
	o.mu.Lock()
	if o.pin {
		o.mu.Unlock()
		return errs.NewLinkError("object: pinned object cannot be replaced")
	}
	oldSyms := o.syms
	o.buf = buf
	o.syms = syms
	o.relocs = relocs
	o.mu.Unlock()

	for i, entry := range relocs {
		exporter := entry.imp.Source
		if exporter == nil {
			exporter = o
		}
		addr, err := exporter.GetExportPtr(entry.imp.SymbolIndex)
		if err != nil {
			return errors.Wrapf(err, "object: replace: relocation %d", i)
		}
		o.mu.Lock()
		relocate(o.buf, entry.reloc, addr)
		o.mu.Unlock()
		exporter.mu.Lock()
		exporter.syms[entry.imp.SymbolIndex].usage = append(exporter.syms[entry.imp.SymbolIndex].usage, usageEdge{src: o, relocIdx: i})
		exporter.mu.Unlock()
	}

	// Propagate: every site that used one of our OLD symbols must be
	// rewritten to point at the corresponding NEW symbol's address (by
	// index; a real front-end keeps indices stable across a rebuild).
	for idx, old := range oldSyms {
		if idx >= len(o.syms) {
			continue // old symbol has no successor; stale usage is left as-is
		}
		newAddr, err := o.GetExportPtr(idx)
		if err != nil {
			return errors.Wrapf(err, "object: replace: propagate symbol %d", idx)
		}
		for _, edge := range old.usage {
			dep := edge.src
			if dep == nil {
				continue
			}
			dep.mu.Lock()
			if edge.relocIdx >= 0 && edge.relocIdx < len(dep.relocs) {
				relocate(dep.buf, dep.relocs[edge.relocIdx].reloc, newAddr)
			}
			dep.mu.Unlock()
		}
	}
	return nil
}
