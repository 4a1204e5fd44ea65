package object

// Merge absorbs b into a following the protocol in spec §4.1: a's
// buffer, symbols and relocations are extended with b's (offset- and
// index-shifted), every edge that crossed the a/b boundary collapses
// to a reflexive edge inside a, and any edge still pointing at a third,
// unmerged builder is left untouched. After Merge, b must not be used
// again; a alone is a valid builder whose semantics are the
// concatenation of the two.
func Merge(a, b *ObjectBuilder) {
	a.Align(b.align)
	O := len(a.buf)
	a.buf = append(a.buf, b.buf...)

	symOffset := len(a.syms)
	relOffset := len(a.relocs)

	for _, s := range b.syms {
		a.syms = append(a.syms, &builderSymbol{offset: s.offset + O, kind: s.kind, usage: append([]pendingUsage(nil), s.usage...)})
	}

	// Pre-existing edges in a's original symbols that depended on b
	// become reflexive, with the relocation index shifted to its new
	// home in a.relocs.
	for _, s := range a.syms[:symOffset] {
		for i, u := range s.usage {
			if u.builder == b {
				s.usage[i] = pendingUsage{builder: a, relocIdx: u.relocIdx + relOffset}
			}
		}
	}

	// Newly appended symbols (originally b's) carry b's usage edges.
	// Edges recorded by b itself (reflexive within b) move to a with the
	// relocation index shifted past a's own relocs; edges recorded by a
	// (a depended on b before the merge) already index a.relocs and are
	// kept as they are.
	for _, s := range a.syms[symOffset:] {
		for i, u := range s.usage {
			if u.builder == b {
				s.usage[i] = pendingUsage{builder: a, relocIdx: u.relocIdx + relOffset}
			}
		}
	}

	for _, r := range b.relocs {
		nr := builderReloc{reloc: Relocation{Offset: r.reloc.Offset + O, Kind: r.reloc.Kind}}
		switch r.imp.kind {
		case importObject:
			nr.imp = r.imp
		case importReflexive:
			nr.imp = pendingImport{kind: importReflexive, builder: a, symIdx: symOffset + r.imp.symIdx}
		case importBuilder:
			if r.imp.builder == a {
				nr.imp = pendingImport{kind: importReflexive, builder: a, symIdx: r.imp.symIdx}
			} else {
				nr.imp = r.imp // still points at an unrelated, unmerged builder
			}
		}
		a.relocs = append(a.relocs, nr)
	}

	for i := range a.relocs[:relOffset] {
		r := &a.relocs[i]
		if r.imp.kind == importBuilder && r.imp.builder == b {
			r.imp = pendingImport{kind: importReflexive, builder: a, symIdx: symOffset + r.imp.symIdx}
		}
	}
}
