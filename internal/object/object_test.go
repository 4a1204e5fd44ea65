package object

import "testing"

// TestReflexiveRelocation builds two blocks in one builder and emits a
// branch from block 0 to block 1 as an I32Relative reflexive
// relocation, matching spec §8 scenario 2.
func TestReflexiveRelocation(t *testing.T) {
	b := NewObjectBuilder()

	block0 := b.PushSlice([]byte{0xAA}) // fake opcode byte
	branchSite := b.Len()
	block1Sym := b.AddSymbol(0, SymbolPtr) // placeholder offset, fixed below
	b.PushImport(b, I32Relative, block1Sym)

	block1 := b.Len()
	b.syms[block1Sym].offset = block1
	b.PushSlice([]byte{0xBB})

	obj, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	buf := obj.Bytes()
	got := int32(uint32(buf[branchSite]) | uint32(buf[branchSite+1])<<8 | uint32(buf[branchSite+2])<<16 | uint32(buf[branchSite+3])<<24)
	want := int32(block1 - (branchSite + 4))
	if got != want {
		t.Fatalf("branch offset = %d, want %d (block0 at %d)", got, want, block0)
	}
}

// TestMergePreservesEdges builds A with an import from B's symbol 0,
// merges B into A, and checks the patched relative offset equals
// sym0's final position minus the import site, per spec §8 scenario 3.
func TestMergePreservesEdges(t *testing.T) {
	a := NewObjectBuilder()
	b := NewObjectBuilder()

	b.PushSlice([]byte{0, 0, 0, 0}) // padding so sym0 isn't at offset 0
	sym0 := b.AddSymbol(4, SymbolPtr)
	b.PushSlice([]byte{0xCC})

	a.PushSlice([]byte{0x11, 0x22})
	importSite := a.Len()
	a.PushImport(b, I32Relative, sym0)

	Merge(a, b)

	obj, err := a.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	buf := obj.Bytes()
	got := int32(uint32(buf[importSite]) | uint32(buf[importSite+1])<<8 | uint32(buf[importSite+2])<<16 | uint32(buf[importSite+3])<<24)

	// After merge, B's bytes land right after A's 2 bytes and its 4-byte
	// import slot, so sym0 (originally at offset 4 inside B) now sits at
	// 2+4+4=10; the I32Relative value is measured from the import site.
	wantTarget := importSite + 4 + 4
	want := int32(wantTarget - importSite)
	if got != want {
		t.Fatalf("patched offset = %d, want %d", got, want)
	}
}

func TestBuildWithUnresolvedBuilderImportFails(t *testing.T) {
	a := NewObjectBuilder()
	other := NewObjectBuilder()
	sym := other.AddSymbol(0, SymbolPtr)
	a.PushImport(other, I32Relative, sym)

	if _, err := a.Build(); err == nil {
		t.Fatal("expected error building with an unresolved Builder import")
	}
}

func TestReplaceRejectsPinnedObject(t *testing.T) {
	b := NewObjectBuilder()
	b.PushSlice([]byte{1, 2, 3})
	obj, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	obj.Pin()

	if err := obj.Replace([]byte{9, 9, 9}, nil, nil); err == nil {
		t.Fatal("expected replace on pinned object to fail")
	}
}
