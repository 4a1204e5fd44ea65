package bytecode

import (
	"testing"

	"polyvm/internal/types"
)

func testSet() *InstructionSet {
	return NewInstructionSet(
		InstructionType{Name: "ADD", Operands: []Operand{{Name: "dst", Output: true}, {Name: "a", Input: true}, {Name: "b", Input: true}}},
		InstructionType{Name: "JMP", Generics: []Generic{{Name: "target", Kind: GenericBasicBlock}}},
		InstructionType{Name: "RET", Operands: []Operand{{Name: "v", Input: true}}},
	)
}

func TestOpcodeWidth(t *testing.T) {
	// testSet's own 3 entries sit behind the 8 builtin memory opcodes,
	// for 11 entries total; still one byte wide.
	if w := testSet().OpcodeWidth(); w != 1 {
		t.Fatalf("opcode width = %d, want 1 for an 11-entry catalog", w)
	}
	big := make([]InstructionType, 300)
	s := NewInstructionSet(big...)
	if w := s.OpcodeWidth(); w != 2 {
		t.Fatalf("opcode width = %d, want 2 for a 308-entry catalog", w)
	}
}

func TestFunctionBuilderTwoBlockBranch(t *testing.T) {
	set := testSet()
	ft := &types.FunctionType{ReturnType: types.Int(types.WidthI64)}
	fb := NewFunctionBuilder(set, ft)

	block0 := fb.NewBlock()
	block1 := fb.NewBlock()

	if err := block0.EmitOpcode(MemoryInstructionCount + 1); err != nil { // JMP
		t.Fatal(err)
	}
	jmpSite := block0.PushBlockOffset(block1)

	if err := block1.EmitOpcode(MemoryInstructionCount + 2); err != nil { // RET
		t.Fatal(err)
	}
	block1.EmitRegister(0)

	pack, err := fb.Build()
	if err != nil {
		t.Fatal(err)
	}
	if pack.ByteCode.Len() == 0 {
		t.Fatal("expected non-empty packed bytecode")
	}
	_ = jmpSite
}

func TestFunctionBuilderReflexiveBranch(t *testing.T) {
	set := testSet()
	fb := NewFunctionBuilder(set, &types.FunctionType{})
	block0 := fb.NewBlock()
	if err := block0.EmitOpcode(MemoryInstructionCount + 1); err != nil { // JMP
		t.Fatal(err)
	}
	block0.PushBlockOffset(block0) // self-loop
	if _, err := fb.Build(); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterPools(t *testing.T) {
	buddy := NewBuddyRegisterPool()
	a, err := buddy.Alloc(3) // rounds up to a window of 4
	if err != nil {
		t.Fatal(err)
	}
	b, err := buddy.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	if b != a+4 {
		t.Fatalf("second alloc = %d, want %d (after a 4-wide window)", b, a+4)
	}
	buddy.Free(a, 3)
	c, err := buddy.Alloc(2)
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Fatalf("freed window should be reused, got %d want %d", c, a)
	}
}

func TestLinearRegisterPool(t *testing.T) {
	p := NewLinearRegisterPool(1)
	a, _ := p.Alloc()
	bReg, _ := p.Alloc()
	if bReg != a+1 {
		t.Fatalf("expected sequential slots, got %d then %d", a, bReg)
	}
	p.Free(a)
	c, _ := p.Alloc()
	if c != a {
		t.Fatalf("expected freed slot %d to be reused, got %d", a, c)
	}
}

func TestVariableFreePanicsOnUncheckedDrop(t *testing.T) {
	var freedReg uint16 = 255
	v := newVariable(7, types.Define("t"), func(r uint16) { freedReg = r })
	v.Free()
	if freedReg != 7 {
		t.Fatalf("free callback did not observe register 7")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected checkDropped to panic on a still-live variable")
		}
	}()
	live := newVariable(8, types.Define("t"), nil)
	live.checkDropped()
}
