package jit

import (
	"testing"

	"polyvm/internal/bytecode"
	"polyvm/internal/interp"
	"polyvm/internal/types"
)

// TestCompileRoutesUnreachableJumpToErrorBlock exercises the
// out-of-range jump guard in compileBlock: a registered jump target
// past the end of the function's own bytecode must land on the
// "jit_invalid_offset" trap block rather than being treated as a real
// block entry (spec §8, "JIT with unreachable successor offsets routes
// to the error block, not arbitrary code").
func TestCompileRoutesUnreachableJumpToErrorBlock(t *testing.T) {
	set := bytecode.NewInstructionSet(bytecode.InstructionType{Name: "jmp"})
	jmpOp := bytecode.MemoryInstructionCount // first front-end-declared opcode

	RegisterJump(jmpOp, func(code []byte, pos int) int {
		return len(code) + 1000 // always out of range
	})
	defer delete(jumpOpcodes, jmpOp)

	ft := &types.FunctionType{Dispatch: "polyvm_cc", ReturnType: types.Int(types.WidthI64)}
	fb := bytecode.NewFunctionBuilder(set, ft)
	block := fb.NewBlock()
	if err := block.EmitOpcode(jmpOp); err != nil {
		t.Fatal(err)
	}
	fb.SetRegisterCount(1)
	pack, err := fb.Build()
	if err != nil {
		t.Fatal(err)
	}

	engine := interp.NewEngine(set)
	c := NewCompiler(engine, engine.Module)
	fn, err := c.Compile(pack, "f")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	found := false
	for _, b := range fn.Blocks {
		if b.Name() == "jit_invalid_offset" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a jit_invalid_offset block for the out-of-range jump target")
	}
}

// TestCompileValidJumpDoesNotTrap checks the converse: a jump target
// inside the function's own bytecode reaches an ordinary block and
// never routes to the trap.
func TestCompileValidJumpDoesNotTrap(t *testing.T) {
	set := bytecode.NewInstructionSet(
		bytecode.InstructionType{Name: "jmp"},
		bytecode.InstructionType{Name: "ret"},
	)
	jmpOp := bytecode.MemoryInstructionCount
	retOp := bytecode.MemoryInstructionCount + 1

	RegisterTerminator(retOp)
	RegisterJump(jmpOp, func(code []byte, pos int) int {
		return pos // the very next byte: the ret opcode below
	})
	defer delete(jumpOpcodes, jmpOp)
	defer delete(terminatorOpcodes, retOp)

	ft := &types.FunctionType{Dispatch: "polyvm_cc", ReturnType: types.Int(types.WidthI64)}
	fb := bytecode.NewFunctionBuilder(set, ft)
	block := fb.NewBlock()
	if err := block.EmitOpcode(jmpOp); err != nil {
		t.Fatal(err)
	}
	if err := block.EmitOpcode(retOp); err != nil {
		t.Fatal(err)
	}
	fb.SetRegisterCount(1)
	pack, err := fb.Build()
	if err != nil {
		t.Fatal(err)
	}

	engine := interp.NewEngine(set)
	c := NewCompiler(engine, engine.Module)
	fn, err := c.Compile(pack, "g")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	for _, b := range fn.Blocks {
		if b.Name() == "jit_invalid_offset" {
			t.Fatal("valid in-range jump must not route to the error block")
		}
	}
}
