// Command polyvm is the external-collaborator stand-in for a real
// front-end (Lua, Wenyan, a Java class-file loader): it hand-assembles
// a tiny FunctionPack the way a compiler backend would, registers an
// i64 TypeResource, allocates one instance from the typed heap, and
// binds the packed function through both execution engines, printing
// each resulting Object's byte and symbol counts. It exercises the L0-L4
// construction and linking path end to end without depending on any
// concrete language front-end.
//
// It does not call the bound function. Both engines build LLVM IR in
// memory (github.com/llir/llvm has no in-process execution backend);
// actually running add_one(5) == 6 requires compiling and linking the
// emitted module with a native toolchain outside this process, which
// is why the bind symbols below are inspectable hashes rather than
// live addresses (see DESIGN.md, "Binding: what's real and what isn't").
package main

import (
	"fmt"
	"log"

	"polyvm/internal/bytecode"
	"polyvm/internal/state"
	"polyvm/internal/types"
)

// demoInstructionSet declares a minimal three-opcode catalog: load an
// immediate, add two registers, return. Real front-ends own a much
// larger catalog; this is just enough to exercise the packer and both
// engines.
func demoInstructionSet() *bytecode.InstructionSet {
	i64 := types.Int(types.WidthI64)
	return bytecode.NewInstructionSet(
		bytecode.InstructionType{
			Name: "load_const",
			Generics: []bytecode.Generic{
				{Name: "value", Kind: bytecode.GenericConstant, Type: i64},
			},
			Operands: []bytecode.Operand{{Name: "dst", Output: true, Type: i64}},
		},
		bytecode.InstructionType{
			Name: "add",
			Operands: []bytecode.Operand{
				{Name: "dst", Output: true, Type: i64},
				{Name: "lhs", Input: true, Type: i64},
				{Name: "rhs", Input: true, Type: i64},
			},
		},
		bytecode.InstructionType{
			Name:     "ret",
			Operands: []bytecode.Operand{{Name: "value", Input: true, Type: i64}},
		},
	)
}

// The three opcodes this demo declares sit behind the builtin memory
// bundle every InstructionSet carries (bytecode.MemoryInstructionCount
// entries: clone/drop/deref/alloc/alloc_unsized/free_gc/free_non_gc/
// memory_copy), so they start at that offset rather than at 0.
const (
	opLoadConst = bytecode.MemoryInstructionCount + 0
	opAdd       = bytecode.MemoryInstructionCount + 1
	opRet       = bytecode.MemoryInstructionCount + 2
)

// buildAddOne assembles a single-block function equivalent to
// fn(a) -> a + 1: load the constant 1 into r1, add r0+r1 into r0,
// return r0.
func buildAddOne(set *bytecode.InstructionSet) (*bytecode.FunctionPack, error) {
	i64 := types.Int(types.WidthI64)
	ft := &types.FunctionType{Dispatch: "polyvm_cc", ReturnType: i64, Args: []*types.Type{i64}}

	fb := bytecode.NewFunctionBuilder(set, ft)
	block := fb.NewBlock()

	if err := block.EmitOpcode(opLoadConst); err != nil {
		return nil, err
	}
	block.EmitRegister(1)
	block.EmitU64(1)

	if err := block.EmitOpcode(opAdd); err != nil {
		return nil, err
	}
	block.EmitRegister(0)
	block.EmitRegister(0)
	block.EmitRegister(1)

	if err := block.EmitOpcode(opRet); err != nil {
		return nil, err
	}
	block.EmitRegister(0)

	fb.SetRegisterCount(2)
	return fb.Build()
}

func run() error {
	set := demoInstructionSet()

	st, err := state.NewState(set)
	if err != nil {
		return fmt.Errorf("new_state: %w", err)
	}

	i64Resource := types.Define("i64")
	if err := i64Resource.Upload(types.Int(types.WidthI64)); err != nil {
		return fmt.Errorf("upload i64: %w", err)
	}
	if err := i64Resource.ToReadyState(); err != nil {
		return fmt.Errorf("ready i64: %w", err)
	}
	st.Types.Register(i64Resource)

	addr, err := st.Alloc(i64Resource)
	if err != nil {
		return fmt.Errorf("alloc i64: %w", err)
	}
	fmt.Printf("allocated i64 cell at 0x%x\n", addr)

	pack, err := buildAddOne(set)
	if err != nil {
		return fmt.Errorf("build add_one: %w", err)
	}
	fmt.Printf("packed add_one: %d bytes of bytecode, %d registers\n",
		len(pack.ByteCode.Bytes()), pack.RegisterCount)

	interpResource, err := st.Create(pack, state.EngineInterpreted)
	if err != nil {
		return fmt.Errorf("create (interpreted): %w", err)
	}
	interpObj, err := interpResource.GetObject()
	if err != nil {
		return fmt.Errorf("get_object (interpreted): %w", err)
	}
	fmt.Printf("interpreted binding (not executed -- see package doc): object with %d bytes, %d symbols\n",
		len(interpObj.Bytes()), interpObj.SymbolCount())

	jitResource, err := st.Create(pack, state.EngineJIT)
	if err != nil {
		return fmt.Errorf("create (jit): %w", err)
	}
	jitObj, err := jitResource.GetObject()
	if err != nil {
		return fmt.Errorf("get_object (jit): %w", err)
	}
	fmt.Printf("jit binding (not executed -- see package doc): object with %d bytes, %d symbols\n",
		len(jitObj.Bytes()), jitObj.SymbolCount())

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
