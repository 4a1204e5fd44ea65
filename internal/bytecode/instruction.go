// Package bytecode implements the L3 instruction catalog and bytecode
// packer (spec §4.4): the IR the execution engines consume and the
// machinery front-ends use to emit it. The wire format is adapted from
// the teacher's register-based iABC/iABx encoding
// (internal/vmregister/bytecode.go), generalized from a fixed,
// hardcoded opcode enum to a caller-declared InstructionSet whose
// opcode width and per-instruction operand/generic shape are data, not
// code -- so a Lua or Wenyan front-end can each hand the engines a
// different catalog.
package bytecode

import (
	"math/bits"

	"polyvm/internal/types"

	"github.com/pkg/errors"
)

// GenericKind discriminates the four kinds of compile-time parameter
// an instruction can declare (spec §4.4 "Generics").
type GenericKind int

const (
	GenericConstant GenericKind = iota
	GenericBasicBlock
	GenericType
	GenericState
)

// Generic is one compile-time parameter of an instruction.
type Generic struct {
	Name     string
	Kind     GenericKind
	Type     *types.Type // meaningful when Kind == GenericConstant
	Writable bool        // meaningful when Kind == GenericConstant
}

// Operand is one register-valued input or output of an instruction.
type Operand struct {
	Name   string
	Input  bool
	Output bool
	Type   *types.Type
}

// InstructionType is one catalog entry: an opcode's name plus its
// ordered generics and operands (spec §4.4 "Instruction metadata").
type InstructionType struct {
	Name     string
	Generics []Generic
	Operands []Operand
}

// InstructionSet is the caller-declared catalog an engine compiles
// against. Opcode values are positions into Entries.
type InstructionSet struct {
	Entries []InstructionType
}

// NewInstructionSet builds a catalog from entries in opcode order,
// always prepending the builtin memory-management bundle (spec §6
// MemoryInstructionSet; see memory.go) so opcodes 0..MemoryInstructionCount-1
// are the same clone/drop/deref/alloc/alloc_unsized/free/memory_copy set
// in every InstructionSet a front-end declares.
func NewInstructionSet(entries ...InstructionType) *InstructionSet {
	all := make([]InstructionType, 0, MemoryInstructionCount+len(entries))
	all = append(all, memoryInstructionTypes()...)
	all = append(all, entries...)
	return &InstructionSet{Entries: all}
}

// OpcodeWidth is ceil(log2(N)/8) bytes at natural alignment (spec
// §4.4 "Encoding"), the smallest byte width that can index N entries.
func (s *InstructionSet) OpcodeWidth() int {
	n := len(s.Entries)
	if n <= 1 {
		return 1
	}
	bitsNeeded := bits.Len(uint(n - 1))
	return (bitsNeeded + 7) / 8
}

func (s *InstructionSet) Lookup(opcode int) (InstructionType, error) {
	if opcode < 0 || opcode >= len(s.Entries) {
		return InstructionType{}, errors.Errorf("bytecode: opcode %d out of bound (catalog has %d entries)", opcode, len(s.Entries))
	}
	return s.Entries[opcode], nil
}
