package bytecode

// Builtin opcode numbers for the memory-management instruction bundle
// every InstructionSet carries (spec §6's MemoryInstructionSet: clone,
// drop, deref, alloc/alloc_unsized, free in both GC and non-GC
// flavors, memory_copy). NewInstructionSet always prepends these eight
// entries ahead of any front-end-declared opcodes, so OpClone through
// OpMemoryCopy are stable regardless of which catalog a caller builds
// and regardless of its size -- a front-end's own opcodes simply start
// at MemoryInstructionCount.
const (
	OpClone = iota
	OpDrop
	OpDeref
	OpAlloc
	OpAllocUnsized
	OpFreeGC
	OpFreeNonGC
	OpMemoryCopy

	MemoryInstructionCount
)

// memoryInstructionTypes describes the fixed wire layout
// internal/interp.DefineMemoryHandlers decodes: every operand and
// generic here is a u16 field, in declaration order, immediately
// following the opcode byte.
func memoryInstructionTypes() []InstructionType {
	return []InstructionType{
		{
			Name: "clone",
			Operands: []Operand{
				{Name: "src", Input: true},
				{Name: "dst", Output: true},
			},
		},
		{
			Name:     "drop",
			Operands: []Operand{{Name: "v", Input: true}},
		},
		{
			Name: "deref",
			Operands: []Operand{
				{Name: "src", Input: true},
				{Name: "dst", Output: true},
			},
		},
		{
			Name:     "alloc",
			Generics: []Generic{{Name: "type", Kind: GenericType}},
			Operands: []Operand{{Name: "dst", Output: true}},
		},
		{
			Name:     "alloc_unsized",
			Generics: []Generic{{Name: "type", Kind: GenericType}},
			Operands: []Operand{
				{Name: "dst", Output: true},
				{Name: "len", Input: true},
			},
		},
		{
			Name:     "free_gc",
			Operands: []Operand{{Name: "ptr", Input: true}},
		},
		{
			Name:     "free_non_gc",
			Operands: []Operand{{Name: "ptr", Input: true}},
		},
		{
			Name: "memory_copy",
			Operands: []Operand{
				{Name: "dst", Input: true},
				{Name: "src", Input: true},
				{Name: "len", Input: true},
			},
		},
	}
}
