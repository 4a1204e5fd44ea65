package bytecode

import (
	"polyvm/internal/object"
	"polyvm/internal/types"
)

// FunctionPack is the packaged, linkable form of a compiled function
// (spec §4.4): the frozen bytecode Object, its FunctionType, and the
// register-file size both execution engines must reserve on entry.
type FunctionPack struct {
	ByteCode      *object.Object
	FunctionType  *types.FunctionType
	RegisterCount int
}

// FunctionBuilder assembles a FunctionPack out of one ObjectBuilder
// per basic block plus a trailing remote-constants builder (spec
// §4.4's "FunctionBuilder -> FunctionPack").
type FunctionBuilder struct {
	set             *InstructionSet
	funcType        *types.FunctionType
	blocks          []*BlockBuilder
	remoteConstants *object.ObjectBuilder
	registerCount   int
}

func NewFunctionBuilder(set *InstructionSet, ft *types.FunctionType) *FunctionBuilder {
	return &FunctionBuilder{set: set, funcType: ft}
}

// NewBlock allocates and registers a fresh basic block; block numbering
// follows the order NewBlock is called in, per spec §4.4.
func (f *FunctionBuilder) NewBlock() *BlockBuilder {
	bb := NewBlockBuilder(f.set)
	f.blocks = append(f.blocks, bb)
	return bb
}

// Block returns the i-th block created by NewBlock.
func (f *FunctionBuilder) Block(i int) *BlockBuilder { return f.blocks[i] }

// RemoteConstants returns the trailing, lazily created builder for
// constants too large to inline at their use site (wide strings,
// shared tables); it is merged in after every block.
func (f *FunctionBuilder) RemoteConstants() *object.ObjectBuilder {
	if f.remoteConstants == nil {
		f.remoteConstants = object.NewObjectBuilder()
	}
	return f.remoteConstants
}

// SetRegisterCount records the frame size the packed function needs.
func (f *FunctionBuilder) SetRegisterCount(n int) { f.registerCount = n }

// Build merges every block in declaration order, then the
// remote-constants builder, adds a root symbol at offset 0, and
// freezes the result into a FunctionPack (spec §4.4 steps 1-4).
func (f *FunctionBuilder) Build() (*FunctionPack, error) {
	staging := object.NewObjectBuilder()
	for _, blk := range f.blocks {
		object.Merge(staging, blk.builder)
	}
	if f.remoteConstants != nil {
		object.Merge(staging, f.remoteConstants)
	}
	staging.AddSymbol(0, object.SymbolPtr)

	obj, err := staging.Build()
	if err != nil {
		return nil, err
	}
	return &FunctionPack{
		ByteCode:      obj,
		FunctionType:  f.funcType,
		RegisterCount: f.registerCount,
	}, nil
}
