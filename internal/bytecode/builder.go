package bytecode

import (
	"encoding/binary"
	"math"

	"polyvm/internal/object"
)

// BlockBuilder owns an ObjectBuilder for one basic block plus the
// InstructionSet it emits against (spec §4.4). Every block exports its
// own start offset as symbol 0 so another block's push_block_offset
// can target it, including itself (reflexive branches).
type BlockBuilder struct {
	builder  *object.ObjectBuilder
	set      *InstructionSet
	startSym int
}

func NewBlockBuilder(set *InstructionSet) *BlockBuilder {
	b := object.NewObjectBuilder()
	start := b.AddSymbol(0, object.SymbolPtr)
	return &BlockBuilder{builder: b, set: set, startSym: start}
}

func (bb *BlockBuilder) Builder() *object.ObjectBuilder { return bb.builder }
func (bb *BlockBuilder) Len() int                       { return bb.builder.Len() }

// EmitOpcode writes opcode at the catalog's natural opcode width.
func (bb *BlockBuilder) EmitOpcode(opcode int) error {
	if _, err := bb.set.Lookup(opcode); err != nil {
		return err
	}
	bb.builder.Push(uint64(opcode), bb.set.OpcodeWidth())
	return nil
}

// EmitRegister writes a single register-valued operand, always u16
// per spec §4.4's encoding rule.
func (bb *BlockBuilder) EmitRegister(reg uint16) {
	bb.builder.PushU16(reg)
}

// PushBlockOffset emits an I32Relative import pointing at target's
// start symbol -- reflexive when target is this same block.
func (bb *BlockBuilder) PushBlockOffset(target *BlockBuilder) int {
	if target == bb {
		return bb.builder.PushImport(nil, object.I32Relative, bb.startSym)
	}
	return bb.builder.PushImport(target.builder, object.I32Relative, target.startSym)
}

// EmitU8/EmitU32/EmitU64/EmitF32/EmitF64/EmitBytes are the generic
// constant emitters; Go's lack of Rust-style emit<T> is closed over by
// one function per constant shape the catalog actually declares.
func (bb *BlockBuilder) EmitU8(v uint8) int  { return bb.builder.Push(uint64(v), 1) }
func (bb *BlockBuilder) EmitU32(v uint32) int { return bb.builder.Push(uint64(v), 4) }
func (bb *BlockBuilder) EmitU64(v uint64) int { return bb.builder.Push(v, 8) }

func (bb *BlockBuilder) EmitF32(v float32) int {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	return bb.builder.PushSlice(buf)
}

func (bb *BlockBuilder) EmitF64(v float64) int {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	return bb.builder.PushSlice(buf)
}

func (bb *BlockBuilder) EmitBytes(v []byte) int { return bb.builder.PushSlice(v) }

// Align forwards to the underlying ObjectBuilder, used before emitting
// a constant whose type requires wider alignment than the block's
// current write offset (spec §4.4's "at the alignment required by
// their type").
func (bb *BlockBuilder) Align(n int) { bb.builder.Align(n) }
