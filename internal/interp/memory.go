package interp

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"polyvm/internal/bytecode"
)

// runtimeBridge declares the external entry points the builtin memory
// opcodes' handlers call into. Allocation, cloning and GC bookkeeping
// are internal/heap and internal/state operations, not arithmetic a
// handler can lower on its own, so each handler calls one of these
// declared functions rather than inlining heap logic into IR. They are
// never given bodies here -- a real run links this module against a
// native runtime exporting these symbols over the typed heap (see
// DESIGN.md, "Binding: what's real and what isn't", for the same
// caveat that applies to entry-address resolution).
type runtimeBridge struct {
	alloc        *ir.Func
	allocUnsized *ir.Func
	freeGC       *ir.Func
	freeNonGC    *ir.Func
	clone        *ir.Func
	drop         *ir.Func
	deref        *ir.Func
	memoryCopy   *ir.Func
}

func declareRuntimeBridge(m *ir.Module) *runtimeBridge {
	ptr := types.I8Ptr
	return &runtimeBridge{
		alloc:        m.NewFunc("polyvm_rt_alloc", ptr, ir.NewParam("type_id", types.I64)),
		allocUnsized: m.NewFunc("polyvm_rt_alloc_unsized", ptr, ir.NewParam("type_id", types.I64), ir.NewParam("len", types.I64)),
		freeGC:       m.NewFunc("polyvm_rt_free_gc", types.Void, ir.NewParam("ptr", ptr)),
		freeNonGC:    m.NewFunc("polyvm_rt_free_non_gc", types.Void, ir.NewParam("ptr", ptr)),
		clone:        m.NewFunc("polyvm_rt_clone", ptr, ir.NewParam("ptr", ptr)),
		drop:         m.NewFunc("polyvm_rt_drop", types.Void, ir.NewParam("ptr", ptr)),
		deref:        m.NewFunc("polyvm_rt_deref", ptr, ir.NewParam("ptr", ptr)),
		memoryCopy:   m.NewFunc("polyvm_rt_memory_copy", types.Void, ir.NewParam("dst", ptr), ir.NewParam("src", ptr), ir.NewParam("len", types.I64)),
	}
}

// byteOffset returns ip advanced by n bytes, as an i8*.
func byteOffset(b *ir.Block, ip value.Value, n int64) value.Value {
	return b.NewGetElementPtr(types.I8, ip, constant.NewInt(types.I64, n))
}

// readU16AsI64 loads the little-endian u16 field at ip+off (every
// operand/generic in the builtin memory bundle is a u16, per
// memoryInstructionTypes) and zero-extends it to i64.
func readU16AsI64(b *ir.Block, ip value.Value, off int64) value.Value {
	p := b.NewBitCast(byteOffset(b, ip, off), types.NewPointer(types.I16))
	v := b.NewLoad(types.I16, p)
	return b.NewZExt(v, types.I64)
}

// regSlot returns the i64* register slot at runtime index idx within
// the regs frame (spec §4.5.1's "regs*" pointer).
func regSlot(b *ir.Block, regs value.Value, idx value.Value) value.Value {
	byteIdx := b.NewMul(idx, constant.NewInt(types.I64, 8))
	p := b.NewGetElementPtr(types.I8, regs, byteIdx)
	return b.NewBitCast(p, types.NewPointer(types.I64))
}

func loadReg(b *ir.Block, regs value.Value, idx value.Value) value.Value {
	return b.NewLoad(types.I64, regSlot(b, regs, idx))
}

func storeReg(b *ir.Block, regs, idx, v value.Value) {
	b.NewStore(v, regSlot(b, regs, idx))
}

// DefineMemoryHandlers fills in real IR bodies for the eight builtin
// memory opcodes every InstructionSet carries (spec §6
// MemoryInstructionSet), decoding their fixed u16-field layout and
// calling the declared runtime bridge. internal/jit automatically
// picks these up too: it calls through the same HandlerFunc table as
// every other opcode, so the bundle is threaded into both lowerings
// without any JIT-side special-casing.
func (e *Engine) DefineMemoryHandlers() error {
	bridge := declareRuntimeBridge(e.Module)
	e.bridge = bridge

	define := func(op int, width int64, body func(b *ir.Block, regs, ip value.Value)) error {
		return e.DefineHandler(op, func(b *ir.Block, f *ir.Func, regs, ip value.Value) value.Value {
			body(b, regs, ip)
			return byteOffset(b, ip, width)
		})
	}

	if err := define(bytecode.OpClone, 4, func(b *ir.Block, regs, ip value.Value) {
		srcIdx := readU16AsI64(b, ip, 0)
		dstIdx := readU16AsI64(b, ip, 2)
		srcPtr := b.NewIntToPtr(loadReg(b, regs, srcIdx), types.I8Ptr)
		res := b.NewCall(bridge.clone, srcPtr)
		storeReg(b, regs, dstIdx, b.NewPtrToInt(res, types.I64))
	}); err != nil {
		return err
	}

	if err := define(bytecode.OpDrop, 2, func(b *ir.Block, regs, ip value.Value) {
		idx := readU16AsI64(b, ip, 0)
		ptr := b.NewIntToPtr(loadReg(b, regs, idx), types.I8Ptr)
		b.NewCall(bridge.drop, ptr)
	}); err != nil {
		return err
	}

	if err := define(bytecode.OpDeref, 4, func(b *ir.Block, regs, ip value.Value) {
		srcIdx := readU16AsI64(b, ip, 0)
		dstIdx := readU16AsI64(b, ip, 2)
		ptr := b.NewIntToPtr(loadReg(b, regs, srcIdx), types.I8Ptr)
		res := b.NewCall(bridge.deref, ptr)
		storeReg(b, regs, dstIdx, b.NewPtrToInt(res, types.I64))
	}); err != nil {
		return err
	}

	if err := define(bytecode.OpAlloc, 4, func(b *ir.Block, regs, ip value.Value) {
		typeID := readU16AsI64(b, ip, 0)
		dstIdx := readU16AsI64(b, ip, 2)
		res := b.NewCall(bridge.alloc, typeID)
		storeReg(b, regs, dstIdx, b.NewPtrToInt(res, types.I64))
	}); err != nil {
		return err
	}

	if err := define(bytecode.OpAllocUnsized, 6, func(b *ir.Block, regs, ip value.Value) {
		typeID := readU16AsI64(b, ip, 0)
		dstIdx := readU16AsI64(b, ip, 2)
		lenIdx := readU16AsI64(b, ip, 4)
		lenVal := loadReg(b, regs, lenIdx)
		res := b.NewCall(bridge.allocUnsized, typeID, lenVal)
		storeReg(b, regs, dstIdx, b.NewPtrToInt(res, types.I64))
	}); err != nil {
		return err
	}

	if err := define(bytecode.OpFreeGC, 2, func(b *ir.Block, regs, ip value.Value) {
		idx := readU16AsI64(b, ip, 0)
		ptr := b.NewIntToPtr(loadReg(b, regs, idx), types.I8Ptr)
		b.NewCall(bridge.freeGC, ptr)
	}); err != nil {
		return err
	}

	if err := define(bytecode.OpFreeNonGC, 2, func(b *ir.Block, regs, ip value.Value) {
		idx := readU16AsI64(b, ip, 0)
		ptr := b.NewIntToPtr(loadReg(b, regs, idx), types.I8Ptr)
		b.NewCall(bridge.freeNonGC, ptr)
	}); err != nil {
		return err
	}

	return define(bytecode.OpMemoryCopy, 6, func(b *ir.Block, regs, ip value.Value) {
		dstIdx := readU16AsI64(b, ip, 0)
		srcIdx := readU16AsI64(b, ip, 2)
		lenIdx := readU16AsI64(b, ip, 4)
		dstPtr := b.NewIntToPtr(loadReg(b, regs, dstIdx), types.I8Ptr)
		srcPtr := b.NewIntToPtr(loadReg(b, regs, srcIdx), types.I8Ptr)
		lenVal := loadReg(b, regs, lenIdx)
		b.NewCall(bridge.memoryCopy, dstPtr, srcPtr, lenVal)
	})
}
