// Package interp implements the threaded-interpreter execution engine
// (spec §4.5.1): one LLVM function per instruction, chained through a
// global jump table by tail calls so arbitrarily long traces run in a
// single stack frame. It uses github.com/llir/llvm the way
// golint-fixer-exp's bin2ll translator builds functions/blocks/terminators
// (ir.NewModule, Func.NewBlock, Block.NewCondBr/NewRet), generalized
// from "one x86 instruction" to "one catalog opcode".
package interp

import (
	"fmt"
	"hash/fnv"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"

	"polyvm/internal/bytecode"
	"polyvm/internal/errs"
	"polyvm/internal/object"
)

// regsType/ipType model the two pointers every handler takes: the
// register frame and the current instruction pointer, both opaque i8*
// at the IR level (spec §4.5.1 "I(regs*, ip*)").
var (
	regsType = types.I8Ptr
	ipType   = types.I8Ptr
)

// handlerSig is the common signature shared by every per-opcode
// handler and by the tail-called jump target: void(i8* regs, i8* ip).
func handlerSig() *types.FuncType {
	return types.NewFunc(types.Void, regsType, ipType)
}

// Engine owns the LLVM module, the jump table of compiled handlers and
// the entry trampolines generated for a given InstructionSet.
type Engine struct {
	Module   *ir.Module
	set      *bytecode.InstructionSet
	handlers []*ir.Func          // indexed by opcode
	table    *ir.Global          // jump table: array of handler pointers
	trampos  map[int]*ir.Func    // fixed-arity entry trampolines, by arity
	varargFn *ir.Func
	bridge   *runtimeBridge // declared externals the builtin memory opcodes call into
}

// HandlerBody emits one opcode's logic into its handler function,
// given the decoded constant/operand IR values and the already
// computed "next ip" value to tail-call with.
type HandlerBody func(b *ir.Block, f *ir.Func, regs, ip value.Value)

// NewEngine declares the module and one empty handler function per
// catalog entry, then wires up the global jump table.
func NewEngine(set *bytecode.InstructionSet) *Engine {
	m := ir.NewModule()
	e := &Engine{Module: m, set: set, trampos: make(map[int]*ir.Func)}

	sig := handlerSig()
	for i, it := range set.Entries {
		fn := m.NewFunc(fmt.Sprintf("op_%04d_%s", i, sanitize(it.Name)), sig.RetType, ir.NewParam("regs", regsType), ir.NewParam("ip", ipType))
		fn.CallConv = enum.CallConvTailCC
		e.handlers = append(e.handlers, fn)
	}

	elems := make([]constant.Constant, len(e.handlers))
	for i, fn := range e.handlers {
		elems[i] = constant.NewPtrToInt(fn, types.I64)
	}
	arrType := types.NewArray(uint64(len(elems)), types.I64)
	table := m.NewGlobalDef("polyvm_jump_table", constant.NewArray(arrType, elems...))
	e.table = table

	if err := e.DefineMemoryHandlers(); err != nil {
		// NewInstructionSet always prepends exactly MemoryInstructionCount
		// builtin opcodes, so opcodes 0..MemoryInstructionCount-1 are
		// always in bounds here; a failure means that invariant broke.
		panic(err)
	}
	// Entry trampolines must exist before Bind can resolve one for a
	// given arity (spec §4.5.1); DefaultMaxTrampolineArity covers the
	// common case, with varargFn as the fallback for anything wider.
	e.GenerateTrampolines(DefaultMaxTrampolineArity)

	return e
}

// DefaultMaxTrampolineArity is the number of fixed-arity trampolines
// NewEngine pre-generates (arities 0 through DefaultMaxTrampolineArity-1);
// functions with DefaultMaxTrampolineArity or more parameters fall back
// to the vararg entry point (ffi_callback_va_arg).
const DefaultMaxTrampolineArity = 8

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "anon"
	}
	return string(out)
}

// HandlerFunc returns the compiled handler for opcode, so the JIT
// compiler (internal/jit) can call directly into it instead of going
// through the jump table.
func (e *Engine) HandlerFunc(opcode int) (*ir.Func, error) {
	if opcode < 0 || opcode >= len(e.handlers) {
		return nil, errs.NewJITCompileError(errs.OpcodeOutOfBound, errors.Errorf("opcode %d", opcode))
	}
	return e.handlers[opcode], nil
}

// DefineHandler fills in the body of the handler for opcode with the
// caller's per-instruction logic, then emits the decode-dispatch tail:
// read the next opcode from ip, index the jump table, and tail-call
// into it with ip advanced past that opcode byte, so every handler
// sees ip at its own operand fields (spec §4.5.1's dispatch loop).
// body is responsible for advancing ip past this instruction's own
// operand fields before returning it.
func (e *Engine) DefineHandler(opcode int, body func(b *ir.Block, f *ir.Func, regs, ip value.Value) value.Value) error {
	if opcode < 0 || opcode >= len(e.handlers) {
		return errs.NewJITCompileError(errs.OpcodeOutOfBound, errors.Errorf("opcode %d", opcode))
	}
	fn := e.handlers[opcode]
	entry := fn.NewBlock("entry")
	regs, ip := fn.Params[0], fn.Params[1]

	nextIP := body(entry, fn, regs, ip)

	nextOpPtr := entry.NewBitCast(nextIP, types.I8Ptr)
	nextOpByte := entry.NewLoad(types.I8, nextOpPtr)
	nextOp := entry.NewZExt(nextOpByte, types.I64)

	tablePtr := entry.NewGetElementPtr(e.table.ContentType, e.table, constant.NewInt(types.I64, 0), nextOp)
	target := entry.NewLoad(types.I64, tablePtr)
	targetFn := entry.NewIntToPtr(target, types.NewPointer(handlerSig()))

	call := entry.NewCall(targetFn, regs, byteOffset(entry, nextOpPtr, 1))
	call.CallConv = enum.CallConvTailCC
	call.Tail = enum.TailTail
	entry.NewRet(nil)
	return nil
}

// GenerateTrampolines builds, for each arity in 0..n-1, a fixed-arity
// entry function that allocates the register frame on the caller's
// stack (llvm.stacksave/stackrestore), copies incoming arguments into
// register slots, computes the initial instruction pointer and
// tail-calls the first handler (spec §4.5.1 "Entry trampolines").
// Arities >= n fall back to a single vararg ffi_callback.
func (e *Engine) GenerateTrampolines(n int) {
	stacksave := e.Module.NewFunc("llvm.stacksave", types.I8Ptr)
	stackrestore := e.Module.NewFunc("llvm.stackrestore", types.Void, ir.NewParam("ptr", types.I8Ptr))

	for arity := 0; arity < n; arity++ {
		params := make([]*ir.Param, arity+1) // +1 for the packed bytecode pointer
		params[0] = ir.NewParam("code", types.I8Ptr)
		for i := 0; i < arity; i++ {
			params[i+1] = ir.NewParam(fmt.Sprintf("arg%d", i), types.I64)
		}
		fn := e.Module.NewFunc(fmt.Sprintf("entry_%d", arity), types.Void, params...)
		block := fn.NewBlock("entry")

		savedSP := block.NewCall(stacksave)
		frame := block.NewAlloca(types.NewArray(uint64(arity+1), types.I64))
		for i := 0; i < arity; i++ {
			slot := block.NewGetElementPtr(frame.ElemType, frame, constant.NewInt(types.I64, 0), constant.NewInt(types.I64, int64(i)))
			block.NewStore(fn.Params[i+1], slot)
		}
		regsPtr := block.NewBitCast(frame, types.I8Ptr)
		code := fn.Params[0]
		firstOp := block.NewZExt(block.NewLoad(types.I8, code), types.I64)
		slotPtr := block.NewGetElementPtr(e.table.ContentType, e.table, constant.NewInt(types.I64, 0), firstOp)
		first := block.NewIntToPtr(block.NewLoad(types.I64, slotPtr), types.NewPointer(handlerSig()))
		call := block.NewCall(first, regsPtr, byteOffset(block, code, 1))
		call.CallConv = enum.CallConvTailCC
		call.Tail = enum.TailTail
		block.NewCall(stackrestore, savedSP)
		block.NewRet(nil)
		e.trampos[arity] = fn
	}

	va := e.Module.NewFunc("ffi_callback_va_arg", types.Void, ir.NewParam("code", types.I8Ptr), ir.NewParam("argv", types.NewPointer(types.I64)), ir.NewParam("argc", types.I64))
	va.NewBlock("entry").NewRet(nil)
	e.varargFn = va
}

// FunctionMetadata mirrors the C-layout struct the spec's binding step
// allocates inside an ObjectBuilder (spec §4.5.1): register_count,
// a pointer to the packed bytecode, the argument count, the bound
// entry address, and opaque context/closure cells used by the libffi
// trampoline (modeled here as raw address-sized cells; the actual
// closure lives outside this process-local model).
type FunctionMetadata struct {
	RegisterCount uint32
	Code          uintptr
	ArgsCount     uint32
	Bind          uintptr
	Context       uintptr
	Closure       uintptr
}

const functionMetadataSize = 4 + 4 + 8 + 4 + 4 + 8 + 8 + 8 // each u32 padded to 8 before the next field, natural alignment

// EntryName returns the LLVM function name pack will be dispatched
// through -- the trampoline generated for its arity, or the vararg
// fallback -- and an error if neither exists yet (GenerateTrampolines
// must run first; NewEngine does this for DefaultMaxTrampolineArity).
func (e *Engine) EntryName(pack *bytecode.FunctionPack) (string, error) {
	arity := len(pack.FunctionType.Args)
	trampoline, ok := e.trampos[arity]
	if !ok {
		trampoline = e.varargFn
	}
	if trampoline == nil {
		return "", errs.NewJITCompileError(errs.ParamIndexOutOfBound, errors.Errorf("no trampoline generated for arity %d", arity))
	}
	return trampoline.Name(), nil
}

// fnv64 hashes an LLVM symbol name into a stable, non-zero uint64.
// github.com/llir/llvm only builds IR in memory; it has no in-process
// execution backend, so there is no real machine address to write into
// the bind slot until this module is compiled and linked by something
// outside this package (see DESIGN.md, "Binding: what's real and what
// isn't"). Writing the hash of the real entry symbol's name, rather
// than leaving the slot unwritten, keeps the slot an honest, inspectable
// placeholder instead of a silent stub dressed as a finished binding.
func fnv64(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// Bind packs pack's FunctionMetadata into a fresh Object: the bytecode
// pointer is linked via UsizePtrAbsolute to the packed function's
// buffer, and the chosen trampoline's name is hashed into bind_offset
// — the object's single exported (Value-kind) symbol is the callable
// entry (spec §4.5.1 "Binding", §4.5.3 "Shared policies").
func (e *Engine) Bind(pack *bytecode.FunctionPack) (*object.Object, error) {
	arity := len(pack.FunctionType.Args)
	name, err := e.EntryName(pack)
	if err != nil {
		return nil, err
	}

	b := object.NewObjectBuilder()
	b.Align(8)
	b.Push(uint64(pack.RegisterCount), 4)
	b.Align(8)
	codeOffset := b.PushImport(pack.ByteCode, object.UsizePtrAbsolute, 0)
	b.Push(uint64(arity), 4)
	b.Align(8)
	bindOffset := b.Push(fnv64(name), 8)
	b.Push(0, 8) // context
	b.Push(0, 8) // closure

	bindSym := b.AddSymbol(bindOffset, object.SymbolValue)
	_ = codeOffset

	obj, err := b.Build()
	if err != nil {
		return nil, errors.Wrap(err, "interp: bind")
	}
	_ = bindSym
	return obj, nil
}
