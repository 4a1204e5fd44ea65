// Package errs defines the typed error taxonomy shared by the linker,
// the typed heap, the instruction catalog and both execution engines.
package errs

import (
	"fmt"
)

// ResourceKind classifies a ResourceError.
type ResourceKind string

const (
	NotInitialized ResourceKind = "NotInitialized"
	NotLoaded      ResourceKind = "NotLoaded"
	Unsupported    ResourceKind = "Unsupported"
	Dead           ResourceKind = "Dead"
)

// ResourceError reports a TypeResource or FunctionPack used before or
// after its valid lifetime.
type ResourceError struct {
	Kind ResourceKind
	Name string
}

func (e *ResourceError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("resource error: %s", e.Kind)
	}
	return fmt.Sprintf("resource error: %s: %s", e.Kind, e.Name)
}

func NewResourceError(kind ResourceKind, name string) *ResourceError {
	return &ResourceError{Kind: kind, Name: name}
}

// AllocKind classifies an AllocError.
type AllocKind string

const (
	NoSpaceLeft         AllocKind = "NoSpaceLeft"
	HeapFrameAllocFailed AllocKind = "HeapFrameAllocFailed"
	AllRetryFailed      AllocKind = "AllRetryFailed"
	OtherAllocErr       AllocKind = "Other"
)

// AllocError reports a failure to satisfy an allocation request.
type AllocError struct {
	Kind    AllocKind
	Attempt []error // populated when Kind == AllRetryFailed
	Cause   error
}

func (e *AllocError) Error() string {
	switch e.Kind {
	case AllRetryFailed:
		return fmt.Sprintf("alloc error: all %d retries failed", len(e.Attempt))
	case OtherAllocErr:
		return fmt.Sprintf("alloc error: %v", e.Cause)
	default:
		return fmt.Sprintf("alloc error: %s", e.Kind)
	}
}

func (e *AllocError) Unwrap() error { return e.Cause }

func NewAllocError(kind AllocKind) *AllocError { return &AllocError{Kind: kind} }

func NewAllRetryFailed(attempts []error) *AllocError {
	return &AllocError{Kind: AllRetryFailed, Attempt: attempts}
}

// ConstantFormatKind classifies a ConstantFormatError raised while
// decoding class-file style constant pool entries feeding the object
// model (the Java class-file parser is external, but the error
// vocabulary it raises into the core is part of this contract).
type ConstantFormatKind string

const (
	TypeErrorKind                          ConstantFormatKind = "TypeError"
	NotFoundErrorKind                       ConstantFormatKind = "NotFoundError"
	IllegalTagKind                         ConstantFormatKind = "IllegalTag"
	IllegalClassNameKind                   ConstantFormatKind = "IllegalClassName"
	IllegalFieldDescriptorKind             ConstantFormatKind = "IllegalFieldDescriptor"
	IllegalMethodDescriptorKind            ConstantFormatKind = "IllegalMethodDescriptor"
	IllegalFieldNameAndTypeKind            ConstantFormatKind = "IllegalFieldNameAndType"
	IllegalMethodNameAndTypeKind           ConstantFormatKind = "IllegalMethodNameAndType"
	IllegalInterfaceMethodNameAndTypeKind  ConstantFormatKind = "IllegalInterfaceMethodNameAndType"
	UnexpectedInitializationMethodKind     ConstantFormatKind = "UnexpectedInitializationMethod"
	ExpectedInitializationMethodKind       ConstantFormatKind = "ExpectedInitializationMethod"
	IllegalFormatErrorKind                 ConstantFormatKind = "IllegalFormatError"
	IllegalUnqualifiedNameKind             ConstantFormatKind = "IllegalUnqualifiedName"
)

type ConstantFormatError struct {
	Kind  ConstantFormatKind
	Index int
	Value byte
}

func (e *ConstantFormatError) Error() string {
	switch e.Kind {
	case NotFoundErrorKind:
		return fmt.Sprintf("constant format error: entry %d not found", e.Index)
	case IllegalTagKind:
		return fmt.Sprintf("constant format error: illegal tag 0x%02x", e.Value)
	default:
		return fmt.Sprintf("constant format error: %s", e.Kind)
	}
}

// JITErrorKind classifies a JITCompileError.
type JITErrorKind string

const (
	OpcodeOutOfBound    JITErrorKind = "OpcodeOutOfBound"
	ParamIndexOutOfBound JITErrorKind = "ParamIndexOutOfBound"
	OffsetOutOfBound    JITErrorKind = "OffsetOutOfBound"
	InstructionError    JITErrorKind = "InstructionError"
	LLVMError           JITErrorKind = "LLVMError"
	ConversionError     JITErrorKind = "ConversionError"
)

type JITCompileError struct {
	Kind  JITErrorKind
	Cause error
}

func (e *JITCompileError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("jit compile error: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("jit compile error: %s", e.Kind)
}

func (e *JITCompileError) Unwrap() error { return e.Cause }

func NewJITCompileError(kind JITErrorKind, cause error) *JITCompileError {
	return &JITCompileError{Kind: kind, Cause: cause}
}

// LinkError reports a contract violation in the object linker: a
// pinned object being replaced, or a builder that still has an
// unresolved Builder-kind import at build time. These are
// programmer/front-end errors, not operational failures;
// ObjectBuilder.Build and Object.Replace return one to the caller.
type LinkError struct {
	Message string
}

func (e *LinkError) Error() string { return e.Message }

func NewLinkError(format string, args ...interface{}) *LinkError {
	return &LinkError{Message: fmt.Sprintf(format, args...)}
}
