package types

import "unsafe"

// TypeLayout is the computed shape of a Type: byte size, required
// alignment, the number of metadata "tire" slots it carries, and the
// per-element size of a trailing variable-length array (0 if none).
type TypeLayout struct {
	Size         int
	Align        int
	Tire         int
	FlexibleSize int
}

func alignUp(v, align int) int {
	if align <= 1 {
		return v
	}
	if v%align == 0 {
		return v
	}
	return (v/align + 1) * align
}

// GetLayout computes t's TypeLayout. References must resolve to a
// Ready TypeResource (spec §3.2 invariant); this is checked by the
// caller (TypeResource.Upload) before GetLayout is trusted.
func (t *Type) GetLayout() TypeLayout {
	switch t.Kind {
	case KindInt:
		w := t.IntWidth.bits() / 8
		if w == 0 {
			w = 1
		}
		return TypeLayout{Size: w, Align: w}
	case KindFloat:
		if t.FloatWidth == F32 {
			return TypeLayout{Size: 4, Align: 4}
		}
		return TypeLayout{Size: 8, Align: 8}
	case KindPointer:
		w := int(unsafe.Sizeof(uintptr(0)))
		return TypeLayout{Size: w, Align: w}
	case KindNative:
		return TypeLayout{Size: t.NativeSize, Align: t.NativeAlign}
	case KindArray:
		elemLayout := t.Elem.GetLayout()
		if t.ArrayLen == nil {
			return TypeLayout{Size: 0, Align: elemLayout.Align, FlexibleSize: elemLayout.Size}
		}
		return TypeLayout{Size: elemLayout.Size * *t.ArrayLen, Align: elemLayout.Align}
	case KindReference:
		w := int(unsafe.Sizeof(uintptr(0)))
		tire := 0
		if t.Ref != nil {
			tire = t.Ref.layout.Tire + 1
		}
		return TypeLayout{Size: w, Align: w, Tire: tire}
	case KindEmbed:
		if t.Ref == nil {
			return TypeLayout{}
		}
		l := t.Ref.layout
		l.Tire++
		return l
	case KindTuple:
		return t.Tuple.getLayout()
	case KindEnum:
		return t.Enum.getLayout()
	case KindUnion:
		var size, align int
		for _, v := range t.Union {
			l := v.GetLayout()
			if l.Size > size {
				size = l.Size
			}
			if l.Align > align {
				align = l.Align
			}
		}
		return TypeLayout{Size: alignUp(size, maxInt(align, 1)), Align: maxInt(align, 1)}
	case KindFunction:
		w := int(unsafe.Sizeof(uintptr(0)))
		return TypeLayout{Size: w, Align: w}
	case KindMetaData:
		l := TypeLayout{Align: 1}
		for _, e := range t.MetaData {
			if e.Resource != nil {
				l.Tire += e.Resource.layout.Tire + 1
			}
		}
		return l
	case KindConst:
		return t.ConstType.GetLayout()
	default:
		panic("types: GetLayout: unknown kind")
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (tt *TupleType) getLayout() TypeLayout {
	switch tt.Kind {
	case TupleNormal:
		var offset, align, tire, flex int
		n := len(tt.Fields)
		for i, f := range tt.Fields {
			l := f.GetLayout()
			offset = alignUp(offset, l.Align)
			if l.Align > align {
				align = l.Align
			}
			tire += l.Tire
			if l.FlexibleSize != 0 {
				if i != n-1 {
					panic("types: flexible_size field must be the tail of its containing tuple")
				}
				flex = l.FlexibleSize
				continue
			}
			offset += l.Size
		}
		if align == 0 {
			align = 1
		}
		return TypeLayout{Size: alignUp(offset, align), Align: align, Tire: tire, FlexibleSize: flex}
	case TupleCompose:
		// Compose fields share machine words; size is the number of
		// distinct words touched by any field's mask, at word (8-byte)
		// alignment.
		var maxByte int
		for _, f := range tt.Compose {
			hi := 64 - leadingZeros64(f.Layout.Mask)
			if hi > maxByte {
				maxByte = hi
			}
		}
		size := alignUp((maxByte+7)/8, 1)
		return TypeLayout{Size: alignUp(size, 8), Align: 8}
	default:
		panic("types: unknown TupleKind")
	}
}

func leadingZeros64(v uint64) int {
	n := 0
	for i := 63; i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			break
		}
		n++
	}
	return n
}

// EnumTagKind discriminates the four tag-placement strategies.
type EnumTagKind int

const (
	AppendTag EnumTagKind = iota
	UnusedBytes
	SmallField
	UndefinedValue
)

// EnumTagLayout describes where and how an enum's discriminant is
// stored (spec §3.1).
type EnumTagLayout struct {
	Kind EnumTagKind

	// AppendTag / UnusedBytes
	Offset int
	Size   int

	// SmallField
	Mask      uint64
	BitOffset int

	// UndefinedValue
	Start uint64
	End   uint64
}

type EnumType struct {
	Variants []*Type
	TagLayout EnumTagLayout
}

func (e *EnumType) getLayout() TypeLayout {
	var payloadSize, payloadAlign, tire int
	for _, v := range e.Variants {
		l := v.GetLayout()
		if l.Size > payloadSize {
			payloadSize = l.Size
		}
		if l.Align > payloadAlign {
			payloadAlign = l.Align
		}
		if l.Tire > tire {
			tire = l.Tire
		}
	}
	if payloadAlign == 0 {
		payloadAlign = 1
	}
	size := payloadSize
	switch e.TagLayout.Kind {
	case AppendTag:
		end := e.TagLayout.Offset + e.TagLayout.Size
		if end > size {
			size = end
		}
	case UnusedBytes:
		// Tag reuses existing padding; does not grow the type.
	case SmallField:
		// Tag is packed bitwise inside an existing field; does not
		// grow the type.
	case UndefinedValue:
		// Tag is encoded via otherwise-unreachable pointer values;
		// does not grow the type.
	}
	return TypeLayout{Size: alignUp(size, payloadAlign), Align: payloadAlign, Tire: tire}
}

// Encode writes the numeric discriminant tag into the value at ptr.
func (l EnumTagLayout) Encode(tag int, ptr unsafe.Pointer) {
	switch l.Kind {
	case AppendTag, UnusedBytes:
		writeUint(offsetPtr(ptr, l.Offset), l.Size, uint64(tag))
	case SmallField:
		field := SmallElementLayout{Mask: l.Mask, BitOffset: int8(l.BitOffset)}
		cur := readUint(ptr, 8)
		cur = (cur &^ l.Mask) | field.shift(uint64(tag))
		writeUint(ptr, 8, cur)
	case UndefinedValue:
		writeUint(ptr, 8, l.Start+uint64(tag))
	default:
		panic("types: EnumTagLayout.Encode: unknown kind")
	}
}

// Decode returns the tag stored at ptr, in 0..len(variants).
func (l EnumTagLayout) Decode(ptr unsafe.Pointer) int {
	switch l.Kind {
	case AppendTag, UnusedBytes:
		return int(readUint(offsetPtr(ptr, l.Offset), l.Size))
	case SmallField:
		field := SmallElementLayout{Mask: l.Mask, BitOffset: int8(l.BitOffset)}
		return int(field.unshift(readUint(ptr, 8)))
	case UndefinedValue:
		v := readUint(ptr, 8)
		if v < l.Start || v > l.End {
			// Value falls outside the reserved discriminant range:
			// the source leaves the "variant vs. error" distinction
			// unspecified here (spec §9 open question); we treat it
			// as variant 0, matching decode's documented fallback.
			return 0
		}
		return int(v - l.Start)
	default:
		panic("types: EnumTagLayout.Decode: unknown kind")
	}
}

// Erase writes the zero discriminant, matching the contract
// `erase(ptr)` then `decode(ptr)` == 0.
func (l EnumTagLayout) Erase(ptr unsafe.Pointer) {
	l.Encode(0, ptr)
}
