package vm

import (
	"fmt"
	"math"
)

// Value is a tagged scalar: either a Raw 64-bit payload or a Reference to a
// heap object.
//
// The tag is an explicit discriminant. Raw payloads cover the full 64-bit
// space (integers and floats travel bit-reinterpreted), so encodings that
// steal payload bits for the tag, NaN-boxing included, cannot represent
// them. A Raw value is never decoded as a Reference or vice versa; the
// accessors panic on misuse and the interpreter raises a TypeMismatch fault
// instead of reinterpreting.
//
// The zero Value is Raw(0), which is also the defined contents of a freshly
// allocated object slot.
type Value struct {
	kind Kind
	bits uint64
}

// Kind discriminates the two value shapes.
type Kind uint8

const (
	KindRaw Kind = iota
	KindRef
)

// String implements the Stringer interface.
func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "Raw"
	case KindRef:
		return "Ref"
	default:
		return fmt.Sprintf("KIND_%d", uint8(k))
	}
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// Kind returns the value's discriminant.
func (v Value) Kind() Kind {
	return v.kind
}

// IsRaw returns true if v carries a raw 64-bit payload.
func (v Value) IsRaw() bool {
	return v.kind == KindRaw
}

// IsRef returns true if v references a heap object.
func (v Value) IsRef() bool {
	return v.kind == KindRef
}

// ---------------------------------------------------------------------------
// Raw constructors
//
// Same-width conversions preserve the exact bit pattern. Narrower integers
// are sign-extended when signed and zero-extended when unsigned; float32
// patterns are zero-extended. The rules are fixed: a payload written through
// one of these constructors always reads back bit-identically through the
// matching accessor.
// ---------------------------------------------------------------------------

// FromUint64 creates a Raw value carrying u unchanged.
func FromUint64(u uint64) Value {
	return Value{bits: u}
}

// FromInt64 creates a Raw value from n's two's-complement bit pattern.
func FromInt64(n int64) Value {
	return Value{bits: uint64(n)}
}

// FromUint32 creates a Raw value, zero-extending u.
func FromUint32(u uint32) Value {
	return Value{bits: uint64(u)}
}

// FromInt32 creates a Raw value, sign-extending n.
func FromInt32(n int32) Value {
	return Value{bits: uint64(int64(n))}
}

// FromUint8 creates a Raw value, zero-extending b.
func FromUint8(b uint8) Value {
	return Value{bits: uint64(b)}
}

// FromFloat64 creates a Raw value from f's IEEE 754 bit pattern.
func FromFloat64(f float64) Value {
	return Value{bits: math.Float64bits(f)}
}

// FromFloat32 creates a Raw value, zero-extending f's 32-bit pattern.
func FromFloat32(f float32) Value {
	return Value{bits: uint64(math.Float32bits(f))}
}

// ---------------------------------------------------------------------------
// Raw accessors
// ---------------------------------------------------------------------------

// Uint64 returns the raw payload.
// Panics if v is not a raw value.
func (v Value) Uint64() uint64 {
	if v.kind != KindRaw {
		panic("Value.Uint64: not a raw value")
	}
	return v.bits
}

// Int64 returns the raw payload reinterpreted as a two's-complement integer.
// Panics if v is not a raw value.
func (v Value) Int64() int64 {
	if v.kind != KindRaw {
		panic("Value.Int64: not a raw value")
	}
	return int64(v.bits)
}

// Uint32 returns the low 32 bits of the raw payload.
// Panics if v is not a raw value.
func (v Value) Uint32() uint32 {
	if v.kind != KindRaw {
		panic("Value.Uint32: not a raw value")
	}
	return uint32(v.bits)
}

// Int32 returns the low 32 bits of the raw payload as a signed integer.
// Panics if v is not a raw value.
func (v Value) Int32() int32 {
	if v.kind != KindRaw {
		panic("Value.Int32: not a raw value")
	}
	return int32(uint32(v.bits))
}

// Float64 returns the raw payload reinterpreted as an IEEE 754 double.
// Panics if v is not a raw value.
func (v Value) Float64() float64 {
	if v.kind != KindRaw {
		panic("Value.Float64: not a raw value")
	}
	return math.Float64frombits(v.bits)
}

// Float32 returns the low 32 bits of the raw payload as an IEEE 754 single.
// Panics if v is not a raw value.
func (v Value) Float32() float32 {
	if v.kind != KindRaw {
		panic("Value.Float32: not a raw value")
	}
	return math.Float32frombits(uint32(v.bits))
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

// Handle identifies a heap object as an index/generation pair. The index
// names a cell in the heap's object table; the generation is the value the
// cell had when the object was allocated and advances every time the cell
// is recycled, so handles to freed objects never resolve again.
//
// Generations start at 1; the zero Handle is always stale.
type Handle struct {
	index uint32
	gen   uint32
}

// Index returns the cell index within the heap's object table.
func (h Handle) Index() uint32 {
	return h.index
}

// Generation returns the cell generation the handle was minted with.
func (h Handle) Generation() uint32 {
	return h.gen
}

// pack encodes the handle into a single uint64 for storage inside a Value.
func (h Handle) pack() uint64 {
	return uint64(h.index)<<32 | uint64(h.gen)
}

func unpackHandle(bits uint64) Handle {
	return Handle{index: uint32(bits >> 32), gen: uint32(bits)}
}

// FromHandle creates a Reference value.
func FromHandle(h Handle) Value {
	return Value{kind: KindRef, bits: h.pack()}
}

// Handle returns the heap handle carried by a Reference.
// Panics if v is not a reference.
func (v Value) Handle() Handle {
	if v.kind != KindRef {
		panic("Value.Handle: not a reference")
	}
	return unpackHandle(v.bits)
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// String implements the Stringer interface.
// Raw payloads print as unsigned decimal, references as index/generation.
func (v Value) String() string {
	switch v.kind {
	case KindRaw:
		return fmt.Sprintf("Raw(%d)", v.bits)
	case KindRef:
		h := unpackHandle(v.bits)
		return fmt.Sprintf("Ref(%d/%d)", h.index, h.gen)
	default:
		return fmt.Sprintf("Value(kind=%d, bits=%d)", v.kind, v.bits)
	}
}
