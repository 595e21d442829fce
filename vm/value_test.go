package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Value Unit Tests
// ---------------------------------------------------------------------------

// TestValueZeroIsRawZero verifies that the zero Value is Raw(0), the same
// value a freshly allocated object slot holds.
func TestValueZeroIsRawZero(t *testing.T) {
	var v Value

	if !v.IsRaw() {
		t.Error("zero Value should be raw")
	}
	if v.IsRef() {
		t.Error("zero Value should not be a reference")
	}
	if v.Uint64() != 0 {
		t.Errorf("zero Value payload = %d, want 0", v.Uint64())
	}
	if v != FromUint64(0) {
		t.Error("zero Value should equal FromUint64(0)")
	}
}

// TestValueRawRoundTrips verifies that every constructor reads back
// bit-identically through its matching accessor.
func TestValueRawRoundTrips(t *testing.T) {
	u64s := []uint64{0, 1, 255, math.MaxUint64, 1 << 63, 0xDEADBEEFCAFEF00D}
	for _, u := range u64s {
		if got := FromUint64(u).Uint64(); got != u {
			t.Errorf("FromUint64(%d).Uint64() = %d", u, got)
		}
	}

	i64s := []int64{0, 1, -1, math.MinInt64, math.MaxInt64}
	for _, n := range i64s {
		if got := FromInt64(n).Int64(); got != n {
			t.Errorf("FromInt64(%d).Int64() = %d", n, got)
		}
	}

	f64s := []float64{0, 1.5, -2.25, math.Inf(1), math.SmallestNonzeroFloat64}
	for _, f := range f64s {
		if got := FromFloat64(f).Float64(); got != f {
			t.Errorf("FromFloat64(%v).Float64() = %v", f, got)
		}
	}

	// NaN payloads survive exactly: the bit pattern is the contract.
	nan := math.Float64frombits(0x7FF8000000000001)
	if got := FromFloat64(nan).Uint64(); got != 0x7FF8000000000001 {
		t.Errorf("NaN payload = %#x, want 0x7FF8000000000001", got)
	}

	if got := FromFloat32(1.5).Float32(); got != 1.5 {
		t.Errorf("FromFloat32(1.5).Float32() = %v", got)
	}
}

// TestValueExtensionRules verifies sign extension for signed narrow types
// and zero extension for unsigned ones.
func TestValueExtensionRules(t *testing.T) {
	if got := FromInt32(-1).Uint64(); got != math.MaxUint64 {
		t.Errorf("FromInt32(-1) payload = %#x, want all ones", got)
	}
	if got := FromInt32(-1).Int64(); got != -1 {
		t.Errorf("FromInt32(-1).Int64() = %d, want -1", got)
	}
	if got := FromUint32(math.MaxUint32).Uint64(); got != math.MaxUint32 {
		t.Errorf("FromUint32(max) payload = %#x, want %#x", got, uint64(math.MaxUint32))
	}
	if got := FromUint8(0xFF).Uint64(); got != 0xFF {
		t.Errorf("FromUint8(0xFF) payload = %#x, want 0xFF", got)
	}
	// float32 bit patterns are zero-extended, not widened numerically
	if got := FromFloat32(1.0).Uint64(); got != uint64(math.Float32bits(1.0)) {
		t.Errorf("FromFloat32(1.0) payload = %#x, want %#x", got, math.Float32bits(1.0))
	}

	if got := FromUint64(0xAABBCCDD11223344).Uint32(); got != 0x11223344 {
		t.Errorf("Uint32 truncation = %#x, want 0x11223344", got)
	}
	if got := FromUint64(0x00000000FFFFFFFF).Int32(); got != -1 {
		t.Errorf("Int32 truncation = %d, want -1", got)
	}
}

// TestValueHandleRoundTrip verifies that a handle packs into a reference and
// unpacks unchanged.
func TestValueHandleRoundTrip(t *testing.T) {
	h := Handle{index: 42, gen: 7}
	v := FromHandle(h)

	if !v.IsRef() {
		t.Fatal("FromHandle should produce a reference")
	}
	if v.IsRaw() {
		t.Error("reference should not be raw")
	}
	if v.Kind() != KindRef {
		t.Errorf("Kind() = %v, want KindRef", v.Kind())
	}

	got := v.Handle()
	if got.Index() != 42 {
		t.Errorf("Index() = %d, want 42", got.Index())
	}
	if got.Generation() != 7 {
		t.Errorf("Generation() = %d, want 7", got.Generation())
	}
	if got != h {
		t.Errorf("round trip handle = %v, want %v", got, h)
	}

	// Extremes of both fields
	big := Handle{index: math.MaxUint32, gen: math.MaxUint32}
	if FromHandle(big).Handle() != big {
		t.Error("max handle did not round trip")
	}
}

// TestValueRawRefDistinct verifies that a raw payload and a reference with
// the same bits never compare equal.
func TestValueRawRefDistinct(t *testing.T) {
	h := Handle{index: 1, gen: 1}
	ref := FromHandle(h)
	raw := FromUint64(h.pack())

	if ref == raw {
		t.Error("reference and raw value with identical bits should differ")
	}
	if ref.Kind() == raw.Kind() {
		t.Error("kinds should differ")
	}
}

// TestValueAccessorPanics verifies that accessors refuse the wrong kind.
func TestValueAccessorPanics(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		defer func() {
			if recover() == nil {
				t.Errorf("%s should panic", name)
			}
		}()
		fn()
	}

	ref := FromHandle(Handle{index: 1, gen: 1})
	mustPanic("Uint64 on ref", func() { ref.Uint64() })
	mustPanic("Int64 on ref", func() { ref.Int64() })
	mustPanic("Float64 on ref", func() { ref.Float64() })

	raw := FromUint64(99)
	mustPanic("Handle on raw", func() { raw.Handle() })
}

// TestValueString verifies the diagnostic formatting.
func TestValueString(t *testing.T) {
	if s := FromUint64(1234).String(); s != "Raw(1234)" {
		t.Errorf("String() = %q, want Raw(1234)", s)
	}
	if s := FromHandle(Handle{index: 3, gen: 9}).String(); s != "Ref(3/9)" {
		t.Errorf("String() = %q, want Ref(3/9)", s)
	}
	if s := KindRaw.String(); s != "Raw" {
		t.Errorf("KindRaw.String() = %q", s)
	}
	if s := KindRef.String(); s != "Ref" {
		t.Errorf("KindRef.String() = %q", s)
	}
}
