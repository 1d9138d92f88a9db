package vm

// Value is one tagged machine word of the object memory.
//
// Every reference in the heap, in roots and in the interpreter is a Value.
// The two low-order bits select the interpretation:
//
//   - SmallInt: tag 00, payload is the integer shifted left by tagBits
//   - Object:   tag 01, payload is the byte address of a heap object's mark word
//   - Mark:     tag 11, a header word (see Mark)
//
// Values are never mutated in place; equality is bitwise.
type Value uint64

// Tagging constants
const (
	tagBits = 2
	tagMask uint64 = 1<<tagBits - 1

	tagInt    uint64 = 0 // immediate small integer
	tagObject uint64 = 1 // heap object pointer
	tagMark   uint64 = 3 // object header
)

// WordSize is the size of a heap word in bytes.
const WordSize = 8

// SmallInt range (62-bit signed)
const (
	MaxSmallInt int64 = 1<<(63-tagBits) - 1
	MinSmallInt int64 = -(1 << (63 - tagBits))
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool {
	return uint64(v)&tagMask == tagInt
}

// IsObject returns true if v represents a heap object pointer.
func (v Value) IsObject() bool {
	return uint64(v)&tagMask == tagObject
}

// IsMark returns true if v is a header word.
func (v Value) IsMark() bool {
	return uint64(v)&tagMask == tagMark
}

// Tag returns the raw tag bits.
func (v Value) Tag() uint64 {
	return uint64(v) & tagMask
}

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	return int64(v) >> tagBits
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(uint64(n) << tagBits)
}

// TryFromSmallInt creates a Value from an int64, returning false if out of range.
func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return 0, false
	}
	return Value(uint64(n) << tagBits), true
}

// ---------------------------------------------------------------------------
// Object pointer operations
// ---------------------------------------------------------------------------

// Address returns the byte address of the object's mark word.
// Panics if v is not an object.
func (v Value) Address() uint64 {
	if !v.IsObject() {
		panic("Value.Address: not an object")
	}
	return uint64(v) &^ tagMask
}

// FromAddress creates an object Value from a word-aligned byte address.
func FromAddress(addr uint64) Value {
	if asserts && addr&(WordSize-1) != 0 {
		Fatalf("FromAddress: unaligned address %#x", addr)
	}
	return Value(addr | tagObject)
}

// AsMark reinterprets a header word. Panics if v is not a mark.
func (v Value) AsMark() Mark {
	if !v.IsMark() {
		panic("Value.AsMark: not a mark word")
	}
	return Mark(v)
}
