package vm

import (
	"math"
)

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// geometry returns obj's layout and the position of its parts.
func (h *Heap) geometry(obj Value) (*baseLayout, geometry) {
	l := h.layoutOf(obj).base()
	return l, l.geometryOf(h, obj)
}

// slotAddr returns the byte address of word i of obj.
func slotAddr(obj Value, i int) uint64 {
	return obj.Address() + uint64(i)*WordSize
}

// NumFields returns the number of fixed pointer fields of obj.
func (h *Heap) NumFields(obj Value) int {
	_, g := h.geometry(obj)
	return g.fixedEnd - headerWords
}

// Field returns fixed pointer field i of obj (0-based, after the header).
func (h *Heap) Field(obj Value, i int) Value {
	_, g := h.geometry(obj)
	assert(i >= 0 && headerWords+i < g.fixedEnd, "field %d out of range for %s", i, h.KlassName(h.KlassOf(obj)))
	return h.wordAt(obj, headerWords+i)
}

// SetField stores v into fixed pointer field i of obj through the write
// barrier.
func (h *Heap) SetField(obj Value, i int, v Value) {
	_, g := h.geometry(obj)
	assert(i >= 0 && headerWords+i < g.fixedEnd, "field %d out of range for %s", i, h.KlassName(h.KlassOf(obj)))
	h.Store(obj, slotAddr(obj, headerWords+i), v)
}

// RawWord returns untagged tail word i of obj.
func (h *Heap) RawWord(obj Value, i int) uint64 {
	l, g := h.geometry(obj)
	assert(i >= 0 && i < l.raw, "raw word %d out of range for %s", i, l.name)
	return h.word(slotAddr(obj, g.fixedEnd+i))
}

// SetRawWord stores untagged tail word i of obj.
func (h *Heap) SetRawWord(obj Value, i int, w uint64) {
	l, g := h.geometry(obj)
	assert(i >= 0 && i < l.raw, "raw word %d out of range for %s", i, l.name)
	h.setWord(slotAddr(obj, g.fixedEnd+i), w)
}

// Length returns the number of indexable elements of obj, 0 for
// non-indexable shapes.
func (h *Heap) Length(obj Value) int {
	_, g := h.geometry(obj)
	return g.length
}

func (h *Heap) checkIndex(obj Value, kind elementKind, i int) (*baseLayout, geometry) {
	l, g := h.geometry(obj)
	if l.elem != kind {
		Fatalf("%s has no %s elements", h.KlassName(h.KlassOf(obj)), kindName(kind))
	}
	assert(i >= 0 && i < g.length, "index %d out of range [0, %d)", i, g.length)
	return l, g
}

func kindName(k elementKind) string {
	switch k {
	case elemOop:
		return "pointer"
	case elemByte:
		return "byte"
	case elemDoubleByte:
		return "double byte"
	case elemDouble:
		return "double"
	}
	return "indexable"
}

// At returns pointer element i of obj.
func (h *Heap) At(obj Value, i int) Value {
	_, g := h.checkIndex(obj, elemOop, i)
	return h.wordAt(obj, g.nonIndexable+i)
}

// AtPut stores v into pointer element i of obj through the write barrier.
// obj is an address: evaluate any allocating argument before reading obj
// from a handle, since a collection moves it.
func (h *Heap) AtPut(obj Value, i int, v Value) {
	_, g := h.checkIndex(obj, elemOop, i)
	h.Store(obj, slotAddr(obj, g.nonIndexable+i), v)
}

// ByteAt returns byte element i of obj. Bytes are packed eight to a word,
// lowest byte first.
func (h *Heap) ByteAt(obj Value, i int) byte {
	_, g := h.checkIndex(obj, elemByte, i)
	w := h.word(slotAddr(obj, g.nonIndexable+i/8))
	return byte(w >> (uint(i%8) * 8))
}

// ByteAtPut stores byte element i of obj.
func (h *Heap) ByteAtPut(obj Value, i int, b byte) {
	_, g := h.checkIndex(obj, elemByte, i)
	addr := slotAddr(obj, g.nonIndexable+i/8)
	shift := uint(i%8) * 8
	w := h.word(addr)&^(0xff<<shift) | uint64(b)<<shift
	h.setWord(addr, w)
}

// Bytes returns a copy of the byte elements of obj.
func (h *Heap) Bytes(obj Value) []byte {
	l, g := h.geometry(obj)
	if l.elem != elemByte {
		Fatalf("%s has no byte elements", h.KlassName(h.KlassOf(obj)))
	}
	return h.bytesAt(slotAddr(obj, g.nonIndexable), g.length)
}

func (h *Heap) bytesAt(addr uint64, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		w := h.word(addr + uint64(i/8)*WordSize)
		b[i] = byte(w >> (uint(i%8) * 8))
	}
	return b
}

func (h *Heap) putBytes(addr uint64, b []byte) {
	words := h.words(addr, elementWords(elemByte, len(b)))
	clear(words)
	for i, c := range b {
		words[i/8] |= uint64(c) << (uint(i%8) * 8)
	}
}

// DoubleByteAt returns 16-bit element i of obj.
func (h *Heap) DoubleByteAt(obj Value, i int) uint16 {
	_, g := h.checkIndex(obj, elemDoubleByte, i)
	w := h.word(slotAddr(obj, g.nonIndexable+i/4))
	return uint16(w >> (uint(i%4) * 16))
}

// DoubleByteAtPut stores 16-bit element i of obj.
func (h *Heap) DoubleByteAtPut(obj Value, i int, c uint16) {
	_, g := h.checkIndex(obj, elemDoubleByte, i)
	addr := slotAddr(obj, g.nonIndexable+i/4)
	shift := uint(i%4) * 16
	w := h.word(addr)&^(0xffff<<shift) | uint64(c)<<shift
	h.setWord(addr, w)
}

// DoubleValueAt returns float element i of obj.
func (h *Heap) DoubleValueAt(obj Value, i int) float64 {
	_, g := h.checkIndex(obj, elemDouble, i)
	return math.Float64frombits(h.word(slotAddr(obj, g.nonIndexable+i)))
}

// DoubleValueAtPut stores float element i of obj.
func (h *Heap) DoubleValueAtPut(obj Value, i int, f float64) {
	_, g := h.checkIndex(obj, elemDouble, i)
	h.setWord(slotAddr(obj, g.nonIndexable+i), math.Float64bits(f))
}

// DoubleValue returns the value of a boxed Double.
func (h *Heap) DoubleValue(obj Value) float64 {
	if h.ShapeOf(obj) != ShapeDouble {
		Fatalf("%s is not a Double", h.KlassName(h.KlassOf(obj)))
	}
	return math.Float64frombits(h.RawWord(obj, 0))
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Field indexes of the fixed-layout shapes.
const (
	contextParent = 0

	methodSelector = 0
	methodLiterals = 1
	methodFlags    = 2

	mixinName       = 0
	mixinMethods    = 1
	mixinInstVars   = 2
	mixinClassVars  = 3
	mixinPrimary    = 4
	mixinClassMixin = 5

	processName = 0

	vframeProcess   = 0
	vframeIndex     = 1
	vframeTimeStamp = 2
)

// NewInstance allocates a non-indexable instance of klass with nil fields.
func (h *Heap) NewInstance(klass Value) Value {
	return h.allocateObject(klass, 0, false)
}

// NewIndexedInstance allocates an instance of an indexable klass with n
// elements.
func (h *Heap) NewIndexedInstance(klass Value, n int) Value {
	return h.allocateObject(klass, n, false)
}

// NewObjArray allocates an Array of n nils.
func (h *Heap) NewObjArray(n int) Value {
	return h.allocateObject(h.known.array, n, false)
}

// NewArrayOf allocates an Array holding elems.
func (h *Heap) NewArrayOf(elems ...Value) Value {
	ptrs := make([]*Value, len(elems))
	for i := range elems {
		ptrs[i] = &elems[i]
	}
	release := h.pushRoots(ptrs...)
	defer release()
	a := h.allocateObject(h.known.array, len(elems), false)
	for i, e := range elems {
		h.AtPut(a, i, e)
	}
	return a
}

// NewWeakArray allocates a WeakArray of n nils.
func (h *Heap) NewWeakArray(n int) Value {
	return h.allocateObject(h.known.weakArray, n, false)
}

// NewByteArray allocates a ByteArray holding a copy of b.
func (h *Heap) NewByteArray(b []byte) Value {
	obj := h.allocateObject(h.known.byteArray, len(b), false)
	h.putBytes(slotAddr(obj, h.KlassNonIndexableSize(h.known.byteArray)), b)
	return obj
}

// NewString allocates a String holding s.
func (h *Heap) NewString(s string) Value {
	obj := h.allocateObject(h.known.string, len(s), false)
	h.putBytes(slotAddr(obj, h.KlassNonIndexableSize(h.known.string)), []byte(s))
	return obj
}

// NewDoubleByteArray allocates a DoubleByteArray holding units.
func (h *Heap) NewDoubleByteArray(units []uint16) Value {
	obj := h.allocateObject(h.known.doubleByteArray, len(units), false)
	for i, c := range units {
		h.DoubleByteAtPut(obj, i, c)
	}
	return obj
}

// NewDoubleValueArray allocates a DoubleValueArray holding fs.
func (h *Heap) NewDoubleValueArray(fs []float64) Value {
	obj := h.allocateObject(h.known.doubleValueArray, len(fs), false)
	for i, f := range fs {
		h.DoubleValueAtPut(obj, i, f)
	}
	return obj
}

// NewDouble allocates a boxed Double.
func (h *Heap) NewDouble(f float64) Value {
	obj := h.allocateObject(h.known.double, 0, false)
	h.SetRawWord(obj, 0, math.Float64bits(f))
	return obj
}

// NewAssociation allocates a young Association key->value.
func (h *Heap) NewAssociation(key, value Value, constant bool) Value {
	return h.newAssociation(key, value, constant, false)
}

func (h *Heap) newAssociation(key, value Value, constant, tenured bool) Value {
	release := h.pushRoots(&key, &value)
	defer release()
	obj := h.allocateObject(h.known.association, 0, tenured)
	h.SetField(obj, associationKey, key)
	h.SetField(obj, associationValue, value)
	h.SetField(obj, associationIsConstant, h.FromBool(constant))
	return obj
}

// NewContext allocates a Context with n temporaries and the given parent.
func (h *Heap) NewContext(parent Value, n int) Value {
	release := h.pushRoots(&parent)
	defer release()
	obj := h.allocateObject(h.known.context, n, false)
	h.SetField(obj, contextParent, parent)
	return obj
}

// NewMethod allocates a Method holding a copy of code.
func (h *Heap) NewMethod(selector, literals Value, flags int64, code []byte) Value {
	release := h.pushRoots(&selector, &literals)
	defer release()
	obj := h.allocateObject(h.known.method, len(code), false)
	h.SetField(obj, methodSelector, selector)
	h.SetField(obj, methodLiterals, literals)
	h.SetField(obj, methodFlags, FromSmallInt(flags))
	h.putBytes(slotAddr(obj, h.KlassNonIndexableSize(h.known.method)), code)
	return obj
}

// NewMixin allocates a Mixin named name with the given method and instance
// variable arrays.
func (h *Heap) NewMixin(name, methods, instVars Value) Value {
	release := h.pushRoots(&name, &methods, &instVars)
	defer release()
	obj := h.allocateObject(h.known.mixin, 0, false)
	h.SetField(obj, mixinName, name)
	h.SetField(obj, mixinMethods, methods)
	h.SetField(obj, mixinInstVars, instVars)
	return obj
}

// NewProcess allocates a Process wrapping a native process id.
func (h *Heap) NewProcess(name Value, native uint64) Value {
	release := h.pushRoots(&name)
	defer release()
	obj := h.allocateObject(h.known.process, 0, false)
	h.SetField(obj, processName, name)
	h.SetRawWord(obj, 0, native)
	return obj
}

// NewProxy allocates a Proxy holding an external pointer.
func (h *Heap) NewProxy(ptr uint64) Value {
	obj := h.allocateObject(h.known.proxy, 0, false)
	h.SetRawWord(obj, 0, ptr)
	return obj
}

// NewVFrame allocates a VFrame naming frame index of process at timeStamp.
func (h *Heap) NewVFrame(process Value, index, timeStamp int64, frame uint64) Value {
	release := h.pushRoots(&process)
	defer release()
	obj := h.allocateObject(h.known.vframe, 0, false)
	h.SetField(obj, vframeProcess, process)
	h.SetField(obj, vframeIndex, FromSmallInt(index))
	h.SetField(obj, vframeTimeStamp, FromSmallInt(timeStamp))
	h.SetRawWord(obj, 0, frame)
	return obj
}
