package vm

import "fmt"

// ---------------------------------------------------------------------------
// Shapes
// ---------------------------------------------------------------------------

// Shape selects the payload layout of a klass's instances. The set is closed:
// every klass in the heap has one of these shapes.
type Shape uint8

const (
	ShapeMem Shape = iota
	ShapeSmallInteger
	ShapeDouble
	ShapeByteArray
	ShapeDoubleByteArray
	ShapeDoubleValueArray
	ShapeObjArray
	ShapeWeakArray
	ShapeSymbol
	ShapeAssociation
	ShapeContext
	ShapeMethod
	ShapeMixin
	ShapeProcess
	ShapeProxy
	ShapeVFrame
	ShapeKlass

	numShapes
)

func (s Shape) String() string {
	if s < numShapes {
		return layouts[s].Name()
	}
	return fmt.Sprintf("Shape(%d)", uint8(s))
}

// ---------------------------------------------------------------------------
// Klass objects
// ---------------------------------------------------------------------------

// Every object starts with a mark word and a klass word.
const headerWords = 2

// Word indexes of a klass object's fields.
const (
	klassShapeIndex        = 2
	klassNonIndexableIndex = 3
	klassFlagsIndex        = 4
	klassSuperIndex        = 5
	klassMethodsIndex      = 6
	klassMixinIndex        = 7
	klassNameIndex         = 8

	klassWords = 9
)

// Klass flags
const (
	klassFlagUntagged int64 = 1 << iota
)

// KlassOf returns the klass of v. Small integers answer the SmallInteger klass.
func (h *Heap) KlassOf(v Value) Value {
	if v.IsSmallInt() {
		return h.known.smallInteger
	}
	return Value(h.word(v.Address() + WordSize))
}

// IsKlass returns true if v is a klass object (an instance of a Klass-shaped
// metaklass).
func (h *Heap) IsKlass(v Value) bool {
	if !v.IsObject() || !h.old.ContainsUsed(v.Address()) {
		return false
	}
	meta := h.KlassOf(v)
	if !meta.IsObject() || !h.old.ContainsUsed(meta.Address()) {
		return false
	}
	s := Value(h.word(meta.Address() + klassShapeIndex*WordSize))
	return s.IsSmallInt() && Shape(s.SmallInt()) == ShapeKlass
}

// KlassShape returns the instance shape described by klass.
func (h *Heap) KlassShape(klass Value) Shape {
	s := h.wordAt(klass, klassShapeIndex)
	if !s.IsSmallInt() || s.SmallInt() < 0 || s.SmallInt() >= int64(numShapes) {
		Fatalf("klass %#x has corrupt shape field %#x", uint64(klass), uint64(s))
	}
	return Shape(s.SmallInt())
}

// KlassNonIndexableSize returns the word size of an instance without its
// indexable elements (header, fixed fields, raw tail and length word).
func (h *Heap) KlassNonIndexableSize(klass Value) int {
	return int(h.wordAt(klass, klassNonIndexableIndex).SmallInt())
}

// KlassIsUntagged returns true if instances carry raw payload.
func (h *Heap) KlassIsUntagged(klass Value) bool {
	return h.wordAt(klass, klassFlagsIndex).SmallInt()&klassFlagUntagged != 0
}

// KlassSuperclass returns the superclass or nil.
func (h *Heap) KlassSuperclass(klass Value) Value {
	return h.wordAt(klass, klassSuperIndex)
}

// KlassName returns the klass's name, or "?" if it has none.
func (h *Heap) KlassName(klass Value) string {
	name := h.wordAt(klass, klassNameIndex)
	if name == h.nilObj || !name.IsObject() {
		return "?"
	}
	return string(h.Bytes(name))
}

// KlassMethods returns the method dictionary slot.
func (h *Heap) KlassMethods(klass Value) Value {
	return h.wordAt(klass, klassMethodsIndex)
}

// SetKlassMethods stores the method dictionary.
func (h *Heap) SetKlassMethods(klass, methods Value) {
	h.Store(klass, klass.Address()+klassMethodsIndex*WordSize, methods)
}

// KlassMixin returns the mixin slot.
func (h *Heap) KlassMixin(klass Value) Value {
	return h.wordAt(klass, klassMixinIndex)
}

// SetKlassMixin stores the mixin description.
func (h *Heap) SetKlassMixin(klass, mixin Value) {
	h.Store(klass, klass.Address()+klassMixinIndex*WordSize, mixin)
}

// IsSubclassOf returns true if klass is other or inherits from it.
func (h *Heap) IsSubclassOf(klass, other Value) bool {
	for k := klass; k != h.nilObj; k = h.KlassSuperclass(k) {
		if k == other {
			return true
		}
	}
	return false
}

// initKlass fills a freshly allocated klass object. Pointer fields start as
// small integer 0 so the object is parsable before nil exists.
func (h *Heap) initKlass(addr uint64, meta Value, shape Shape, nonIndexable int, flags int64) Value {
	k := FromAddress(addr)
	h.setWord(addr, uint64(NewMark(false)))
	h.setWord(addr+WordSize, uint64(meta))
	h.setWordAt(k, klassShapeIndex, FromSmallInt(int64(shape)))
	h.setWordAt(k, klassNonIndexableIndex, FromSmallInt(int64(nonIndexable)))
	h.setWordAt(k, klassFlagsIndex, FromSmallInt(flags))
	for i := klassSuperIndex; i < klassWords; i++ {
		h.setWordAt(k, i, FromSmallInt(0))
	}
	return k
}

// NewKlass defines a klass named name inheriting its shape from superclass
// and adding instVars fixed pointer fields. Klasses are always tenured.
func (h *Heap) NewKlass(name string, superclass Value, instVars int) Value {
	if !h.IsKlass(superclass) {
		Fatalf("NewKlass %s: superclass is not a klass", name)
	}
	shape := h.KlassShape(superclass)
	if shape == ShapeSmallInteger || shape == ShapeKlass {
		Fatalf("NewKlass %s: cannot subclass %s shape", name, shape)
	}
	release := h.pushRoots(&superclass)
	defer release()

	sym := h.symbols.LookupString(name)
	release2 := h.pushRoots(&sym)
	defer release2()

	addr := h.AllocateTenured(klassWords)
	if addr == 0 {
		Fatalf("NewKlass %s: old space exhausted", name)
	}
	nonIndexable := h.KlassNonIndexableSize(superclass) + instVars
	flags := h.wordAt(superclass, klassFlagsIndex).SmallInt()
	k := h.initKlass(addr, h.known.metaklass, shape, nonIndexable, flags)
	h.setWordAt(k, klassSuperIndex, superclass)
	h.setWordAt(k, klassMethodsIndex, h.nilObj)
	h.setWordAt(k, klassMixinIndex, h.nilObj)
	h.setWordAt(k, klassNameIndex, sym)
	heapLog.Debugf("defined klass %s (%s, %d words)", name, shape, nonIndexable)
	return k
}
