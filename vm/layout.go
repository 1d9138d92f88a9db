package vm

import (
	"fmt"
	"io"
	"strings"
)

// ---------------------------------------------------------------------------
// Layout: per-shape dispatch
// ---------------------------------------------------------------------------

// layout implements the shape-specific operations on instances. There is one
// layout per Shape in the layouts table; an object reaches its layout through
// its klass's shape field, so callers never switch on the concrete shape.
type layout interface {
	Shape() Shape
	Name() string
	untagged() bool
	base() *baseLayout

	// size returns the instance's total size in words.
	size(h *Heap, obj Value) int

	// oopsDo calls fn with the address of every pointer-valued payload slot.
	// The klass word is not included.
	oopsDo(h *Heap, obj Value, fn func(slot uint64))

	// scavengeContents scavenges every pointer slot and returns the size.
	scavengeContents(s *scavenger, obj Value) int

	// followContents marks through every pointer slot for the full collector.
	followContents(m *markCompact, obj Value)

	// adjustContents rewrites every pointer slot, the klass word last, to the
	// post-compaction addresses and returns the size.
	adjustContents(m *markCompact, obj Value) int

	print(h *Heap, obj Value, w io.Writer)
	verify(h *Heap, obj Value, r Reporter) bool
}

type elementKind uint8

const (
	elemNone elementKind = iota
	elemOop
	elemByte
	elemDoubleByte
	elemDouble
)

// elementWords returns the words needed for n elements of kind.
func elementWords(kind elementKind, n int) int {
	switch kind {
	case elemOop, elemDouble:
		return n
	case elemByte:
		return (n + 7) / 8
	case elemDoubleByte:
		return (n + 3) / 4
	}
	return 0
}

// geometry locates the parts of one instance, in words from its start.
type geometry struct {
	fixedEnd     int // pointer fields are [headerWords, fixedEnd)
	nonIndexable int // elements start here
	length       int // indexable element count
	size         int
}

// baseLayout implements the operations shared by all shapes.
type baseLayout struct {
	shape Shape
	name  string
	elem  elementKind
	raw   int // untagged words between the fixed fields and the length word
}

func (l *baseLayout) Shape() Shape   { return l.shape }
func (l *baseLayout) Name() string   { return l.name }
func (l *baseLayout) untagged() bool { return l.raw > 0 || (l.elem != elemNone && l.elem != elemOop) }

func (l *baseLayout) base() *baseLayout { return l }

func (l *baseLayout) indexable() bool { return l.elem != elemNone }

func (l *baseLayout) geometryOf(h *Heap, obj Value) geometry {
	return l.geometryWith(h, obj, h.KlassNonIndexableSize(h.KlassOf(obj)))
}

// geometryWith computes the geometry from an already known non-indexable
// size, for callers that cannot read the klass.
func (l *baseLayout) geometryWith(h *Heap, obj Value, nonIndexable int) geometry {
	g := geometry{nonIndexable: nonIndexable, fixedEnd: nonIndexable - l.raw}
	if l.indexable() {
		g.fixedEnd--
		g.length = int(h.wordAt(obj, nonIndexable-1).SmallInt())
	}
	g.size = nonIndexable + elementWords(l.elem, g.length)
	return g
}

func (l *baseLayout) size(h *Heap, obj Value) int {
	return l.geometryOf(h, obj).size
}

func (l *baseLayout) fixedOopsDo(h *Heap, obj Value, g geometry, fn func(slot uint64)) {
	base := obj.Address()
	for i := headerWords; i < g.fixedEnd; i++ {
		fn(base + uint64(i)*WordSize)
	}
}

func (l *baseLayout) elementOopsDo(h *Heap, obj Value, g geometry, fn func(slot uint64)) {
	if l.elem != elemOop {
		return
	}
	base := obj.Address() + uint64(g.nonIndexable)*WordSize
	for i := 0; i < g.length; i++ {
		fn(base + uint64(i)*WordSize)
	}
}

func (l *baseLayout) oopsDo(h *Heap, obj Value, fn func(slot uint64)) {
	g := l.geometryOf(h, obj)
	l.fixedOopsDo(h, obj, g, fn)
	l.elementOopsDo(h, obj, g, fn)
}

func (l *baseLayout) scavengeContents(s *scavenger, obj Value) int {
	// The klass word needs no visit: klasses are always tenured.
	g := l.geometryOf(s.h, obj)
	l.fixedOopsDo(s.h, obj, g, s.scavengeSlot)
	l.elementOopsDo(s.h, obj, g, s.scavengeSlot)
	return g.size
}

func (l *baseLayout) followContents(m *markCompact, obj Value) {
	g := l.geometryOf(m.h, obj)
	l.fixedOopsDo(m.h, obj, g, m.markSlot)
	l.elementOopsDo(m.h, obj, g, m.markSlot)
}

func (l *baseLayout) adjustContents(m *markCompact, obj Value) int {
	g := l.geometryOf(m.h, obj)
	l.fixedOopsDo(m.h, obj, g, m.adjustSlot)
	l.elementOopsDo(m.h, obj, g, m.adjustSlot)
	m.adjustSlot(slotAddr(obj, 1))
	return g.size
}

func (l *baseLayout) print(h *Heap, obj Value, w io.Writer) {
	g := l.geometryOf(h, obj)
	fmt.Fprintf(w, "%s", article(h.KlassName(h.KlassOf(obj))))
	if l.indexable() {
		fmt.Fprintf(w, "(%d)", g.length)
	}
	var fields []string
	l.fixedOopsDo(h, obj, g, func(slot uint64) {
		fields = append(fields, h.shortString(Value(h.word(slot))))
	})
	l.elementOopsDo(h, obj, g, func(slot uint64) {
		if len(fields) < 16 {
			fields = append(fields, h.shortString(Value(h.word(slot))))
		}
	})
	if len(fields) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(fields, " "))
	}
}

func (l *baseLayout) verify(h *Heap, obj Value, r Reporter) bool {
	ok := true
	g := l.geometryOf(h, obj)
	if l.indexable() && g.length < 0 {
		report(r, obj, h, fmt.Sprintf("negative length %d", g.length))
		return false
	}
	l.fixedOopsDo(h, obj, g, func(slot uint64) {
		ok = h.verifySlot(obj, slot, r) && ok
	})
	l.elementOopsDo(h, obj, g, func(slot uint64) {
		ok = h.verifySlot(obj, slot, r) && ok
	})
	return ok
}

// ---------------------------------------------------------------------------
// Shape-specific layouts
// ---------------------------------------------------------------------------

type memLayout struct{ baseLayout }

type smallIntegerLayout struct{ baseLayout }

func (l *smallIntegerLayout) size(h *Heap, obj Value) int {
	Fatalf("SmallInteger has no heap instances (%#x)", uint64(obj))
	return 0
}

func (l *smallIntegerLayout) oopsDo(h *Heap, obj Value, fn func(uint64)) {
	Fatalf("SmallInteger has no heap instances (%#x)", uint64(obj))
}

func (l *smallIntegerLayout) scavengeContents(s *scavenger, obj Value) int {
	Fatalf("SmallInteger has no heap instances (%#x)", uint64(obj))
	return 0
}

func (l *smallIntegerLayout) followContents(m *markCompact, obj Value) {
	Fatalf("SmallInteger has no heap instances (%#x)", uint64(obj))
}

func (l *smallIntegerLayout) adjustContents(m *markCompact, obj Value) int {
	Fatalf("SmallInteger has no heap instances (%#x)", uint64(obj))
	return 0
}

func (l *smallIntegerLayout) verify(h *Heap, obj Value, r Reporter) bool {
	report(r, obj, h, "heap object with SmallInteger klass")
	return false
}

type doubleLayout struct{ baseLayout }

func (l *doubleLayout) print(h *Heap, obj Value, w io.Writer) {
	fmt.Fprintf(w, "%v", h.DoubleValue(obj))
}

type byteArrayLayout struct{ baseLayout }

func (l *byteArrayLayout) print(h *Heap, obj Value, w io.Writer) {
	if h.KlassOf(obj) == h.known.string {
		fmt.Fprintf(w, "%q", h.Bytes(obj))
		return
	}
	l.baseLayout.print(h, obj, w)
}

type doubleByteArrayLayout struct{ baseLayout }

type doubleValueArrayLayout struct{ baseLayout }

type objArrayLayout struct{ baseLayout }

// weakArrayLayout defers its indexable part to the weak-array registry while
// a collection phase is active.
type weakArrayLayout struct{ baseLayout }

func (l *weakArrayLayout) scavengeContents(s *scavenger, obj Value) int {
	g := l.geometryOf(s.h, obj)
	l.fixedOopsDo(s.h, obj, g, s.scavengeSlot)
	if !s.h.weak.Register(obj, g.nonIndexable) {
		l.elementOopsDo(s.h, obj, g, s.scavengeSlot)
	}
	return g.size
}

func (l *weakArrayLayout) followContents(m *markCompact, obj Value) {
	g := l.geometryOf(m.h, obj)
	l.fixedOopsDo(m.h, obj, g, m.markSlot)
	if !m.h.weak.Register(obj, g.nonIndexable) {
		l.elementOopsDo(m.h, obj, g, m.markSlot)
	}
}

type symbolLayout struct{ baseLayout }

func (l *symbolLayout) print(h *Heap, obj Value, w io.Writer) {
	fmt.Fprintf(w, "#%s", h.Bytes(obj))
}

func (l *symbolLayout) verify(h *Heap, obj Value, r Reporter) bool {
	ok := l.baseLayout.verify(h, obj, r)
	if !h.old.ContainsUsed(obj.Address()) {
		report(r, obj, h, "symbol is not tenured")
		ok = false
	}
	if canon := h.symbols.find(h.Bytes(obj)); canon != obj {
		report(r, obj, h, "symbol is not canonical")
		ok = false
	}
	return ok
}

type associationLayout struct{ baseLayout }

// Association field indexes.
const (
	associationKey = iota
	associationValue
	associationIsConstant
)

func (l *associationLayout) print(h *Heap, obj Value, w io.Writer) {
	fmt.Fprintf(w, "%s->%s", h.shortString(h.Field(obj, associationKey)), h.shortString(h.Field(obj, associationValue)))
}

func (l *associationLayout) verify(h *Heap, obj Value, r Reporter) bool {
	ok := l.baseLayout.verify(h, obj, r)
	key := h.Field(obj, associationKey)
	if key != h.nilObj && (!key.IsObject() || h.KlassShape(h.KlassOf(key)) != ShapeSymbol) {
		report(r, obj, h, "association key is not a symbol")
		ok = false
	}
	return ok
}

type contextLayout struct{ baseLayout }

type methodLayout struct{ baseLayout }

type mixinLayout struct{ baseLayout }

type processLayout struct{ baseLayout }

type proxyLayout struct{ baseLayout }

func (l *proxyLayout) print(h *Heap, obj Value, w io.Writer) {
	fmt.Fprintf(w, "%s(%#x)", article(h.KlassName(h.KlassOf(obj))), h.RawWord(obj, 0))
}

type vframeLayout struct{ baseLayout }

type klassLayout struct{ baseLayout }

func (l *klassLayout) print(h *Heap, obj Value, w io.Writer) {
	fmt.Fprintf(w, "%s <%s>", h.KlassName(obj), h.KlassShape(obj))
}

func (l *klassLayout) verify(h *Heap, obj Value, r Reporter) bool {
	ok := l.baseLayout.verify(h, obj, r)
	s := h.wordAt(obj, klassShapeIndex)
	if !s.IsSmallInt() || s.SmallInt() < 0 || s.SmallInt() >= int64(numShapes) {
		report(r, obj, h, "klass shape field is corrupt")
		return false
	}
	n := h.wordAt(obj, klassNonIndexableIndex)
	if !n.IsSmallInt() || n.SmallInt() < headerWords {
		report(r, obj, h, "klass non-indexable size is corrupt")
		ok = false
	}
	if sup := h.KlassSuperclass(obj); sup != h.nilObj && !h.IsKlass(sup) {
		report(r, obj, h, "klass superclass is not a klass")
		ok = false
	}
	if name := h.wordAt(obj, klassNameIndex); name != h.nilObj &&
		(!name.IsObject() || h.KlassShape(h.KlassOf(name)) != ShapeSymbol) {
		report(r, obj, h, "klass name is not a symbol")
		ok = false
	}
	if !h.old.ContainsUsed(obj.Address()) {
		report(r, obj, h, "klass is not tenured")
		ok = false
	}
	return ok
}

// layouts is indexed by Shape.
var layouts = [numShapes]layout{
	ShapeMem:              &memLayout{baseLayout{shape: ShapeMem, name: "Mem"}},
	ShapeSmallInteger:     &smallIntegerLayout{baseLayout{shape: ShapeSmallInteger, name: "SmallInteger"}},
	ShapeDouble:           &doubleLayout{baseLayout{shape: ShapeDouble, name: "Double", raw: 1}},
	ShapeByteArray:        &byteArrayLayout{baseLayout{shape: ShapeByteArray, name: "ByteArray", elem: elemByte}},
	ShapeDoubleByteArray:  &doubleByteArrayLayout{baseLayout{shape: ShapeDoubleByteArray, name: "DoubleByteArray", elem: elemDoubleByte}},
	ShapeDoubleValueArray: &doubleValueArrayLayout{baseLayout{shape: ShapeDoubleValueArray, name: "DoubleValueArray", elem: elemDouble}},
	ShapeObjArray:         &objArrayLayout{baseLayout{shape: ShapeObjArray, name: "ObjArray", elem: elemOop}},
	ShapeWeakArray:        &weakArrayLayout{baseLayout{shape: ShapeWeakArray, name: "WeakArray", elem: elemOop}},
	ShapeSymbol:           &symbolLayout{baseLayout{shape: ShapeSymbol, name: "Symbol", elem: elemByte}},
	ShapeAssociation:      &associationLayout{baseLayout{shape: ShapeAssociation, name: "Association"}},
	ShapeContext:          &contextLayout{baseLayout{shape: ShapeContext, name: "Context", elem: elemOop}},
	ShapeMethod:           &methodLayout{baseLayout{shape: ShapeMethod, name: "Method", elem: elemByte}},
	ShapeMixin:            &mixinLayout{baseLayout{shape: ShapeMixin, name: "Mixin"}},
	ShapeProcess:          &processLayout{baseLayout{shape: ShapeProcess, name: "Process", raw: 1}},
	ShapeProxy:            &proxyLayout{baseLayout{shape: ShapeProxy, name: "Proxy", raw: 1}},
	ShapeVFrame:           &vframeLayout{baseLayout{shape: ShapeVFrame, name: "VFrame", raw: 1}},
	ShapeKlass:            &klassLayout{baseLayout{shape: ShapeKlass, name: "Klass"}},
}

// layoutOf dispatches through obj's klass.
func (h *Heap) layoutOf(obj Value) layout {
	return layouts[h.KlassShape(h.KlassOf(obj))]
}

// SizeOf returns the word size of a heap object.
func (h *Heap) SizeOf(obj Value) int {
	return h.layoutOf(obj).size(h, obj)
}

// ShapeOf returns the shape of v's klass.
func (h *Heap) ShapeOf(v Value) Shape {
	return h.KlassShape(h.KlassOf(v))
}

func article(name string) string {
	if name == "" {
		return "a ?"
	}
	switch name[0] {
	case 'A', 'E', 'I', 'O', 'U':
		return "an " + name
	}
	return "a " + name
}
