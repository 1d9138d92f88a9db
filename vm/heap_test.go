package vm

import (
	"testing"
)

// newTestHeap returns a small heap: 32KB eden, 8KB survivors, 512KB old.
func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	return newTestHeapWith(t, func(*Options) {})
}

func newTestHeapWith(t *testing.T, adjust func(*Options)) *Heap {
	t.Helper()
	opts := Options{EdenWords: 1 << 12, SurvivorWords: 1 << 10, OldWords: 1 << 16}
	adjust(&opts)
	h, err := NewHeap(opts)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func expectFatal(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); !IsFatal(r) {
			t.Fatalf("expected a fatal error, got %v", r)
		}
	}()
	fn()
}

func verifyHeap(t *testing.T, h *Heap) {
	t.Helper()
	var log VerifyLog
	if !h.Verify(&log) {
		t.Fatalf("heap verification failed: %v", log.Err())
	}
}

// ---------------------------------------------------------------------------
// Creation
// ---------------------------------------------------------------------------

func TestNewHeapRejectsTinySpaces(t *testing.T) {
	if _, err := NewHeap(Options{EdenWords: 8, SurvivorWords: 8, OldWords: 8}); err == nil {
		t.Error("NewHeap should reject spaces below the minimum")
	}
	if _, err := NewHeap(Options{EdenWords: 1 << 12, SurvivorWords: 1 << 10, OldWords: 1 << 16, InitialThreshold: MaxAge + 1}); err == nil {
		t.Error("NewHeap should reject a threshold above MaxAge")
	}
}

func TestNewHeapWellKnownKlasses(t *testing.T) {
	h := newTestHeap(t)

	tests := []struct {
		klass Value
		name  string
		shape Shape
	}{
		{h.MetaklassKlass(), "Metaklass", ShapeKlass},
		{h.ObjectKlass(), "Object", ShapeMem},
		{h.SmallIntegerKlass(), "SmallInteger", ShapeSmallInteger},
		{h.DoubleKlass(), "Double", ShapeDouble},
		{h.StringKlass(), "String", ShapeByteArray},
		{h.ArrayKlass(), "Array", ShapeObjArray},
		{h.WeakArrayKlass(), "WeakArray", ShapeWeakArray},
		{h.SymbolKlass(), "Symbol", ShapeSymbol},
		{h.AssociationKlass(), "Association", ShapeAssociation},
		{h.VFrameKlass(), "VFrame", ShapeVFrame},
	}
	for _, tt := range tests {
		if !h.IsKlass(tt.klass) {
			t.Errorf("%s is not a klass", tt.name)
			continue
		}
		if got := h.KlassName(tt.klass); got != tt.name {
			t.Errorf("KlassName = %q, want %q", got, tt.name)
		}
		if got := h.KlassShape(tt.klass); got != tt.shape {
			t.Errorf("%s shape = %v, want %v", tt.name, got, tt.shape)
		}
		if !h.IsOld(tt.klass) {
			t.Errorf("%s is not tenured", tt.name)
		}
	}
	if h.KlassOf(h.MetaklassKlass()) != h.MetaklassKlass() {
		t.Error("the metaklass should be its own klass")
	}
	if h.KlassOf(FromSmallInt(3)) != h.SmallIntegerKlass() {
		t.Error("KlassOf(small integer) should be SmallInteger")
	}
	if h.KlassSuperclass(h.ObjectKlass()) != h.Nil() {
		t.Error("Object should have no superclass")
	}
	verifyHeap(t, h)
}

func TestHeapIDsAreUnique(t *testing.T) {
	a, b := newTestHeap(t), newTestHeap(t)
	if a.ID() == b.ID() {
		t.Error("two heaps share an ID")
	}
}

// ---------------------------------------------------------------------------
// Klasses and instances
// ---------------------------------------------------------------------------

func TestNewKlassInheritsLayout(t *testing.T) {
	h := newTestHeap(t)
	point := h.NewKlass("Point", h.ObjectKlass(), 2)

	if !h.IsSubclassOf(point, h.ObjectKlass()) {
		t.Error("Point should inherit from Object")
	}
	p := h.NewInstance(point)
	if got := h.NumFields(p); got != 2 {
		t.Fatalf("NumFields = %d, want 2", got)
	}
	h.SetField(p, 0, FromSmallInt(3))
	if got := h.Field(p, 0).SmallInt(); got != 3 {
		t.Errorf("Field(0) = %d, want 3", got)
	}
	if h.Field(p, 1) != h.Nil() {
		t.Error("new fields should be nil")
	}

	point3 := h.NewKlass("Point3", point, 1)
	if got := h.NumFields(h.NewInstance(point3)); got != 3 {
		t.Errorf("Point3 NumFields = %d, want 3", got)
	}

	named := h.NewKlass("NamedArray", h.ArrayKlass(), 1)
	a := h.NewIndexedInstance(named, 4)
	if h.Length(a) != 4 || h.NumFields(a) != 1 {
		t.Errorf("NamedArray: length %d fields %d, want 4 and 1", h.Length(a), h.NumFields(a))
	}
	verifyHeap(t, h)
}

func TestNewKlassRejectsSmallInteger(t *testing.T) {
	h := newTestHeap(t)
	expectFatal(t, func() { h.NewKlass("Bad", h.SmallIntegerKlass(), 0) })
}

func TestByteAndDoubleAccessors(t *testing.T) {
	h := newTestHeap(t)

	b := h.NewByteArray([]byte("0123456789"))
	if got := string(h.Bytes(b)); got != "0123456789" {
		t.Errorf("Bytes = %q", got)
	}
	h.ByteAtPut(b, 9, 'x')
	if h.ByteAt(b, 9) != 'x' || h.ByteAt(b, 8) != '8' {
		t.Error("ByteAtPut disturbed a neighbouring byte")
	}

	w := h.NewDoubleByteArray([]uint16{1, 0xffff, 3, 4, 5})
	h.DoubleByteAtPut(w, 4, 500)
	if h.DoubleByteAt(w, 1) != 0xffff || h.DoubleByteAt(w, 4) != 500 || h.DoubleByteAt(w, 3) != 4 {
		t.Error("double byte elements not preserved")
	}

	d := h.NewDoubleValueArray([]float64{1.5, -2.25})
	if h.DoubleValueAt(d, 1) != -2.25 {
		t.Errorf("DoubleValueAt = %v", h.DoubleValueAt(d, 1))
	}
	if h.DoubleValue(h.NewDouble(3.14)) != 3.14 {
		t.Error("boxed double not preserved")
	}
	if !h.MarkOf(b).IsUntagged() || h.MarkOf(h.NewObjArray(1)).IsUntagged() {
		t.Error("untagged bit should follow the shape")
	}
}

func TestWrongShapeAccessIsFatal(t *testing.T) {
	h := newTestHeap(t)
	a := h.NewObjArray(2)
	expectFatal(t, func() { h.ByteAt(a, 0) })
	expectFatal(t, func() { h.DoubleValue(a) })
	expectFatal(t, func() { h.NewIndexedInstance(h.ObjectKlass(), 3) })
}

func TestFixedShapeConstructors(t *testing.T) {
	h := newTestHeap(t)
	sel := h.Symbols().LookupString("run")

	m := h.NewMethod(sel, h.NewObjArray(0), 7, []byte{1, 2, 3})
	if h.Field(m, methodSelector) != sel || h.Field(m, methodFlags).SmallInt() != 7 {
		t.Error("method fields not set")
	}
	if string(h.Bytes(m)) != "\x01\x02\x03" {
		t.Error("method bytecodes not set")
	}

	p := h.NewProcess(sel, 99)
	if h.RawWord(p, 0) != 99 || h.Field(p, processName) != sel {
		t.Error("process not initialized")
	}
	vf := h.NewVFrame(p, 2, 5, 0xfeed)
	if h.Field(vf, vframeIndex).SmallInt() != 2 || h.RawWord(vf, 0) != 0xfeed {
		t.Error("vframe not initialized")
	}
	if h.RawWord(h.NewProxy(0xdead), 0) != 0xdead {
		t.Error("proxy not initialized")
	}
	ctx := h.NewContext(h.Nil(), 3)
	if h.Length(ctx) != 3 || h.Field(ctx, contextParent) != h.Nil() {
		t.Error("context not initialized")
	}
	mx := h.NewMixin(sel, h.NewObjArray(0), h.NewObjArray(0))
	if h.Field(mx, mixinName) != sel || h.Field(mx, mixinClassMixin) != h.Nil() {
		t.Error("mixin not initialized")
	}
	verifyHeap(t, h)
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

func TestGlobals(t *testing.T) {
	h := newTestHeap(t)
	assoc := h.SetGlobal("answer", FromSmallInt(42))
	if !h.IsOld(assoc) {
		t.Error("global associations should be tenured")
	}
	if v, ok := h.Global("answer"); !ok || v.SmallInt() != 42 {
		t.Errorf("Global = %v, %v", v, ok)
	}
	if again := h.SetGlobal("answer", FromSmallInt(43)); again != assoc {
		t.Error("rebinding should reuse the association")
	}
	if _, ok := h.Global("missing"); ok {
		t.Error("unbound global reported as bound")
	}
}

func TestHandles(t *testing.T) {
	h := newTestHeap(t)
	hd := h.NewHandle(h.NewString("x"))
	if h.Handles().Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Handles().Len())
	}
	h.Scavenge()
	if string(h.Bytes(hd.Get())) != "x" {
		t.Error("handle not updated by scavenge")
	}
	hd.Release()
	if h.Handles().Len() != 0 {
		t.Error("released handle still counted")
	}
	expectFatal(t, func() { hd.Get() })

	again := h.NewHandle(FromSmallInt(1))
	if again.index != hd.index {
		t.Error("released handle slot should be reused")
	}
}

func TestRootSet(t *testing.T) {
	h := newTestHeap(t)
	frame := []Value{h.NewString("frame")}
	remove := h.AddRootSet(RootFunc(func(fn func(*Value)) {
		for i := range frame {
			fn(&frame[i])
		}
	}))
	h.Scavenge()
	if string(h.Bytes(frame[0])) != "frame" {
		t.Error("root set slot not updated")
	}
	remove()
	if len(h.rootSets) != 0 {
		t.Error("root set not removed")
	}
}

type frameRoots struct {
	slots []Value
}

func (f *frameRoots) OopsDo(fn func(*Value)) {
	for i := range f.slots {
		fn(&f.slots[i])
	}
}

func TestRootSetRemove(t *testing.T) {
	h := newTestHeap(t)
	weak := h.NewHandle(h.NewWeakArray(2))
	frame := []Value{h.NewString("func root")}
	removeFunc := h.AddRootSet(RootFunc(func(fn func(*Value)) {
		for i := range frame {
			fn(&frame[i])
		}
	}))
	fr := &frameRoots{slots: []Value{h.NewString("struct root")}}
	removeStruct := h.AddRootSet(fr)
	h.AtPut(weak.Get(), 0, frame[0])
	h.AtPut(weak.Get(), 1, fr.slots[0])

	removeStruct()
	removeStruct()
	if len(h.rootSets) != 1 {
		t.Fatalf("root sets after removing one = %d, want 1", len(h.rootSets))
	}
	h.Scavenge()

	w := weak.Get()
	if h.MarkOf(h.At(w, 0)).IsNearDeath() {
		t.Error("element held by the remaining root set should not be near death")
	}
	if h.At(w, 0) != frame[0] || string(h.Bytes(frame[0])) != "func root" {
		t.Error("remaining root set slot not updated")
	}
	if !h.MarkOf(h.At(w, 1)).IsNearDeath() {
		t.Error("element held only by the removed root set should be near death")
	}

	removeFunc()
	if len(h.rootSets) != 0 {
		t.Error("root set not removed")
	}
	before := frame[0]
	h.Scavenge()
	if frame[0] != before {
		t.Error("removed root set was still visited")
	}
}

func TestHandleStoreAfterScavengingAllocation(t *testing.T) {
	h := newTestHeapWith(t, func(o *Options) { o.EdenWords = 128 })
	root := h.NewHandle(h.NewObjArray(1))
	for h.Eden().Free() >= 4*WordSize {
		h.NewObjArray(0)
	}
	before := h.Stats().Scavenges

	s := h.NewString("x")
	h.AtPut(root.Get(), 0, s)

	if h.Stats().Scavenges != before+1 {
		t.Fatalf("allocating the string should have scavenged (%d scavenges)", h.Stats().Scavenges-before)
	}
	if got := h.At(root.Get(), 0); string(h.Bytes(got)) != "x" {
		t.Errorf("slot 0 = %s", h.String(got))
	}
	h.Scavenge()
	if got := h.At(root.Get(), 0); string(h.Bytes(got)) != "x" {
		t.Error("stored element lost by the next scavenge")
	}
	verifyHeap(t, h)
}

func TestIdentityHash(t *testing.T) {
	h := newTestHeap(t)
	hd := h.NewHandle(h.NewObjArray(1))
	hash := h.IdentityHash(hd.Get())
	if hash == NoHash {
		t.Fatal("identity hash should never be NoHash")
	}
	if h.IdentityHash(hd.Get()) != hash {
		t.Error("identity hash changed between calls")
	}
	h.Scavenge()
	h.FullCollect()
	if h.IdentityHash(hd.Get()) != hash {
		t.Error("identity hash changed across collections")
	}
	if h.IdentityHash(h.NewObjArray(1)) == hash {
		t.Error("two objects share an identity hash")
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func TestAllocationScavengesWhenEdenIsFull(t *testing.T) {
	h := newTestHeap(t)
	keep := h.NewHandle(h.NewString("keep"))
	for i := 0; i < 2000; i++ {
		h.NewObjArray(8)
	}
	if h.Stats().Scavenges == 0 {
		t.Error("filling eden should have triggered a scavenge")
	}
	if string(h.Bytes(keep.Get())) != "keep" {
		t.Error("live object lost")
	}
	verifyHeap(t, h)
}

func TestOversizedAllocationGoesStraightToOldSpace(t *testing.T) {
	h := newTestHeap(t)
	small := h.NewHandle(h.NewString("young"))
	edenUsed := h.Eden().Used()

	big := h.NewByteArray(bigBytes(40000, 1))

	if !h.IsOld(big) {
		t.Error("array larger than eden should be allocated in old space")
	}
	if h.Stats().Scavenges != 0 {
		t.Errorf("scavenges = %d, want 0", h.Stats().Scavenges)
	}
	if h.Eden().Used() != edenUsed || !h.Eden().ContainsUsed(small.Get().Address()) {
		t.Error("eden should be untouched")
	}
	if h.ByteAt(big, 39999) != bigBytes(40000, 1)[39999] {
		t.Error("old-space array contents wrong")
	}
}

func TestBlockScavengeDefersCollection(t *testing.T) {
	h := newTestHeap(t)
	keep := h.NewHandle(h.NewString("keep"))

	unblock := h.BlockScavenge()
	inner := h.BlockScavenge()
	h.Scavenge()
	for i := 0; i < 2000; i++ {
		h.NewObjArray(8)
	}
	if h.Stats().Scavenges != 0 {
		t.Fatal("scavenge ran inside a BlockScavenge scope")
	}
	if !h.ScavengeBlocked() {
		t.Error("ScavengeBlocked should be true")
	}
	inner()
	if !h.ScavengeBlocked() {
		t.Error("nested scope released the outer one")
	}
	unblock()
	expectFatal(t, unblock)

	h.NewObjArray(1)
	if h.Stats().Scavenges != 1 {
		t.Errorf("pending scavenge should run at the next allocation, ran %d", h.Stats().Scavenges)
	}
	if string(h.Bytes(keep.Get())) != "keep" {
		t.Error("live object lost")
	}
	verifyHeap(t, h)
}

func TestExhaustionIsFatal(t *testing.T) {
	h := newTestHeap(t)
	expectFatal(t, func() { h.NewObjArray(1 << 20) })
}

func TestWriteBarrierRecordsOldToYoung(t *testing.T) {
	h := newTestHeap(t)
	assoc := h.SetGlobal("g", FromSmallInt(1))
	if h.RememberedSet().Contains(assoc) {
		t.Error("storing a small integer should not remember the object")
	}
	h.SetGlobal("g", h.NewString("young"))
	if !h.RememberedSet().Contains(assoc) {
		t.Fatal("old association pointing young is not remembered")
	}
	h.Scavenge()
	v, _ := h.Global("g")
	if string(h.Bytes(v)) != "young" {
		t.Error("young object reachable from old space was lost")
	}
	if !h.RememberedSet().Contains(assoc) {
		t.Error("association still points young and should stay remembered")
	}
	verifyHeap(t, h)
}
