package vm

import (
	"bytes"
	"errors"
	"testing"
)

// buildImageGraph returns an array holding one object of most shapes, the
// same string twice and an instance of a user-defined Point klass.
func buildImageGraph(h *Heap) Value {
	point := h.NewKlass("Point", h.ObjectKlass(), 2)
	p := h.NewHandle(h.NewInstance(point))
	h.SetField(p.Get(), 0, FromSmallInt(3))
	h.SetField(p.Get(), 1, FromSmallInt(4))

	root := h.NewHandle(h.NewObjArray(16))
	set := func(i int, v Value) { h.AtPut(root.Get(), i, v) }
	set(0, h.NewString("hi"))
	set(1, h.Symbols().LookupString("foo"))
	set(2, h.NewDouble(2.5))
	set(3, FromSmallInt(-42))
	set(4, h.Nil())
	set(5, h.True())
	set(6, h.False())
	set(7, h.At(root.Get(), 0))
	set(8, p.Get())
	set(9, h.NewByteArray([]byte{0, 1, 2, 255}))
	set(10, h.NewDoubleByteArray([]uint16{0x263a, 65}))
	set(11, h.NewDoubleValueArray([]float64{-1, 1e100}))
	set(12, h.NewAssociation(h.Symbols().LookupString("k"), FromSmallInt(1<<40), true))
	set(13, h.NewProcess(h.NewString("main"), 0xdeadbeef))
	sel := h.NewHandle(h.Symbols().LookupString("run"))
	defer sel.Release()
	lits := h.NewArrayOf(FromSmallInt(1))
	set(14, h.NewMethod(sel.Get(), lits, 3, []byte{9, 8, 7}))
	set(15, h.NewWeakArray(2))
	return root.Get()
}

func writeImage(t *testing.T, h *Heap, roots []Value, extended bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := h.WriteBootstrap(&buf, roots, extended); err != nil {
		t.Fatalf("WriteBootstrap: %v", err)
	}
	return buf.Bytes()
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

func TestBootstrapRoundTrip(t *testing.T) {
	src := newTestHeap(t)
	img := writeImage(t, src, []Value{buildImageGraph(src), FromSmallInt(7)}, false)

	h := newTestHeap(t)
	roots, err := h.LoadBootstrap(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("LoadBootstrap: %v", err)
	}
	if len(roots) != 2 || roots[1] != FromSmallInt(7) {
		t.Fatalf("roots = %v", roots)
	}
	a := roots[0]
	if !h.IsOld(a) || h.KlassOf(a) != h.ArrayKlass() || h.Length(a) != 16 {
		t.Fatalf("root is %s", h.String(a))
	}

	if s := h.At(a, 0); h.KlassOf(s) != h.StringKlass() || string(h.Bytes(s)) != "hi" {
		t.Errorf("slot 0 = %s", h.String(s))
	}
	if h.At(a, 1) != h.Symbols().LookupString("foo") {
		t.Error("loaded symbol is not canonical")
	}
	if h.DoubleValue(h.At(a, 2)) != 2.5 {
		t.Error("double corrupted")
	}
	if h.At(a, 3) != FromSmallInt(-42) {
		t.Error("negative small integer corrupted")
	}
	if h.At(a, 4) != h.Nil() || h.At(a, 5) != h.True() || h.At(a, 6) != h.False() {
		t.Error("nil/true/false should be the loading heap's")
	}
	if h.At(a, 7) != h.At(a, 0) {
		t.Error("shared string loaded twice")
	}

	p := h.At(a, 8)
	k := h.KlassOf(p)
	if h.KlassName(k) != "Point" || h.KlassSuperclass(k) != h.ObjectKlass() || h.KlassOf(k) != h.MetaklassKlass() {
		t.Errorf("point klass is %s", h.String(k))
	}
	if h.Field(p, 0) != FromSmallInt(3) || h.Field(p, 1) != FromSmallInt(4) {
		t.Error("point fields corrupted")
	}

	if got := h.Bytes(h.At(a, 9)); !bytes.Equal(got, []byte{0, 1, 2, 255}) {
		t.Errorf("byte array = %v", got)
	}
	w := h.At(a, 10)
	if h.Length(w) != 2 || h.DoubleByteAt(w, 0) != 0x263a || h.DoubleByteAt(w, 1) != 65 {
		t.Error("double-byte array corrupted")
	}
	d := h.At(a, 11)
	if h.DoubleValueAt(d, 0) != -1 || h.DoubleValueAt(d, 1) != 1e100 {
		t.Error("double value array corrupted")
	}
	assoc := h.At(a, 12)
	if h.Field(assoc, associationKey) != h.Symbols().LookupString("k") || h.Field(assoc, associationValue) != FromSmallInt(1<<40) {
		t.Errorf("association = %s", h.String(assoc))
	}
	proc := h.At(a, 13)
	if h.RawWord(proc, 0) != 0xdeadbeef || string(h.Bytes(h.Field(proc, processName))) != "main" {
		t.Error("process corrupted")
	}
	m := h.At(a, 14)
	if h.Field(m, methodFlags) != FromSmallInt(3) || !bytes.Equal(h.Bytes(m), []byte{9, 8, 7}) {
		t.Error("method corrupted")
	}
	if lits := h.Field(m, methodLiterals); h.At(lits, 0) != FromSmallInt(1) {
		t.Error("method literals corrupted")
	}
	if x := h.At(a, 15); h.KlassOf(x) != h.WeakArrayKlass() || h.Length(x) != 2 {
		t.Error("weak array corrupted")
	}
	verifyHeap(t, h)

	// The loaded graph survives collections.
	root := h.NewHandle(a)
	h.FullCollect()
	if string(h.Bytes(h.At(root.Get(), 0))) != "hi" {
		t.Error("loaded graph lost by full collection")
	}
	verifyHeap(t, h)
}

func TestBootstrapKeepsSymbolSubclass(t *testing.T) {
	src := newTestHeap(t)
	selector := src.NewKlass("Selector", src.SymbolKlass(), 0)
	sel := src.allocateObject(selector, 3, true)
	src.putBytes(slotAddr(sel, src.KlassNonIndexableSize(selector)), []byte("zap"))
	img := writeImage(t, src, []Value{sel, src.Symbols().LookupString("foo")}, false)

	h := newTestHeap(t)
	roots, err := h.LoadBootstrap(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("LoadBootstrap: %v", err)
	}
	got := roots[0]
	if name := h.KlassName(h.KlassOf(got)); name != "Selector" {
		t.Errorf("klass = %s, want Selector", name)
	}
	if h.ShapeOf(got) != ShapeSymbol || string(h.Bytes(got)) != "zap" {
		t.Errorf("loaded %s", h.String(got))
	}
	if h.Symbols().LookupString("zap") != got {
		t.Error("subclass instance should be the canonical symbol for its bytes")
	}
	if roots[1] != h.Symbols().LookupString("foo") || h.KlassOf(roots[1]) != h.SymbolKlass() {
		t.Error("plain symbol should resolve through the symbol table")
	}
	verifyHeap(t, h)
}

func TestBootstrapRewriteIsStable(t *testing.T) {
	src := newTestHeap(t)
	img := writeImage(t, src, []Value{buildImageGraph(src)}, true)

	h := newTestHeap(t)
	roots, err := h.LoadBootstrap(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("LoadBootstrap: %v", err)
	}
	again := writeImage(t, h, roots, true)
	if !bytes.Equal(img, again) {
		t.Errorf("rewriting a loaded image changed it: %d bytes vs %d", len(img), len(again))
	}
}

func TestBootstrapExtendedHeader(t *testing.T) {
	src := newTestHeap(t)
	var buf bytes.Buffer
	bw := NewBootstrapWriter(src)
	bw.Extended = true
	hdr, err := bw.Write(&buf, []Value{src.NewString("x")})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !hdr.Extended || hdr.ObjectCount == 0 || hdr.Flags&BootstrapCanonicalSymbols == 0 {
		t.Errorf("header = %+v", hdr)
	}

	h := newTestHeap(t)
	br := NewBootstrapReader(h)
	if _, err := br.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if br.Header() != hdr {
		t.Errorf("read header %+v, wrote %+v", br.Header(), hdr)
	}

	// A wrong object count is caught.
	img := bytes.Clone(buf.Bytes())
	if hdr.ObjectCount >= 127 {
		t.Fatalf("object count %d does not fit one varint byte", hdr.ObjectCount)
	}
	img[1]++
	if _, err := h.LoadBootstrap(bytes.NewReader(img)); !errors.Is(err, ErrBootstrapCorrupt) {
		t.Errorf("count mismatch error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestBootstrapVersionMismatch(t *testing.T) {
	h := newTestHeap(t)
	for _, version := range []uint64{BootstrapVersion - 1, BootstrapVersion + 1, BootstrapVersion + extendedHeader + 1} {
		img := appendVarint(nil, version)
		img = append(img, 0, 0, 0)
		if _, err := h.LoadBootstrap(bytes.NewReader(img)); !errors.Is(err, ErrBootstrapVersion) {
			t.Errorf("version %d: error = %v", version, err)
		}
	}
}

func TestBootstrapTruncated(t *testing.T) {
	src := newTestHeap(t)
	img := writeImage(t, src, []Value{buildImageGraph(src)}, false)

	h := newTestHeap(t)
	oldUsed := h.Old().Used()
	for n := 0; n < len(img); n += 13 {
		if _, err := h.LoadBootstrap(bytes.NewReader(img[:n])); !errors.Is(err, ErrBootstrapEOF) {
			t.Fatalf("truncated at %d of %d: error = %v", n, len(img), err)
		}
	}
	if h.Old().Used() != oldUsed {
		t.Error("failed loads should not allocate")
	}
}

func TestBootstrapCorruptRecords(t *testing.T) {
	h := newTestHeap(t)
	head := appendVarint(nil, BootstrapVersion)
	tests := []struct {
		name string
		body []byte
	}{
		{"unknown record byte", []byte{1, 'Q'}},
		{"dangling back-reference", []byte{1, recRef, 5}},
		{"small integer out of range", append([]byte{1, recPositive}, appendVarint(nil, 1<<62)...)},
		{"instance of a non-klass", []byte{1, 'o', recPositive, 0}},
	}
	for _, tt := range tests {
		img := append(bytes.Clone(head), tt.body...)
		if _, err := h.LoadBootstrap(bytes.NewReader(img)); !errors.Is(err, ErrBootstrapCorrupt) {
			t.Errorf("%s: error = %v", tt.name, err)
		}
	}
}

func TestBootstrapVarint(t *testing.T) {
	tests := []struct {
		n    uint64
		want []byte
	}{
		{0, []byte{0}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xac, 0x02}},
	}
	for _, tt := range tests {
		got := appendVarint(nil, tt.n)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("appendVarint(%d) = %x, want %x", tt.n, got, tt.want)
		}
		n, err := readVarint(bytes.NewReader(got))
		if err != nil || n != tt.n {
			t.Errorf("readVarint(%x) = %d, %v", got, n, err)
		}
	}
	if _, err := readVarint(bytes.NewReader([]byte{0x80})); !errors.Is(err, ErrBootstrapEOF) {
		t.Errorf("truncated varint error = %v", err)
	}
}
