package vm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/tliron/commonlog"
)

var bootstrapLog = commonlog.GetLogger("oopmem.bootstrap")

// maxBootstrapLength bounds element counts so a corrupt length cannot
// exhaust memory before the allocator sees it.
const maxBootstrapLength = 1 << 28

// bootRef is a parsed value: a literal or the index of an object record.
type bootRef struct {
	lit Value
	idx int // -1 for literals
}

// bootRecord is one parsed object record.
type bootRecord struct {
	klass bool
	shape Shape

	// klass records
	nonIndexable int
	flags        int64
	meta         bootRef
	name         bootRef
	super        bootRef
	mixin        bootRef
	methods      bootRef
	bound        bool // resolved to one of the heap's own klasses
	interned     bool // Symbol instance resolved through the symbol table

	// instance records
	klassRef bootRef
	fields   []bootRef
	raw      []uint64
	length   int
	oops     []bootRef
	bytes    []byte
	units    []uint16
	doubles  []float64

	obj Value
}

// BootstrapReader loads bootstrap images into a heap.
type BootstrapReader struct {
	h       *Heap
	r       *bufio.Reader
	header  BootstrapHeader
	records []*bootRecord
}

// NewBootstrapReader returns a reader loading into h.
func NewBootstrapReader(h *Heap) *BootstrapReader {
	return &BootstrapReader{h: h}
}

// Load reads an image and materializes it in old space. The whole image is
// parsed before anything is allocated, so records may refer to objects whose
// records come later. Returns the roots in image order.
func (br *BootstrapReader) Load(r io.Reader) ([]Value, error) {
	br.r = bufio.NewReader(r)
	br.records = nil

	if err := br.readHeader(); err != nil {
		return nil, err
	}
	n, err := readVarint(br.r)
	if err != nil {
		return nil, fmt.Errorf("read root count: %w", err)
	}
	if n > maxBootstrapLength {
		return nil, fmt.Errorf("%w: %d roots", ErrBootstrapCorrupt, n)
	}
	roots := make([]bootRef, n)
	for i := range roots {
		if roots[i], err = br.parseValue(); err != nil {
			return nil, fmt.Errorf("read root %d: %w", i, err)
		}
	}
	if br.header.Extended && br.header.ObjectCount != uint64(len(br.records)) {
		return nil, fmt.Errorf("%w: header announces %d objects, image holds %d",
			ErrBootstrapCorrupt, br.header.ObjectCount, len(br.records))
	}

	h := br.h
	unblock := h.BlockScavenge()
	defer unblock()
	if err := br.materialize(); err != nil {
		return nil, err
	}
	values := make([]Value, len(roots))
	for i, ref := range roots {
		values[i] = br.resolve(ref)
	}
	bootstrapLog.Infof("loaded bootstrap image v%d: %d roots, %d objects", br.header.Version, len(values), len(br.records))
	return values, nil
}

// Header returns the header of the last image read.
func (br *BootstrapReader) Header() BootstrapHeader { return br.header }

func (br *BootstrapReader) readHeader() error {
	v, err := readVarint(br.r)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	hdr := BootstrapHeader{Version: v}
	if v >= extendedHeader {
		hdr.Extended = true
		hdr.Version = v - extendedHeader
		if hdr.ObjectCount, err = readVarint(br.r); err != nil {
			return fmt.Errorf("read object count: %w", err)
		}
		if hdr.Flags, err = readVarint(br.r); err != nil {
			return fmt.Errorf("read flags: %w", err)
		}
	}
	if hdr.Version != BootstrapVersion {
		return fmt.Errorf("%w: image version %d, expected %d", ErrBootstrapVersion, hdr.Version, BootstrapVersion)
	}
	br.header = hdr
	return nil
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

func (br *BootstrapReader) readByte() (byte, error) {
	c, err := br.r.ReadByte()
	if err == io.EOF {
		return 0, ErrBootstrapEOF
	}
	return c, err
}

func (br *BootstrapReader) readFull(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(br.r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBootstrapEOF
		}
		return nil, err
	}
	return b, nil
}

func (br *BootstrapReader) readSize(what string, limit uint64) (int, error) {
	n, err := readVarint(br.r)
	if err != nil {
		return 0, err
	}
	if n > limit {
		return 0, fmt.Errorf("%w: %s %d exceeds %d", ErrBootstrapCorrupt, what, n, limit)
	}
	return int(n), nil
}

func (br *BootstrapReader) parseValue() (bootRef, error) {
	h := br.h
	c, err := br.readByte()
	if err != nil {
		return bootRef{}, err
	}
	switch c {
	case recPositive, recNegative:
		n, err := readVarint(br.r)
		if err != nil {
			return bootRef{}, err
		}
		if n > uint64(MaxSmallInt)+1 || (c == recPositive && n > uint64(MaxSmallInt)) {
			return bootRef{}, fmt.Errorf("%w: small integer magnitude %d out of range", ErrBootstrapCorrupt, n)
		}
		i := int64(n)
		if c == recNegative {
			i = -i
		}
		return bootRef{lit: FromSmallInt(i), idx: -1}, nil
	case recRef:
		n, err := readVarint(br.r)
		if err != nil {
			return bootRef{}, err
		}
		if n >= uint64(len(br.records)) {
			return bootRef{}, fmt.Errorf("%w: back-reference %d to unknown object", ErrBootstrapCorrupt, n)
		}
		return bootRef{idx: int(n)}, nil
	case recNil:
		return bootRef{lit: h.nilObj, idx: -1}, nil
	case recTrue:
		return bootRef{lit: h.trueObj, idx: -1}, nil
	case recFalse:
		return bootRef{lit: h.falseObj, idx: -1}, nil
	}
	shape, ok := shapeForLetter(c)
	if !ok {
		return bootRef{}, fmt.Errorf("%w: unknown record byte %q", ErrBootstrapCorrupt, c)
	}
	if isKlassLetter(c) {
		return br.parseKlass(shape)
	}
	return br.parseInstance(shape)
}

func (br *BootstrapReader) add(rec *bootRecord) bootRef {
	br.records = append(br.records, rec)
	return bootRef{idx: len(br.records) - 1}
}

func (br *BootstrapReader) parseKlass(shape Shape) (bootRef, error) {
	rec := &bootRecord{klass: true, shape: shape}
	ref := br.add(rec)
	var err error
	if rec.nonIndexable, err = br.readSize("non-indexable size", 1<<16); err != nil {
		return ref, err
	}
	flags, err := readVarint(br.r)
	if err != nil {
		return ref, err
	}
	rec.flags = int64(flags)

	l := layouts[shape].base()
	minSize := headerWords + l.raw
	if l.indexable() {
		minSize++
	}
	if rec.nonIndexable < minSize {
		return ref, fmt.Errorf("%w: %s klass with non-indexable size %d", ErrBootstrapCorrupt, shape, rec.nonIndexable)
	}
	if (rec.flags&klassFlagUntagged != 0) != l.untagged() {
		return ref, fmt.Errorf("%w: %s klass with flags %#x", ErrBootstrapCorrupt, shape, rec.flags)
	}

	for _, p := range []*bootRef{&rec.meta, &rec.name, &rec.super, &rec.mixin, &rec.methods} {
		if *p, err = br.parseValue(); err != nil {
			return ref, err
		}
	}
	return ref, nil
}

func (br *BootstrapReader) parseInstance(shape Shape) (bootRef, error) {
	if shape == ShapeSmallInteger || shape == ShapeKlass {
		return bootRef{}, fmt.Errorf("%w: instance record of shape %s", ErrBootstrapCorrupt, shape)
	}
	rec := &bootRecord{shape: shape}
	ref := br.add(rec)
	var err error
	if rec.klassRef, err = br.parseValue(); err != nil {
		return ref, err
	}
	if rec.klassRef.idx < 0 || !br.records[rec.klassRef.idx].klass {
		return ref, fmt.Errorf("%w: %s instance whose klass is not a klass record", ErrBootstrapCorrupt, shape)
	}
	kr := br.records[rec.klassRef.idx]
	if kr.shape != shape {
		return ref, fmt.Errorf("%w: %s instance of a %s klass", ErrBootstrapCorrupt, shape, kr.shape)
	}

	l := layouts[shape].base()
	fixed := kr.nonIndexable - l.raw - headerWords
	if l.indexable() {
		fixed--
	}
	rec.fields = make([]bootRef, fixed)
	for i := range rec.fields {
		if rec.fields[i], err = br.parseValue(); err != nil {
			return ref, err
		}
	}
	for i := 0; i < l.raw; i++ {
		b, err := br.readFull(8)
		if err != nil {
			return ref, err
		}
		rec.raw = append(rec.raw, binary.LittleEndian.Uint64(b))
	}
	if !l.indexable() {
		return ref, nil
	}
	if rec.length, err = br.readSize("length", maxBootstrapLength); err != nil {
		return ref, err
	}
	switch l.elem {
	case elemOop:
		rec.oops = make([]bootRef, rec.length)
		for i := range rec.oops {
			if rec.oops[i], err = br.parseValue(); err != nil {
				return ref, err
			}
		}
	case elemByte:
		if rec.bytes, err = br.readFull(rec.length); err != nil {
			return ref, err
		}
	case elemDoubleByte:
		b, err := br.readFull(2 * rec.length)
		if err != nil {
			return ref, err
		}
		rec.units = make([]uint16, rec.length)
		for i := range rec.units {
			rec.units[i] = binary.LittleEndian.Uint16(b[2*i:])
		}
	case elemDouble:
		b, err := br.readFull(8 * rec.length)
		if err != nil {
			return ref, err
		}
		rec.doubles = make([]float64, rec.length)
		for i := range rec.doubles {
			rec.doubles[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
	}
	return ref, nil
}

// ---------------------------------------------------------------------------
// Materialization
// ---------------------------------------------------------------------------

func (br *BootstrapReader) resolve(ref bootRef) Value {
	if ref.idx < 0 {
		return ref.lit
	}
	return br.records[ref.idx].obj
}

// recordName returns the bytes of a klass record's name symbol.
func (br *BootstrapReader) recordName(rec *bootRecord) (string, bool) {
	if rec.name.idx < 0 {
		return "", false
	}
	nr := br.records[rec.name.idx]
	if nr.klass || nr.shape != ShapeSymbol {
		return "", false
	}
	return string(nr.bytes), true
}

func (br *BootstrapReader) materialize() error {
	h := br.h
	known := make(map[string]Value)
	for _, p := range h.known.slots() {
		known[h.KlassName(*p)] = *p
	}

	// Klasses first: instances need their layout.
	for _, rec := range br.records {
		if !rec.klass {
			continue
		}
		if name, ok := br.recordName(rec); ok {
			if k, ok := known[name]; ok && h.KlassShape(k) == rec.shape && h.KlassNonIndexableSize(k) == rec.nonIndexable {
				rec.obj = k
				rec.bound = true
				continue
			}
		}
		addr := h.AllocateTenured(klassWords)
		if addr == 0 {
			return fmt.Errorf("bootstrap: old space exhausted allocating klasses")
		}
		rec.obj = h.initKlass(addr, h.known.metaklass, rec.shape, rec.nonIndexable, rec.flags)
	}

	for _, rec := range br.records {
		if rec.klass {
			continue
		}
		klass := br.records[rec.klassRef.idx].obj
		if rec.shape == ShapeSymbol && klass == h.known.symbol {
			rec.obj = h.symbols.Lookup(rec.bytes)
			rec.interned = true
			continue
		}
		rec.obj = h.allocateObject(klass, rec.length, true)
	}

	for _, rec := range br.records {
		if rec.klass {
			if err := br.fillKlass(rec); err != nil {
				return err
			}
			continue
		}
		if rec.interned {
			continue
		}
		br.fillInstance(rec)
		if rec.shape == ShapeSymbol {
			// Instances of Symbol subclasses keep their klass; one becomes
			// canonical only if no equal symbol exists yet.
			h.symbols.AddSymbol(rec.obj)
		}
	}
	return nil
}

func (br *BootstrapReader) fillKlass(rec *bootRecord) error {
	h := br.h
	k := rec.obj
	set := func(i int, ref bootRef) {
		h.Store(k, slotAddr(k, i), br.resolve(ref))
	}
	if rec.bound {
		if m := br.resolve(rec.methods); m != h.nilObj {
			set(klassMethodsIndex, rec.methods)
		}
		if m := br.resolve(rec.mixin); m != h.nilObj {
			set(klassMixinIndex, rec.mixin)
		}
		return nil
	}
	meta := br.resolve(rec.meta)
	if !meta.IsObject() || !h.IsKlass(meta) || h.KlassShape(meta) != ShapeKlass {
		return fmt.Errorf("%w: klass record with a non-metaklass klass", ErrBootstrapCorrupt)
	}
	h.setWordAt(k, 1, meta)
	set(klassNameIndex, rec.name)
	set(klassSuperIndex, rec.super)
	set(klassMixinIndex, rec.mixin)
	set(klassMethodsIndex, rec.methods)
	return nil
}

func (br *BootstrapReader) fillInstance(rec *bootRecord) {
	h := br.h
	obj := rec.obj
	for i, ref := range rec.fields {
		h.Store(obj, slotAddr(obj, headerWords+i), br.resolve(ref))
	}
	l, g := h.geometry(obj)
	for i, w := range rec.raw {
		h.setWord(slotAddr(obj, g.fixedEnd+i), w)
	}
	switch l.elem {
	case elemOop:
		for i, ref := range rec.oops {
			h.Store(obj, slotAddr(obj, g.nonIndexable+i), br.resolve(ref))
		}
	case elemByte:
		h.putBytes(slotAddr(obj, g.nonIndexable), rec.bytes)
	case elemDoubleByte:
		for i, c := range rec.units {
			h.DoubleByteAtPut(obj, i, c)
		}
	case elemDouble:
		for i, f := range rec.doubles {
			h.DoubleValueAtPut(obj, i, f)
		}
	}
}

// ---------------------------------------------------------------------------
// Heap entry points
// ---------------------------------------------------------------------------

// WriteBootstrap writes roots and everything they reach as a bootstrap image.
func (h *Heap) WriteBootstrap(w io.Writer, roots []Value, extended bool) error {
	bw := NewBootstrapWriter(h)
	bw.Extended = extended
	_, err := bw.Write(w, roots)
	return err
}

// LoadBootstrap loads a bootstrap image into old space and returns its roots.
func (h *Heap) LoadBootstrap(r io.Reader) ([]Value, error) {
	return NewBootstrapReader(h).Load(r)
}
