package vm

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// BootstrapWriter serializes object graphs into the bootstrap image format.
type BootstrapWriter struct {
	h        *Heap
	Extended bool // write the extended header

	buf   []byte
	index map[Value]uint64
	next  uint64
}

// NewBootstrapWriter returns a writer for objects of h.
func NewBootstrapWriter(h *Heap) *BootstrapWriter {
	return &BootstrapWriter{h: h}
}

// Write emits an image holding roots and everything they reach.
func (bw *BootstrapWriter) Write(w io.Writer, roots []Value) (BootstrapHeader, error) {
	bw.buf = bw.buf[:0]
	bw.index = make(map[Value]uint64)
	bw.next = 0

	bw.buf = appendVarint(bw.buf, uint64(len(roots)))
	for _, r := range roots {
		if err := bw.writeValue(r); err != nil {
			return BootstrapHeader{}, err
		}
	}

	hdr := BootstrapHeader{Version: BootstrapVersion, Extended: bw.Extended}
	var head []byte
	if bw.Extended {
		hdr.ObjectCount = bw.next
		hdr.Flags = BootstrapCanonicalSymbols
		head = appendVarint(head, BootstrapVersion+extendedHeader)
		head = appendVarint(head, hdr.ObjectCount)
		head = appendVarint(head, hdr.Flags)
	} else {
		head = appendVarint(head, BootstrapVersion)
	}
	if _, err := w.Write(head); err != nil {
		return hdr, fmt.Errorf("write bootstrap header: %w", err)
	}
	if _, err := w.Write(bw.buf); err != nil {
		return hdr, fmt.Errorf("write bootstrap body: %w", err)
	}
	bootstrapLog.Infof("wrote bootstrap image: %d roots, %d objects, %s",
		len(roots), bw.next, formatBytes(uint64(len(head)+len(bw.buf))))
	return hdr, nil
}

func (bw *BootstrapWriter) register(v Value) {
	bw.index[v] = bw.next
	bw.next++
}

func (bw *BootstrapWriter) writeValue(v Value) error {
	h := bw.h
	switch {
	case v.IsSmallInt():
		n := v.SmallInt()
		if n < 0 {
			bw.buf = append(bw.buf, recNegative)
			bw.buf = appendVarint(bw.buf, uint64(-n))
		} else {
			bw.buf = append(bw.buf, recPositive)
			bw.buf = appendVarint(bw.buf, uint64(n))
		}
		return nil
	case v == h.nilObj:
		bw.buf = append(bw.buf, recNil)
		return nil
	case v == h.trueObj:
		bw.buf = append(bw.buf, recTrue)
		return nil
	case v == h.falseObj:
		bw.buf = append(bw.buf, recFalse)
		return nil
	case !v.IsObject():
		return fmt.Errorf("%w: cannot write header word %#x", ErrBootstrapCorrupt, uint64(v))
	}
	if i, ok := bw.index[v]; ok {
		bw.buf = append(bw.buf, recRef)
		bw.buf = appendVarint(bw.buf, i)
		return nil
	}
	if h.IsKlass(v) {
		return bw.writeKlass(v)
	}
	return bw.writeInstance(v)
}

func (bw *BootstrapWriter) writeKlass(k Value) error {
	h := bw.h
	bw.buf = append(bw.buf, shapeLetters[h.KlassShape(k)]-('a'-'A'))
	bw.register(k)
	bw.buf = appendVarint(bw.buf, uint64(h.KlassNonIndexableSize(k)))
	bw.buf = appendVarint(bw.buf, uint64(h.wordAt(k, klassFlagsIndex).SmallInt()))
	if err := bw.writeValue(h.KlassOf(k)); err != nil {
		return err
	}
	if err := bw.writeValue(h.wordAt(k, klassNameIndex)); err != nil {
		return err
	}
	if err := bw.writeValue(h.KlassSuperclass(k)); err != nil {
		return err
	}
	if err := bw.writeValue(h.KlassMixin(k)); err != nil {
		return err
	}
	return bw.writeValue(h.KlassMethods(k))
}

func (bw *BootstrapWriter) writeInstance(obj Value) error {
	h := bw.h
	klass := h.KlassOf(obj)
	shape := h.KlassShape(klass)
	if shape == ShapeSmallInteger {
		return fmt.Errorf("%w: heap object %#x with SmallInteger klass", ErrBootstrapCorrupt, uint64(obj))
	}
	bw.buf = append(bw.buf, shapeLetters[shape])
	bw.register(obj)
	if err := bw.writeValue(klass); err != nil {
		return err
	}

	l, g := h.geometry(obj)
	for i := headerWords; i < g.fixedEnd; i++ {
		if err := bw.writeValue(h.wordAt(obj, i)); err != nil {
			return err
		}
	}
	for i := 0; i < l.raw; i++ {
		bw.buf = binary.LittleEndian.AppendUint64(bw.buf, h.word(slotAddr(obj, g.fixedEnd+i)))
	}
	if !l.indexable() {
		return nil
	}
	bw.buf = appendVarint(bw.buf, uint64(g.length))
	switch l.elem {
	case elemOop:
		for i := 0; i < g.length; i++ {
			if err := bw.writeValue(h.wordAt(obj, g.nonIndexable+i)); err != nil {
				return err
			}
		}
	case elemByte:
		bw.buf = append(bw.buf, h.bytesAt(slotAddr(obj, g.nonIndexable), g.length)...)
	case elemDoubleByte:
		for i := 0; i < g.length; i++ {
			bw.buf = binary.LittleEndian.AppendUint16(bw.buf, h.DoubleByteAt(obj, i))
		}
	case elemDouble:
		for i := 0; i < g.length; i++ {
			bw.buf = binary.LittleEndian.AppendUint64(bw.buf, math.Float64bits(h.DoubleValueAt(obj, i)))
		}
	}
	return nil
}
