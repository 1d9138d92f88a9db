package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// Bootstrap image format
// ---------------------------------------------------------------------------
//
// A bootstrap image is a byte stream of records:
//
//	header   varint version, or varint version+100 followed by varint
//	         object count and varint flags (extended header)
//	body     varint root count, then one value per root
//
// A value is one record, selected by its leading byte:
//
//	'0' n    small integer n >= 0
//	'-' n    small integer -n
//	'3' i    back-reference to object i
//	'4'      nil
//	'5'      true
//	'6'      false
//	upper    klass record for the shape letter: varint non-indexable size,
//	         varint flags, metaklass, name, superclass, mixin, methods
//	lower    instance record for the shape letter: klass, fixed fields, raw
//	         tail words (8 bytes little endian each), then for indexable
//	         shapes varint length and the elements
//
// A klass record leads with its instance layout so that instances of the
// klass, such as the symbol naming the Symbol klass, can appear inside it.
// Objects are numbered in the order their records start. Varints are
// base-128, least significant group first, high bit set on every byte but
// the last.

// BootstrapVersion is the format version written and accepted.
const BootstrapVersion = 3

// extendedHeader is added to the version to announce the extended header.
const extendedHeader = 100

// Bootstrap header flags
const (
	// BootstrapCanonicalSymbols records that the writer emitted each
	// symbol once.
	BootstrapCanonicalSymbols uint64 = 1 << iota
)

// Value record bytes
const (
	recPositive byte = '0'
	recNegative byte = '-'
	recRef      byte = '3'
	recNil      byte = '4'
	recTrue     byte = '5'
	recFalse    byte = '6'
)

// shapeLetters maps each shape to its lowercase record letter.
var shapeLetters = [numShapes]byte{
	ShapeMem:              'm',
	ShapeSmallInteger:     'z',
	ShapeDouble:           'd',
	ShapeByteArray:        'b',
	ShapeDoubleByteArray:  'w',
	ShapeDoubleValueArray: 'v',
	ShapeObjArray:         'o',
	ShapeWeakArray:        'x',
	ShapeSymbol:           's',
	ShapeAssociation:      'a',
	ShapeContext:          'c',
	ShapeMethod:           'h',
	ShapeMixin:            'i',
	ShapeProcess:          'p',
	ShapeProxy:            'y',
	ShapeVFrame:           'f',
	ShapeKlass:            'k',
}

// shapeForLetter returns the shape of a lowercase or uppercase record letter.
func shapeForLetter(c byte) (Shape, bool) {
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	for s, l := range shapeLetters {
		if l == c {
			return Shape(s), true
		}
	}
	return 0, false
}

func isKlassLetter(c byte) bool { return c >= 'A' && c <= 'Z' }

// Bootstrap errors
var (
	ErrBootstrapVersion = errors.New("bootstrap image version mismatch")
	ErrBootstrapCorrupt = errors.New("corrupt bootstrap image")
	ErrBootstrapEOF     = errors.New("unexpected end of bootstrap image")
)

// BootstrapHeader describes a bootstrap image.
type BootstrapHeader struct {
	Version     uint64
	Extended    bool
	ObjectCount uint64
	Flags       uint64
}

func appendVarint(buf []byte, n uint64) []byte {
	return binary.AppendUvarint(buf, n)
}

func readVarint(r io.ByteReader) (uint64, error) {
	n, err := binary.ReadUvarint(r)
	if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, ErrBootstrapEOF
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBootstrapCorrupt, err)
	}
	return n, nil
}
