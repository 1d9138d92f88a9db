package vm

import (
	"bytes"
	"fmt"

	"github.com/tliron/commonlog"
)

var symbolLog = commonlog.GetLogger("oopmem.symbols")

// symbolTableSize is the fixed bucket count. The table never rehashes.
const symbolTableSize = 20011

// symbolBucket is empty, holds a single symbol, or holds a chain.
type symbolBucket struct {
	single Value
	chain  *symbolLink
}

func (b *symbolBucket) isEmpty() bool { return b.single == 0 && b.chain == nil }

func (b *symbolBucket) do(fn func(sym Value)) {
	if b.single != 0 {
		fn(b.single)
		return
	}
	for l := b.chain; l != nil; l = l.next {
		fn(l.sym)
	}
}

// SymbolTable canonicalizes symbols: two lookups of equal bytes return the
// same object. Symbols are always tenured.
type SymbolTable struct {
	h       *Heap
	buckets [symbolTableSize]symbolBucket
	links   linkAllocator
	count   int
}

func newSymbolTable(h *Heap) *SymbolTable {
	return &SymbolTable{h: h}
}

// symbolHash is hashpjw over at most 32 sampled bytes: every byte of short
// names, every len/32th byte of long ones.
func symbolHash(name []byte) uint32 {
	n := len(name)
	inc := 1
	if n >= 32 {
		inc = n >> 5
	}
	var h uint32
	for i, samples := 0, 0; i < n && samples < 32; i, samples = i+inc, samples+1 {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h ^= g
		}
	}
	return h
}

func bucketIndex(name []byte) int {
	return int(symbolHash(name) % symbolTableSize)
}

// Len returns the number of symbols.
func (t *SymbolTable) Len() int { return t.count }

// find returns the symbol with the given bytes, or 0.
func (t *SymbolTable) find(name []byte) Value {
	var found Value
	t.buckets[bucketIndex(name)].do(func(sym Value) {
		if found == 0 && t.equals(sym, name) {
			found = sym
		}
	})
	return found
}

func (t *SymbolTable) equals(sym Value, name []byte) bool {
	h := t.h
	_, g := h.geometry(sym)
	if g.length != len(name) {
		return false
	}
	return bytes.Equal(h.bytesAt(slotAddr(sym, g.nonIndexable), g.length), name)
}

// Lookup returns the canonical symbol for name, allocating it in old space
// on first use.
func (t *SymbolTable) Lookup(name []byte) Value {
	if sym := t.find(name); sym != 0 {
		return sym
	}
	h := t.h
	obj := h.allocateObject(h.known.symbol, len(name), true)
	h.putBytes(slotAddr(obj, h.KlassNonIndexableSize(h.known.symbol)), name)
	t.insert(bucketIndex(name), obj)
	symbolLog.Debugf("new symbol #%s", name)
	return obj
}

// LookupString is Lookup for a string.
func (t *SymbolTable) LookupString(name string) Value {
	return t.Lookup([]byte(name))
}

// IsPresent returns true if a symbol with the given bytes exists.
func (t *SymbolTable) IsPresent(name []byte) bool {
	return t.find(name) != 0
}

// AddSymbol inserts an already built tenured symbol. It returns the canonical
// symbol, which is sym unless one with equal bytes is already present.
func (t *SymbolTable) AddSymbol(sym Value) Value {
	h := t.h
	if !h.IsOld(sym) || h.ShapeOf(sym) != ShapeSymbol {
		Fatalf("AddSymbol: %#x is not a tenured symbol", uint64(sym))
	}
	name := h.Bytes(sym)
	if canon := t.find(name); canon != 0 {
		return canon
	}
	t.insert(bucketIndex(name), sym)
	return sym
}

func (t *SymbolTable) insert(i int, sym Value) {
	b := &t.buckets[i]
	switch {
	case b.isEmpty():
		b.single = sym
	case b.single != 0:
		b.chain = t.links.alloc(sym, t.links.alloc(b.single, nil))
		b.single = 0
	default:
		b.chain = t.links.alloc(sym, b.chain)
	}
	t.count++
}

// FollowUsedSymbols drops every symbol the full collector did not mark and
// collapses chains left with one entry. The symbol table does not keep
// symbols alive on its own.
func (t *SymbolTable) FollowUsedSymbols(m *markCompact) {
	h := t.h
	dropped := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		if b.single != 0 {
			if !h.markOf(b.single).IsMarked() {
				b.single = 0
				dropped++
			}
			continue
		}
		var keep, tail *symbolLink
		for l := b.chain; l != nil; {
			next := l.next
			if h.markOf(l.sym).IsMarked() {
				l.next = nil
				if tail == nil {
					keep = l
				} else {
					tail.next = l
				}
				tail = l
			} else {
				t.links.release(l)
				dropped++
			}
			l = next
		}
		b.chain = keep
		if keep != nil && keep.next == nil {
			b.single = keep.sym
			b.chain = nil
			t.links.release(keep)
		}
	}
	t.count -= dropped
	if dropped > 0 {
		symbolLog.Debugf("dropped %d unreferenced symbols", dropped)
	}
	t.oopsDo(func(slot *Value) { m.markRoot(slot) })
}

// oopsDo calls fn with every symbol slot.
func (t *SymbolTable) oopsDo(fn func(slot *Value)) {
	for i := range t.buckets {
		b := &t.buckets[i]
		if b.single != 0 {
			fn(&b.single)
			continue
		}
		for l := b.chain; l != nil; l = l.next {
			fn(&l.sym)
		}
	}
}

// Do calls fn with every symbol.
func (t *SymbolTable) Do(fn func(sym Value)) {
	for i := range t.buckets {
		t.buckets[i].do(fn)
	}
}

// Verify checks that every entry is a tenured symbol stored in the bucket its
// bytes hash to, and that no two entries have equal bytes.
func (t *SymbolTable) Verify(r Reporter) bool {
	h := t.h
	ok := true
	seen := make(map[string]Value, t.count)
	n := 0
	for i := range t.buckets {
		t.buckets[i].do(func(sym Value) {
			n++
			if !sym.IsObject() || !h.old.ContainsUsed(sym.Address()) {
				r.Report(&VerifyError{Addr: uint64(sym), Problem: fmt.Sprintf("symbol table bucket %d holds a non-tenured value", i)})
				ok = false
				return
			}
			if h.ShapeOf(sym) != ShapeSymbol {
				report(r, sym, h, fmt.Sprintf("symbol table bucket %d holds a non-symbol", i))
				ok = false
				return
			}
			name := h.Bytes(sym)
			if bucketIndex(name) != i {
				report(r, sym, h, fmt.Sprintf("symbol in bucket %d hashes to %d", i, bucketIndex(name)))
				ok = false
			}
			if other, dup := seen[string(name)]; dup {
				report(r, sym, h, fmt.Sprintf("duplicate of symbol %#x", uint64(other)))
				ok = false
			}
			seen[string(name)] = sym
		})
		if b := &t.buckets[i]; b.chain != nil && b.chain.next == nil {
			r.Report(&VerifyError{Problem: fmt.Sprintf("symbol table bucket %d has a one-entry chain", i)})
			ok = false
		}
	}
	if n != t.count {
		r.Report(&VerifyError{Problem: fmt.Sprintf("symbol table counts %d symbols, holds %d", t.count, n)})
		ok = false
	}
	return ok
}

// SymbolStats describes bucket occupancy.
type SymbolStats struct {
	Symbols      int
	UsedBuckets  int
	Chains       int
	LongestChain int
	LinkBlocks   int
	LinksInUse   int
}

// Stats returns occupancy figures.
func (t *SymbolTable) Stats() SymbolStats {
	s := SymbolStats{Symbols: t.count, LinkBlocks: t.links.blocks, LinksInUse: t.links.inuse}
	for i := range t.buckets {
		b := &t.buckets[i]
		if b.isEmpty() {
			continue
		}
		s.UsedBuckets++
		if b.chain != nil {
			s.Chains++
			n := 0
			for l := b.chain; l != nil; l = l.next {
				n++
			}
			s.LongestChain = max(s.LongestChain, n)
		} else {
			s.LongestChain = max(s.LongestChain, 1)
		}
	}
	return s
}
