package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var markSweepLog = commonlog.GetLogger("oopmem.marksweep")

// markCompact is a full collection: mark both generations from the roots,
// slide live old objects toward the bottom of old space, then scavenge the
// young generation.
//
// While sliding, klass words already point at the klasses' new homes, so old
// objects cannot be sized through their klass. Each old object's size is
// stored in its header's age field beforehand, or in the remembered set's
// size table when it does not fit.
type markCompact struct {
	h       *Heap
	stack   []Value
	forward map[uint64]uint64 // old-space address -> address after sliding
	marked  int
}

// FullCollect collects both generations.
func (h *Heap) FullCollect() {
	if h.collecting {
		Fatalf("full collection requested during a collection")
	}
	if h.blockDepth > 0 {
		Fatalf("full collection inside a BlockScavenge scope")
	}
	h.scavengePending = false
	h.fullCollect()
}

func (h *Heap) fullCollect() {
	start := time.Now()
	h.collecting = true
	defer func() { h.collecting = false }()

	youngBefore := h.eden.Used() + h.from.Used()
	oldBefore := h.old.Used()
	m := &markCompact{h: h, forward: make(map[uint64]uint64)}

	nearDeath := m.mark()
	newTop := m.computeForwarding()
	m.adjustPointers()
	m.slide(newTop)

	h.rset.Clear()
	h.old.objectsDo(h, func(obj Value) {
		if h.pointsYoung(obj) {
			h.rset.Record(obj)
		}
	})

	cs := CycleStats{
		Kind:           CycleFull,
		Started:        start,
		YoungBefore:    youngBefore,
		OldBefore:      oldBefore,
		SurvivedBytes:  h.old.Used(),
		ReclaimedBytes: oldBefore - h.old.Used(),
		NearDeath:      nearDeath,
		Symbols:        h.symbols.Len(),
	}
	markSweepLog.Infof("heap %s: marked %d objects, old space %s -> %s",
		h.id, m.marked, formatBytes(oldBefore), formatBytes(h.old.Used()))

	// The young generation may still hold dead objects whose klasses were
	// just overwritten; a scavenge discards them. Its near-death elements
	// were already counted by the mark.
	s, _ := h.collectYoung()

	cs.Duration = time.Since(start)
	cs.PromotedBytes = s.promoted
	cs.Threshold = h.tenuringThreshold
	cs.RememberedSet = h.rset.Len()
	h.collecting = false
	h.finishCycle(cs)
}

// ---------------------------------------------------------------------------
// Mark
// ---------------------------------------------------------------------------

func (m *markCompact) mark() int {
	h := m.h
	h.weak.BeginMarkSweep()
	h.rootsDo(m.markRoot)
	m.drain()

	nearDeath := 0
	for h.weak.pending() {
		nearDeath += h.weak.CheckAndResolve(m)
		m.drain()
	}
	h.symbols.FollowUsedSymbols(m)
	m.drain()
	h.weak.End()
	return nearDeath
}

func (m *markCompact) push(v Value) {
	if !v.IsObject() {
		return
	}
	h := m.h
	mk := h.markOf(v)
	if mk.IsMarked() {
		return
	}
	h.setMark(v, mk.SetMarked())
	m.stack = append(m.stack, v)
	m.marked++
}

func (m *markCompact) drain() {
	h := m.h
	for len(m.stack) > 0 {
		obj := m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]
		m.push(h.KlassOf(obj))
		h.layoutOf(obj).followContents(m, obj)
	}
}

func (m *markCompact) markRoot(slot *Value) { m.push(*slot) }

func (m *markCompact) markSlot(addr uint64) { m.push(Value(m.h.word(addr))) }

// isNearDeath reports elements the strong closure did not mark.
func (m *markCompact) isNearDeath(v Value) bool { return !m.h.markOf(v).IsMarked() }

func (m *markCompact) followSlot(addr uint64) { m.markSlot(addr) }

// ---------------------------------------------------------------------------
// Compute forwarding
// ---------------------------------------------------------------------------

// computeForwarding assigns every marked old object its address after
// sliding and stores every old object's size for the slide. Returns the new
// top of old space.
func (m *markCompact) computeForwarding() uint64 {
	h := m.h
	dst := h.old.bottom
	for addr := h.old.bottom; addr < h.old.top; {
		obj := FromAddress(addr)
		size := h.SizeOf(obj)
		mk := h.markOf(obj)
		if size < MaxAge {
			mk = mk.WithAge(size)
		} else {
			mk = mk.WithAge(0)
			h.rset.StoreSize(addr, size)
		}
		h.setMark(obj, mk)
		if mk.IsMarked() {
			m.forward[addr] = dst
			dst += uint64(size) * WordSize
		}
		addr += uint64(size) * WordSize
	}
	return dst
}

func (m *markCompact) storedSize(addr uint64) int {
	if size := Mark(m.h.word(addr)).Age(); size != 0 {
		return size
	}
	size, ok := m.h.rset.Size(addr)
	if !ok {
		Fatalf("mark-compact: no stored size for %#x", addr)
	}
	return size
}

// ---------------------------------------------------------------------------
// Adjust pointers
// ---------------------------------------------------------------------------

func (m *markCompact) adjust(v Value) Value {
	if !v.IsObject() || !m.h.old.Contains(v.Address()) {
		return v
	}
	dst, ok := m.forward[v.Address()]
	if !ok {
		Fatalf("mark-compact: live reference to dead object %#x", v.Address())
	}
	return FromAddress(dst)
}

func (m *markCompact) adjustRoot(slot *Value) { *slot = m.adjust(*slot) }

func (m *markCompact) adjustSlot(addr uint64) {
	m.h.setWord(addr, uint64(m.adjust(Value(m.h.word(addr)))))
}

func (m *markCompact) adjustPointers() {
	h := m.h
	h.rootsDo(m.adjustRoot)
	h.symbols.oopsDo(m.adjustRoot)

	// Young objects are sized before adjusting: their klass words still
	// hold pre-compaction addresses until adjustContents rewrites them.
	for _, sp := range []*Space{h.eden, h.from} {
		for addr := sp.bottom; addr < sp.top; {
			obj := FromAddress(addr)
			mk := h.markOf(obj)
			var size int
			if mk.IsMarked() {
				size = h.layoutOf(obj).adjustContents(m, obj)
				h.setMark(obj, mk.ClearMarked())
			} else {
				size = h.SizeOf(obj)
			}
			addr += uint64(size) * WordSize
		}
	}

	for addr := h.old.bottom; addr < h.old.top; {
		obj := FromAddress(addr)
		size := m.storedSize(addr)
		if Mark(h.word(addr)).IsMarked() {
			h.layoutOf(obj).adjustContents(m, obj)
		}
		addr += uint64(size) * WordSize
	}
}

// ---------------------------------------------------------------------------
// Slide
// ---------------------------------------------------------------------------

// slide moves every marked old object to its forwarding address. Objects
// only move down, and each destination ends at or below the next source, so
// a source header is intact when it is read.
func (m *markCompact) slide(newTop uint64) {
	h := m.h
	for addr := h.old.bottom; addr < h.old.top; {
		mk := Mark(h.word(addr))
		size := m.storedSize(addr)
		if mk.IsMarked() {
			dst := m.forward[addr]
			if dst != addr {
				copy(h.words(dst, size), h.words(addr, size))
			}
			h.setWord(dst, uint64(mk.ClearMarked().WithAge(0)))
		}
		addr += uint64(size) * WordSize
	}
	clear(h.words(newTop, int((h.old.top-newTop)/WordSize)))
	h.old.top = newTop
	h.rset.ClearSizes()
}
