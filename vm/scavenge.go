package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var scavengeLog = commonlog.GetLogger("oopmem.scavenge")

// scavenger holds the state of one young-generation collection. Live objects
// of eden and the from survivor are copied to the to survivor, or promoted
// to old space once they reach the tenuring threshold. Copied objects are
// scanned Cheney style: the to survivor and the promoted part of old space
// are both work queues bounded by their allocation pointers.
type scavenger struct {
	h         *Heap
	threshold int

	scan          uint64 // next unscanned object in to-space
	promotedStart uint64 // old.top when the scavenge began
	promotedScan  uint64 // next unscanned promoted object

	survived uint64 // bytes copied to the survivor
	promoted uint64 // bytes copied to old space
	objects  int
}

// Scavenge collects the young generation. Inside a BlockScavenge scope the
// collection is deferred to the next allocation checkpoint.
func (h *Heap) Scavenge() {
	if h.collecting {
		Fatalf("scavenge requested during a collection")
	}
	if h.blockDepth > 0 {
		h.scavengePending = true
		return
	}
	h.scavengePending = false
	if h.old.Free() < h.eden.Used()+h.from.Used() {
		// Everything young might be promoted; make room first. A full
		// collection ends with a scavenge.
		scavengeLog.Infof("old space free %s below young used %s, collecting old space first",
			formatBytes(h.old.Free()), formatBytes(h.eden.Used()+h.from.Used()))
		h.FullCollect()
		return
	}
	h.scavenge()
}

func (h *Heap) scavenge() {
	start := time.Now()
	h.collecting = true
	defer func() { h.collecting = false }()

	youngBefore := h.eden.Used() + h.from.Used()
	oldBefore := h.old.Used()
	s, nearDeath := h.collectYoung()

	cs := CycleStats{
		Kind:           CycleScavenge,
		Started:        start,
		Duration:       time.Since(start),
		YoungBefore:    youngBefore,
		OldBefore:      oldBefore,
		SurvivedBytes:  s.survived,
		PromotedBytes:  s.promoted,
		ReclaimedBytes: youngBefore - s.survived - s.promoted,
		Threshold:      h.tenuringThreshold,
		NearDeath:      nearDeath,
		RememberedSet:  h.rset.Len(),
		Symbols:        h.symbols.Len(),
		Ages:           append([]uint64(nil), h.ages.sizes[:]...),
	}
	scavengeLog.Debugf("heap %s: %s", h.id, cs)
	h.collecting = false
	h.finishCycle(cs)
}

// collectYoung copies the live young generation and returns the scavenger
// and the number of elements it found near death. It leaves the collecting
// flag and the heap statistics to its caller.
func (h *Heap) collectYoung() (*scavenger, int) {
	s := &scavenger{
		h:             h,
		threshold:     h.tenuringThreshold,
		scan:          h.to.bottom,
		promotedStart: h.old.top,
		promotedScan:  h.old.top,
	}
	assert(h.to.IsEmpty(), "to-space not empty at start of scavenge")

	// Begin
	h.ages.Clear()
	h.weak.BeginScavenge()

	// Roots, including old objects that point young.
	h.rootsDo(s.scavengeRoot)
	remembered := h.rset.take()
	for _, obj := range remembered {
		h.layoutOf(obj).scavengeContents(s, obj)
	}

	// Transitive closure, then weak arrays. Resolving weak arrays copies
	// their elements, which may reach further weak arrays.
	s.closure()
	nearDeath := 0
	for h.weak.pending() {
		nearDeath += h.weak.CheckAndResolve(s)
		s.closure()
	}
	h.weak.End()

	// End: young garbage is discarded wholesale.
	h.eden.reset()
	h.from.reset()
	h.from, h.to = h.to, h.from

	s.rebuildRememberedSet(remembered)
	h.tenuringThreshold = h.ages.TenuringThreshold(h.from.Capacity() / 2)
	return s, nearDeath
}

// closure scans copied objects until no unscanned object remains.
func (s *scavenger) closure() {
	h := s.h
	for s.scan < h.to.top || s.promotedScan < h.old.top {
		for s.scan < h.to.top {
			obj := FromAddress(s.scan)
			s.scan += uint64(h.layoutOf(obj).scavengeContents(s, obj)) * WordSize
		}
		for s.promotedScan < h.old.top {
			obj := FromAddress(s.promotedScan)
			s.promotedScan += uint64(h.layoutOf(obj).scavengeContents(s, obj)) * WordSize
		}
	}
}

// scavengeRoot updates a root slot outside the heap.
func (s *scavenger) scavengeRoot(slot *Value) {
	v := *slot
	if v.IsObject() && s.h.inScavengeSource(v.Address()) {
		*slot = s.copyObject(v)
	}
}

// scavengeSlot updates the heap word at addr.
func (s *scavenger) scavengeSlot(addr uint64) {
	h := s.h
	v := Value(h.word(addr))
	if v.IsObject() && h.inScavengeSource(v.Address()) {
		h.setWord(addr, uint64(s.copyObject(v)))
	}
}

// copyObject returns the new location of v, copying it on first visit. The
// original header is overwritten with the new location, so later visits
// through other paths find the same copy.
func (s *scavenger) copyObject(v Value) Value {
	h := s.h
	addr := v.Address()
	assert(h.inScavengeSource(addr), "scavenging %#x outside eden and from-space", addr)

	header := Value(h.word(addr))
	if IsForwarded(header) {
		return header
	}
	if !header.IsMark() {
		Fatalf("scavenge: object %#x has corrupt header %#x", addr, uint64(header))
	}
	m := Mark(header)
	size := h.SizeOf(v)
	bytes := uint64(size) * WordSize

	var dst uint64
	if m.Age() < s.threshold {
		dst = h.to.allocate(size)
	}
	promoted := dst == 0
	if promoted {
		dst = h.old.allocate(size)
		if dst == 0 {
			Fatalf("old space exhausted promoting %d words during scavenge", size)
		}
	}
	copy(h.words(dst, size), h.words(addr, size))
	nv := FromAddress(dst)
	if promoted {
		s.promoted += bytes
	} else {
		m = m.Incremented()
		h.setMark(nv, m)
		h.ages.Add(m.Age(), bytes)
		s.survived += bytes
	}
	h.setWord(addr, uint64(nv))
	s.objects++
	return nv
}

// isNearDeath reports young elements the strong closure did not copy.
func (s *scavenger) isNearDeath(v Value) bool {
	addr := v.Address()
	return s.h.inScavengeSource(addr) && !IsForwarded(Value(s.h.word(addr)))
}

func (s *scavenger) followSlot(addr uint64) { s.scavengeSlot(addr) }

// rebuildRememberedSet keeps the previous entries that still point young and
// adds every promoted object that does.
func (s *scavenger) rebuildRememberedSet(previous []Value) {
	h := s.h
	for _, obj := range previous {
		if h.pointsYoung(obj) {
			h.rset.Record(obj)
		}
	}
	for addr := s.promotedStart; addr < h.old.top; {
		obj := FromAddress(addr)
		if h.pointsYoung(obj) {
			h.rset.Record(obj)
		}
		addr += uint64(h.SizeOf(obj)) * WordSize
	}
}

// pointsYoung returns true if any pointer field of obj refers to the young
// generation.
func (h *Heap) pointsYoung(obj Value) bool {
	found := false
	h.layoutOf(obj).oopsDo(h, obj, func(slot uint64) {
		if !found && h.IsYoung(Value(h.word(slot))) {
			found = true
		}
	})
	return found
}
