package vm

// weakPhase is the collector style a WeakArrayRegistry is serving.
type weakPhase uint8

const (
	weakIdle weakPhase = iota
	weakScavenge
	weakMarkSweep
)

func (p weakPhase) String() string {
	switch p {
	case weakScavenge:
		return "scavenge"
	case weakMarkSweep:
		return "mark-sweep"
	}
	return "idle"
}

// weakResolver is the collector-specific half of weak-array resolution.
type weakResolver interface {
	// isNearDeath returns true if v was not reached by the strong closure.
	isNearDeath(v Value) bool
	// followSlot treats the slot at addr as strong.
	followSlot(addr uint64)
}

type weakEntry struct {
	obj          Value
	nonIndexable int
}

// WeakArrayRegistry defers the elements of weak arrays found during a
// collection until the strong closure is complete, then reports elements
// that only weak arrays still reach.
type WeakArrayRegistry struct {
	h       *Heap
	queue   *NotificationQueue
	phase   weakPhase
	entries []weakEntry

	nearDeath int
}

func newWeakArrayRegistry(h *Heap, q *NotificationQueue) *WeakArrayRegistry {
	return &WeakArrayRegistry{h: h, queue: q}
}

func (r *WeakArrayRegistry) begin(p weakPhase) {
	if r.phase != weakIdle {
		Fatalf("weak array registry: cannot begin %s during %s", p, r.phase)
	}
	r.phase = p
	r.entries = r.entries[:0]
	r.nearDeath = 0
}

// BeginScavenge opens registration for a scavenge.
func (r *WeakArrayRegistry) BeginScavenge() { r.begin(weakScavenge) }

// BeginMarkSweep opens registration for a full collection.
func (r *WeakArrayRegistry) BeginMarkSweep() { r.begin(weakMarkSweep) }

// Active returns true while a phase is open.
func (r *WeakArrayRegistry) Active() bool { return r.phase != weakIdle }

// Register defers obj's elements if a phase is open and reports whether it
// did. nonIndexable is obj's non-indexable word size, recorded so the
// elements can be found without reading the klass.
func (r *WeakArrayRegistry) Register(obj Value, nonIndexable int) bool {
	if r.phase == weakIdle {
		return false
	}
	r.entries = append(r.entries, weakEntry{obj: obj, nonIndexable: nonIndexable})
	return true
}

func (r *WeakArrayRegistry) pending() bool { return len(r.entries) > 0 }

// CheckAndResolve marks the near-death elements of every registered array,
// queues each array that has one, then follows all elements so the arrays
// stay consistent. Following may register more arrays; callers loop until
// none are pending. Returns the number of near-death elements found.
func (r *WeakArrayRegistry) CheckAndResolve(res weakResolver) int {
	h := r.h
	entries := r.entries
	r.entries = nil

	found := 0
	for _, e := range entries {
		notify := false
		r.elementsDo(e, func(slot uint64) {
			v := Value(h.word(slot))
			if !v.IsObject() || !res.isNearDeath(v) {
				return
			}
			m := h.markOf(v)
			if !m.IsNearDeath() {
				h.setMark(v, m.SetNearDeath())
			}
			found++
			notify = true
		})
		if notify {
			r.queue.PutIfAbsent(e.obj)
		}
	}
	for _, e := range entries {
		r.elementsDo(e, res.followSlot)
	}
	r.nearDeath += found
	return found
}

func (r *WeakArrayRegistry) elementsDo(e weakEntry, fn func(slot uint64)) {
	n := int(r.h.wordAt(e.obj, e.nonIndexable-1).SmallInt())
	base := slotAddr(e.obj, e.nonIndexable)
	for i := 0; i < n; i++ {
		fn(base + uint64(i)*WordSize)
	}
}

// End closes the phase and returns the near-death count of the cycle.
func (r *WeakArrayRegistry) End() int {
	if r.phase == weakIdle {
		Fatalf("weak array registry: End without Begin")
	}
	if r.pending() {
		Fatalf("weak array registry: %d arrays unresolved at end of %s", len(r.entries), r.phase)
	}
	r.phase = weakIdle
	n := r.nearDeath
	r.nearDeath = 0
	return n
}
