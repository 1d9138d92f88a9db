package vm

// ---------------------------------------------------------------------------
// Root sets
// ---------------------------------------------------------------------------

// RootSet is a source of root slots outside the heap, such as an
// interpreter's stack frames. OopsDo must call fn with every slot holding a
// Value; the collector may rewrite the slot.
type RootSet interface {
	OopsDo(fn func(slot *Value))
}

// RootFunc adapts a function to RootSet.
type RootFunc func(fn func(slot *Value))

// OopsDo calls f.
func (f RootFunc) OopsDo(fn func(slot *Value)) { f(fn) }

// rootEntry is one registration; the same RootSet may be added twice.
type rootEntry struct {
	rs RootSet
}

// AddRootSet registers rs with the collector until remove is called. Calling
// remove more than once is a no-op.
func (h *Heap) AddRootSet(rs RootSet) (remove func()) {
	e := &rootEntry{rs: rs}
	h.rootSets = append(h.rootSets, e)
	return func() {
		for i, r := range h.rootSets {
			if r == e {
				h.rootSets = append(h.rootSets[:i], h.rootSets[i+1:]...)
				return
			}
		}
	}
}

// pushRoots makes Go locals visible to the collector for the duration of an
// allocation. The returned function pops them and must be called in LIFO
// order.
func (h *Heap) pushRoots(slots ...*Value) (pop func()) {
	n := len(h.tempRoots)
	h.tempRoots = append(h.tempRoots, slots...)
	return func() {
		assert(len(h.tempRoots) >= n+len(slots), "temporary roots popped out of order")
		clear(h.tempRoots[n:])
		h.tempRoots = h.tempRoots[:n]
	}
}

// rootsDo calls fn with every strong root slot except those of the symbol
// table and the remembered set, which each collector treats specially.
func (h *Heap) rootsDo(fn func(slot *Value)) {
	for _, p := range h.known.slots() {
		fn(p)
	}
	fn(&h.nilObj)
	fn(&h.trueObj)
	fn(&h.falseObj)
	for i := range h.globals {
		fn(&h.globals[i])
	}
	for _, p := range h.tempRoots {
		fn(p)
	}
	h.handles.oopsDo(fn)
	for _, e := range h.rootSets {
		e.rs.OopsDo(fn)
	}
	h.queue.oopsDo(fn)
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// SetGlobal binds name to v, creating a tenured association on first use.
// Returns the association.
func (h *Heap) SetGlobal(name string, v Value) Value {
	if assoc, ok := h.globalAssociation(name); ok {
		h.SetField(assoc, associationValue, v)
		return assoc
	}
	release := h.pushRoots(&v)
	defer release()
	key := h.symbols.LookupString(name)
	assoc := h.newAssociation(key, v, false, true)
	h.globals = append(h.globals, assoc)
	return assoc
}

// Global returns the value bound to name.
func (h *Heap) Global(name string) (Value, bool) {
	assoc, ok := h.globalAssociation(name)
	if !ok {
		return h.nilObj, false
	}
	return h.Field(assoc, associationValue), true
}

// Globals returns the global associations in definition order.
func (h *Heap) Globals() []Value {
	return append([]Value(nil), h.globals...)
}

func (h *Heap) globalAssociation(name string) (Value, bool) {
	for _, assoc := range h.globals {
		key := h.Field(assoc, associationKey)
		if key.IsObject() && string(h.Bytes(key)) == name {
			return assoc, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

// HandleTable holds Values that stay valid across collections. Code that must
// keep a reference across an allocation holds a Handle instead of a Value.
type HandleTable struct {
	slots []Value
	live  []bool
	free  []int
}

func newHandleTable() *HandleTable {
	return &HandleTable{}
}

// Handle is an index into a HandleTable.
type Handle struct {
	table *HandleTable
	index int
}

// NewHandle returns a handle referring to v.
func (h *Heap) NewHandle(v Value) Handle {
	return h.handles.New(v)
}

// New returns a handle referring to v.
func (t *HandleTable) New(v Value) Handle {
	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[i] = v
		t.live[i] = true
	} else {
		i = len(t.slots)
		t.slots = append(t.slots, v)
		t.live = append(t.live, true)
	}
	return Handle{table: t, index: i}
}

// Len returns the number of live handles.
func (t *HandleTable) Len() int {
	return len(t.slots) - len(t.free)
}

func (t *HandleTable) oopsDo(fn func(slot *Value)) {
	for i := range t.slots {
		if t.live[i] {
			fn(&t.slots[i])
		}
	}
}

func (hd Handle) check() {
	if hd.table == nil || !hd.table.live[hd.index] {
		Fatalf("use of released handle %d", hd.index)
	}
}

// Get returns the current value of the handle. The result goes stale at the
// next allocation.
func (hd Handle) Get() Value {
	hd.check()
	return hd.table.slots[hd.index]
}

// Set replaces the handle's value.
func (hd Handle) Set(v Value) {
	hd.check()
	hd.table.slots[hd.index] = v
}

// Release frees the handle. Using it afterwards is fatal.
func (hd Handle) Release() {
	hd.check()
	hd.table.slots[hd.index] = 0
	hd.table.live[hd.index] = false
	hd.table.free = append(hd.table.free, hd.index)
}
