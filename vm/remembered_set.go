package vm

// RememberedSet records the old objects that may hold pointers into the
// young generation. The scavenger treats their fields as roots.
//
// It also carries the size overflow table of the full collector: an old
// object whose word size does not fit in its header's age field has its size
// stored here for the duration of a compaction.
type RememberedSet struct {
	objs  []Value
	index map[Value]struct{}
	sizes map[uint64]int
}

// NewRememberedSet returns an empty set.
func NewRememberedSet() *RememberedSet {
	return &RememberedSet{
		index: make(map[Value]struct{}),
		sizes: make(map[uint64]int),
	}
}

// Record adds obj if it is not already present.
func (r *RememberedSet) Record(obj Value) {
	if _, ok := r.index[obj]; ok {
		return
	}
	r.index[obj] = struct{}{}
	r.objs = append(r.objs, obj)
}

// Contains returns true if obj is recorded.
func (r *RememberedSet) Contains(obj Value) bool {
	_, ok := r.index[obj]
	return ok
}

// Len returns the number of recorded objects.
func (r *RememberedSet) Len() int { return len(r.objs) }

// Clear removes every object. Stored sizes are kept.
func (r *RememberedSet) Clear() {
	r.objs = r.objs[:0]
	clear(r.index)
}

// ObjectsDo calls fn with every recorded object in insertion order.
func (r *RememberedSet) ObjectsDo(fn func(obj Value)) {
	for _, obj := range r.objs {
		fn(obj)
	}
}

// take empties the set and returns its previous contents.
func (r *RememberedSet) take() []Value {
	objs := r.objs
	r.objs = nil
	clear(r.index)
	return objs
}

// StoreSize records the word size of the object at addr.
func (r *RememberedSet) StoreSize(addr uint64, words int) {
	r.sizes[addr] = words
}

// Size returns the size stored for addr.
func (r *RememberedSet) Size(addr uint64) (int, bool) {
	n, ok := r.sizes[addr]
	return n, ok
}

// ClearSizes drops every stored size.
func (r *RememberedSet) ClearSizes() {
	clear(r.sizes)
}
