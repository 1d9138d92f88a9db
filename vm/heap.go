package vm

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var heapLog = commonlog.GetLogger("oopmem.heap")

// heapBase is the byte address of the first heap word. Addresses below it are
// never valid object addresses.
const heapBase uint64 = 0x100000

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options sizes the generations of a Heap.
type Options struct {
	EdenWords     int
	SurvivorWords int // size of each of the two survivor spaces
	OldWords      int

	// UseMmap backs the heap with an anonymous mapping instead of a Go slice
	// (unix only).
	UseMmap bool

	// InitialThreshold is the tenuring threshold before the first scavenge.
	// Zero selects MaxAge.
	InitialThreshold int
}

// DefaultOptions returns a 2MB eden, two 256KB survivors and a 16MB old space.
func DefaultOptions() Options {
	return Options{
		EdenWords:     2 << 20 / WordSize,
		SurvivorWords: 256 << 10 / WordSize,
		OldWords:      16 << 20 / WordSize,
	}
}

func (o Options) validate() error {
	if o.EdenWords < 64 || o.SurvivorWords < 16 || o.OldWords < 1024 {
		return fmt.Errorf("heap too small: eden %d, survivor %d, old %d words", o.EdenWords, o.SurvivorWords, o.OldWords)
	}
	if o.InitialThreshold < 0 || o.InitialThreshold > MaxAge {
		return fmt.Errorf("initial tenuring threshold %d out of range [0, %d]", o.InitialThreshold, MaxAge)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// wellKnown holds the klasses the heap creates for itself.
type wellKnown struct {
	metaklass        Value
	object           Value
	undefinedObject  Value
	trueKlass        Value
	falseKlass       Value
	smallInteger     Value
	double           Value
	byteArray        Value
	string           Value
	doubleByteArray  Value
	doubleValueArray Value
	array            Value
	weakArray        Value
	symbol           Value
	association      Value
	context          Value
	method           Value
	mixin            Value
	process          Value
	proxy            Value
	vframe           Value
}

func (k *wellKnown) slots() []*Value {
	return []*Value{
		&k.metaklass, &k.object, &k.undefinedObject, &k.trueKlass, &k.falseKlass,
		&k.smallInteger, &k.double, &k.byteArray, &k.string, &k.doubleByteArray,
		&k.doubleValueArray, &k.array, &k.weakArray, &k.symbol, &k.association,
		&k.context, &k.method, &k.mixin, &k.process, &k.proxy, &k.vframe,
	}
}

// Heap owns the generations and every table of one object memory. A Heap is
// used by a single mutator; nothing in it is synchronized.
type Heap struct {
	id   uuid.UUID
	opts Options
	mem  *arena
	base uint64

	eden *Space
	from *Space // survivor holding last cycle's survivors
	to   *Space // empty survivor, target of the next scavenge
	old  *Space

	ages              AgeTable
	tenuringThreshold int
	rset              *RememberedSet
	weak              *WeakArrayRegistry
	queue             *NotificationQueue
	symbols           *SymbolTable
	handles           *HandleTable

	known    wellKnown
	nilObj   Value
	trueObj  Value
	falseObj Value

	globals   []Value // associations
	rootSets  []*rootEntry
	tempRoots []*Value

	blockDepth      int
	scavengePending bool
	collecting      bool

	nextHash uint32

	stats   HeapStats
	onCycle []func(CycleStats)
}

// NewHeap creates a heap, its well-known klasses and nil/true/false.
func NewHeap(opts Options) (*Heap, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	total := opts.EdenWords + 2*opts.SurvivorWords + opts.OldWords
	mem, err := newArena(total, opts.UseMmap)
	if err != nil {
		return nil, err
	}

	h := &Heap{
		id:       uuid.New(),
		opts:     opts,
		mem:      mem,
		base:     heapBase,
		nextHash: 1,
	}
	addr := heapBase
	h.eden = newSpace("eden", addr, opts.EdenWords)
	addr = h.eden.end
	h.from = newSpace("survivor0", addr, opts.SurvivorWords)
	addr = h.from.end
	h.to = newSpace("survivor1", addr, opts.SurvivorWords)
	addr = h.to.end
	h.old = newSpace("old", addr, opts.OldWords)

	h.tenuringThreshold = opts.InitialThreshold
	if h.tenuringThreshold == 0 {
		h.tenuringThreshold = MaxAge
	}
	h.rset = NewRememberedSet()
	h.queue = newNotificationQueue(h)
	h.weak = newWeakArrayRegistry(h, h.queue)
	h.symbols = newSymbolTable(h)
	h.handles = newHandleTable()

	h.bootstrapKlasses()

	heapLog.Infof("heap %s created: eden %s, survivors 2x%s, old %s",
		h.id, formatBytes(h.eden.Capacity()), formatBytes(h.from.Capacity()), formatBytes(h.old.Capacity()))
	return h, nil
}

// bootstrapKlasses creates the metaklass, the well-known klasses and the
// nil/true/false objects, then names everything.
func (h *Heap) bootstrapKlasses() {
	tenured := func(words int) uint64 {
		addr := h.old.allocate(words)
		if addr == 0 {
			Fatalf("old space too small for bootstrap")
		}
		return addr
	}
	untagged := func(s Shape) int64 {
		if layouts[s].untagged() {
			return klassFlagUntagged
		}
		return 0
	}

	metaAddr := tenured(klassWords)
	h.known.metaklass = h.initKlass(metaAddr, FromAddress(metaAddr), ShapeKlass, klassWords, 0)

	type klassDef struct {
		slot         *Value
		name         string
		shape        Shape
		nonIndexable int
	}
	defs := []klassDef{
		{&h.known.object, "Object", ShapeMem, headerWords},
		{&h.known.undefinedObject, "UndefinedObject", ShapeMem, headerWords},
		{&h.known.trueKlass, "True", ShapeMem, headerWords},
		{&h.known.falseKlass, "False", ShapeMem, headerWords},
		{&h.known.smallInteger, "SmallInteger", ShapeSmallInteger, headerWords},
		{&h.known.double, "Double", ShapeDouble, headerWords + 1},
		{&h.known.byteArray, "ByteArray", ShapeByteArray, headerWords + 1},
		{&h.known.string, "String", ShapeByteArray, headerWords + 1},
		{&h.known.doubleByteArray, "DoubleByteArray", ShapeDoubleByteArray, headerWords + 1},
		{&h.known.doubleValueArray, "DoubleValueArray", ShapeDoubleValueArray, headerWords + 1},
		{&h.known.array, "Array", ShapeObjArray, headerWords + 1},
		{&h.known.weakArray, "WeakArray", ShapeWeakArray, headerWords + 1},
		{&h.known.symbol, "Symbol", ShapeSymbol, headerWords + 1},
		{&h.known.association, "Association", ShapeAssociation, headerWords + 3},
		{&h.known.context, "Context", ShapeContext, headerWords + 2},
		{&h.known.method, "Method", ShapeMethod, headerWords + 4},
		{&h.known.mixin, "Mixin", ShapeMixin, headerWords + 6},
		{&h.known.process, "Process", ShapeProcess, headerWords + 2},
		{&h.known.proxy, "Proxy", ShapeProxy, headerWords + 1},
		{&h.known.vframe, "VFrame", ShapeVFrame, headerWords + 4},
	}
	for _, s := range defs {
		*s.slot = h.initKlass(tenured(klassWords), h.known.metaklass, s.shape, s.nonIndexable, untagged(s.shape))
	}

	newSingleton := func(klass Value) Value {
		addr := tenured(headerWords)
		h.setWord(addr, uint64(NewMark(false)))
		h.setWord(addr+WordSize, uint64(klass))
		return FromAddress(addr)
	}
	h.nilObj = newSingleton(h.known.undefinedObject)
	h.trueObj = newSingleton(h.known.trueKlass)
	h.falseObj = newSingleton(h.known.falseKlass)

	fixup := func(k Value) {
		super := h.known.object
		if k == h.known.object {
			super = h.nilObj
		}
		h.setWordAt(k, klassSuperIndex, super)
		h.setWordAt(k, klassMethodsIndex, h.nilObj)
		h.setWordAt(k, klassMixinIndex, h.nilObj)
		h.setWordAt(k, klassNameIndex, h.nilObj)
	}
	fixup(h.known.metaklass)
	for _, s := range defs {
		fixup(*s.slot)
	}

	// Symbols can be allocated now that the Symbol klass and nil exist.
	h.setWordAt(h.known.metaklass, klassNameIndex, h.symbols.LookupString("Metaklass"))
	for _, s := range defs {
		h.setWordAt(*s.slot, klassNameIndex, h.symbols.LookupString(s.name))
	}
}

// Close releases the heap's backing memory. The heap must not be used after.
func (h *Heap) Close() error {
	return h.mem.close()
}

// Options returns the sizes the heap was created with.
func (h *Heap) Options() Options { return h.opts }

// ID identifies the heap in logs and the cycle journal.
func (h *Heap) ID() uuid.UUID { return h.id }

// Nil returns the nil object.
func (h *Heap) Nil() Value { return h.nilObj }

// True returns the true object.
func (h *Heap) True() Value { return h.trueObj }

// False returns the false object.
func (h *Heap) False() Value { return h.falseObj }

// FromBool returns true or false.
func (h *Heap) FromBool(b bool) Value {
	if b {
		return h.trueObj
	}
	return h.falseObj
}

// Symbols returns the heap's symbol table.
func (h *Heap) Symbols() *SymbolTable { return h.symbols }

// Notifications returns the queue of weak arrays with near-death elements.
func (h *Heap) Notifications() *NotificationQueue { return h.queue }

// RememberedSet returns the heap's remembered set.
func (h *Heap) RememberedSet() *RememberedSet { return h.rset }

// Handles returns the heap's handle table.
func (h *Heap) Handles() *HandleTable { return h.handles }

// Eden returns the allocation space of the young generation.
func (h *Heap) Eden() *Space { return h.eden }

// Survivor returns the survivor space holding the last cycle's survivors.
func (h *Heap) Survivor() *Space { return h.from }

// Old returns the old generation.
func (h *Heap) Old() *Space { return h.old }

// TenuringThreshold returns the age at which objects are promoted.
func (h *Heap) TenuringThreshold() int { return h.tenuringThreshold }

// Ages returns the age table of the last scavenge.
func (h *Heap) Ages() *AgeTable { return &h.ages }

// Well-known klass accessors.
func (h *Heap) MetaklassKlass() Value        { return h.known.metaklass }
func (h *Heap) ObjectKlass() Value           { return h.known.object }
func (h *Heap) SmallIntegerKlass() Value     { return h.known.smallInteger }
func (h *Heap) DoubleKlass() Value           { return h.known.double }
func (h *Heap) ByteArrayKlass() Value        { return h.known.byteArray }
func (h *Heap) StringKlass() Value           { return h.known.string }
func (h *Heap) DoubleByteArrayKlass() Value  { return h.known.doubleByteArray }
func (h *Heap) DoubleValueArrayKlass() Value { return h.known.doubleValueArray }
func (h *Heap) ArrayKlass() Value            { return h.known.array }
func (h *Heap) WeakArrayKlass() Value        { return h.known.weakArray }
func (h *Heap) SymbolKlass() Value           { return h.known.symbol }
func (h *Heap) AssociationKlass() Value      { return h.known.association }
func (h *Heap) ContextKlass() Value          { return h.known.context }
func (h *Heap) MethodKlass() Value           { return h.known.method }
func (h *Heap) MixinKlass() Value            { return h.known.mixin }
func (h *Heap) ProcessKlass() Value          { return h.known.process }
func (h *Heap) ProxyKlass() Value            { return h.known.proxy }
func (h *Heap) VFrameKlass() Value           { return h.known.vframe }

// ---------------------------------------------------------------------------
// Word access
// ---------------------------------------------------------------------------

func (h *Heap) index(addr uint64) uint64 {
	if asserts && (addr < h.base || addr >= h.old.end || addr&(WordSize-1) != 0) {
		Fatalf("address %#x outside heap", addr)
	}
	return (addr - h.base) / WordSize
}

func (h *Heap) word(addr uint64) uint64 {
	return h.mem.words[h.index(addr)]
}

func (h *Heap) setWord(addr uint64, w uint64) {
	h.mem.words[h.index(addr)] = w
}

// wordAt reads word i of obj.
func (h *Heap) wordAt(obj Value, i int) Value {
	return Value(h.word(obj.Address() + uint64(i)*WordSize))
}

// setWordAt writes word i of obj without a write barrier.
func (h *Heap) setWordAt(obj Value, i int, v Value) {
	h.setWord(obj.Address()+uint64(i)*WordSize, uint64(v))
}

// words returns the backing slice for [addr, addr+n words).
func (h *Heap) words(addr uint64, n int) []uint64 {
	i := h.index(addr)
	return h.mem.words[i : i+uint64(n)]
}

// markOf returns obj's header. A forwarded or corrupt header is fatal.
func (h *Heap) markOf(obj Value) Mark {
	w := Value(h.word(obj.Address()))
	if !w.IsMark() {
		Fatalf("object %#x has no valid header (%#x)", uint64(obj), uint64(w))
	}
	return Mark(w)
}

func (h *Heap) setMark(obj Value, m Mark) {
	h.setWord(obj.Address(), uint64(m))
}

// MarkOf returns obj's header word.
func (h *Heap) MarkOf(obj Value) Mark { return h.markOf(obj) }

// ---------------------------------------------------------------------------
// Generations
// ---------------------------------------------------------------------------

// IsYoung returns true if v points into the young generation.
func (h *Heap) IsYoung(v Value) bool {
	if !v.IsObject() {
		return false
	}
	a := v.Address()
	return h.eden.Contains(a) || h.from.Contains(a) || h.to.Contains(a)
}

// IsOld returns true if v points into the old generation.
func (h *Heap) IsOld(v Value) bool {
	return v.IsObject() && h.old.Contains(v.Address())
}

// inScavengeSource returns true if addr is in eden or the from survivor,
// the spaces a scavenge evacuates.
func (h *Heap) inScavengeSource(addr uint64) bool {
	return h.eden.Contains(addr) || h.from.Contains(addr)
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate returns the address of words zeroed words in the young generation,
// scavenging first if eden is full. Requests eden cannot satisfy fall back to
// old space. Returns 0 only when the heap is exhausted.
func (h *Heap) Allocate(words int) uint64 {
	h.checkpoint()
	if uint64(words)*WordSize > h.eden.Capacity() {
		return h.AllocateTenured(words)
	}
	addr := h.eden.allocate(words)
	if addr == 0 && h.canCollect() {
		h.Scavenge()
		addr = h.eden.allocate(words)
	} else if addr == 0 {
		h.scavengePending = true
	}
	if addr == 0 {
		return h.AllocateTenured(words)
	}
	clear(h.words(addr, words))
	return addr
}

// AllocateTenured returns the address of words zeroed words in old space,
// running a full collection first if old space is full. Returns 0 only when
// the heap is exhausted.
func (h *Heap) AllocateTenured(words int) uint64 {
	addr := h.old.allocate(words)
	if addr == 0 && h.canCollect() {
		h.FullCollect()
		addr = h.old.allocate(words)
	}
	if addr == 0 {
		heapLog.Errorf("heap %s exhausted allocating %d words", h.id, words)
		return 0
	}
	clear(h.words(addr, words))
	return addr
}

func (h *Heap) canCollect() bool {
	return h.blockDepth == 0 && !h.collecting
}

// checkpoint runs a scavenge deferred by BlockScavenge.
func (h *Heap) checkpoint() {
	if h.scavengePending && h.canCollect() {
		h.scavengePending = false
		h.Scavenge()
	}
}

// BlockScavenge prevents any collection until the returned function is
// called. Scopes nest. Allocation inside a scope that would need a scavenge
// goes to old space instead and the scavenge runs at the next checkpoint
// after the outermost scope ends.
func (h *Heap) BlockScavenge() (unblock func()) {
	h.blockDepth++
	done := false
	return func() {
		if done {
			Fatalf("BlockScavenge: scope released twice")
		}
		done = true
		h.blockDepth--
		assert(h.blockDepth >= 0, "unbalanced BlockScavenge")
	}
}

// ScavengeBlocked returns true inside a BlockScavenge scope.
func (h *Heap) ScavengeBlocked() bool { return h.blockDepth > 0 }

// allocateObject allocates and initializes an instance of klass with length
// indexable elements. Pointer fields are nil, raw data zero.
func (h *Heap) allocateObject(klass Value, length int, tenured bool) Value {
	shape := h.KlassShape(klass)
	l := layouts[shape].base()
	if shape == ShapeSmallInteger {
		Fatalf("cannot allocate SmallInteger instances")
	}
	if !l.indexable() && length != 0 {
		Fatalf("%s is not indexable", h.KlassName(klass))
	}
	if length < 0 {
		Fatalf("negative length %d for %s", length, h.KlassName(klass))
	}

	release := h.pushRoots(&klass)
	nonIndexable := h.KlassNonIndexableSize(klass)
	size := nonIndexable + elementWords(l.elem, length)
	var addr uint64
	if tenured {
		addr = h.AllocateTenured(size)
	} else {
		addr = h.Allocate(size)
	}
	release()
	if addr == 0 {
		Fatalf("heap exhausted allocating %d words for %s", size, h.KlassName(klass))
	}

	obj := FromAddress(addr)
	h.setMark(obj, NewMark(l.untagged()))
	h.setWordAt(obj, 1, klass)
	fixedEnd := nonIndexable - l.raw
	if l.indexable() {
		fixedEnd--
		h.setWordAt(obj, nonIndexable-1, FromSmallInt(int64(length)))
	}
	for i := headerWords; i < fixedEnd; i++ {
		h.setWordAt(obj, i, h.nilObj)
	}
	if l.elem == elemOop {
		for i := 0; i < length; i++ {
			h.setWordAt(obj, nonIndexable+i, h.nilObj)
		}
	}
	return obj
}

// ---------------------------------------------------------------------------
// Write barrier
// ---------------------------------------------------------------------------

// Store writes v into the slot at address slot of obj. Storing a young
// pointer into an old object records obj in the remembered set.
func (h *Heap) Store(obj Value, slot uint64, v Value) {
	h.setWord(slot, uint64(v))
	if v.IsObject() && h.IsOld(obj) && h.IsYoung(v) {
		h.rset.Record(obj)
	}
}

// ---------------------------------------------------------------------------
// Identity hash
// ---------------------------------------------------------------------------

// IdentityHash returns v's identity hash, assigning one on first request.
func (h *Heap) IdentityHash(v Value) uint32 {
	if v.IsSmallInt() {
		return uint32(v.SmallInt())
	}
	m := h.markOf(v)
	if m.HasHash() {
		return m.Hash()
	}
	hash := h.nextHash
	h.nextHash++
	if h.nextHash == NoHash {
		h.nextHash = 1
	}
	h.setMark(v, m.WithHash(hash))
	return hash
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// HeapStats accumulates totals over the heap's lifetime.
type HeapStats struct {
	Scavenges      uint64
	FullCollects   uint64
	PromotedBytes  uint64
	SurvivedBytes  uint64
	ReclaimedBytes uint64
	NearDeath      uint64
	TotalPause     time.Duration
}

// Stats returns the lifetime totals.
func (h *Heap) Stats() HeapStats { return h.stats }

// OnCycle registers fn to be called after every collection cycle.
func (h *Heap) OnCycle(fn func(CycleStats)) {
	h.onCycle = append(h.onCycle, fn)
}

func (h *Heap) finishCycle(cs CycleStats) {
	cs.HeapID = h.id.String()
	h.stats.TotalPause += cs.Duration
	h.stats.NearDeath += uint64(cs.NearDeath)
	h.stats.PromotedBytes += cs.PromotedBytes
	h.stats.SurvivedBytes += cs.SurvivedBytes
	h.stats.ReclaimedBytes += cs.ReclaimedBytes
	switch cs.Kind {
	case CycleScavenge:
		h.stats.Scavenges++
		cs.Cycle = h.stats.Scavenges
	case CycleFull:
		h.stats.FullCollects++
		cs.Cycle = h.stats.FullCollects
	}
	for _, fn := range h.onCycle {
		fn(cs)
	}
}
