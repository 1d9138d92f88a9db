package vm

// linksPerBlock is the number of chain links carved from each block.
const linksPerBlock = 500

// symbolLink is one node of a symbol table bucket chain.
type symbolLink struct {
	sym  Value
	next *symbolLink
}

// linkAllocator hands out symbolLinks from fixed blocks and keeps released
// links on a free list. Blocks are never returned.
type linkAllocator struct {
	free   *symbolLink
	block  []symbolLink // unused tail of the current block
	blocks int
	inuse  int
}

func (a *linkAllocator) alloc(sym Value, next *symbolLink) *symbolLink {
	var l *symbolLink
	if a.free != nil {
		l = a.free
		a.free = l.next
	} else {
		if len(a.block) == 0 {
			a.block = make([]symbolLink, linksPerBlock)
			a.blocks++
		}
		l = &a.block[0]
		a.block = a.block[1:]
	}
	a.inuse++
	l.sym = sym
	l.next = next
	return l
}

func (a *linkAllocator) release(l *symbolLink) {
	l.sym = 0
	l.next = a.free
	a.free = l
	a.inuse--
}
