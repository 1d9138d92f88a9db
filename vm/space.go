package vm

import (
	"fmt"

	"github.com/inhies/go-bytesize"
)

// ---------------------------------------------------------------------------
// Space: a contiguous bump-allocated region
// ---------------------------------------------------------------------------

// Space is a contiguous region of the heap's address range. Allocation bumps
// top toward end; a space is emptied by resetting top to bottom.
type Space struct {
	name   string
	bottom uint64 // first byte address
	top    uint64 // next free byte address
	end    uint64 // one past the last byte address
}

func newSpace(name string, bottom uint64, words int) *Space {
	return &Space{
		name:   name,
		bottom: bottom,
		top:    bottom,
		end:    bottom + uint64(words)*WordSize,
	}
}

// Name returns the space's name (eden, survivor0, survivor1, old).
func (s *Space) Name() string { return s.name }

// Bottom returns the first byte address of the space.
func (s *Space) Bottom() uint64 { return s.bottom }

// Top returns the current allocation pointer.
func (s *Space) Top() uint64 { return s.top }

// End returns one past the last byte address of the space.
func (s *Space) End() uint64 { return s.end }

// allocate bumps top by words and returns the old top, or 0 if the space
// cannot hold the request.
func (s *Space) allocate(words int) uint64 {
	n := uint64(words) * WordSize
	if s.end-s.top < n {
		return 0
	}
	addr := s.top
	s.top += n
	return addr
}

// Contains returns true if addr lies inside the space's capacity.
func (s *Space) Contains(addr uint64) bool {
	return addr >= s.bottom && addr < s.end
}

// ContainsUsed returns true if addr lies below top.
func (s *Space) ContainsUsed(addr uint64) bool {
	return addr >= s.bottom && addr < s.top
}

// Used returns the allocated bytes.
func (s *Space) Used() uint64 { return s.top - s.bottom }

// Free returns the unallocated bytes.
func (s *Space) Free() uint64 { return s.end - s.top }

// Capacity returns the total bytes.
func (s *Space) Capacity() uint64 { return s.end - s.bottom }

// IsEmpty returns true if nothing is allocated.
func (s *Space) IsEmpty() bool { return s.top == s.bottom }

func (s *Space) reset() { s.top = s.bottom }

func (s *Space) String() string {
	return fmt.Sprintf("%s [%#x, %#x, %#x) used %s of %s",
		s.name, s.bottom, s.top, s.end, formatBytes(s.Used()), formatBytes(s.Capacity()))
}

// objectsDo walks the parsable objects of the space from bottom to top.
// fn receives each object; the walk uses the object's klass to find the next
// one, so it must not run while headers or klass words are being rewritten.
func (s *Space) objectsDo(h *Heap, fn func(obj Value)) {
	for addr := s.bottom; addr < s.top; {
		obj := FromAddress(addr)
		size := h.SizeOf(obj)
		fn(obj)
		addr += uint64(size) * WordSize
	}
}

// formatBytes renders a byte count for logs, e.g. "2.00MB".
func formatBytes(n uint64) string {
	return bytesize.New(float64(n)).String()
}
