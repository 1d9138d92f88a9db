//go:build unix

package vm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// newArena reserves the backing words for the heap. With useMmap the words
// live in an anonymous private mapping outside the Go heap.
func newArena(words int, useMmap bool) (*arena, error) {
	if !useMmap {
		return &arena{words: make([]uint64, words)}, nil
	}
	b, err := unix.Mmap(-1, 0, words*WordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", words*WordSize, err)
	}
	return &arena{
		words: unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), words),
		release: func() error {
			return unix.Munmap(b)
		},
	}, nil
}
