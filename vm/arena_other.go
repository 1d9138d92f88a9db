//go:build !unix

package vm

func newArena(words int, useMmap bool) (*arena, error) {
	return &arena{words: make([]uint64, words)}, nil
}
