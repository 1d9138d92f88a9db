package vm

// arena is the word array behind every space of a heap.
type arena struct {
	words   []uint64
	release func() error
}

func (a *arena) close() error {
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	a.words = nil
	return err
}
