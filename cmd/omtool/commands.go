package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chazu/oopmem/config"
	"github.com/chazu/oopmem/journal"
	"github.com/chazu/oopmem/vm"
)

// buildGraph defines a Point klass and a few globals holding one object of
// most shapes. Returns the root array.
func buildGraph(h *vm.Heap) vm.Value {
	point := h.NewKlass("Point", h.ObjectKlass(), 2)
	h.SetGlobal("Point", point)

	root := h.NewHandle(h.NewObjArray(8))
	defer root.Release()
	set := func(i int, v vm.Value) { h.AtPut(root.Get(), i, v) }

	p := h.NewInstance(point)
	h.SetField(p, 0, vm.FromSmallInt(3))
	h.SetField(p, 1, vm.FromSmallInt(4))
	set(0, p)
	set(1, h.NewString("hello, heap"))
	set(2, h.Symbols().LookupString("printOn:"))
	set(3, h.NewDouble(3.14))
	set(4, h.NewDoubleValueArray([]float64{2.71, 1.41}))
	set(5, h.NewDoubleByteArray([]uint16{'o', 'm'}))
	sel := h.NewHandle(h.Symbols().LookupString("run"))
	defer sel.Release()
	lits := h.NewArrayOf(vm.FromSmallInt(1))
	set(6, h.NewMethod(sel.Get(), lits, 0, []byte{1, 2, 3}))
	set(7, h.NewWeakArray(4))

	h.SetGlobal("Root", root.Get())
	return root.Get()
}

func runDemo(h *vm.Heap, n int) error {
	root := h.NewHandle(buildGraph(h))
	defer root.Release()

	// A weak array whose elements only it holds; they are reported near
	// death by the first collection that sees it.
	weak := h.NewHandle(h.At(root.Get(), 7))
	for i := 0; i < h.Length(weak.Get()); i++ {
		s := h.NewString(fmt.Sprintf("weak %d", i))
		h.AtPut(weak.Get(), i, s)
	}

	// Keep every hundredth allocation alive in a ring, so survivors age and
	// get tenured.
	ring := h.NewHandle(h.NewObjArray(64))
	start := time.Now()
	for i := 0; i < n; i++ {
		obj := h.NewArrayOf(vm.FromSmallInt(int64(i)), h.Nil(), h.Nil())
		if i%100 == 0 {
			h.AtPut(ring.Get(), (i/100)%64, obj)
		}
	}
	h.FullCollect()
	elapsed := time.Since(start)

	for {
		w, ok := h.Notifications().Get()
		if !ok {
			break
		}
		fmt.Printf("near death: %s\n", h.String(w))
	}

	var log vm.VerifyLog
	if !h.Verify(&log) {
		return log.Err()
	}

	st := h.Stats()
	fmt.Printf("Allocated %d arrays in %v\n", n, elapsed)
	fmt.Printf("Scavenges %d, full collections %d, total pause %v\n", st.Scavenges, st.FullCollects, st.TotalPause)
	fmt.Printf("Survived %d bytes, promoted %d bytes, reclaimed %d bytes, %d near death\n",
		st.SurvivedBytes, st.PromotedBytes, st.ReclaimedBytes, st.NearDeath)
	h.PrintSpaces(os.Stdout)
	fmt.Println("Age table of the last scavenge:")
	h.Ages().Print(os.Stdout)
	fmt.Printf("Root: %s\n", h.String(root.Get()))
	return nil
}

func writeImage(h *vm.Heap, path string) error {
	root := buildGraph(h)
	var buf bytes.Buffer
	bw := vm.NewBootstrapWriter(h)
	bw.Extended = true
	hdr, err := bw.Write(&buf, []vm.Value{root})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Wrote %s: version %d, %d objects, %d bytes\n", path, hdr.Version, hdr.ObjectCount, buf.Len())
	return nil
}

func loadImage(h *vm.Heap, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()

	br := vm.NewBootstrapReader(h)
	roots, err := br.Load(f)
	if errors.Is(err, vm.ErrBootstrapVersion) {
		vm.Fatalf("%s: %v", path, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	hdr := br.Header()
	fmt.Printf("Loaded %s: version %d, extended %v, %d roots\n", path, hdr.Version, hdr.Extended, len(roots))

	handles := make([]vm.Handle, len(roots))
	for i, r := range roots {
		handles[i] = h.NewHandle(r)
	}
	var log vm.VerifyLog
	if !h.Verify(&log) {
		return log.Err()
	}
	h.Scavenge()
	for i, hd := range handles {
		v := hd.Get()
		fmt.Printf("root %d: %s\n", i, h.String(v))
		if v.IsObject() && h.ShapeOf(v) == vm.ShapeObjArray {
			for j := 0; j < h.Length(v); j++ {
				fmt.Printf("  [%d] %s\n", j, h.String(h.At(v, j)))
			}
		}
	}
	h.PrintSpaces(os.Stdout)
	return nil
}

func showHistory(cfg *config.Config, heapID string) error {
	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer j.Close()

	if heapID == "" {
		ids, err := j.Heaps()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Printf("No cycles recorded in %s\n", j.Path())
			return nil
		}
		for _, id := range ids {
			if err := printSummary(j, id); err != nil {
				return err
			}
		}
		return nil
	}

	if err := printSummary(j, heapID); err != nil {
		return err
	}
	cycles, err := j.Cycles(heapID, 20)
	if err != nil {
		return err
	}
	for _, cs := range cycles {
		fmt.Printf("  %s  %s\n", cs.Started.Format(time.RFC3339), cs)
	}
	return nil
}

func printSummary(j *journal.Journal, heapID string) error {
	s, err := j.Summary(heapID)
	if err != nil {
		return err
	}
	fmt.Printf("heap %s: %d scavenges, %d full collections, pause %v total / %v max, %s - %s\n",
		s.HeapID, s.Scavenges, s.FullCollects, s.TotalPause, s.MaxPause,
		s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
	return nil
}
