package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Full collection
// ---------------------------------------------------------------------------

// bigBytes returns n bytes that do not fit in eden of the test heap, so the
// allocation lands in old space.
func bigBytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestFullCollectCompactsOldSpace(t *testing.T) {
	h := newTestHeap(t)
	h.NewByteArray(bigBytes(40000, 1))
	keep := h.NewHandle(h.NewByteArray(bigBytes(40000, 7)))
	if !h.IsOld(keep.Get()) {
		t.Fatal("large byte array should be allocated in old space")
	}
	before := keep.Get()
	usedBefore := h.Old().Used()

	h.FullCollect()

	after := keep.Get()
	if after == before {
		t.Error("surviving object should slide over the garbage below it")
	}
	if h.Old().Used() >= usedBefore {
		t.Errorf("old space used %d, was %d", h.Old().Used(), usedBefore)
	}
	want := bigBytes(40000, 7)
	got := h.Bytes(after)
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
	if h.Stats().FullCollects != 1 {
		t.Errorf("full collections = %d, want 1", h.Stats().FullCollects)
	}
	verifyHeap(t, h)
}

func TestFullCollectAdjustsYoungReferencesToOld(t *testing.T) {
	h := newTestHeap(t)
	h.NewByteArray(bigBytes(40000, 0))
	big := h.NewByteArray(bigBytes(40000, 3))
	holder := h.NewHandle(h.NewArrayOf(big, FromSmallInt(5)))
	if !h.IsYoung(holder.Get()) {
		t.Fatal("holder should be young")
	}

	h.FullCollect()

	a := holder.Get()
	moved := h.At(a, 0)
	if !h.IsOld(moved) || h.ByteAt(moved, 0) != 3 {
		t.Error("young slot not adjusted to the slid object")
	}
	if h.At(a, 1) != FromSmallInt(5) {
		t.Error("small integer slot changed")
	}
	verifyHeap(t, h)
}

func TestFullCollectKeepsOldToYoungReferences(t *testing.T) {
	h := newTestHeap(t)
	h.NewByteArray(bigBytes(40000, 0))
	h.SetGlobal("young", h.NewString("still here"))

	h.FullCollect()

	v, ok := h.Global("young")
	if !ok || string(h.Bytes(v)) != "still here" {
		t.Error("object reachable only from an old association was lost")
	}
	assoc := h.Globals()[0]
	if h.IsYoung(v) && !h.RememberedSet().Contains(assoc) {
		t.Error("remembered set not rebuilt after compaction")
	}
	verifyHeap(t, h)
}

func TestFullCollectDropsUnreferencedSymbols(t *testing.T) {
	h := newTestHeap(t)
	st := h.Symbols()
	st.LookupString("garbage")
	h.SetGlobal("live", st.LookupString("referenced"))
	n := st.Len()

	h.FullCollect()

	if st.IsPresent([]byte("garbage")) {
		t.Error("unreferenced symbol should be dropped")
	}
	if !st.IsPresent([]byte("referenced")) || !st.IsPresent([]byte("live")) {
		t.Error("referenced symbols should be kept")
	}
	if st.Len() != n-1 {
		t.Errorf("symbol count = %d, want %d", st.Len(), n-1)
	}
	if !st.IsPresent([]byte("Array")) {
		t.Error("klass names are referenced by klasses and should be kept")
	}
	v, _ := h.Global("live")
	if v != st.LookupString("referenced") {
		t.Error("global no longer holds the canonical symbol")
	}
	verifyHeap(t, h)
}

func TestFullCollectPreservesIdentityHash(t *testing.T) {
	h := newTestHeap(t)
	h.NewByteArray(bigBytes(40000, 0))
	obj := h.NewHandle(h.NewByteArray(bigBytes(40000, 1)))
	hash := h.IdentityHash(obj.Get())

	h.FullCollect()

	if got := h.IdentityHash(obj.Get()); got != hash {
		t.Errorf("hash changed from %d to %d", hash, got)
	}
}

func TestFullCollectRestrictions(t *testing.T) {
	h := newTestHeap(t)
	unblock := h.BlockScavenge()
	expectFatal(t, h.FullCollect)
	unblock()
}

func TestCycleHooksRunAfterCollection(t *testing.T) {
	h := newTestHeap(t)
	hd := h.NewHandle(h.NewArrayOf(FromSmallInt(1)))
	defer hd.Release()
	kinds := []CycleKind{}
	h.OnCycle(func(cs CycleStats) {
		if h.collecting {
			t.Errorf("%v hook ran while collecting", cs.Kind)
		}
		var log VerifyLog
		if !h.Verify(&log) {
			t.Errorf("verify from %v hook: %v", cs.Kind, log.Err())
		}
		kinds = append(kinds, cs.Kind)
	})

	h.Scavenge()
	h.FullCollect()

	if len(kinds) != 2 || kinds[0] != CycleScavenge || kinds[1] != CycleFull {
		t.Errorf("hook kinds = %v, want one scavenge then one full collection", kinds)
	}
}

func TestFullCollectCountsNearDeathOnce(t *testing.T) {
	h := newTestHeap(t)
	newWeakFixture(t, h)
	var full CycleStats
	h.OnCycle(func(cs CycleStats) { full = cs })

	h.FullCollect()

	if full.Kind != CycleFull || full.NearDeath != 2 {
		t.Errorf("cycle = %v near death %d, want a full collection with 2", full.Kind, full.NearDeath)
	}
	st := h.Stats()
	if st.NearDeath != 2 {
		t.Errorf("near-death total = %d, want 2", st.NearDeath)
	}
	if st.FullCollects != 1 || st.Scavenges != 0 {
		t.Errorf("full collections %d, scavenges %d, want 1 and 0", st.FullCollects, st.Scavenges)
	}
	if h.Notifications().Len() != 1 {
		t.Errorf("queue length = %d, want 1", h.Notifications().Len())
	}
}

func TestFullCollectCycleStats(t *testing.T) {
	h := newTestHeap(t)
	h.NewByteArray(bigBytes(40000, 0))
	var full CycleStats
	h.OnCycle(func(cs CycleStats) {
		if cs.Kind == CycleFull {
			full = cs
		}
	})

	h.FullCollect()

	if full.ReclaimedBytes < 40000 {
		t.Errorf("reclaimed %d bytes, want at least 40000", full.ReclaimedBytes)
	}
	if full.OldBefore-full.ReclaimedBytes != full.SurvivedBytes {
		t.Error("old before, reclaimed and survived bytes disagree")
	}
	if full.Symbols != h.Symbols().Len() {
		t.Errorf("symbols = %d, want %d", full.Symbols, h.Symbols().Len())
	}
}
