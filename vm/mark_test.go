package vm

import (
	"testing"
)

func TestNewMark(t *testing.T) {
	m := NewMark(false)
	if !m.Value().IsMark() || !m.isValid() {
		t.Fatal("new mark should carry the mark tag")
	}
	if m.IsMarked() || m.IsNearDeath() || m.IsQueued() || m.IsUntagged() {
		t.Errorf("new mark %#x has flags set", uint64(m))
	}
	if m.Age() != 0 || m.HasHash() {
		t.Error("new mark should have age 0 and no hash")
	}
	if !NewMark(true).IsUntagged() {
		t.Error("untagged bit not set")
	}
}

func TestMarkFlagsAreIndependent(t *testing.T) {
	m := NewMark(true).WithAge(5).WithHash(0xabcdef)
	m = m.SetMarked().SetNearDeath().SetQueued()
	if !m.IsMarked() || !m.IsNearDeath() || !m.IsQueued() || !m.IsUntagged() {
		t.Error("flags lost")
	}
	if m.Age() != 5 || m.Hash() != 0xabcdef {
		t.Errorf("age %d hash %#x after setting flags", m.Age(), m.Hash())
	}
	m = m.ClearMarked().ClearNearDeath().ClearQueued()
	if m.IsMarked() || m.IsNearDeath() || m.IsQueued() {
		t.Error("flags not cleared")
	}
	if !m.IsUntagged() || m.Age() != 5 || m.Hash() != 0xabcdef {
		t.Error("clearing flags disturbed other fields")
	}
}

func TestMarkAge(t *testing.T) {
	m := NewMark(false)
	for i := 1; i <= MaxAge; i++ {
		m = m.Incremented()
		if m.Age() != i {
			t.Fatalf("age after %d increments = %d", i, m.Age())
		}
	}
	if m.Incremented().Age() != MaxAge {
		t.Error("age should saturate at MaxAge")
	}
	if m.WithAge(-3).Age() != 0 {
		t.Error("negative age should clamp to 0")
	}
	if m.WithAge(MaxAge + 50).Age() != MaxAge {
		t.Error("large age should clamp to MaxAge")
	}
}

func TestMarkHash(t *testing.T) {
	m := NewMark(false).WithHash(^uint32(0))
	if m.Hash() != ^uint32(0) || !m.isValid() {
		t.Error("full-width hash did not round trip")
	}
	if m.WithHash(NoHash).HasHash() {
		t.Error("NoHash should read as unassigned")
	}
}

func TestIsForwarded(t *testing.T) {
	if !IsForwarded(FromAddress(heapBase)) {
		t.Error("object-tagged header is a forwarding pointer")
	}
	if IsForwarded(NewMark(false).Value()) {
		t.Error("mark is not a forwarding pointer")
	}
}
