package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

var verifyLog = commonlog.GetLogger("oopmem.verify")

// VerifyError is one inconsistency found by Verify.
type VerifyError struct {
	Addr    uint64
	Object  string
	Problem string
}

func (e *VerifyError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("verify: %#x: %s", e.Addr, e.Problem)
	}
	return fmt.Sprintf("verify: %#x (%s): %s", e.Addr, e.Object, e.Problem)
}

// Reporter receives verification failures. Verify never stops at the first
// failure.
type Reporter interface {
	Report(err *VerifyError)
}

// VerifyLog collects failures and logs each one.
type VerifyLog struct {
	Errors []*VerifyError
}

// Report records and logs err.
func (l *VerifyLog) Report(err *VerifyError) {
	verifyLog.Errorf("%s", err)
	l.Errors = append(l.Errors, err)
}

// Err joins every recorded failure, or returns nil.
func (l *VerifyLog) Err() error {
	errs := make([]error, len(l.Errors))
	for i, e := range l.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func report(r Reporter, obj Value, h *Heap, problem string) {
	var addr uint64
	if obj.IsObject() {
		addr = obj.Address()
	}
	r.Report(&VerifyError{Addr: addr, Object: h.describe(obj), Problem: problem})
}

// Verify checks every object, root and table of the heap and reports each
// inconsistency to r. Returns true if none was found.
func (h *Heap) Verify(r Reporter) bool {
	if h.collecting {
		Fatalf("Verify during a collection")
	}
	ok := true
	objects := 0
	queued := 0
	for _, s := range []*Space{h.eden, h.from, h.old} {
		ok = h.verifySpace(s, r, func(obj Value) {
			objects++
			if h.markOf(obj).IsQueued() {
				queued++
			}
		}) && ok
	}
	if !h.to.IsEmpty() {
		r.Report(&VerifyError{Addr: h.to.bottom, Problem: "to-space is not empty between scavenges"})
		ok = false
	}

	h.rootsDo(func(slot *Value) {
		if !h.verifyValue(*slot) {
			r.Report(&VerifyError{Addr: uint64(*slot), Problem: "root does not refer to a valid object"})
			ok = false
		}
	})
	h.rset.ObjectsDo(func(obj Value) {
		if !h.IsOld(obj) || !h.verifyValue(obj) {
			report(r, obj, h, "remembered set entry is not a valid old object")
			ok = false
		}
	})
	ok = h.symbols.Verify(r) && ok

	inQueue := 0
	h.queue.Do(func(obj Value) {
		inQueue++
		if !h.verifyValue(obj) {
			r.Report(&VerifyError{Addr: uint64(obj), Problem: "notification queue holds an invalid object"})
			ok = false
			return
		}
		if !h.markOf(obj).IsQueued() {
			report(r, obj, h, "queued object lacks the queued bit")
			ok = false
		}
	})
	if inQueue != queued {
		r.Report(&VerifyError{Problem: fmt.Sprintf("%d objects carry the queued bit, queue holds %d", queued, inQueue)})
		ok = false
	}

	if ok {
		verifyLog.Debugf("heap %s verified: %d objects", h.id, objects)
	}
	return ok
}

// verifySpace walks s. A header or klass that cannot be trusted ends the walk
// since the next object cannot be located.
func (h *Heap) verifySpace(s *Space, r Reporter, fn func(obj Value)) bool {
	ok := true
	for addr := s.bottom; addr < s.top; {
		obj := FromAddress(addr)
		header := Value(h.word(addr))
		if !header.IsMark() {
			problem := "invalid header"
			if IsForwarded(header) {
				problem = "forwarding pointer outside a scavenge"
			}
			r.Report(&VerifyError{Addr: addr, Problem: fmt.Sprintf("%s %#x in %s", problem, uint64(header), s.name)})
			return false
		}
		klass := h.KlassOf(obj)
		if !h.IsKlass(klass) {
			r.Report(&VerifyError{Addr: addr, Problem: fmt.Sprintf("klass word %#x is not a klass", uint64(klass))})
			return false
		}
		if h.KlassShape(klass) == ShapeSmallInteger {
			report(r, obj, h, "heap object with SmallInteger klass")
			return false
		}
		size := h.SizeOf(obj)
		if size < headerWords || addr+uint64(size)*WordSize > s.top {
			report(r, obj, h, fmt.Sprintf("size %d words overruns %s", size, s.name))
			return false
		}

		m := Mark(header)
		if m.IsMarked() {
			report(r, obj, h, "mark bit set outside a full collection")
			ok = false
		}
		if m.IsUntagged() != h.KlassIsUntagged(klass) {
			report(r, obj, h, "untagged bit disagrees with klass")
			ok = false
		}
		ok = h.layoutOf(obj).verify(h, obj, r) && ok
		fn(obj)
		addr += uint64(size) * WordSize
	}
	return ok
}

// verifyValue returns true if v is a small integer or refers to the header
// of an object in the used part of eden, the from survivor or old space.
func (h *Heap) verifyValue(v Value) bool {
	if v.IsSmallInt() {
		return true
	}
	if !v.IsObject() {
		return false
	}
	a := v.Address()
	if !h.eden.ContainsUsed(a) && !h.from.ContainsUsed(a) && !h.old.ContainsUsed(a) {
		return false
	}
	return Value(h.word(a)).IsMark()
}

// verifySlot checks the pointer slot at addr of obj, including that an old
// object pointing young is remembered.
func (h *Heap) verifySlot(obj Value, addr uint64, r Reporter) bool {
	v := Value(h.word(addr))
	if v.IsMark() {
		report(r, obj, h, fmt.Sprintf("slot %#x holds a header word", addr))
		return false
	}
	if !h.verifyValue(v) {
		report(r, obj, h, fmt.Sprintf("slot %#x refers to %#x outside any object", addr, uint64(v)))
		return false
	}
	if h.IsOld(obj) && h.IsYoung(v) && !h.rset.Contains(obj) {
		report(r, obj, h, "old object points young but is not remembered")
		return false
	}
	return true
}
