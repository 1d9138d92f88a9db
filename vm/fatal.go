package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Fatal conditions
// ---------------------------------------------------------------------------

// FatalError is the panic value raised when an object-memory invariant is
// violated (heap exhaustion during a copy, a corrupt header, an assertion).
// Nothing in the heap is meaningful after one of these, so callers are not
// expected to recover except in tests or at a process boundary.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string {
	return "oopmem: fatal: " + e.Msg
}

var fatalLog = commonlog.GetLogger("oopmem.fatal")

// Fatalf logs at critical level and panics with a *FatalError.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fatalLog.Criticalf("%s", msg)
	panic(&FatalError{Msg: msg})
}

// assert aborts with a FatalError when asserts are compiled in and cond is false.
func assert(cond bool, format string, args ...any) {
	if asserts && !cond {
		Fatalf("assertion failed: "+format, args...)
	}
}

// IsFatal reports whether a recovered panic value is a FatalError.
func IsFatal(r any) bool {
	if err, ok := r.(error); ok {
		var fe *FatalError
		return errors.As(err, &fe)
	}
	return false
}
