//go:build !omrelease

package vm

// asserts enables internal consistency checks. Build with -tags omrelease to
// compile them out.
const asserts = true
