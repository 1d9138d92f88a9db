//go:build omrelease

package vm

const asserts = false
