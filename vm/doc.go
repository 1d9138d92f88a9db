// Package vm implements the object memory of a Smalltalk-style virtual
// machine.
//
// This package contains:
//   - Tagged values and object header words
//   - Klass objects and per-shape layout dispatch
//   - A generational heap: eden, two survivor spaces and an old space
//   - A copying scavenger with feedback-mediated tenuring
//   - A mark-compact collector for the whole heap
//   - Weak arrays with near-death notification
//   - The canonical symbol table
//   - The bootstrap image reader and writer
//
// A Heap is owned by a single mutator. Values held outside the heap across
// an allocation must be registered as roots or held in Handles; the
// collector moves objects.
package vm
