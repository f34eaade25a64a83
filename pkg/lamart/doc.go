// Package lamart provides the Lama runtime heap the interpreter allocates
// from, rendered after the reference runtime's GC ABI.
//
// The contract mirrors the C runtime's: the collector owns no roots of its
// own and instead scans a single "virtual stack" — a contiguous word array
// registered by the interpreter and bounded by the process-wide StackTop
// and StackBottom indices (the moral equivalents of __gc_stack_top and
// __gc_stack_bottom). Everything the interpreter wants to keep alive across
// an allocation must be reachable from the live region
// Stack[StackTop:StackBottom) at that moment.
//
// Values are machine words. A word with the low bit set is a small integer;
// a word with the low bit clear is a heap reference. References are stable
// handles (objects never move), so a collection only ever frees objects the
// virtual stack cannot reach.
//
// Heap objects carry one of four type tags — TagArray, TagString, TagSexp,
// TagClosure — and a length. Sexp objects additionally carry their tag
// name as a string-table offset, a stable reference into memory outside
// the collected heap.
//
// Init must be called before the first allocation and Shutdown after the
// last; the interpreter brackets each execution with the pair. The package
// is process-wide state and supports a single runner at a time, matching
// the interpreter's unique-runner guard.
package lamart
