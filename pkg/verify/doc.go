// Package verify implements whole-program static verification of a loaded
// bytecode module.
//
// The verifier is a worklist-driven abstract interpreter. A top-level
// worklist discovers procedure boundaries: starting at address 0 (which
// must be a BEGIN with exactly two parameters), each item must begin with
// BEGIN, CBEGIN, or the end-of-file marker. A body worklist then walks each
// procedure's instructions, tracking the static operand-stack height along
// every path. Each address is verified once; a revisit must agree on both
// the owning procedure and the stack height, otherwise verification fails
// with a cross-procedure-fallthrough or unbalanced-heights error.
//
// Along the way the verifier checks bytecode and string-table bounds,
// NUL termination, varspec index bounds, jump-target validity, and the
// per-opcode stack discipline. CALL and CLOSURE targets are queued for a
// post-validation pass once all procedures are known: a CALL must name a
// BEGIN with a matching arity, and a CLOSURE must supply at least as many
// captures as the target procedure references.
//
// On success the verifier produces a ModuleInfo describing every procedure
// (parameter, local and capture counts, maximum operand-stack height, and
// whether it is a closure) together with the resolved public symbol table.
// The interpreter and the idiom miner both require a ModuleInfo; executing
// a verified module can never trip a bytecode-bounds, string-table,
// varspec, or stack-balance fault at run time.
package verify
