// Package interp executes verified Lama bytecode on a stack machine with
// tagged values.
//
// Values are machine words whose low bit distinguishes small integers from
// heap references (see Value). All value-holding locations — globals,
// arguments, locals, the operand stack — live in a single contiguous word
// buffer registered with the runtime heap (pkg/lamart) as the "virtual
// stack" the collector scans. The interpreter keeps the live bounds up to
// date as it pushes and pops, so any value held across an allocation must
// reside on the stack at that moment; the opcode handlers are written to
// preserve that invariant.
//
// Stack layout on entry to a procedure:
//
//	[ globals | (closure, for CALLC) | args... | locals... | operands... ]
//	                                           ^ base
//
// CALL and CALLC push a frame recording the caller's pc, base, and argument
// count; the BEGIN/CBEGIN at the target completes the setup by reading its
// parameter and local counts and advancing the stack bounds. END and RET
// pop the frame, replace arguments (and the closure, if any) with the
// return value, and restore the caller; returning from the bottommost frame
// terminates execution.
//
// The interpreter requires a ModuleInfo from pkg/verify and performs no
// static checks of its own: only genuinely dynamic conditions — type
// mismatches, division by zero, out-of-range indices, closure arity, stack
// exhaustion, FAIL instructions — surface as RuntimeErrors, each carrying
// a backtrace of the frame stack.
//
// The runtime heap is process-wide, so a single execution may be live at a
// time; Run rejects concurrent or reentrant activation.
package interp
