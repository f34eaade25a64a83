// Package decode implements the bytecode instruction decoder.
//
// A Decoder is a cursor over the raw instruction bytes. Each Next call
// decodes exactly one instruction at the current position and reports it as
// a sequence of events pushed into a caller-supplied Sink: an InstrStart
// carrying the opcode, one event per immediate (Imm32 or ImmVarspec), at
// most one Error, and a final InstrEnd delimiting the byte span. The cursor
// is advanced past the instruction regardless of errors, so consumers can
// keep scanning after a malformed instruction.
//
// The decoder is the single owner of the opcode-to-operand-shape mapping;
// the disassembler, the verifier, and the idiom miner all observe the same
// event sequence and never parse immediates themselves.
package decode
