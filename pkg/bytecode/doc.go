// Package bytecode defines the in-memory model of a loaded Lama bytecode
// module and the opcode encoding shared by every other stage.
//
// A Module bundles the instruction bytes, the string table, the public
// symbol table, and the global slot count. The instruction bytes are a flat
// sequence of one-byte opcodes followed by fixed-shape immediates; the final
// byte is always the 0xFF end-of-file marker, and no other opcode uses that
// value.
//
// Opcodes are partitioned into ranges by category:
//
//   - 0x01-0x0D: binary arithmetic, comparison, and logic
//   - 0x10-0x1B: stack manipulation and immediate loads
//   - 0x20-0x43: load/store forms, encoded as family | var kind
//   - 0x50-0x5A: control flow and procedure structure
//   - 0x60-0x66: pattern-matching tests
//   - 0x70-0x74: builtin calls
//   - 0xFF:      the end-of-file marker
//
// The load/store families (LD, LDA, ST) carry the variable kind in the low
// nibble of the opcode itself: consumers mask the low nibble and treat the
// rest as the family tag. See Op.IsLoadStore.
//
// This package contains no decoding or validation logic; see pkg/decode for
// the instruction decoder and pkg/verify for the static verifier.
package bytecode
