package bytecode

import "bytes"

// Sym is a public symbol declaration read from the module's symbol table.
type Sym struct {
	// Offset is the byte offset in the file where this entry was read.
	// Used to position diagnostics.
	Offset uint32

	// Address is an address in the bytecode section.
	Address uint32

	// NameOffset locates the symbol's name in the string table.
	NameOffset uint32
}

// Module is a loaded Lama bytecode module. It is immutable during
// verification and execution.
type Module struct {
	// Name identifies the module in diagnostics (usually the file name).
	Name string

	// GlobalCount is the number of module-wide mutable slots.
	GlobalCount uint32

	// Symtab is the ordered symbol table.
	Symtab []Sym

	// Strtab is the raw string table: a concatenation of NUL-terminated
	// strings. The verifier checks that every referenced string is
	// NUL-terminated.
	Strtab []byte

	// BytecodeOffset is the file offset of the bytecode section.
	BytecodeOffset uint32

	// Bytecode holds the instruction bytes, including the trailing
	// end-of-file marker.
	Bytecode []byte
}

// StrtabEntryAt returns the NUL-terminated string starting at offset in the
// string table, without the terminator. The caller is responsible for bounds
// and termination checks (the verifier performs both); an unterminated tail
// is returned as-is.
func (m *Module) StrtabEntryAt(offset uint32) string {
	tail := m.Strtab[offset:]
	if i := bytes.IndexByte(tail, 0); i >= 0 {
		tail = tail[:i]
	}
	return string(tail)
}

// SymName resolves the name of the symbol declared at the given bytecode
// address, if any.
func (m *Module) SymName(addr uint32) (string, bool) {
	for _, sym := range m.Symtab {
		if sym.Address == addr {
			return m.StrtabEntryAt(sym.NameOffset), true
		}
	}
	return "", false
}
