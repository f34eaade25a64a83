// Package loader reads Lama bytecode modules from their on-disk format.
//
// The format is little-endian throughout:
//
//	u32 strtab_size
//	u32 global_count
//	u32 symtab_entries
//	repeat symtab_entries: { u32 address; u32 name_offset }
//	byte[strtab_size] strtab
//	byte[...]         bytecode   // the last byte must be 0xFF
//
// Size fields are rejected when negative as signed 32-bit values. The
// bytecode section must contain exactly one 0xFF byte, and it must be the
// final byte of the file. Every error carries the byte offset in the file
// where it was detected.
package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/slowlime/friar/pkg/bytecode"
)

// Error is a positioned loading error.
type Error struct {
	// Offset is the byte offset in the file where the error occurred.
	Offset uint32

	// Msg is the error message.
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("at offset %#x: %s", e.Offset, e.Msg)
}

type loader struct {
	r   io.Reader
	mod bytecode.Module
	pos uint32
}

// Load reads a module from r. The name is recorded in the module for
// diagnostics.
func Load(name string, r io.Reader) (*bytecode.Module, error) {
	l := &loader{r: r, mod: bytecode.Module{Name: name}}

	if err := l.loadHeader(); err != nil {
		return nil, err
	}
	if err := l.loadBytecode(); err != nil {
		return nil, err
	}

	return &l.mod, nil
}

func (l *loader) errorf(pos uint32, format string, args ...any) *Error {
	return &Error{Offset: pos, Msg: fmt.Sprintf(format, args...)}
}

func (l *loader) loadBytes(field string, dst []byte) error {
	n, err := io.ReadFull(l.r, dst)
	l.pos += uint32(n)

	switch err {
	case nil:
		return nil
	case io.EOF, io.ErrUnexpectedEOF:
		return l.errorf(l.pos,
			"encountered an unexpected end of file while parsing %s: need %d more bytes",
			field, len(dst)-n)
	default:
		return l.errorf(l.pos, "encountered a failure while parsing %s: %v", field, err)
	}
}

func (l *loader) loadU32(field string) (uint32, error) {
	pos := l.pos

	var buf [4]byte
	if err := l.loadBytes(field, buf[:]); err != nil {
		return 0, err
	}

	value := binary.LittleEndian.Uint32(buf[:])
	if int32(value) < 0 {
		return 0, l.errorf(pos, "%s must not be negative (got %d)", field, int32(value))
	}

	return value, nil
}

func (l *loader) loadHeader() error {
	strtabSize, err := l.loadU32("the string table size")
	if err != nil {
		return err
	}

	if l.mod.GlobalCount, err = l.loadU32("the global count"); err != nil {
		return err
	}

	symtabEntries, err := l.loadU32("the symbol table entry count")
	if err != nil {
		return err
	}

	l.mod.Symtab = make([]bytecode.Sym, 0, symtabEntries)

	for i := uint32(0); i < symtabEntries; i++ {
		sym := bytecode.Sym{Offset: l.pos}

		if sym.Address, err = l.loadU32("a symbol table entry's address"); err != nil {
			return err
		}
		if sym.NameOffset, err = l.loadU32("a symbol table entry's name"); err != nil {
			return err
		}

		l.mod.Symtab = append(l.mod.Symtab, sym)
	}

	l.mod.Strtab = make([]byte, strtabSize)

	return l.loadBytes("the string table", l.mod.Strtab)
}

func (l *loader) loadBytecode() error {
	pos := l.pos
	l.mod.BytecodeOffset = pos

	bc, err := io.ReadAll(l.r)
	l.pos += uint32(len(bc))
	if err != nil {
		return l.errorf(l.pos, "encountered a failure while parsing bytecode: %v", err)
	}

	idx := bytes.IndexByte(bc, byte(bytecode.OpEof))
	if idx < 0 {
		return l.errorf(l.pos, "no end-of-file marker found in the bytecode section")
	}

	if idx != len(bc)-1 {
		return l.errorf(pos+uint32(idx),
			"the end-of-file marker in the bytecode section must be the final byte in the file")
	}

	l.mod.Bytecode = bc

	return nil
}
