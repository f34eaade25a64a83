// Package bcasm is a small bytecode assembler used by tests and tooling to
// construct well-formed (or deliberately malformed) modules without
// hand-writing byte arrays.
package bcasm

import (
	"encoding/binary"
	"fmt"

	"github.com/slowlime/friar/pkg/bytecode"
)

// Asm accumulates instruction bytes with label-based jump patching.
type Asm struct {
	buf    []byte
	labels map[string]uint32
	fixups map[uint32]string
}

// New creates an empty assembler.
func New() *Asm {
	return &Asm{
		labels: make(map[string]uint32),
		fixups: make(map[uint32]string),
	}
}

// Pos returns the current emission address.
func (a *Asm) Pos() uint32 {
	return uint32(len(a.buf))
}

// Op emits a bare opcode byte.
func (a *Asm) Op(op bytecode.Op) *Asm {
	a.buf = append(a.buf, byte(op))
	return a
}

// Byte emits a raw byte.
func (a *Asm) Byte(b byte) *Asm {
	a.buf = append(a.buf, b)
	return a
}

// U32 emits a little-endian 32-bit immediate.
func (a *Asm) U32(v uint32) *Asm {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
	return a
}

// Label binds name to the current address.
func (a *Asm) Label(name string) *Asm {
	a.labels[name] = a.Pos()
	return a
}

// Ref emits a 32-bit placeholder resolved to the label's address when the
// bytecode is finalized.
func (a *Asm) Ref(name string) *Asm {
	a.fixups[a.Pos()] = name
	return a.U32(0)
}

// Begin emits BEGIN with the given parameter and local counts.
func (a *Asm) Begin(params, locals uint32) *Asm {
	return a.Op(bytecode.OpBegin).U32(params).U32(locals)
}

// Cbegin emits CBEGIN with the given parameter and local counts.
func (a *Asm) Cbegin(params, locals uint32) *Asm {
	return a.Op(bytecode.OpCbegin).U32(params).U32(locals)
}

// Const emits CONST with a signed immediate.
func (a *Asm) Const(v int32) *Asm {
	return a.Op(bytecode.OpConst).U32(uint32(v))
}

// Jmp emits JMP to a label.
func (a *Asm) Jmp(label string) *Asm {
	return a.Op(bytecode.OpJmp).Ref(label)
}

// CjmpZ emits CJMPz to a label.
func (a *Asm) CjmpZ(label string) *Asm {
	return a.Op(bytecode.OpCjmpZ).Ref(label)
}

// CjmpNz emits CJMPnz to a label.
func (a *Asm) CjmpNz(label string) *Asm {
	return a.Op(bytecode.OpCjmpNz).Ref(label)
}

// Call emits CALL to a label with an argument count.
func (a *Asm) Call(label string, args uint32) *Asm {
	return a.Op(bytecode.OpCall).Ref(label).U32(args)
}

// CallC emits CALLC with an argument count.
func (a *Asm) CallC(args uint32) *Asm {
	return a.Op(bytecode.OpCallC).U32(args)
}

// ClosureStart emits CLOSURE with its target label and capture count; the
// caller follows up with Capture calls.
func (a *Asm) ClosureStart(label string, captures uint32) *Asm {
	return a.Op(bytecode.OpClosure).Ref(label).U32(captures)
}

// Capture emits one captured-variable descriptor of a CLOSURE instruction.
func (a *Asm) Capture(kind bytecode.VarKind, idx uint32) *Asm {
	return a.Byte(byte(kind)).U32(idx)
}

// LdSt emits a load/store-family instruction for the given variable.
func (a *Asm) LdSt(family bytecode.Op, kind bytecode.VarKind, idx uint32) *Asm {
	return a.Op(family | bytecode.Op(kind)).U32(idx)
}

// End emits END.
func (a *Asm) End() *Asm {
	return a.Op(bytecode.OpEnd)
}

// Bytecode finalizes the program: label references are patched and the
// end-of-file marker is appended. Panics on an unbound label, which is a
// test bug.
func (a *Asm) Bytecode() []byte {
	a.Op(bytecode.OpEof)

	for pos, name := range a.fixups {
		addr, ok := a.labels[name]
		if !ok {
			panic(fmt.Sprintf("bcasm: reference to unbound label %q", name))
		}
		binary.LittleEndian.PutUint32(a.buf[pos:], addr)
	}

	return a.buf
}

// Module finalizes the program into a module with the given globals and
// string table.
func (a *Asm) Module(name string, globals uint32, strtab []byte) *bytecode.Module {
	return &bytecode.Module{
		Name:        name,
		GlobalCount: globals,
		Strtab:      strtab,
		Bytecode:    a.Bytecode(),
	}
}

// Strtab builds a string table from NUL-terminated entries and returns it
// together with each entry's offset.
func Strtab(entries ...string) ([]byte, []uint32) {
	var buf []byte
	offsets := make([]uint32, len(entries))

	for i, entry := range entries {
		offsets[i] = uint32(len(buf))
		buf = append(buf, entry...)
		buf = append(buf, 0)
	}

	return buf, offsets
}
