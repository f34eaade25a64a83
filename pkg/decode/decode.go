package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/slowlime/friar/pkg/bytecode"
)

// InstrStart marks the beginning of an instruction.
type InstrStart struct {
	// Addr is the address of the opcode in the bytecode section.
	Addr uint32

	// Op is the decoded opcode.
	Op bytecode.Op
}

// InstrEnd marks the end of an instruction.
type InstrEnd struct {
	// Start is the address of the first byte of the instruction.
	Start uint32

	// Addr is the address of the byte following the instruction's end.
	Addr uint32
}

// Len returns the length of the instruction in bytes.
func (e InstrEnd) Len() uint32 {
	return e.Addr - e.Start
}

// Imm32 is a 32-bit little-endian immediate.
type Imm32 struct {
	// Addr is the address of the first byte of the immediate.
	Addr uint32

	// Imm is the raw immediate value. Consumers decide whether the value is
	// signed-allowed or non-negative-required.
	Imm uint32
}

// End returns the address of the byte following the immediate.
func (i Imm32) End() uint32 {
	return i.Addr + 4
}

// ImmVarspec is a variable descriptor immediate, used by load, store, and
// closure instructions.
type ImmVarspec struct {
	// Addr is the address of the first byte of the immediate.
	Addr uint32

	// Kind is the variable kind.
	Kind bytecode.VarKind

	// Idx is the variable index.
	Idx uint32
}

// ErrKind classifies decoding errors.
type ErrKind uint8

const (
	// ErrEof signals that the decoder reached the end of the bytecode
	// section prematurely.
	ErrEof ErrKind = iota

	// ErrIllegalVarKind signals a varspec immediate with an unrecognized
	// variable kind.
	ErrIllegalVarKind

	// ErrIllegalOp signals an illegal instruction byte.
	ErrIllegalOp
)

// Error is a positioned decoding error.
type Error struct {
	// Addr is the address where the error occurred.
	Addr uint32

	// Kind is the specific reason for this error.
	Kind ErrKind

	// Msg is a description of this error.
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("at %#x: %s", e.Addr, e.Msg)
}

// Sink receives the event stream produced by a single Decoder.Next call.
// Events arrive in order: exactly one InstrStart (absent only when the
// cursor already sits past the end of the bytecode), zero or more
// Imm32/ImmVarspec, zero or one Error, and always exactly one InstrEnd.
type Sink interface {
	OnInstrStart(InstrStart)
	OnImm32(Imm32)
	OnImmVarspec(ImmVarspec)
	OnError(*Error)
	OnInstrEnd(InstrEnd)
}

// Decoder is a cursor over the bytecode section that decodes one
// instruction per Next call, pushing events into a caller-supplied Sink.
type Decoder struct {
	bc  []byte
	pos uint32
}

// NewDecoder creates a decoder positioned at address 0.
func NewDecoder(bc []byte) *Decoder {
	return &Decoder{bc: bc}
}

// MoveTo repositions the cursor at the given address.
func (d *Decoder) MoveTo(addr uint32) {
	d.pos = addr
}

// Pos returns the current cursor position.
func (d *Decoder) Pos() uint32 {
	return d.pos
}

// Next decodes the instruction at the current position and advances the
// cursor to the byte following it, regardless of errors.
func (d *Decoder) Next(sink Sink) {
	if d.pos >= uint32(len(d.bc)) {
		sink.OnError(&Error{
			Addr: d.pos,
			Kind: ErrEof,
			Msg:  "encountered the EOF while reading an opcode",
		})
		sink.OnInstrEnd(InstrEnd{Start: d.pos, Addr: d.pos})
		return
	}

	start := d.pos
	op := bytecode.Op(d.bc[d.pos])
	d.pos++

	sink.OnInstrStart(InstrStart{Addr: start, Op: op})

	var err *Error

	switch op {
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv,
		bytecode.OpMod, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt,
		bytecode.OpGe, bytecode.OpEq, bytecode.OpNe, bytecode.OpAnd,
		bytecode.OpOr,
		bytecode.OpSti, bytecode.OpSta, bytecode.OpEnd, bytecode.OpRet,
		bytecode.OpDrop, bytecode.OpDup, bytecode.OpSwap, bytecode.OpElem,
		bytecode.OpPattEqStr, bytecode.OpPattString, bytecode.OpPattArray,
		bytecode.OpPattSexp, bytecode.OpPattRef, bytecode.OpPattVal,
		bytecode.OpPattFun,
		bytecode.OpCallLread, bytecode.OpCallLwrite, bytecode.OpCallLlength,
		bytecode.OpCallLstring,
		bytecode.OpEof:
		// No immediates.

	case bytecode.OpConst:
		err = d.emitImm32(sink, "integer constant")

	case bytecode.OpString:
		err = d.emitImm32(sink, "string table offset")

	case bytecode.OpSexp, bytecode.OpTag:
		if err = d.emitImm32(sink, "tag"); err == nil {
			err = d.emitImm32(sink, "member count")
		}

	case bytecode.OpJmp, bytecode.OpCjmpZ, bytecode.OpCjmpNz:
		err = d.emitImm32(sink, "jump target")

	case bytecode.OpLdG, bytecode.OpLdL, bytecode.OpLdA, bytecode.OpLdC,
		bytecode.OpLdaG, bytecode.OpLdaL, bytecode.OpLdaA, bytecode.OpLdaC,
		bytecode.OpStG, bytecode.OpStL, bytecode.OpStA, bytecode.OpStC:
		// The opcode byte doubles as the varspec kind byte.
		d.pos--
		err = d.emitVarspec(sink, true)

	case bytecode.OpBegin, bytecode.OpCbegin:
		if err = d.emitImm32(sink, "parameter count"); err == nil {
			err = d.emitImm32(sink, "local count")
		}

	case bytecode.OpClosure:
		if err = d.emitImm32(sink, "call target"); err == nil {
			var n Imm32
			if n, err = d.readImm32("capture count"); err == nil {
				sink.OnImm32(n)
				for i := uint32(0); i < n.Imm && err == nil; i++ {
					err = d.emitVarspec(sink, false)
				}
			}
		}

	case bytecode.OpCallC:
		err = d.emitImm32(sink, "argument count")

	case bytecode.OpCall:
		if err = d.emitImm32(sink, "call target"); err == nil {
			err = d.emitImm32(sink, "argument count")
		}

	case bytecode.OpArray, bytecode.OpCallBarray:
		err = d.emitImm32(sink, "element count")

	case bytecode.OpFail:
		if err = d.emitImm32(sink, "line number"); err == nil {
			err = d.emitImm32(sink, "column number")
		}

	case bytecode.OpLine:
		err = d.emitImm32(sink, "line number")

	default:
		err = &Error{
			Addr: start,
			Kind: ErrIllegalOp,
			Msg:  fmt.Sprintf("encountered an illegal opcode %#02x", byte(op)),
		}
	}

	if err != nil {
		sink.OnError(err)
	}

	sink.OnInstrEnd(InstrEnd{Start: start, Addr: d.pos})
}

func (d *Decoder) emitImm32(sink Sink, field string) *Error {
	imm, err := d.readImm32(field)
	if err != nil {
		return err
	}
	sink.OnImm32(imm)
	return nil
}

func (d *Decoder) readImm32(field string) (Imm32, *Error) {
	if uint32(len(d.bc))-d.pos < 4 || d.pos > uint32(len(d.bc)) {
		d.pos = uint32(len(d.bc))
		return Imm32{}, &Error{
			Addr: d.pos,
			Kind: ErrEof,
			Msg:  fmt.Sprintf("encountered the EOF while trying to read the %s", field),
		}
	}

	imm := Imm32{
		Addr: d.pos,
		Imm:  binary.LittleEndian.Uint32(d.bc[d.pos:]),
	}
	d.pos += 4

	return imm, nil
}

func (d *Decoder) emitVarspec(sink Sink, ignoreHi bool) *Error {
	const size = 1 + 4

	if uint32(len(d.bc))-d.pos < size || d.pos > uint32(len(d.bc)) {
		d.pos = uint32(len(d.bc))
		return &Error{
			Addr: d.pos,
			Kind: ErrEof,
			Msg:  "encountered the EOF while trying to read a variable descriptor",
		}
	}

	spec := ImmVarspec{Addr: d.pos}
	kind := d.bc[d.pos]
	d.pos++

	if ignoreHi {
		kind &= 0xF
	}

	if kind > uint8(bytecode.VarCapture) {
		return &Error{
			Addr: spec.Addr,
			Kind: ErrIllegalVarKind,
			Msg:  fmt.Sprintf("unrecognized variable kind encoding: %#02x", kind),
		}
	}

	spec.Kind = bytecode.VarKind(kind)
	spec.Idx = binary.LittleEndian.Uint32(d.bc[d.pos:])
	d.pos += 4

	sink.OnImmVarspec(spec)
	return nil
}
