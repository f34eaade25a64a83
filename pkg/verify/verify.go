package verify

import (
	"bytes"
	"fmt"

	"github.com/slowlime/friar/pkg/bytecode"
	"github.com/slowlime/friar/pkg/decode"
)

const (
	// maxStackHeight is the maximum static operand-stack height within a
	// procedure.
	maxStackHeight = 0x7fffffff

	// maxCaptures bounds the capture index a procedure may reference.
	maxCaptures = 0x7fffffff
)

// Proc describes a verified procedure.
type Proc struct {
	// Params is the declared parameter count: the low 16 bits of the first
	// BEGIN/CBEGIN immediate. The high bits are reserved for a precomputed
	// operand-stack hint and are ignored here.
	Params uint32 `cbor:"1,keyasint"`

	// Locals is the declared local slot count.
	Locals uint32 `cbor:"2,keyasint"`

	// Captures is one past the maximum capture index observed in the body,
	// or 0 if the body references no captures.
	Captures uint32 `cbor:"3,keyasint"`

	// StackSize is the maximum static operand-stack height observed in the
	// body.
	StackSize uint32 `cbor:"4,keyasint"`

	// IsClosure is true iff the procedure was declared with CBEGIN.
	IsClosure bool `cbor:"5,keyasint"`
}

// ModuleInfo is the verifier's summary of a valid module.
type ModuleInfo struct {
	// Procs maps each procedure-entry address to its attributes.
	Procs map[uint32]Proc `cbor:"1,keyasint"`

	// Symbols maps each public symbol name to its bytecode address.
	Symbols map[string]uint32 `cbor:"2,keyasint"`
}

// Error is a positioned verification error.
type Error struct {
	// Offset is the bytecode address (or file offset, for symbol-table
	// errors) where the error occurred.
	Offset uint32

	// Msg is the error message.
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("at %#x: %s", e.Offset, e.Msg)
}

// bcKind classifies a bytecode address during verification.
type bcKind uint8

const (
	bcUnknown bcKind = iota
	bcProc
	bcBody
	bcEof
)

// bcInfo is the per-address verification record.
type bcInfo struct {
	kind        bcKind
	procAddr    uint32
	stackHeight uint32
}

// verifyReq is a worklist item: either a top-level instruction (a procedure
// boundary) or a body instruction with its static context.
type verifyReq struct {
	addr uint32

	// topLevel distinguishes the two worklists.
	topLevel bool

	// main is set on the initial top-level request only.
	main bool

	// procAddr and stackHeight apply to body requests.
	procAddr    uint32
	stackHeight uint32
}

// closureReq defers validation of a CLOSURE target until all procedures are
// known.
type closureReq struct {
	addr       uint32
	targetAddr uint32
	captures   uint32
}

// callReq defers validation of a CALL target until all procedures are known.
type callReq struct {
	addr       uint32
	targetAddr uint32
	args       uint32
}

type verifier struct {
	mod *bytecode.Module
	bc  []byte
	dec *decode.Decoder

	lastStrtabEntry int

	toVerify []verifyReq
	verified []bcInfo
	procs    map[uint32]*Proc
	symbols  map[string]uint32

	closureReqs []closureReq
	callReqs    []callReq
}

// Verify statically checks the module and computes its ModuleInfo.
// Verification is deterministic: verifying the same module twice yields the
// same ModuleInfo or the same positioned error.
func Verify(mod *bytecode.Module) (*ModuleInfo, error) {
	v := &verifier{
		mod:      mod,
		bc:       mod.Bytecode,
		dec:      decode.NewDecoder(mod.Bytecode),
		toVerify: []verifyReq{{addr: 0, topLevel: true, main: true}},
		verified: make([]bcInfo, len(mod.Bytecode)),
		procs:    make(map[uint32]*Proc),
		symbols:  make(map[string]uint32),
	}

	v.lastStrtabEntry = bytes.LastIndexByte(mod.Strtab, 0)

	if err := v.verifySymtab(); err != nil {
		return nil, err
	}
	if err := v.verifyBytecode(); err != nil {
		return nil, err
	}

	info := &ModuleInfo{
		Procs:   make(map[uint32]Proc, len(v.procs)),
		Symbols: v.symbols,
	}
	for addr, proc := range v.procs {
		info.Procs[addr] = *proc
	}

	return info, nil
}

func errorf(offset uint32, format string, args ...any) *Error {
	return &Error{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// strtabErr adapts verifyStrtabEntry for use in error-typed chains: a nil
// *Error must become a nil interface.
func (v *verifier) strtabErr(offset, pos uint32) error {
	if err := v.verifyStrtabEntry(offset, pos); err != nil {
		return err
	}
	return nil
}

// verifyStrtabEntry checks that offset denotes a NUL-terminated string in
// the string table. pos positions the diagnostic.
func (v *verifier) verifyStrtabEntry(offset, pos uint32) *Error {
	if offset >= uint32(len(v.mod.Strtab)) {
		return errorf(pos,
			"a string table offset %#x is out of bounds for the string table of size %#x",
			offset, len(v.mod.Strtab))
	}

	if int(offset) > v.lastStrtabEntry {
		return errorf(pos,
			"a string at offset %#x in the string table is not NUL-terminated", offset)
	}

	return nil
}

func (v *verifier) verifySymtab() error {
	for _, sym := range v.mod.Symtab {
		if sym.Address > uint32(len(v.bc)) {
			return errorf(sym.Offset,
				"the symbol points to address %#x which is beyond the size of the bytecode (%#x)",
				sym.Address, len(v.bc))
		}

		if err := v.verifyStrtabEntry(sym.NameOffset, sym.Offset); err != nil {
			return errorf(err.Offset, "the symbol has an illegal name: %s", err.Msg)
		}

		name := v.mod.StrtabEntryAt(sym.NameOffset)
		if _, dup := v.symbols[name]; dup {
			return errorf(sym.Offset, "the symbol named `%s` is defined multiple times", name)
		}

		v.symbols[name] = sym.Address
	}

	return nil
}

func (v *verifier) verifyBytecode() error {
	for len(v.toVerify) > 0 {
		req := v.toVerify[len(v.toVerify)-1]
		v.toVerify = v.toVerify[:len(v.toVerify)-1]

		var err error
		if req.topLevel {
			err = v.verifyTopLevelInstr(req.addr, req.main)
		} else {
			err = v.verifyBodyInstr(req.addr, req.procAddr, req.stackHeight)
		}
		if err != nil {
			return err
		}
	}

	return v.postValidate()
}

func (v *verifier) postValidate() error {
	for _, req := range v.closureReqs {
		if req.targetAddr >= uint32(len(v.bc)) {
			return errorf(req.addr,
				"the closure instantiation refers to address %#x, which is out of bounds for the bytecode section of size %#x",
				req.targetAddr, len(v.bc))
		}

		proc, ok := v.procs[req.targetAddr]
		if !ok {
			return errorf(req.addr,
				"the closure instantiation refers to address %#x, which is not a procedure definition",
				req.targetAddr)
		}

		if req.captures < proc.Captures {
			return errorf(req.addr,
				"the closure instantiation captures %d variables while the procedure needs at least %d",
				req.captures, proc.Captures)
		}
	}

	for _, req := range v.callReqs {
		if req.targetAddr >= uint32(len(v.bc)) {
			return errorf(req.addr,
				"the call refers to address %#x, which is out of bounds for the bytecode section of size %#x",
				req.targetAddr, len(v.bc))
		}

		proc, ok := v.procs[req.targetAddr]
		if !ok {
			return errorf(req.addr,
				"the call refers to address %#x, which is not a procedure definition",
				req.targetAddr)
		}

		if proc.IsClosure {
			return errorf(req.addr,
				"a closure cannot be called directly, as the call does not capture variables")
		}

		if req.args != proc.Params {
			return errorf(req.addr,
				"the call has a wrong number of arguments: the procedure expects %d, got %d",
				proc.Params, req.args)
		}
	}

	return nil
}

func (v *verifier) verifyTopLevelInstr(addr uint32, main bool) error {
	if addr >= uint32(len(v.bc)) {
		return errorf(addr, "no end-of-file marker found in the bytecode section")
	}

	switch v.verified[addr].kind {
	case bcProc, bcEof:
		return nil
	}

	in, err := v.decodeAt(addr)
	if err != nil {
		return err
	}

	switch in.op {
	case bytecode.OpBegin, bytecode.OpCbegin:
		if in.op == bytecode.OpCbegin && main {
			return errorf(addr,
				"the first procedure must not close over variables, but it's declared with CBEGIN")
		}

		params, err := v.nonneg(in.imms[0], "the parameter count")
		if err != nil {
			return err
		}
		locals, err := v.nonneg(in.imms[1], "the local count")
		if err != nil {
			return err
		}

		params &= 0xffff

		if main && params != 2 {
			return errorf(addr, "the main procedure must have 2 parameters, got %d", params)
		}

		v.procs[addr] = &Proc{
			Params:    params,
			Locals:    locals,
			IsClosure: in.op == bytecode.OpCbegin,
		}
		v.verified[addr] = bcInfo{kind: bcProc, procAddr: addr}

		v.toVerify = append(v.toVerify, verifyReq{
			addr:     in.end,
			procAddr: addr,
		})

	case bytecode.OpEof:
		if main {
			return errorf(addr, "no main procedure definition found")
		}

		v.verified[addr] = bcInfo{kind: bcEof}

	default:
		return errorf(addr,
			"encountered an illegal top-level bytecode byte %#02x", byte(in.op))
	}

	return nil
}

func (v *verifier) verifyBodyInstr(addr, procAddr, stackHeight uint32) error {
	if addr >= uint32(len(v.bc)) {
		return errorf(addr,
			"encountered the end of the file unexpectedly while verifying the bytecode")
	}

	info := &v.verified[addr]

	if info.kind == bcBody {
		if info.procAddr != procAddr {
			return errorf(addr,
				"an instruction is part of multiple procedure definitions (at %#x and %#x)",
				info.procAddr, procAddr)
		}

		if info.stackHeight != stackHeight {
			return errorf(addr,
				"detected unbalanced static stack heights: %d and %d",
				info.stackHeight, stackHeight)
		}

		return nil
	}

	proc := v.procs[procAddr]
	*info = bcInfo{kind: bcBody, procAddr: procAddr, stackHeight: stackHeight}

	height := stackHeight
	if proc.StackSize < height {
		proc.StackSize = height
	}

	in, err := v.decodeAt(addr)
	if err != nil {
		return err
	}

	checkStack := func(pops, pushes uint32) error {
		if height < pops {
			return errorf(addr,
				"not enough operands on the stack: expected at least %d, have %d",
				pops, height)
		}

		if maxStackHeight-height < pushes {
			return errorf(addr,
				"exceeded the maximum static stack height of %d", uint32(maxStackHeight))
		}

		height += pushes - pops
		if proc.StackSize < height {
			proc.StackSize = height
		}

		return nil
	}

	checkVarspec := func(spec decode.ImmVarspec) error {
		switch spec.Kind {
		case bytecode.VarGlobal:
			if spec.Idx >= v.mod.GlobalCount {
				return errorf(spec.Addr,
					"the global index %d is out of bounds: the module only has %d",
					spec.Idx, v.mod.GlobalCount)
			}

		case bytecode.VarLocal:
			if spec.Idx >= proc.Locals {
				return errorf(spec.Addr,
					"the local index %d is out of bounds: the procedure only has %d",
					spec.Idx, proc.Locals)
			}

		case bytecode.VarParam:
			if spec.Idx >= proc.Params {
				return errorf(spec.Addr,
					"the parameter index %d is out of bounds: the procedure only has %d",
					spec.Idx, proc.Params)
			}

		case bytecode.VarCapture:
			if spec.Idx >= maxCaptures {
				return errorf(spec.Addr,
					"the captured variable index %d is too large: the maximum is %d",
					spec.Idx, uint32(maxCaptures))
			}

			if proc.Captures < spec.Idx+1 {
				proc.Captures = spec.Idx + 1
			}
		}

		return nil
	}

	// enqueueJump schedules the validated target at the current height;
	// callers apply the instruction's stack effect first.
	enqueueJump := func(l uint32) {
		v.toVerify = append(v.toVerify, verifyReq{
			addr:        l,
			procAddr:    procAddr,
			stackHeight: height,
		})
	}

	continuePath := true

	switch {
	case in.op.IsBinop():
		err = checkStack(2, 1)

	default:
		switch in.op {
		case bytecode.OpConst:
			// The integer constant is signed-allowed.
			err = checkStack(0, 1)

		case bytecode.OpString:
			var s uint32
			if s, err = v.nonneg(in.imms[0], "the string table offset"); err == nil {
				if err = v.strtabErr(s, in.imms[0].Addr); err == nil {
					err = checkStack(0, 1)
				}
			}

		case bytecode.OpSexp:
			var s, n uint32
			if s, err = v.nonneg(in.imms[0], "the string table offset"); err == nil {
				if n, err = v.nonneg(in.imms[1], "the sexp member count"); err == nil {
					if err = v.strtabErr(s, in.imms[0].Addr); err == nil {
						err = checkStack(n, 1)
					}
				}
			}

		case bytecode.OpSti:
			err = checkStack(2, 1)

		case bytecode.OpSta:
			err = checkStack(3, 1)

		case bytecode.OpJmp:
			continuePath = false
			var l uint32
			if l, err = v.nonneg(in.imms[0], "the jump target"); err == nil {
				if err = v.checkJmpTargetAddr(l, in.imms[0].Addr); err == nil {
					enqueueJump(l)
				}
			}

		case bytecode.OpEnd, bytecode.OpRet:
			continuePath = false
			err = checkStack(1, 1)

		case bytecode.OpDrop:
			err = checkStack(1, 0)

		case bytecode.OpDup:
			err = checkStack(1, 2)

		case bytecode.OpSwap:
			err = checkStack(2, 2)

		case bytecode.OpElem:
			err = checkStack(2, 1)

		case bytecode.OpLdG, bytecode.OpLdL, bytecode.OpLdA, bytecode.OpLdC,
			bytecode.OpLdaG, bytecode.OpLdaL, bytecode.OpLdaA, bytecode.OpLdaC:
			if err = checkVarspec(in.specs[0]); err == nil {
				err = checkStack(0, 1)
			}

		case bytecode.OpStG, bytecode.OpStL, bytecode.OpStA, bytecode.OpStC:
			if err = checkVarspec(in.specs[0]); err == nil {
				err = checkStack(1, 1)
			}

		case bytecode.OpCjmpZ, bytecode.OpCjmpNz:
			var l uint32
			if l, err = v.nonneg(in.imms[0], "the jump target"); err == nil {
				if err = v.checkJmpTargetAddr(l, in.imms[0].Addr); err == nil {
					if err = checkStack(1, 0); err == nil {
						enqueueJump(l)
					}
				}
			}

		case bytecode.OpBegin:
			err = errorf(addr,
				"encountered a BEGIN instruction nested inside a procedure declared at %#x",
				procAddr)

		case bytecode.OpCbegin:
			err = errorf(addr,
				"encountered a CBEGIN instruction nested inside a procedure declared at %#x",
				procAddr)

		case bytecode.OpClosure:
			var l, n uint32
			if l, err = v.nonneg(in.imms[0], "the call target"); err == nil {
				if n, err = v.nonneg(in.imms[1], "the captured variable count"); err == nil {
					for _, spec := range in.specs {
						if err = checkVarspec(spec); err != nil {
							break
						}
					}

					if err == nil {
						if err = checkStack(0, 1); err == nil {
							v.closureReqs = append(v.closureReqs, closureReq{
								addr:       addr,
								targetAddr: l,
								captures:   n,
							})
						}
					}
				}
			}

		case bytecode.OpCallC:
			var n uint32
			if n, err = v.nonneg(in.imms[0], "the argument count"); err == nil {
				err = checkStack(n+1, 1)
			}

		case bytecode.OpCall:
			var l, n uint32
			if l, err = v.nonneg(in.imms[0], "the call target"); err == nil {
				if n, err = v.nonneg(in.imms[1], "the argument count"); err == nil {
					if err = checkStack(n, 1); err == nil {
						v.callReqs = append(v.callReqs, callReq{
							addr:       addr,
							targetAddr: l,
							args:       n,
						})
					}
				}
			}

		case bytecode.OpTag:
			var s uint32
			if s, err = v.nonneg(in.imms[0], "the string table offset"); err == nil {
				if _, err = v.nonneg(in.imms[1], "the member count"); err == nil {
					if err = v.strtabErr(s, in.imms[0].Addr); err == nil {
						err = checkStack(1, 1)
					}
				}
			}

		case bytecode.OpArray:
			if _, err = v.nonneg(in.imms[0], "the element count"); err == nil {
				err = checkStack(1, 1)
			}

		case bytecode.OpFail:
			continuePath = false
			if _, err = v.nonneg(in.imms[0], "the line number"); err == nil {
				if _, err = v.nonneg(in.imms[1], "the column number"); err == nil {
					err = checkStack(1, 0)
				}
			}

		case bytecode.OpLine:
			_, err = v.nonneg(in.imms[0], "the line number")

		case bytecode.OpPattEqStr, bytecode.OpPattString, bytecode.OpPattArray,
			bytecode.OpPattSexp, bytecode.OpPattRef, bytecode.OpPattVal,
			bytecode.OpPattFun:
			err = checkStack(1, 1)

		case bytecode.OpCallLread:
			err = checkStack(0, 1)

		case bytecode.OpCallLwrite, bytecode.OpCallLlength, bytecode.OpCallLstring:
			err = checkStack(1, 1)

		case bytecode.OpCallBarray:
			var n uint32
			if n, err = v.nonneg(in.imms[0], "the element count"); err == nil {
				err = checkStack(n, 1)
			}

		case bytecode.OpEof:
			err = errorf(addr,
				"encountered an unexpected end-of-file marker inside a procedure definition")
		}
	}

	if err != nil {
		return err
	}

	if in.op == bytecode.OpEnd {
		v.toVerify = append(v.toVerify, verifyReq{addr: in.end, topLevel: true})
	} else if continuePath {
		v.toVerify = append(v.toVerify, verifyReq{
			addr:        in.end,
			procAddr:    procAddr,
			stackHeight: height,
		})
	}

	return nil
}

// checkJmpTargetAddr validates a jump target without enqueuing it.
func (v *verifier) checkJmpTargetAddr(l, lAddr uint32) error {
	if l >= uint32(len(v.bc)) {
		return errorf(lAddr,
			"the jump target %#x is out of bounds for the bytecode section of size %#x",
			l, len(v.bc))
	}

	switch bytecode.Op(v.bc[l]) {
	case bytecode.OpBegin, bytecode.OpCbegin:
		return errorf(lAddr,
			"the jump target %#x refers to the beginning of a procedure declaration", l)

	case bytecode.OpEof:
		return errorf(lAddr, "the jump target %#x refers to the end-of-file marker", l)
	}

	return nil
}

// nonneg rejects immediates whose sign bit is set; most immediate fields
// are non-negative-required.
func (v *verifier) nonneg(imm decode.Imm32, field string) (uint32, error) {
	if imm.Imm>>31 != 0 {
		return 0, errorf(imm.Addr, "the value %#x is too large for %s", imm.Imm, field)
	}
	return imm.Imm, nil
}
