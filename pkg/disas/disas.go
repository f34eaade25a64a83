// Package disas renders bytecode as a human-readable listing.
//
// The disassembler drives the decoder and formats each event as it
// arrives, so it never parses immediates itself and tolerates malformed
// input: decoding errors are rendered inline and scanning continues with
// the next instruction.
package disas

import (
	"fmt"
	"io"

	"github.com/slowlime/friar/pkg/bytecode"
	"github.com/slowlime/friar/pkg/decode"
)

// Opts controls the listing format.
type Opts struct {
	// PrintAddr prefixes each instruction with its address.
	PrintAddr bool

	// InstrSep is printed between instructions.
	InstrSep string

	// InstrTerm is printed after each instruction.
	InstrTerm string
}

// Listing returns the standard options for --mode=disas output:
// addr-prefixed, one instruction per line.
func Listing() Opts {
	return Opts{PrintAddr: true, InstrSep: "\n"}
}

// Inline returns the options used to render idiom spans: no addresses,
// instructions joined with "; ".
func Inline() Opts {
	return Opts{InstrSep: "; "}
}

// mnemonics is the canonical lowercase rendering of each opcode. The
// load/store families collapse to their family name; the varspec event
// carries the variable kind.
var mnemonics = map[bytecode.Op]string{
	bytecode.OpAdd: "binop +",
	bytecode.OpSub: "binop -",
	bytecode.OpMul: "binop *",
	bytecode.OpDiv: "binop /",
	bytecode.OpMod: "binop %",
	bytecode.OpLt:  "binop <",
	bytecode.OpLe:  "binop <=",
	bytecode.OpGt:  "binop >",
	bytecode.OpGe:  "binop >=",
	bytecode.OpEq:  "binop ==",
	bytecode.OpNe:  "binop !=",
	bytecode.OpAnd: "binop &&",
	bytecode.OpOr:  "binop !!",

	bytecode.OpConst:  "const",
	bytecode.OpString: "string",
	bytecode.OpSexp:   "sexp",
	bytecode.OpSti:    "sti",
	bytecode.OpSta:    "sta",
	bytecode.OpJmp:    "jmp",
	bytecode.OpEnd:    "end",
	bytecode.OpRet:    "ret",
	bytecode.OpDrop:   "drop",
	bytecode.OpDup:    "dup",
	bytecode.OpSwap:   "swap",
	bytecode.OpElem:   "elem",

	bytecode.OpLdG:  "ld",
	bytecode.OpLdL:  "ld",
	bytecode.OpLdA:  "ld",
	bytecode.OpLdC:  "ld",
	bytecode.OpLdaG: "lda",
	bytecode.OpLdaL: "lda",
	bytecode.OpLdaA: "lda",
	bytecode.OpLdaC: "lda",
	bytecode.OpStG:  "st",
	bytecode.OpStL:  "st",
	bytecode.OpStA:  "st",
	bytecode.OpStC:  "st",

	bytecode.OpCjmpZ:   "cjmpz",
	bytecode.OpCjmpNz:  "cjmpnz",
	bytecode.OpBegin:   "begin",
	bytecode.OpCbegin:  "cbegin",
	bytecode.OpClosure: "closure",
	bytecode.OpCallC:   "callc",
	bytecode.OpCall:    "call",
	bytecode.OpTag:     "tag",
	bytecode.OpArray:   "array",
	bytecode.OpFail:    "fail",
	bytecode.OpLine:    "line",

	bytecode.OpPattEqStr:  "patt =str",
	bytecode.OpPattString: "patt #str",
	bytecode.OpPattArray:  "patt #array",
	bytecode.OpPattSexp:   "patt #sexp",
	bytecode.OpPattRef:    "patt #ref",
	bytecode.OpPattVal:    "patt #val",
	bytecode.OpPattFun:    "patt #fun",

	bytecode.OpCallLread:   "call Lread",
	bytecode.OpCallLwrite:  "call Lwrite",
	bytecode.OpCallLlength: "call Llength",
	bytecode.OpCallLstring: "call Lstring",
	bytecode.OpCallBarray:  "call Barray",

	bytecode.OpEof: "<eof>",
}

var varKindPrefix = [...]string{
	bytecode.VarGlobal:  "G",
	bytecode.VarLocal:   "L",
	bytecode.VarParam:   "A",
	bytecode.VarCapture: "C",
}

// decimalWidth returns the number of decimal digits in v; the address
// column is padded to the decimal width of the bytecode size.
func decimalWidth(v int) int {
	width := 1
	for v >= 10 {
		v /= 10
		width++
	}
	return width
}

// Disassemble writes a listing of bc to w.
func Disassemble(bc []byte, w io.Writer, opts Opts) error {
	dec := decode.NewDecoder(bc)
	width := decimalWidth(len(bc))

	var werr error
	printf := func(format string, args ...any) {
		if werr == nil {
			_, werr = fmt.Fprintf(w, format, args...)
		}
	}

	first := true

	sink := &decode.Visitor{
		InstrStart: func(e decode.InstrStart) {
			if !first {
				printf("%s", opts.InstrSep)
			}
			first = false

			if opts.PrintAddr {
				printf("%*x:  ", width, e.Addr)
			}

			if name, ok := mnemonics[e.Op]; ok {
				printf("%s", name)
			} else {
				printf("[illop %#02x]", byte(e.Op))
			}
		},

		Imm32: func(e decode.Imm32) {
			printf(" %d", e.Imm)
		},

		ImmVarspec: func(e decode.ImmVarspec) {
			printf(" %s(%d)", varKindPrefix[e.Kind], e.Idx)
		},

		Err: func(e *decode.Error) {
			printf(" [error: %s]", e.Msg)
		},

		InstrEnd: func(decode.InstrEnd) {
			printf("%s", opts.InstrTerm)
		},
	}

	for dec.Pos() < uint32(len(bc)) && werr == nil {
		dec.Next(sink)
	}

	return werr
}
