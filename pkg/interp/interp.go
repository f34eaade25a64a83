package interp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/slowlime/friar/pkg/bytecode"
	"github.com/slowlime/friar/pkg/lamart"
	"github.com/slowlime/friar/pkg/verify"
)

const (
	// defaultMaxStack is the absolute cap on the value stack, in words.
	defaultMaxStack = 0x7fffffff

	// maxMemberCount bounds a single sexp allocation.
	maxMemberCount = 0x00ffffff

	// maxElemCount bounds a single array allocation.
	maxElemCount = 0x00ffffff
)

// pcSentinel marks the bottommost frame: returning through it terminates
// execution.
const pcSentinel = ^uint32(0)

// running guards against a second concurrent (or reentrant) activation.
// The runtime heap and its virtual stack are process-wide, so only one
// execution may be live at a time.
var running atomic.Bool

// Interpreter executes a verified bytecode module.
type Interpreter struct {
	mod  *bytecode.Module
	info *verify.ModuleInfo

	input  *bufio.Reader
	output io.Writer

	maxStack   uint32
	readPrompt string
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithMaxStack overrides the absolute value-stack cap, in words.
func WithMaxStack(words uint32) Option {
	return func(ip *Interpreter) {
		if words > 0 {
			ip.maxStack = words
		}
	}
}

// WithReadPrompt overrides the prompt the Lread builtin prints.
func WithReadPrompt(prompt string) Option {
	return func(ip *Interpreter) {
		ip.readPrompt = prompt
	}
}

// New creates an interpreter for a module that passed verification.
func New(mod *bytecode.Module, info *verify.ModuleInfo, input io.Reader, output io.Writer, opts ...Option) *Interpreter {
	ip := &Interpreter{
		mod:        mod,
		info:       info,
		input:      bufio.NewReader(input),
		output:     output,
		maxStack:   defaultMaxStack,
		readPrompt: " > ",
	}

	for _, opt := range opts {
		opt(ip)
	}

	return ip
}

// frame is the per-call record of saved registers.
type frame struct {
	// procAddr is the address of the procedure this frame executes.
	procAddr uint32

	// savedPC, savedBase, and savedArgs restore the caller on return.
	savedPC   uint32
	savedBase uint32
	savedArgs uint32

	// line is the current source line, maintained by LINE instructions.
	line uint32

	// isClosure marks frames entered through CALLC, which keep the closure
	// object on the stack below the arguments.
	isClosure bool
}

// Run executes the module from its entry procedure. It returns nil on
// normal termination and a *RuntimeError on failure.
func (ip *Interpreter) Run() error {
	if !running.CompareAndSwap(false, true) {
		return &RuntimeError{Msg: "detected multiple concurrent interpreter instances"}
	}
	defer running.Store(false)

	lamart.Init()
	defer lamart.Shutdown()

	r := &runner{ip: ip, bc: ip.mod.Bytecode}
	return r.run()
}

// runner holds one execution's registers and frame stack.
type runner struct {
	ip *Interpreter
	bc []byte

	frames []frame

	// pc is the current byte offset in the bytecode.
	pc uint32

	// base is the word offset where the current frame's locals begin.
	base uint32

	// args is the caller-supplied argument count of the current frame.
	args uint32
}

// ---------------------------------------------------------------------------
// Virtual stack access
//
// The live stack is lamart.Stack[lamart.StackTop:lamart.StackBottom); the
// collector scans exactly that region, so every helper below maintains the
// bounds as it goes.
// ---------------------------------------------------------------------------

func (r *runner) stackSize() uint32 {
	return uint32(lamart.StackBottom - lamart.StackTop)
}

func (r *runner) push(v Value) {
	if lamart.StackBottom == len(lamart.Stack) {
		lamart.Stack = append(lamart.Stack, v.Word())
	} else {
		lamart.Stack[lamart.StackBottom] = v.Word()
	}
	lamart.StackBottom++
}

func (r *runner) popN(n uint32) {
	lamart.StackBottom -= int(n)
}

// topNth reads the stack value n slots below the top.
func (r *runner) topNth(n uint32) Value {
	return Value(lamart.Stack[lamart.StackBottom-1-int(n)])
}

func (r *runner) setTopNth(n uint32, v Value) {
	lamart.Stack[lamart.StackBottom-1-int(n)] = v.Word()
}

func (r *runner) global(m uint32) Value {
	return Value(lamart.Stack[m])
}

func (r *runner) setGlobal(m uint32, v Value) {
	lamart.Stack[m] = v.Word()
}

func (r *runner) local(m uint32) Value {
	return Value(lamart.Stack[r.base+m])
}

func (r *runner) setLocal(m uint32, v Value) {
	lamart.Stack[r.base+m] = v.Word()
}

func (r *runner) arg(m uint32) Value {
	return Value(lamart.Stack[r.base-r.args+m])
}

func (r *runner) setArg(m uint32, v Value) {
	lamart.Stack[r.base-r.args+m] = v.Word()
}

// closureValue returns the closure object of the current CALLC frame. It
// sits on the stack just below the arguments.
func (r *runner) closureValue() Value {
	return Value(lamart.Stack[r.base-r.args-1])
}

func (r *runner) capture(m uint32) Value {
	return r.closureValue().Field(int(m) + 1)
}

func (r *runner) setCapture(m uint32, v Value) {
	lamart.SetField(r.closureValue().Ref(), int(m)+1, v.Word())
}

// readU32 reads the 32-bit little-endian immediate at pc and advances past
// it.
func (r *runner) readU32() uint32 {
	v := binary.LittleEndian.Uint32(r.bc[r.pc:])
	r.pc += 4
	return v
}

// readU32At reads a 32-bit immediate at an arbitrary address.
func (r *runner) readU32At(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(r.bc[addr:])
}

// ---------------------------------------------------------------------------
// Errors and backtraces
// ---------------------------------------------------------------------------

func (r *runner) backtrace() []UserFrame {
	entries := make([]UserFrame, 0, len(r.frames))
	pc := r.pc

	for i := len(r.frames) - 1; i >= 0; i-- {
		fr := &r.frames[i]
		name, _ := r.ip.mod.SymName(fr.procAddr)

		entries = append(entries, UserFrame{
			File:     r.ip.mod.Name,
			ProcName: name,
			ProcAddr: fr.procAddr,
			Line:     fr.line,
			PC:       pc,
		})

		pc = fr.savedPC
	}

	return entries
}

func (r *runner) errorf(format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Msg:       fmt.Sprintf(format, args...),
		Backtrace: r.backtrace(),
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// enterFrame records the caller's registers and transfers control to the
// procedure at target; the BEGIN/CBEGIN there completes the frame setup.
func (r *runner) enterFrame(target uint32, isClosure bool) {
	r.frames = append(r.frames, frame{
		procAddr:  target,
		savedPC:   r.pc,
		savedBase: r.base,
		savedArgs: r.args,
		isClosure: isClosure,
	})

	r.pc = target
}

func (r *runner) run() error {
	mod := r.ip.mod

	// The virtual stack starts with the globals and two dummy arguments for
	// the entry procedure.
	r.args = 2
	r.base = mod.GlobalCount + r.args

	stack := make([]lamart.Word, r.base)
	for i := range stack {
		stack[i] = lamart.BoxedZero
	}

	lamart.Stack = stack
	lamart.StackTop = 0
	lamart.StackBottom = int(r.base)

	r.pc = pcSentinel
	r.enterFrame(0, false)

	for {
		op := bytecode.Op(r.bc[r.pc])
		r.pc++

		switch op {
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpAnd, bytecode.OpOr:
			v1, v0 := r.topNth(1), r.topNth(0)
			if !v1.IsInt() || !v0.IsInt() {
				return r.errorf("cannot apply %s to %s and %s",
					op, v1.TypeString(), v0.TypeString())
			}

			lhs, rhs := v1.AsUint(), v0.AsUint()
			r.popN(2)

			switch op {
			case bytecode.OpAdd:
				r.push(fromWord(lhs + rhs))
			case bytecode.OpSub:
				r.push(fromWord(lhs - rhs))
			case bytecode.OpMul:
				r.push(fromWord(lhs * rhs))
			case bytecode.OpAnd:
				r.push(FromBool(lhs != 0 && rhs != 0))
			case bytecode.OpOr:
				r.push(FromBool(lhs != 0 || rhs != 0))
			}

		case bytecode.OpDiv, bytecode.OpMod:
			v1, v0 := r.topNth(1), r.topNth(0)
			if !v1.IsInt() || !v0.IsInt() {
				return r.errorf("cannot apply %s to %s and %s",
					op, v1.TypeString(), v0.TypeString())
			}

			lhs, rhs := v1.AsInt(), v0.AsInt()
			r.popN(2)

			if rhs == 0 {
				if op == bytecode.OpMod {
					return r.errorf("division by zero while taking the remainder")
				}
				return r.errorf("division by zero")
			}

			if op == bytecode.OpDiv {
				r.push(FromInt(lhs / rhs))
			} else {
				r.push(FromInt(lhs % rhs))
			}

		case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe, bytecode.OpNe:
			v1, v0 := r.topNth(1), r.topNth(0)
			if !v1.IsInt() || !v0.IsInt() {
				return r.errorf("cannot compare %s and %s",
					v1.TypeString(), v0.TypeString())
			}

			lhs, rhs := v1.AsInt(), v0.AsInt()
			r.popN(2)

			switch op {
			case bytecode.OpLt:
				r.push(FromBool(lhs < rhs))
			case bytecode.OpLe:
				r.push(FromBool(lhs <= rhs))
			case bytecode.OpGt:
				r.push(FromBool(lhs > rhs))
			case bytecode.OpGe:
				r.push(FromBool(lhs >= rhs))
			case bytecode.OpNe:
				r.push(FromBool(lhs != rhs))
			}

		case bytecode.OpEq:
			v1, v0 := r.topNth(1), r.topNth(0)
			r.popN(2)

			switch {
			case v1.IsInt() && v0.IsInt():
				r.push(FromBool(v1.AsInt() == v0.AsInt()))
			case v1.IsInt() || v0.IsInt():
				r.push(FromBool(false))
			default:
				r.push(FromBool(v1 == v0))
			}

		case bytecode.OpConst:
			k := r.readU32()
			r.push(FromInt(int64(int32(k))))

		case bytecode.OpString:
			s := r.readU32()
			contents := mod.StrtabEntryAt(s)
			v := lamart.AllocString(len(contents))
			r.push(FromRef(v))
			copy(lamart.StringBytes(v), contents)

		case bytecode.OpSexp:
			s := r.readU32()
			n := r.readU32()

			if n > maxMemberCount {
				return r.errorf("too many sexp members: expected at most %d, got %d",
					maxMemberCount, n)
			}

			v := lamart.AllocSexp(int(n))
			lamart.SetSexpTag(v, s)

			for i := uint32(0); i < n; i++ {
				lamart.SetField(v, int(i), r.topNth(n-i-1).Word())
			}

			r.popN(n)
			r.push(FromRef(v))

		case bytecode.OpSta:
			aggregate := r.topNth(2)
			idxV := r.topNth(1)
			v := r.topNth(0)

			if !aggregate.IsAggregate() {
				return r.errorf("cannot index %s", aggregate.TypeString())
			}

			if !idxV.IsInt() {
				return r.errorf("index must be an integer, got %s", idxV.TypeString())
			}

			idx := idxV.AsInt()
			if idx < 0 || idx >= int64(aggregate.Len()) {
				return r.errorf("index %d out of range for an aggregate of length %d",
					idx, aggregate.Len())
			}

			switch lamart.Kind(aggregate.Ref()) {
			case lamart.TagArray, lamart.TagSexp:
				lamart.SetField(aggregate.Ref(), int(idx), v.Word())

			case lamart.TagString:
				if !v.IsInt() {
					return r.errorf("cannot assign %s at index %d into string (expected integer)",
						v.TypeString(), idx)
				}

				c := v.AsInt()
				if c < 0 || c > 0xff {
					return r.errorf("cannot assign %d at index %d into string: does not fit into a byte",
						c, idx)
				}

				lamart.StringBytes(aggregate.Ref())[idx] = byte(c)
			}

			r.popN(3)
			r.push(v)

		case bytecode.OpJmp:
			r.pc = r.readU32()

		case bytecode.OpEnd, bytecode.OpRet:
			v := r.topNth(0)
			fr := r.frames[len(r.frames)-1]

			adj := uint32(0)
			if fr.isClosure {
				adj = 1
			}

			lamart.StackBottom = lamart.StackTop + int(r.base-r.args-adj)

			if fr.savedPC == pcSentinel {
				return nil
			}

			r.push(v)
			r.pc = fr.savedPC
			r.base = fr.savedBase
			r.args = fr.savedArgs
			r.frames = r.frames[:len(r.frames)-1]

		case bytecode.OpDrop:
			r.popN(1)

		case bytecode.OpDup:
			r.push(r.topNth(0))

		case bytecode.OpSwap:
			lhs, rhs := r.topNth(1), r.topNth(0)
			r.setTopNth(1, rhs)
			r.setTopNth(0, lhs)

		case bytecode.OpElem:
			aggregate := r.topNth(1)
			idxV := r.topNth(0)

			if !aggregate.IsAggregate() {
				return r.errorf("cannot index %s", aggregate.TypeString())
			}

			if !idxV.IsInt() {
				return r.errorf("index must be an integer, got %s", idxV.TypeString())
			}

			idx := idxV.AsInt()
			if idx < 0 || idx >= int64(aggregate.Len()) {
				return r.errorf("index %d out of range for an aggregate of length %d",
					idx, aggregate.Len())
			}

			r.popN(2)

			switch lamart.Kind(aggregate.Ref()) {
			case lamart.TagArray, lamart.TagSexp:
				r.push(aggregate.Field(int(idx)))

			case lamart.TagString:
				r.push(fromWord(uint64(lamart.StringBytes(aggregate.Ref())[idx])))
			}

		case bytecode.OpLdG:
			r.push(r.global(r.readU32()))

		case bytecode.OpLdL:
			r.push(r.local(r.readU32()))

		case bytecode.OpLdA:
			r.push(r.arg(r.readU32()))

		case bytecode.OpLdC:
			r.push(r.capture(r.readU32()))

		case bytecode.OpStG:
			r.setGlobal(r.readU32(), r.topNth(0))

		case bytecode.OpStL:
			r.setLocal(r.readU32(), r.topNth(0))

		case bytecode.OpStA:
			r.setArg(r.readU32(), r.topNth(0))

		case bytecode.OpStC:
			r.setCapture(r.readU32(), r.topNth(0))

		case bytecode.OpCjmpZ, bytecode.OpCjmpNz:
			l := r.readU32()
			cond := r.topNth(0)

			if !cond.IsInt() {
				return r.errorf("wrong branch condition type: expected integer, got %s",
					cond.TypeString())
			}

			zero := cond.AsUint() == 0
			if zero == (op == bytecode.OpCjmpZ) {
				r.pc = l
			}

			r.popN(1)

		case bytecode.OpBegin, bytecode.OpCbegin:
			opAddr := r.pc - 1
			params := r.readU32() & 0xffff
			locals := r.readU32()

			// The verifier's per-procedure max operand-stack height serves
			// as the pre-size hint.
			hint := r.ip.info.Procs[opAddr].StackSize

			r.base = r.stackSize()
			newSize := uint64(r.base) + uint64(locals) + uint64(hint)

			if newSize > uint64(r.ip.maxStack) {
				return r.errorf("stack overflow")
			}

			if uint64(len(lamart.Stack)) < newSize {
				grown := make([]lamart.Word, newSize)
				copy(grown, lamart.Stack)
				for i := len(lamart.Stack); i < len(grown); i++ {
					grown[i] = lamart.BoxedZero
				}

				// Re-derive the virtual-stack registration after the resize.
				lamart.Stack = grown
			}

			for i := r.base; i < r.base+locals; i++ {
				lamart.Stack[i] = lamart.BoxedZero
			}

			r.args = params
			lamart.StackTop = 0
			lamart.StackBottom = int(r.base + locals)

		case bytecode.OpClosure:
			l := r.readU32()
			n := r.readU32()

			closure := lamart.AllocClosure(int(n) + 1)
			r.push(FromRef(closure))
			lamart.SetField(closure, 0, fromWord(uint64(l)).Word())

			for i := uint32(0); i < n; i++ {
				kind := bytecode.VarKind(r.bc[r.pc])
				r.pc++
				m := r.readU32()

				var v Value
				switch kind {
				case bytecode.VarGlobal:
					v = r.global(m)
				case bytecode.VarLocal:
					v = r.local(m)
				case bytecode.VarParam:
					v = r.arg(m)
				case bytecode.VarCapture:
					v = r.capture(m)
				default:
					return r.errorf("unknown variable kind encoding: %#02x", uint8(kind))
				}

				lamart.SetField(closure, int(i)+1, v.Word())
			}

		case bytecode.OpCallC:
			n := r.readU32()
			closure := r.topNth(n)

			if !closure.IsClosure() {
				return r.errorf("cannot call %s", closure.TypeString())
			}

			l := uint32(closure.Field(0).AsUint())

			// The low halfword of the first BEGIN immediate holds the
			// declared parameter count.
			params := r.readU32At(l+1) & 0xffff
			if params != n {
				return r.errorf("the function expected %d arguments, got %d", params, n)
			}

			r.enterFrame(l, true)

		case bytecode.OpCall:
			l := r.readU32()
			r.readU32() // the argument count; verified statically

			r.enterFrame(l, false)

		case bytecode.OpTag:
			s := r.readU32()
			n := r.readU32()
			v := r.topNth(0)
			r.popN(1)

			if v.IsSexp() {
				matches := uint32(v.Len()) == n && r.sexpTagMatches(v, s)
				r.push(FromBool(matches))
			} else {
				r.push(FromBool(false))
			}

		case bytecode.OpArray:
			n := r.readU32()
			v := r.topNth(0)
			r.popN(1)

			r.push(FromBool(v.IsArray() && uint32(v.Len()) == n))

		case bytecode.OpFail:
			ln := r.readU32()
			col := r.readU32()
			v := r.topNth(0)
			r.popN(1)

			return r.errorf("match failure for %s at L%d:%d", v.Stringify(mod), ln, col)

		case bytecode.OpLine:
			r.frames[len(r.frames)-1].line = r.readU32()

		case bytecode.OpPattEqStr:
			lhs, rhs := r.topNth(1), r.topNth(0)
			r.popN(2)

			if lhs.IsString() && rhs.IsString() {
				r.push(FromBool(string(lamart.StringBytes(lhs.Ref())) ==
					string(lamart.StringBytes(rhs.Ref()))))
			} else {
				r.push(FromBool(false))
			}

		case bytecode.OpPattString:
			v := r.topNth(0)
			r.popN(1)
			r.push(FromBool(v.IsString()))

		case bytecode.OpPattArray:
			v := r.topNth(0)
			r.popN(1)
			r.push(FromBool(v.IsArray()))

		case bytecode.OpPattSexp:
			v := r.topNth(0)
			r.popN(1)
			r.push(FromBool(v.IsSexp()))

		case bytecode.OpPattRef:
			v := r.topNth(0)
			r.popN(1)
			r.push(FromBool(v.IsBoxed()))

		case bytecode.OpPattVal:
			v := r.topNth(0)
			r.popN(1)
			r.push(FromBool(v.IsInt()))

		case bytecode.OpPattFun:
			v := r.topNth(0)
			r.popN(1)
			r.push(FromBool(v.IsClosure()))

		case bytecode.OpCallLread:
			fmt.Fprint(r.ip.output, r.ip.readPrompt)

			var n int64
			fmt.Fscan(r.ip.input, &n)
			r.push(FromInt(n))

		case bytecode.OpCallLwrite:
			v := r.topNth(0)
			if !v.IsInt() {
				return r.errorf("cannot write %s (expected integer)", v.TypeString())
			}

			r.popN(1)
			fmt.Fprintf(r.ip.output, "%d\n", v.AsInt())
			r.push(FromInt(0))

		case bytecode.OpCallLlength:
			v := r.topNth(0)
			if !v.IsAggregate() {
				return r.errorf("cannot get the length of %s", v.TypeString())
			}

			length := int64(v.Len())
			r.popN(1)
			r.push(FromInt(length))

		case bytecode.OpCallLstring:
			v := r.topNth(0)
			s := v.Stringify(mod)

			res := lamart.AllocString(len(s))
			r.popN(1)
			r.push(FromRef(res))
			copy(lamart.StringBytes(res), s)

		case bytecode.OpCallBarray:
			n := r.readU32()

			if n > maxElemCount {
				return r.errorf("too many array elements: expected at most %d, got %d",
					maxElemCount, n)
			}

			v := lamart.AllocArray(int(n))

			for i := uint32(0); i < n; i++ {
				lamart.SetField(v, int(i), r.topNth(n-i-1).Word())
			}

			r.popN(n)
			r.push(FromRef(v))

		default:
			// STI and the LDA forms are never emitted by the Lama compiler;
			// everything else here means the verifier was bypassed.
			return r.errorf("illegal operation at %#x: %#02x", r.pc-1, byte(op))
		}
	}
}

// sexpTagMatches compares a sexp's tag against the string-table entry at
// offset s. Only the offsets are compared: distinct entries with equal
// names do not match.
func (r *runner) sexpTagMatches(v Value, s uint32) bool {
	return lamart.SexpTag(v.Ref()) == s
}
