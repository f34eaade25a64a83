package interp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/slowlime/friar/pkg/bcasm"
	"github.com/slowlime/friar/pkg/bytecode"
	"github.com/slowlime/friar/pkg/verify"
)

// runModule verifies and executes a module, returning its output.
func runModule(t *testing.T, mod *bytecode.Module, input string) (string, error) {
	t.Helper()

	info, err := verify.Verify(mod)
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	var out bytes.Buffer
	ip := New(mod, info, strings.NewReader(input), &out)
	runErr := ip.Run()

	return out.String(), runErr
}

func mustRun(t *testing.T, mod *bytecode.Module, input string) string {
	t.Helper()

	out, err := runModule(t, mod, input)
	if err != nil {
		t.Fatalf("execution failed: %v", err)
	}

	return out
}

func expectRuntimeError(t *testing.T, mod *bytecode.Module, input, substr string) *RuntimeError {
	t.Helper()

	_, err := runModule(t, mod, input)
	if err == nil {
		t.Fatalf("expected a runtime error containing %q, got success", substr)
	}

	rerr, ok := err.(*RuntimeError)
	if !ok {
		t.Fatalf("expected a *RuntimeError, got %T: %v", err, err)
	}
	if !strings.Contains(rerr.Msg, substr) {
		t.Fatalf("expected an error containing %q, got %q", substr, rerr.Msg)
	}

	return rerr
}

// ============ Straight-line programs ============

func TestRunWriteConstant(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Const(42).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("write", 0, nil)

	if out := mustRun(t, mod, ""); out != "42\n" {
		t.Errorf("output: got %q, want %q", out, "42\n")
	}
}

func TestRunLocals(t *testing.T) {
	// CONST 1; ST L(0); DROP; LD L(0); LD L(0); BINOP +; write
	mod := bcasm.New().
		Begin(2, 1).
		Const(1).
		LdSt(bytecode.FamilySt, bytecode.VarLocal, 0).
		Op(bytecode.OpDrop).
		LdSt(bytecode.FamilyLd, bytecode.VarLocal, 0).
		LdSt(bytecode.FamilyLd, bytecode.VarLocal, 0).
		Op(bytecode.OpAdd).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("locals", 0, nil)

	if out := mustRun(t, mod, ""); out != "2\n" {
		t.Errorf("output: got %q, want %q", out, "2\n")
	}
}

func TestRunGlobals(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Const(7).
		LdSt(bytecode.FamilySt, bytecode.VarGlobal, 1).
		Op(bytecode.OpDrop).
		LdSt(bytecode.FamilyLd, bytecode.VarGlobal, 1).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("globals", 2, nil)

	if out := mustRun(t, mod, ""); out != "7\n" {
		t.Errorf("output: got %q, want %q", out, "7\n")
	}
}

func TestRunDivisionByZero(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Const(10).
		Const(0).
		Op(bytecode.OpDiv).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("divzero", 0, nil)

	expectRuntimeError(t, mod, "", "division by zero")
}

func TestRunModuloByZero(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Const(10).
		Const(0).
		Op(bytecode.OpMod).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("modzero", 0, nil)

	expectRuntimeError(t, mod, "", "division by zero while taking the remainder")
}

func TestRunBranches(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Const(1).Const(2).Op(bytecode.OpLt).
		CjmpZ("else").
		Const(100).Op(bytecode.OpCallLwrite).Op(bytecode.OpDrop).
		Jmp("join").
		Label("else").
		Const(200).Op(bytecode.OpCallLwrite).Op(bytecode.OpDrop).
		Label("join").
		Const(0).
		End().
		Module("branch", 0, nil)

	if out := mustRun(t, mod, ""); out != "100\n" {
		t.Errorf("output: got %q, want %q", out, "100\n")
	}
}

func TestRunLoopSum(t *testing.T) {
	// local0 = 5; local1 = 0; while local0 != 0 { local1 += local0; local0 -= 1 }
	mod := bcasm.New().
		Begin(2, 2).
		Const(5).LdSt(bytecode.FamilySt, bytecode.VarLocal, 0).Op(bytecode.OpDrop).
		Const(0).LdSt(bytecode.FamilySt, bytecode.VarLocal, 1).Op(bytecode.OpDrop).
		Label("loop").
		LdSt(bytecode.FamilyLd, bytecode.VarLocal, 0).
		CjmpZ("done").
		LdSt(bytecode.FamilyLd, bytecode.VarLocal, 1).
		LdSt(bytecode.FamilyLd, bytecode.VarLocal, 0).
		Op(bytecode.OpAdd).
		LdSt(bytecode.FamilySt, bytecode.VarLocal, 1).Op(bytecode.OpDrop).
		LdSt(bytecode.FamilyLd, bytecode.VarLocal, 0).
		Const(1).
		Op(bytecode.OpSub).
		LdSt(bytecode.FamilySt, bytecode.VarLocal, 0).Op(bytecode.OpDrop).
		Jmp("loop").
		Label("done").
		LdSt(bytecode.FamilyLd, bytecode.VarLocal, 1).
		Op(bytecode.OpCallLwrite).Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("loopsum", 0, nil)

	if out := mustRun(t, mod, ""); out != "15\n" {
		t.Errorf("output: got %q, want %q", out, "15\n")
	}
}

// ============ Arithmetic edge cases ============

func TestRunLargeConstant(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Const(0x7FFFFFFF).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("bigconst", 0, nil)

	if out := mustRun(t, mod, ""); out != "2147483647\n" {
		t.Errorf("output: got %q, want %q", out, "2147483647\n")
	}
}

func TestRunNegativeConstant(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Const(-42).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("negconst", 0, nil)

	if out := mustRun(t, mod, ""); out != "-42\n" {
		t.Errorf("output: got %q, want %q", out, "-42\n")
	}
}

func TestRunComparisonsAndLogic(t *testing.T) {
	// (3 > 2) && (0 == 0) prints 1.
	mod := bcasm.New().
		Begin(2, 0).
		Const(3).Const(2).Op(bytecode.OpGt).
		Const(0).Const(0).Op(bytecode.OpEq).
		Op(bytecode.OpAnd).
		Op(bytecode.OpCallLwrite).Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("logic", 0, nil)

	if out := mustRun(t, mod, ""); out != "1\n" {
		t.Errorf("output: got %q, want %q", out, "1\n")
	}
}

func TestRunTypeErrorInArithmetic(t *testing.T) {
	strtab, offs := bcasm.Strtab("oops")

	mod := bcasm.New().
		Begin(2, 0).
		Const(1).
		Op(bytecode.OpString).U32(offs[0]).
		Op(bytecode.OpAdd).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("typeerr", 0, strtab)

	expectRuntimeError(t, mod, "", "cannot apply BINOP +")
}

// ============ Calls and closures ============

func TestRunDirectCall(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Const(20).
		Const(22).
		Call("add", 2).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Label("add").
		Begin(2, 0).
		LdSt(bytecode.FamilyLd, bytecode.VarParam, 0).
		LdSt(bytecode.FamilyLd, bytecode.VarParam, 1).
		Op(bytecode.OpAdd).
		End().
		Module("call", 0, nil)

	if out := mustRun(t, mod, ""); out != "42\n" {
		t.Errorf("output: got %q, want %q", out, "42\n")
	}
}

func TestRunRecursion(t *testing.T) {
	// fact(5) via recursion: fact(n) = n == 0 ? 1 : n * fact(n-1)
	mod := bcasm.New().
		Begin(2, 0).
		Const(5).
		Call("fact", 1).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Label("fact").
		Begin(1, 0).
		LdSt(bytecode.FamilyLd, bytecode.VarParam, 0).
		CjmpNz("recurse").
		Const(1).
		Jmp("ret").
		Label("recurse").
		LdSt(bytecode.FamilyLd, bytecode.VarParam, 0).
		LdSt(bytecode.FamilyLd, bytecode.VarParam, 0).
		Const(1).
		Op(bytecode.OpSub).
		Call("fact", 1).
		Op(bytecode.OpMul).
		Label("ret").
		End().
		Module("fact", 0, nil)

	if out := mustRun(t, mod, ""); out != "120\n" {
		t.Errorf("output: got %q, want %q", out, "120\n")
	}
}

func TestRunClosure(t *testing.T) {
	// Capture local0 = 5, call the closure with argument 7, print 12.
	mod := bcasm.New().
		Begin(2, 1).
		Const(5).
		LdSt(bytecode.FamilySt, bytecode.VarLocal, 0).
		Op(bytecode.OpDrop).
		ClosureStart("clo", 1).Capture(bytecode.VarLocal, 0).
		Const(7).
		CallC(1).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Label("clo").
		Cbegin(1, 0).
		LdSt(bytecode.FamilyLd, bytecode.VarCapture, 0).
		LdSt(bytecode.FamilyLd, bytecode.VarParam, 0).
		Op(bytecode.OpAdd).
		End().
		Module("closure", 0, nil)

	if out := mustRun(t, mod, ""); out != "12\n" {
		t.Errorf("output: got %q, want %q", out, "12\n")
	}
}

func TestRunClosureArityMismatch(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		ClosureStart("clo", 0).
		Const(1).
		Const(2).
		CallC(2).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Label("clo").
		Cbegin(1, 0).
		LdSt(bytecode.FamilyLd, bytecode.VarParam, 0).
		End().
		Module("cloarity", 0, nil)

	expectRuntimeError(t, mod, "", "the function expected 1 arguments, got 2")
}

func TestRunCallCOnNonClosure(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Const(1).
		CallC(0).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("notclo", 0, nil)

	expectRuntimeError(t, mod, "", "cannot call integer")
}

// ============ Aggregates ============

func TestRunBarrayAndElem(t *testing.T) {
	// [10, 20][1] prints 20.
	mod := bcasm.New().
		Begin(2, 0).
		Const(10).
		Const(20).
		Op(bytecode.OpCallBarray).U32(2).
		Const(1).
		Op(bytecode.OpElem).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("barray", 0, nil)

	if out := mustRun(t, mod, ""); out != "20\n" {
		t.Errorf("output: got %q, want %q", out, "20\n")
	}
}

func TestRunStaOnArray(t *testing.T) {
	// a = [0, 0]; a[1] = 9; print a[1].
	mod := bcasm.New().
		Begin(2, 1).
		Const(0).Const(0).
		Op(bytecode.OpCallBarray).U32(2).
		LdSt(bytecode.FamilySt, bytecode.VarLocal, 0).
		Op(bytecode.OpDrop).
		LdSt(bytecode.FamilyLd, bytecode.VarLocal, 0).
		Const(1).
		Const(9).
		Op(bytecode.OpSta).
		Op(bytecode.OpDrop).
		LdSt(bytecode.FamilyLd, bytecode.VarLocal, 0).
		Const(1).
		Op(bytecode.OpElem).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("sta", 0, nil)

	if out := mustRun(t, mod, ""); out != "9\n" {
		t.Errorf("output: got %q, want %q", out, "9\n")
	}
}

func TestRunStringElem(t *testing.T) {
	strtab, offs := bcasm.Strtab("abc")

	mod := bcasm.New().
		Begin(2, 0).
		Op(bytecode.OpString).U32(offs[0]).
		Const(0).
		Op(bytecode.OpElem).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("strelem", 0, strtab)

	if out := mustRun(t, mod, ""); out != "97\n" {
		t.Errorf("output: got %q, want %q", out, "97\n")
	}
}

func TestRunStringLength(t *testing.T) {
	strtab, offs := bcasm.Strtab("hello")

	mod := bcasm.New().
		Begin(2, 0).
		Op(bytecode.OpString).U32(offs[0]).
		Op(bytecode.OpCallLlength).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("strlen", 0, strtab)

	if out := mustRun(t, mod, ""); out != "5\n" {
		t.Errorf("output: got %q, want %q", out, "5\n")
	}
}

func TestRunIndexOutOfRange(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Const(1).
		Op(bytecode.OpCallBarray).U32(1).
		Const(5).
		Op(bytecode.OpElem).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("idxrange", 0, nil)

	expectRuntimeError(t, mod, "", "index 5 out of range")
}

func TestRunStaByteRange(t *testing.T) {
	strtab, offs := bcasm.Strtab("x")

	mod := bcasm.New().
		Begin(2, 0).
		Op(bytecode.OpString).U32(offs[0]).
		Const(0).
		Const(300).
		Op(bytecode.OpSta).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("stabyte", 0, strtab)

	expectRuntimeError(t, mod, "", "does not fit into a byte")
}

// ============ Sexps and pattern tests ============

func TestRunSexpAndTag(t *testing.T) {
	strtab, offs := bcasm.Strtab("cons")

	mod := bcasm.New().
		Begin(2, 0).
		Const(1).Const(2).
		Op(bytecode.OpSexp).U32(offs[0]).U32(2).
		Op(bytecode.OpTag).U32(offs[0]).U32(2).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("sexptag", 0, strtab)

	if out := mustRun(t, mod, ""); out != "1\n" {
		t.Errorf("output: got %q, want %q", out, "1\n")
	}
}

func TestRunTagMismatchedArity(t *testing.T) {
	strtab, offs := bcasm.Strtab("cons")

	mod := bcasm.New().
		Begin(2, 0).
		Const(1).Const(2).
		Op(bytecode.OpSexp).U32(offs[0]).U32(2).
		Op(bytecode.OpTag).U32(offs[0]).U32(3).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("tagarity", 0, strtab)

	if out := mustRun(t, mod, ""); out != "0\n" {
		t.Errorf("output: got %q, want %q", out, "0\n")
	}
}

func TestRunPattTests(t *testing.T) {
	strtab, offs := bcasm.Strtab("s")

	// #val on an integer, #str on a string, #fun on an integer.
	mod := bcasm.New().
		Begin(2, 0).
		Const(3).
		Op(bytecode.OpPattVal).
		Op(bytecode.OpCallLwrite).Op(bytecode.OpDrop).
		Op(bytecode.OpString).U32(offs[0]).
		Op(bytecode.OpPattString).
		Op(bytecode.OpCallLwrite).Op(bytecode.OpDrop).
		Const(3).
		Op(bytecode.OpPattFun).
		Op(bytecode.OpCallLwrite).Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("patt", 0, strtab)

	if out := mustRun(t, mod, ""); out != "1\n1\n0\n" {
		t.Errorf("output: got %q, want %q", out, "1\n1\n0\n")
	}
}

func TestRunPattEqStr(t *testing.T) {
	strtab, offs := bcasm.Strtab("abc", "abc")

	mod := bcasm.New().
		Begin(2, 0).
		Op(bytecode.OpString).U32(offs[0]).
		Op(bytecode.OpString).U32(offs[1]).
		Op(bytecode.OpPattEqStr).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("eqstr", 0, strtab)

	if out := mustRun(t, mod, ""); out != "1\n" {
		t.Errorf("output: got %q, want %q", out, "1\n")
	}
}

func TestRunEqMixed(t *testing.T) {
	strtab, offs := bcasm.Strtab("s")

	// int vs string compares unequal instead of failing.
	mod := bcasm.New().
		Begin(2, 0).
		Const(1).
		Op(bytecode.OpString).U32(offs[0]).
		Op(bytecode.OpEq).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("eqmixed", 0, strtab)

	if out := mustRun(t, mod, ""); out != "0\n" {
		t.Errorf("output: got %q, want %q", out, "0\n")
	}
}

func TestRunFailRendersScrutinee(t *testing.T) {
	strtab, offs := bcasm.Strtab("cons")

	mod := bcasm.New().
		Begin(2, 0).
		Const(1).Const(2).
		Op(bytecode.OpSexp).U32(offs[0]).U32(2).
		Op(bytecode.OpFail).U32(3).U32(7).
		Module("fail", 0, strtab)

	err := expectRuntimeError(t, mod, "", "match failure for cons (1, 2) at L3:7")
	if len(err.Backtrace) != 1 {
		t.Errorf("backtrace: got %d frames, want 1", len(err.Backtrace))
	}
}

// ============ Builtins ============

func TestRunLread(t *testing.T) {
	mod := bcasm.New().
		Begin(2, 0).
		Op(bytecode.OpCallLread).
		Const(1).
		Op(bytecode.OpAdd).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("read", 0, nil)

	out := mustRun(t, mod, "41\n")
	if out != " > 42\n" {
		t.Errorf("output: got %q, want %q", out, " > 42\n")
	}
}

func TestRunLstring(t *testing.T) {
	// Lstring of an array, then Llength of the rendering "[1, 2]" = 6.
	mod := bcasm.New().
		Begin(2, 0).
		Const(1).Const(2).
		Op(bytecode.OpCallBarray).U32(2).
		Op(bytecode.OpCallLstring).
		Op(bytecode.OpCallLlength).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("lstring", 0, nil)

	if out := mustRun(t, mod, ""); out != "6\n" {
		t.Errorf("output: got %q, want %q", out, "6\n")
	}
}

func TestRunLwriteTypeError(t *testing.T) {
	strtab, offs := bcasm.Strtab("s")

	mod := bcasm.New().
		Begin(2, 0).
		Op(bytecode.OpString).U32(offs[0]).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("badwrite", 0, strtab)

	expectRuntimeError(t, mod, "", "cannot write string")
}

// ============ Backtraces ============

func TestRunBacktrace(t *testing.T) {
	strtab, offs := bcasm.Strtab("main", "boom")

	a := bcasm.New().
		Begin(2, 0).
		Op(bytecode.OpLine).U32(1).
		Call("boom", 0).
		Op(bytecode.OpDrop).
		Const(0).
		End()
	boomAddr := a.Pos()
	a.Label("boom").
		Begin(0, 0).
		Op(bytecode.OpLine).U32(9).
		Const(1).
		Const(0).
		Op(bytecode.OpDiv).
		End()

	mod := a.Module("bt.bc", 0, strtab)
	mod.Symtab = []bytecode.Sym{
		{Offset: 12, Address: 0, NameOffset: offs[0]},
		{Offset: 20, Address: boomAddr, NameOffset: offs[1]},
	}

	err := expectRuntimeError(t, mod, "", "division by zero")

	if len(err.Backtrace) != 2 {
		t.Fatalf("backtrace: got %d frames, want 2", len(err.Backtrace))
	}

	newest := err.Backtrace[0]
	if newest.ProcName != "boom" || newest.Line != 9 || newest.ProcAddr != boomAddr {
		t.Errorf("newest frame: got %+v", newest)
	}

	caller := err.Backtrace[1]
	if caller.ProcName != "main" || caller.Line != 1 {
		t.Errorf("caller frame: got %+v", caller)
	}

	if !strings.Contains(err.Format(), "in boom") {
		t.Errorf("formatted error lacks the frame name: %q", err.Format())
	}
}

// ============ Misc ============

func TestRunSwapAndDup(t *testing.T) {
	// 1 2 swap sub = 2 - 1 = 1; dup add = 2.
	mod := bcasm.New().
		Begin(2, 0).
		Const(1).
		Const(2).
		Op(bytecode.OpSwap).
		Op(bytecode.OpSub).
		Op(bytecode.OpDup).
		Op(bytecode.OpAdd).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("swapdup", 0, nil)

	if out := mustRun(t, mod, ""); out != "2\n" {
		t.Errorf("output: got %q, want %q", out, "2\n")
	}
}

func TestRunSequentialExecutions(t *testing.T) {
	// The unique-runner guard releases between executions.
	mod := bcasm.New().
		Begin(2, 0).
		Const(1).
		Op(bytecode.OpCallLwrite).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Module("seq", 0, nil)

	for i := 0; i < 3; i++ {
		if out := mustRun(t, mod, ""); out != "1\n" {
			t.Fatalf("run %d: got %q", i, out)
		}
	}
}

func TestRunStackOverflowOnDeepRecursion(t *testing.T) {
	// Unbounded recursion trips the configurable stack cap: each level
	// leaves its argument on the stack, so the frame base keeps climbing.
	mod := bcasm.New().
		Begin(2, 0).
		Const(0).
		Call("rec", 1).
		Op(bytecode.OpDrop).
		Const(0).
		End().
		Label("rec").
		Begin(1, 0).
		LdSt(bytecode.FamilyLd, bytecode.VarParam, 0).
		Call("rec", 1).
		End().
		Module("deeprec", 0, nil)

	info, err := verify.Verify(mod)
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	var out bytes.Buffer
	ip := New(mod, info, strings.NewReader(""), &out, WithMaxStack(1024))

	runErr := ip.Run()
	if runErr == nil || !strings.Contains(runErr.Error(), "stack overflow") {
		t.Fatalf("expected a stack overflow, got %v", runErr)
	}
}
