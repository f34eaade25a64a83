package interp

import (
	"fmt"
	"strings"
)

// UserFrame is one backtrace entry.
type UserFrame struct {
	// File is the module name.
	File string

	// ProcName is the public symbol name of the frame's procedure, if the
	// symbol table declares one.
	ProcName string

	// ProcAddr is the bytecode address of the frame's procedure.
	ProcAddr uint32

	// Line is the source line most recently recorded by a LINE instruction
	// in this frame.
	Line uint32

	// PC is the bytecode address the frame was executing (for the newest
	// frame) or about to resume at (for its callers).
	PC uint32
}

// RuntimeError is an execution failure with the frame stack at the point
// of the fault, newest frame first.
type RuntimeError struct {
	Msg       string
	Backtrace []UserFrame
}

func (e *RuntimeError) Error() string {
	return e.Msg
}

// Format renders the error with its backtrace, one frame per line.
func (e *RuntimeError) Format() string {
	var sb strings.Builder
	sb.WriteString(e.Msg)

	for _, fr := range e.Backtrace {
		name := fr.ProcName
		if name == "" {
			name = fmt.Sprintf("<proc %#x>", fr.ProcAddr)
		}

		fmt.Fprintf(&sb, "\n  at %s:%#x in %s", fr.File, fr.PC, name)
		if fr.Line != 0 {
			fmt.Fprintf(&sb, " (line %d)", fr.Line)
		}
	}

	return sb.String()
}
