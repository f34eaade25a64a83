package verify

import (
	"github.com/slowlime/friar/pkg/bytecode"
	"github.com/slowlime/friar/pkg/decode"
)

// instr is one decoded instruction with its collected immediates.
type instr struct {
	op    bytecode.Op
	imms  []decode.Imm32
	specs []decode.ImmVarspec
	end   uint32
}

// instrSink collects a single Decoder.Next event sequence.
type instrSink struct {
	in  instr
	err *decode.Error
}

func (s *instrSink) OnInstrStart(e decode.InstrStart) { s.in.op = e.Op }
func (s *instrSink) OnImm32(e decode.Imm32)           { s.in.imms = append(s.in.imms, e) }
func (s *instrSink) OnImmVarspec(e decode.ImmVarspec) { s.in.specs = append(s.in.specs, e) }
func (s *instrSink) OnError(e *decode.Error)          { s.err = e }
func (s *instrSink) OnInstrEnd(e decode.InstrEnd)     { s.in.end = e.Addr }

// decodeAt decodes the instruction at addr, converting decoder errors into
// verification errors.
func (v *verifier) decodeAt(addr uint32) (instr, error) {
	var sink instrSink

	v.dec.MoveTo(addr)
	v.dec.Next(&sink)

	if sink.err != nil {
		return instr{}, &Error{Offset: sink.err.Addr, Msg: sink.err.Msg}
	}

	return sink.in, nil
}
