package decode

// Visitor adapts a set of optional callbacks to the Sink interface.
// Nil callbacks ignore their events.
type Visitor struct {
	InstrStart func(InstrStart)
	Imm32      func(Imm32)
	ImmVarspec func(ImmVarspec)
	Err        func(*Error)
	InstrEnd   func(InstrEnd)
}

func (v *Visitor) OnInstrStart(e InstrStart) {
	if v.InstrStart != nil {
		v.InstrStart(e)
	}
}

func (v *Visitor) OnImm32(e Imm32) {
	if v.Imm32 != nil {
		v.Imm32(e)
	}
}

func (v *Visitor) OnImmVarspec(e ImmVarspec) {
	if v.ImmVarspec != nil {
		v.ImmVarspec(e)
	}
}

func (v *Visitor) OnError(e *Error) {
	if v.Err != nil {
		v.Err(e)
	}
}

func (v *Visitor) OnInstrEnd(e InstrEnd) {
	if v.InstrEnd != nil {
		v.InstrEnd(e)
	}
}
