// Package idiom mines a verified module for frequent instruction
// subsequences.
//
// The miner walks every instruction reachable from the procedure entries
// recorded in the ModuleInfo, following fall-through and jump edges and
// stopping at terminal instructions. It tallies the byte span of each
// reachable instruction, and of each adjacent pair whose boundary is not a
// split point: jump targets, and the addresses following JMP, CALL, CALLC,
// RET, END, and FAIL. Spans compare bytewise, so two instructions count
// together exactly when their encodings are identical. The result is
// sorted by descending occurrence count, ties broken by lexicographic
// order of the instruction bytes.
package idiom

import (
	"sort"

	"github.com/slowlime/friar/pkg/bytecode"
	"github.com/slowlime/friar/pkg/decode"
	"github.com/slowlime/friar/pkg/verify"
)

// Idiom is one mined instruction sequence with its occurrence count.
type Idiom struct {
	// Span holds the raw instruction bytes: one instruction or an adjacent
	// pair.
	Span []byte

	// Count is the number of occurrences among reachable instructions.
	Count uint32
}

// walkReachable visits every reachable instruction once, reporting its
// start and end events to the callback.
func walkReachable(mod *bytecode.Module, info *verify.ModuleInfo, callback func(decode.InstrStart, decode.InstrEnd)) {
	dec := decode.NewDecoder(mod.Bytecode)
	processed := make([]bool, len(mod.Bytecode))

	toProcess := make([]uint32, 0, len(info.Procs))
	for addr := range info.Procs {
		toProcess = append(toProcess, addr)
	}

	for len(toProcess) > 0 {
		addr := toProcess[len(toProcess)-1]
		toProcess = toProcess[:len(toProcess)-1]

		if processed[addr] {
			continue
		}
		processed[addr] = true

		var start decode.InstrStart
		var end decode.InstrEnd

		dec.MoveTo(addr)
		dec.Next(&decode.Visitor{
			InstrStart: func(e decode.InstrStart) { start = e },
			InstrEnd:   func(e decode.InstrEnd) { end = e },
			Imm32: func(e decode.Imm32) {
				if start.Op.IsJump() {
					toProcess = append(toProcess, e.Imm)
				}
			},
		})

		callback(start, end)

		if !start.Op.IsTerminal() {
			toProcess = append(toProcess, end.Addr)
		}
	}
}

// findSplitPoints collects the addresses at which pair accumulation must
// stop: every jump target and every address following an instruction that
// breaks the straight line.
func findSplitPoints(mod *bytecode.Module, info *verify.ModuleInfo) map[uint32]struct{} {
	splitAt := make(map[uint32]struct{})
	dec := decode.NewDecoder(mod.Bytecode)

	walkReachable(mod, info, func(start decode.InstrStart, end decode.InstrEnd) {
		if start.Op.IsJump() {
			dec.MoveTo(start.Addr)
			dec.Next(&decode.Visitor{
				Imm32: func(e decode.Imm32) {
					splitAt[e.Imm] = struct{}{}
				},
			})
		}

		if start.Op.SplitsPair() {
			splitAt[end.Addr] = struct{}{}
		}
	})

	return splitAt
}

// Find mines the module for single-instruction and adjacent-pair idioms.
func Find(mod *bytecode.Module, info *verify.ModuleInfo) []Idiom {
	occurrences := make(map[string]uint32)

	splitPoints := findSplitPoints(mod, info)
	dec := decode.NewDecoder(mod.Bytecode)

	walkReachable(mod, info, func(start decode.InstrStart, end decode.InstrEnd) {
		occurrences[string(mod.Bytecode[end.Start:end.Addr])]++

		if _, split := splitPoints[end.Addr]; !split {
			var nextEnd decode.InstrEnd

			dec.MoveTo(end.Addr)
			dec.Next(&decode.Visitor{
				InstrEnd: func(e decode.InstrEnd) { nextEnd = e },
			})

			occurrences[string(mod.Bytecode[start.Addr:nextEnd.Addr])]++
		}
	})

	idioms := make([]Idiom, 0, len(occurrences))
	for span, n := range occurrences {
		idioms = append(idioms, Idiom{Span: []byte(span), Count: n})
	}

	sort.Slice(idioms, func(i, j int) bool {
		if idioms[i].Count != idioms[j].Count {
			return idioms[i].Count > idioms[j].Count
		}
		return string(idioms[i].Span) < string(idioms[j].Span)
	})

	return idioms
}
