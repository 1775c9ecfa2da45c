// Package fixup repairs encoding constraints that instrumentation breaks:
// branch range, jump-table entry range and literal-pool reach. Every pass
// measures distances in emitted instructions through a Layout.
package fixup

import (
	"armrw/internal/program"
)

// Layout maps original addresses to positions in the emitted instruction
// stream. Positions count machine instructions only; labels, comments and
// directives other than .inst do not occupy a slot.
type Layout struct {
	label map[uint64]int // position of the .LC label
	inst  map[uint64]int // position of the instruction itself
	Total int
}

// Count scans functions in emission order. Ignored functions and gaps
// between functions of one code section are carried as raw words and count
// one slot per four bytes. An alignment request counts its worst-case
// padding.
func Count(p *program.Program) *Layout {
	l := &Layout{label: make(map[uint64]int), inst: make(map[uint64]int)}
	n := 0
	var end uint64
	for _, fn := range p.Funcs() {
		if _, ok := p.GapOf(end, fn.Start); ok && end != 0 {
			n += int((fn.Start - end + 3) / 4)
		}
		end = max(end, fn.End())
		if fn.Ignored || !fn.Disassembled() {
			n += int((fn.Size + 3) / 4)
			continue
		}
		for _, inst := range fn.Instructions {
			if inst.Align > 2 {
				n += (1<<inst.Align)/4 - 1
			}
			l.label[inst.Addr] = n
			n += inst.InstrumentationLength(false)
			l.inst[inst.Addr] = n
			if inst.Mnemonic != "" {
				n++
			}
			n += inst.InstrumentationLength(true) - inst.InstrumentationLength(false)
		}
	}
	l.Total = n
	return l
}

// Label returns the position of the label of addr.
func (l *Layout) Label(addr uint64) (int, bool) {
	n, ok := l.label[addr]
	return n, ok
}

// Inst returns the position of the instruction at addr.
func (l *Layout) Inst(addr uint64) (int, bool) {
	n, ok := l.inst[addr]
	return n, ok
}

// Distance returns the number of instructions between the instruction at
// from and the label of to.
func (l *Layout) Distance(from, to uint64) (int, bool) {
	a, ok := l.inst[from]
	if !ok {
		return 0, false
	}
	b, ok := l.label[to]
	if !ok {
		return 0, false
	}
	if b < a {
		return a - b, true
	}
	return b - a, true
}
