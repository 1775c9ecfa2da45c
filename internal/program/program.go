// Package program models one binary under rewrite: its functions,
// data sections, relocations and import tables.
package program

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"armrw/internal/disasm"
)

// Stage tracks the instrumentation window of a Program.
type Stage int

const (
	StageOpen   Stage = iota // snippets may be attached
	StageSealed              // plugins are done; fixups may still attach
	StageFinal               // fixups ran; nothing may be attached
)

func (s Stage) String() string {
	switch s {
	case StageOpen:
		return "open"
	case StageSealed:
		return "sealed"
	case StageFinal:
		return "final"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

type window struct {
	stage Stage
}

// check panics when the window no longer accepts snippets. A nil window
// belongs to a detached object and always accepts.
func (w *window) check(what string, addr uint64) {
	if w != nil && w.stage == StageFinal {
		panic(fmt.Sprintf("program: snippet attached to %s 0x%x after fixups", what, addr))
	}
}

// Relocation is one ELF RELA entry as seen by the rewriter.
type Relocation struct {
	Offset uint64
	Name   string // symbol name, empty if none
	Addend int64
	Type   elf.R_AARCH64
	Value  uint64 // symbol value; 0 for load-time resolved imports
}

// Region is a named address range of code.
type Region struct {
	Name  string
	Base  uint64
	Size  uint64
	Bytes []byte
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

// Program owns everything known about one binary.
type Program struct {
	Input string

	Functions map[uint64]*Function
	Sections  map[string]*Section

	CodeSections []Region
	// Relocations are keyed by the section they apply to, with the
	// ".rela" prefix stripped (".dyn", ".plt", ".text", ...).
	Relocations map[string][]Relocation

	PLTBase uint64
	PLT     map[uint64]string // PLT stub address -> imported symbol
	GOTPLT  Region            // .plt.got stubs

	// Ignored holds the start address of every compiler-inserted function
	// that is carried through as raw bytes.
	Ignored map[uint64]bool

	Stripped bool
	PIE      bool
	Needed   []string

	// Symbolized holds instruction addresses whose operands were already
	// rewritten.
	Symbolized map[uint64]bool
	// Xrefs maps a target address to the instruction addresses that
	// reference it from another function.
	Xrefs map[uint64][]uint64

	Stats Stats

	names map[string]bool
	win   *window
}

// New creates an empty Program.
func New(input string) *Program {
	return &Program{
		Input:       input,
		Functions:   make(map[uint64]*Function),
		Sections:    make(map[string]*Section),
		Relocations: make(map[string][]Relocation),
		PLT:         make(map[uint64]string),
		Ignored:     make(map[uint64]bool),
		Symbolized:  make(map[uint64]bool),
		Xrefs:       make(map[uint64][]uint64),
		names:       make(map[string]bool),
		win:         &window{},
	}
}

// Stage returns the current instrumentation stage.
func (p *Program) Stage() Stage { return p.win.stage }

// Seal closes the instrumentation window for plugins.
func (p *Program) Seal() {
	if p.win.stage != StageOpen {
		panic(fmt.Sprintf("program: seal in stage %s", p.win.stage))
	}
	p.win.stage = StageSealed
}

// Finalize marks fixups as done; any later snippet attachment panics.
func (p *Program) Finalize() {
	if p.win.stage != StageSealed {
		panic(fmt.Sprintf("program: finalize in stage %s", p.win.stage))
	}
	p.win.stage = StageFinal
}

// AddFunction registers fn. A name already taken gets the start address
// appended.
func (p *Program) AddFunction(fn *Function) {
	if p.names[fn.Name] {
		fn.Name = fmt.Sprintf("%s_%x", fn.Name, fn.Start)
	}
	fn.win = p.win
	for _, inst := range fn.Instructions {
		inst.win = p.win
	}
	p.Functions[fn.Start] = fn
	p.names[fn.Name] = true
}

// AddSection registers a data section.
func (p *Program) AddSection(s *Section) {
	s.win = p.win
	p.Sections[s.Name] = s
}

// AddRelocations appends relocations for a section key.
func (p *Program) AddRelocations(section string, rels []Relocation) {
	p.Relocations[section] = append(p.Relocations[section], rels...)
}

// AddPLT maps .rela.plt entries onto PLT stubs. The PLT header occupies
// the first two 16-byte slots.
func (p *Program) AddPLT(rels []Relocation) {
	for i, r := range rels {
		p.PLT[p.PLTBase+uint64(i+2)*16] = r.Name
	}
}

// AddGlobals attaches named objects to the sections containing them.
// A name is attached once.
func (p *Program) AddGlobals(globals map[uint64][]Global) {
	done := make(map[string]bool)
	addrs := lo.Keys(globals)
	slices.Sort(addrs)
	for _, addr := range addrs {
		s := p.SectionOf(addr)
		if s == nil {
			continue
		}
		for _, g := range globals[addr] {
			if done[g.Name] {
				continue
			}
			s.AddGlobal(addr, g.Name, g.Size)
			done[g.Name] = true
		}
	}
}

// Funcs returns functions in address order.
func (p *Program) Funcs() []*Function {
	fns := lo.Values(p.Functions)
	slices.SortFunc(fns, func(a, b *Function) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	return fns
}

// SortedSections returns data sections in base address order.
func (p *Program) SortedSections() []*Section {
	secs := lo.Values(p.Sections)
	slices.SortFunc(secs, func(a, b *Section) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		}
		return 0
	})
	return secs
}

// SectionOf returns the data section containing addr, or nil.
func (p *Program) SectionOf(addr uint64) *Section {
	for _, s := range p.Sections {
		if s.Contains(addr) {
			return s
		}
	}
	return nil
}

// FunctionOf returns the function whose body contains addr, or nil.
func (p *Program) FunctionOf(addr uint64) *Function {
	for _, fn := range p.Functions {
		if fn.Contains(addr) {
			return fn
		}
	}
	return nil
}

// CodeSectionOf returns the code region containing addr.
func (p *Program) CodeSectionOf(addr uint64) (Region, bool) {
	for _, r := range p.CodeSections {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// GapOf returns the code region holding the bytes [from, to) between two
// functions. Functions in different sections have no gap.
func (p *Program) GapOf(from, to uint64) (Region, bool) {
	if to <= from {
		return Region{}, false
	}
	r, ok := p.CodeSectionOf(from)
	if !ok || !r.Contains(to-1) {
		return Region{}, false
	}
	return r, true
}

// InCode reports whether addr lies in any code section.
func (p *Program) InCode(addr uint64) bool {
	_, ok := p.CodeSectionOf(addr)
	return ok
}

// GOTPLTSlot decodes the .plt.got stub at target and returns the GOT slot
// it jumps through. Stubs are adrp x16 / ldr x17, [x16, #off] / br x17.
func (p *Program) GOTPLTSlot(target uint64) (uint64, bool) {
	if !p.GOTPLT.Contains(target) || target+8 > p.GOTPLT.Base+uint64(len(p.GOTPLT.Bytes)) {
		return 0, false
	}
	off := target - p.GOTPLT.Base
	rd, page, ok := disasm.Adrp(binary.LittleEndian.Uint32(p.GOTPLT.Bytes[off:]), target)
	if !ok {
		return 0, false
	}
	m, ok := disasm.MemImm(binary.LittleEndian.Uint32(p.GOTPLT.Bytes[off+4:]))
	if !ok || !m.Load || m.Rn != rd {
		return 0, false
	}
	return uint64(int64(page) + m.Offset), true
}

// ImportAt returns the name of the dynamic relocation whose slot is addr.
func (p *Program) ImportAt(slot uint64) (string, bool) {
	for _, r := range p.Relocations[".dyn"] {
		if r.Offset == slot && r.Name != "" {
			return r.Name, true
		}
	}
	return "", false
}

// ImportTarget resolves a branch target that leaves the code sections:
// a PLT stub or a .plt.got stub backed by a dynamic relocation.
func (p *Program) ImportTarget(target uint64) (string, bool) {
	if name, ok := p.PLT[target]; ok {
		return name, true
	}
	if slot, ok := p.GOTPLTSlot(target); ok {
		if name, ok := p.ImportAt(slot); ok {
			return name + "@PLT", true
		}
	}
	return "", false
}

// AddXref records that the instruction at from references target.
func (p *Program) AddXref(target, from uint64) {
	if !slices.Contains(p.Xrefs[target], from) {
		p.Xrefs[target] = append(p.Xrefs[target], from)
	}
}
