package program

import (
	"debug/elf"
	"fmt"
	"slices"
	"strings"

	"armrw/internal/disasm"
)

// FreeRegistersKey is the Analysis key holding []disasm.RegSet, one set
// per instruction index.
const FreeRegistersKey = "free_registers"

// IsLeafKey is the Analysis key holding a bool, set when the function
// makes no call.
const IsLeafKey = "is_leaf"

// Jumptable is a recovered switch: a BR through a table of offsets
// relative to BaseCase.
type Jumptable struct {
	BranchAddr uint64   // the br instruction
	IndexAddr  uint64   // the add computing the target from the table entry
	TableAddr  uint64   // first table entry
	EntrySize  int      // bytes per entry: 1, 2 or 4
	Signed     bool     // entries are sign-extended
	BaseCase   uint64   // address entries are relative to
	Shift      int      // entry scale, log2
	Cases      []uint64 // target of each entry, in table order
}

// FirstCase returns the lowest case address.
func (j *Jumptable) FirstCase() uint64 { return slices.Min(j.Cases) }

// LastCase returns the highest case address.
func (j *Jumptable) LastCase() uint64 { return slices.Max(j.Cases) }

// Contains reports whether addr lies within [FirstCase, LastCase].
func (j *Jumptable) Contains(addr uint64) bool {
	return len(j.Cases) > 0 && addr >= j.FirstCase() && addr <= j.LastCase()
}

// Function is one function body. Instructions, AddrToIdx, Nexts and Prevs
// are owned by the function; AddrToIdx is rebuilt by Reindex.
type Function struct {
	Name  string
	Start uint64
	Size  uint64
	Bytes []byte
	Bind  elf.SymBind

	Instructions []*Instruction
	AddrToIdx    map[uint64]int
	BBStarts     map[uint64]bool

	// Nexts[i] lists the successors of instruction i; Prevs[i] lists the
	// instruction indices whose Nexts contain i.
	Nexts [][]Edge
	Prevs [][]int

	PossibleSwitches []int // indices of br instructions
	Jumptables       []*Jumptable
	Analysis         map[string]any

	Instrumented   bool
	Ignored        bool
	PotentialCrash bool // an indirect branch could not be resolved

	win *window
}

// NewFunction creates a function over its raw bytes.
func NewFunction(name string, start uint64, bytes []byte, bind elf.SymBind) *Function {
	return &Function{
		Name:     name,
		Start:    start,
		Size:     uint64(len(bytes)),
		Bytes:    bytes,
		Bind:     bind,
		BBStarts: map[uint64]bool{start: true},
		Analysis: make(map[string]any),
	}
}

// End returns the first address past the function.
func (f *Function) End() uint64 { return f.Start + f.Size }

// Contains reports whether addr falls inside the function body.
func (f *Function) Contains(addr uint64) bool {
	return addr >= f.Start && addr < f.End()
}

// Disassembled reports whether Disassemble has run.
func (f *Function) Disassembled() bool { return f.Instructions != nil }

// Disassemble decodes the function bytes. Disassembling twice is a
// programming error.
func (f *Function) Disassemble() {
	if f.Disassembled() {
		panic(fmt.Sprintf("program: function %s disassembled twice", f.Name))
	}
	insts := disasm.Disassemble(f.Bytes, disasm.Options{BaseAddr: f.Start})
	f.Instructions = make([]*Instruction, 0, len(insts))
	for _, d := range insts {
		f.Instructions = append(f.Instructions, newInstruction(d, f.win))
	}
	f.Reindex()
}

// SetInstructions installs already decoded instructions. It is the
// Disassemble path for synthetic bodies.
func (f *Function) SetInstructions(insts []disasm.Inst) {
	if f.Disassembled() {
		panic(fmt.Sprintf("program: function %s disassembled twice", f.Name))
	}
	f.Instructions = make([]*Instruction, 0, len(insts))
	for _, d := range insts {
		f.Instructions = append(f.Instructions, newInstruction(d, f.win))
	}
	f.Reindex()
}

// Reindex rebuilds AddrToIdx from the instruction list.
func (f *Function) Reindex() {
	f.AddrToIdx = make(map[uint64]int, len(f.Instructions))
	for i, inst := range f.Instructions {
		f.AddrToIdx[inst.Addr] = i
	}
}

// InstructionAt returns the instruction starting exactly at addr.
func (f *Function) InstructionAt(addr uint64) (*Instruction, bool) {
	idx, ok := f.AddrToIdx[addr]
	if !ok {
		return nil, false
	}
	return f.Instructions[idx], true
}

// InstructionOf returns the instruction whose bytes cover addr.
func (f *Function) InstructionOf(addr uint64) (*Instruction, bool) {
	if !f.Contains(addr) {
		return nil, false
	}
	return f.InstructionAt(addr &^ 3)
}

// Successors returns the index edges of instruction idx.
func (f *Function) Successors(idx int) []int {
	var out []int
	for _, e := range f.Nexts[idx] {
		if e.IsIndex() {
			out = append(out, e.Index)
		}
	}
	return out
}

// ReversePrevs rebuilds Prevs as the transpose of the index edges in Nexts.
func (f *Function) ReversePrevs() {
	f.Prevs = make([][]int, len(f.Instructions))
	for idx, nexts := range f.Nexts {
		for _, e := range nexts {
			if e.IsIndex() {
				f.Prevs[e.Index] = append(f.Prevs[e.Index], idx)
			}
		}
	}
}

// AddEdge appends an index edge and keeps Prevs in step.
func (f *Function) AddEdge(from, to int) {
	f.Nexts[from] = append(f.Nexts[from], To(to))
	if f.Prevs != nil {
		f.Prevs[to] = append(f.Prevs[to], from)
	}
}

// AddJumptable records a recovered switch. Every case becomes a basic
// block start and is annotated with the table positions that reach it.
func (f *Function) AddJumptable(jt *Jumptable) {
	f.Jumptables = append(f.Jumptables, jt)
	positions := make(map[uint64][]string)
	var order []uint64
	for i, c := range jt.Cases {
		if _, seen := positions[c]; !seen {
			order = append(order, c)
		}
		positions[c] = append(positions[c], fmt.Sprint(i))
	}
	for _, c := range order {
		inst, ok := f.InstructionAt(c)
		if !ok {
			continue
		}
		f.BBStarts[c] = true
		note := fmt.Sprintf("Case [%s] of switch at 0x%x", strings.Join(positions[c], ","), jt.BranchAddr)
		if inst.Comment != "" {
			inst.Comment += "; " + note
		} else {
			inst.Comment = note
		}
	}
}

// SetInstrumented marks the function as modified by a plugin.
func (f *Function) SetInstrumented() { f.Instrumented = true }

// IsLeaf reports whether analysis found the function makes no call. It is
// false until analysis has run.
func (f *Function) IsLeaf() bool {
	leaf, _ := f.Analysis[IsLeafKey].(bool)
	return leaf
}

// FreeRegisters returns the registers free before instruction idx, as
// computed by liveness analysis. Without analysis results it returns the
// empty set.
func (f *Function) FreeRegisters(idx int) disasm.RegSet {
	free, ok := f.Analysis[FreeRegistersKey].([]disasm.RegSet)
	if !ok || idx < 0 || idx >= len(free) {
		return 0
	}
	return free[idx]
}
