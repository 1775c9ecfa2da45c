package program

import (
	"fmt"
	"strings"

	"armrw/internal/disasm"
)

// EdgeKind tags a CFG successor.
type EdgeKind uint8

const (
	EdgeIndex EdgeKind = iota // successor instruction in the same function
	EdgeCall                  // control leaves through a call
	EdgeRet                   // control leaves through a return
	EdgeUndef                 // successor unknown or outside the function
)

// Edge is one entry of a Function's nexts list.
type Edge struct {
	Kind  EdgeKind
	Index int // valid when Kind == EdgeIndex
}

// To returns an index edge.
func To(idx int) Edge { return Edge{Kind: EdgeIndex, Index: idx} }

var (
	Call  = Edge{Kind: EdgeCall}
	Ret   = Edge{Kind: EdgeRet}
	Undef = Edge{Kind: EdgeUndef}
)

// IsIndex reports whether the edge names an instruction.
func (e Edge) IsIndex() bool { return e.Kind == EdgeIndex }

func (e Edge) String() string {
	switch e.Kind {
	case EdgeCall:
		return "call"
	case EdgeRet:
		return "ret"
	case EdgeUndef:
		return "undef"
	}
	return fmt.Sprintf("%d", e.Index)
}

// Snippet is a piece of assembler text attached before or after an
// instruction or data cell. Code may span several lines.
type Snippet struct {
	Code    string
	Label   string // optional label emitted ahead of Code
	ForInst string // originating instruction, for diagnostics
}

// Code returns an unlabeled snippet.
func Code(s string) Snippet { return Snippet{Code: s} }

func (s Snippet) String() string {
	if s.Label != "" {
		return fmt.Sprintf("%s: // %s\n\t%s", s.Label, s.ForInst, s.Code)
	}
	return s.Code
}

// Instructions counts the machine instructions the snippet assembles to.
// Blank lines, directives, comments and labels do not count.
func (s Snippet) Instructions() int {
	n := 0
	for _, line := range strings.Split(s.Code, "\n") {
		if countsAsInstruction(line) {
			n++
		}
	}
	return n
}

func countsAsInstruction(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	switch line[0] {
	case '.', '#', '/':
		return false
	}
	return !strings.HasSuffix(line, ":")
}

// Instruction is one disassembled instruction of a Function. Addr, Raw and
// the decoded form never change; Mnemonic and Operands are rewritten by
// symbolization and fixups.
type Instruction struct {
	Addr     uint64
	Raw      uint32
	Size     int
	Mnemonic string
	Operands string
	Comment  string

	Reads  disasm.RegSet
	Writes disasm.RegSet

	// Align requests a .align directive (power of two) ahead of the
	// instruction.
	Align int

	// LeavesFunction is set when control leaves the function here.
	LeavesFunction bool

	dec    disasm.Inst
	before []Snippet
	after  []Snippet
	win    *window
}

func newInstruction(d disasm.Inst, win *window) *Instruction {
	return &Instruction{
		Addr:     d.Addr,
		Raw:      d.Raw,
		Size:     d.Size,
		Mnemonic: d.Mnemonic,
		Operands: d.Operands,
		Reads:    d.Reads,
		Writes:   d.Writes,
		dec:      d,
		win:      win,
	}
}

// NewInstruction wraps a decoded instruction that belongs to no function.
func NewInstruction(d disasm.Inst) *Instruction { return newInstruction(d, nil) }

// Decoded returns the instruction as originally decoded.
func (i *Instruction) Decoded() disasm.Inst { return i.dec }

// Before returns the snippets emitted ahead of the instruction.
func (i *Instruction) Before() []Snippet { return i.before }

// After returns the snippets emitted behind the instruction.
func (i *Instruction) After() []Snippet { return i.after }

// InsertBefore appends a snippet to the before list.
func (i *Instruction) InsertBefore(s Snippet) {
	i.win.check("instruction", i.Addr)
	i.before = append(i.before, s)
}

// InsertBeforeAt inserts a snippet at position pos of the before list.
func (i *Instruction) InsertBeforeAt(pos int, s Snippet) {
	i.win.check("instruction", i.Addr)
	i.before = insertAt(i.before, pos, s)
}

// InsertAfter appends a snippet to the after list.
func (i *Instruction) InsertAfter(s Snippet) {
	i.win.check("instruction", i.Addr)
	i.after = append(i.after, s)
}

// InsertAfterAt inserts a snippet at position pos of the after list.
func (i *Instruction) InsertAfterAt(pos int, s Snippet) {
	i.win.check("instruction", i.Addr)
	i.after = insertAt(i.after, pos, s)
}

// InstrumentationLength counts instructions contributed by attached
// snippets. With after=false only the before list is counted.
func (i *Instruction) InstrumentationLength(after bool) int {
	n := 0
	for _, s := range i.before {
		n += s.Instructions()
	}
	if after {
		for _, s := range i.after {
			n += s.Instructions()
		}
	}
	return n
}

// Text renders the instruction line as emitted.
func (i *Instruction) Text() string {
	var b strings.Builder
	b.WriteByte('\t')
	b.WriteString(i.Mnemonic)
	if i.Operands != "" {
		b.WriteByte(' ')
		b.WriteString(i.Operands)
	}
	if i.Comment != "" {
		b.WriteString(" // ")
		b.WriteString(i.Comment)
	}
	return b.String()
}

// ReplaceTarget swaps a trailing PC-relative operand "#0x<target>" for
// label. It reports whether the operand was found.
func (i *Instruction) ReplaceTarget(target uint64, label string) bool {
	imm := fmt.Sprintf("#0x%x", target)
	if !strings.HasSuffix(i.Operands, imm) {
		return false
	}
	i.Operands = strings.TrimSuffix(i.Operands, imm) + label
	return true
}

func (i *Instruction) String() string {
	return fmt.Sprintf("%x: %s %s", i.Addr, i.Mnemonic, i.Operands)
}

func insertAt(list []Snippet, pos int, s Snippet) []Snippet {
	if pos < 0 || pos >= len(list) {
		return append(list, s)
	}
	list = append(list, Snippet{})
	copy(list[pos+1:], list[pos:])
	list[pos] = s
	return list
}
