package program

import (
	"errors"
	"fmt"
)

// ErrUnreadable is returned when a read touches a cell that no longer
// holds a numeric byte.
var ErrUnreadable = errors.New("program: cell is symbolized")

// SizeDirective maps a cell width to its data directive.
func SizeDirective(size int) string {
	switch size {
	case 1:
		return ".byte"
	case 2:
		return ".hword"
	case 4:
		return ".word"
	case 8:
		return ".quad"
	case 16:
		return ".xmmword"
	}
	panic(fmt.Sprintf("program: no data directive for %d-byte cell", size))
}

// Cell is one byte of a data section, or the head of a wider symbolic
// value after Replace. Cells absorbed by a wider head are Ignored.
type Cell struct {
	Value   byte
	Expr    string // symbolic value; empty while numeric
	Size    int
	Ignored bool

	before []Snippet
	after  []Snippet
	addr   uint64
	sec    *Section
}

// Symbolic reports whether the cell has been replaced by an expression.
func (c *Cell) Symbolic() bool { return c.Expr != "" }

// Directive renders the cell's data directive.
func (c *Cell) Directive() string {
	if c.Expr != "" {
		return SizeDirective(c.Size) + " " + c.Expr
	}
	return fmt.Sprintf("%s 0x%x", SizeDirective(c.Size), c.Value)
}

func (c *Cell) Before() []Snippet { return c.before }
func (c *Cell) After() []Snippet  { return c.after }

// InsertBefore attaches a snippet ahead of the cell.
func (c *Cell) InsertBefore(s Snippet) {
	c.sec.win.check("cell", c.addr)
	c.before = append(c.before, s)
}

// InsertAfter attaches a snippet behind the cell.
func (c *Cell) InsertAfter(s Snippet) {
	c.sec.win.check("cell", c.addr)
	c.after = append(c.after, s)
}

// Global is a named data object inside a section.
type Global struct {
	Name string
	Size uint64
}

// Section is a loaded data section split into byte cells.
type Section struct {
	Name    string
	Base    uint64
	Size    uint64
	Align   int // log2, clamped to [12, 16]
	Flags   string
	NoBits  bool
	Bytes   []byte
	Cells   []Cell
	Globals map[uint64][]Global

	win *window
}

// NewSection creates a section. bytes shorter than size are zero padded.
func NewSection(name string, base, size uint64, bytes []byte, align uint64, flags string) *Section {
	buf := make([]byte, size)
	copy(buf, bytes)
	a := 0
	for align > 1 {
		align >>= 1
		a++
	}
	a = max(12, min(16, a))
	return &Section{
		Name:    name,
		Base:    base,
		Size:    size,
		Align:   a,
		Flags:   flags,
		Bytes:   buf,
		Globals: make(map[uint64][]Global),
	}
}

// Load splits the section bytes into cells. Loading twice is a programming
// error.
func (s *Section) Load() {
	if s.Cells != nil {
		panic(fmt.Sprintf("program: section %s loaded twice", s.Name))
	}
	s.Cells = make([]Cell, len(s.Bytes))
	for i, b := range s.Bytes {
		s.Cells[i] = Cell{Value: b, Size: 1, addr: s.Base + uint64(i), sec: s}
	}
}

// Loaded reports whether Load has run.
func (s *Section) Loaded() bool { return s.Cells != nil }

// End returns the first address past the section.
func (s *Section) End() uint64 { return s.Base + s.Size }

// Contains reports whether addr falls inside the section.
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Base && addr < s.End()
}

func (s *Section) offset(addr uint64, op string) int {
	if !s.Loaded() {
		panic(fmt.Sprintf("program: %s on unloaded section %s", op, s.Name))
	}
	if !s.Contains(addr) {
		panic(fmt.Sprintf("program: %s at 0x%x outside section %s [0x%x, 0x%x)", op, addr, s.Name, s.Base, s.End()))
	}
	return int(addr - s.Base)
}

// Cell returns the cell at addr.
func (s *Section) Cell(addr uint64) *Cell {
	return &s.Cells[s.offset(addr, "cell")]
}

// ReadAt reads a little-endian value of size bytes at addr. Bytes past the
// end of the section read as zero. A read overlapping a symbolized or
// absorbed cell fails with ErrUnreadable.
func (s *Section) ReadAt(addr uint64, size int, signed bool) (int64, error) {
	off := s.offset(addr, "read")
	var v uint64
	for i := 0; i < size; i++ {
		if off+i >= len(s.Cells) {
			break
		}
		c := &s.Cells[off+i]
		if c.Symbolic() || c.Ignored {
			return 0, fmt.Errorf("%w: %s+0x%x", ErrUnreadable, s.Name, off+i)
		}
		v |= uint64(c.Value) << (8 * i)
	}
	if signed && size < 8 {
		shift := 64 - 8*uint(size)
		return int64(v<<shift) >> shift, nil
	}
	return int64(v), nil
}

// Replaceable reports whether Replace(addr, size, ...) is allowed: the
// range lies in the section, starts on an emitted cell, and neither covers
// another symbolic cell nor splits one.
func (s *Section) Replaceable(addr uint64, size int) bool {
	if !s.Contains(addr) || addr+uint64(size) > s.End() {
		return false
	}
	off := int(addr - s.Base)
	if off+size > len(s.Cells) {
		return false
	}
	head := s.Cells[off]
	if head.Ignored || (head.Symbolic() && head.Size > size) {
		return false
	}
	for i := off + 1; i < off+size; i++ {
		if s.Cells[i].Symbolic() && !s.Cells[i].Ignored {
			return false
		}
	}
	return true
}

// Replace turns the size bytes at addr into one symbolic cell. The cells
// it covers become ignored. It panics unless Replaceable(addr, size).
func (s *Section) Replace(addr uint64, size int, expr string) {
	off := s.offset(addr, "replace")
	if !s.Replaceable(addr, size) {
		panic(fmt.Sprintf("program: replace of %d bytes at 0x%x overlaps a symbolic cell or overruns section %s", size, addr, s.Name))
	}
	head := &s.Cells[off]
	head.Expr = expr
	head.Size = size
	head.Ignored = false
	for i := off + 1; i < off+size; i++ {
		s.Cells[i].Ignored = true
	}
}

// AddGlobal names a data object at addr.
func (s *Section) AddGlobal(addr uint64, name string, size uint64) {
	s.Globals[addr] = append(s.Globals[addr], Global{Name: name, Size: size})
}

// EachCell visits every cell that is emitted, with its address.
func (s *Section) EachCell(fn func(addr uint64, c *Cell)) {
	for i := range s.Cells {
		c := &s.Cells[i]
		if c.Ignored {
			continue
		}
		fn(s.Base+uint64(i), c)
	}
}
