// Package emit serializes a rewritten Program as GNU assembler text.
package emit

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ianlancetaylor/demangle"

	"armrw/internal/program"
	"armrw/internal/symbolize"
)

// Options controls optional output.
type Options struct {
	// Trampolines adds one section per code region that maps every
	// original function entry to a branch into its rewritten body.
	Trampolines bool
}

// StartLabel names the label emitted at the first byte of a data section.
func StartLabel(section string) string { return section + "_start" }

// BlockLabel names the basic-block label of addr.
func BlockLabel(addr uint64) string { return fmt.Sprintf(".L%x", addr) }

// TrampolineLabel names the first word of a code region's trampoline
// section.
func TrampolineLabel(region string) string {
	return "armrw_tramp" + strings.ReplaceAll(region, ".", "_")
}

type writer struct {
	w   *bufio.Writer
	err error
}

func (w *writer) printf(format string, args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.w, format, args...)
}

func (w *writer) line(s string) {
	if w.err != nil {
		return
	}
	if _, err := w.w.WriteString(s); err != nil {
		w.err = err
		return
	}
	w.err = w.w.WriteByte('\n')
}

func (w *writer) snippets(list []program.Snippet) {
	for _, s := range list {
		w.line(strings.TrimRight(s.String(), "\n"))
	}
}

// Write emits p: build annotations, data sections in address order, code,
// then the trampoline sections. It fills the function and instruction
// counters of p.Stats.
func Write(out io.Writer, p *program.Program, opts Options) error {
	w := &writer{w: bufio.NewWriter(out)}
	p.Stats.FunctionsRewritten, p.Stats.FunctionsIgnored, p.Stats.Instructions = 0, 0, 0

	header(w, p)
	for _, sec := range p.SortedSections() {
		section(w, sec)
	}
	code(w, p)
	if opts.Trampolines {
		for _, r := range p.CodeSections {
			trampolines(w, p, r)
		}
	}
	if w.err != nil {
		return fmt.Errorf("emit: %w", w.err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	return nil
}

func header(w *writer, p *program.Program) {
	var size uint64
	for _, r := range p.CodeSections {
		size += r.Size
	}
	w.printf("// armrw: input=%s pie=%t stripped=%t\n", p.Input, p.PIE, p.Stripped)
	w.printf("// armrw: %d functions, %s of code\n", len(p.Functions), humanize.IBytes(size))
	for _, lib := range p.Needed {
		w.printf("// armrw: link %s\n", LinkFlag(lib))
	}
	w.line("")
}

// LinkFlag turns a DT_NEEDED entry into a linker flag: libm.so.6 is -lm,
// anything not named lib*.so* is passed by name.
func LinkFlag(needed string) string {
	name, ok := strings.CutPrefix(needed, "lib")
	if !ok {
		return needed
	}
	if i := strings.Index(name, ".so"); i >= 0 {
		return "-l" + name[:i]
	}
	return needed
}

func sectionFlags(sec *program.Section) string {
	if sec.NoBits {
		return fmt.Sprintf("%q, @nobits", sec.Flags)
	}
	return fmt.Sprintf("%q", sec.Flags)
}

func section(w *writer, sec *program.Section) {
	w.printf("\t.section %s, %s\n", sec.Name, sectionFlags(sec))
	w.printf("\t.align %d\n", sec.Align)
	w.printf("%s:\n", StartLabel(sec.Name))
	if !sec.Loaded() {
		w.printf("\t.zero %d\n\n", sec.Size)
		return
	}
	sec.EachCell(func(addr uint64, c *program.Cell) {
		for _, g := range sec.Globals[addr] {
			w.printf("\t.type %s, @object\n", g.Name)
			w.printf("\t.globl %s\n", g.Name)
			if g.Size > 0 {
				w.printf("\t.size %s, %d\n", g.Name, g.Size)
			}
			w.printf("%s:\n", g.Name)
		}
		w.printf("%s:\n", symbolize.Label(addr))
		w.snippets(c.Before())
		w.printf("\t%s\n", c.Directive())
		w.snippets(c.After())
	})
	w.line("")
}

func code(w *writer, p *program.Program) {
	w.line("\t.text")
	var end uint64
	for _, fn := range p.Funcs() {
		if end != 0 && fn.Start > end {
			gap(w, p, end, fn.Start)
		}
		end = max(end, fn.End())
		if fn.Ignored || !fn.Disassembled() {
			p.Stats.FunctionsIgnored++
			w.printf("// %s: compiler-inserted, carried as raw bytes\n", fn.Name)
			w.printf("%s:\n", symbolize.Label(fn.Start))
			filler(w, fn.Bytes)
			continue
		}
		function(w, p, fn)
	}
	w.line("")
}

// gap fills the bytes between two functions from the code region
// holding them.
func gap(w *writer, p *program.Program, from, to uint64) {
	r, ok := p.GapOf(from, to)
	if !ok {
		return
	}
	lo, hi := from-r.Base, to-r.Base
	if hi > uint64(len(r.Bytes)) {
		filler(w, make([]byte, hi-lo))
		return
	}
	filler(w, r.Bytes[lo:hi])
}

func filler(w *writer, b []byte) {
	for len(b) > 0 {
		n := min(len(b), 16)
		vals := make([]string, n)
		for i, v := range b[:n] {
			vals[i] = fmt.Sprintf("0x%02x", v)
		}
		w.printf("\t.byte %s\n", strings.Join(vals, ", "))
		b = b[n:]
	}
}

func function(w *writer, p *program.Program, fn *program.Function) {
	p.Stats.FunctionsRewritten++
	w.line("\t.align 2")
	if fn.Bind == elf.STB_GLOBAL || fn.Bind == elf.STB_WEAK || fn.Name == "main" {
		w.printf("\t.globl %s\n", fn.Name)
	} else {
		w.printf("\t.local %s\n", fn.Name)
	}
	w.printf("\t.type %s, @function\n", fn.Name)
	if d := demangle.Filter(fn.Name); d != fn.Name {
		w.printf("// %s\n", d)
	}
	if fn.PotentialCrash {
		w.printf("// %s: unresolved indirect branch, may crash at run time\n", fn.Name)
	}
	w.printf("%s:\n", fn.Name)
	for _, inst := range fn.Instructions {
		if inst.Align > 0 {
			w.printf("\t.align %d\n", inst.Align)
		}
		if fn.BBStarts[inst.Addr] {
			w.printf("%s:\n", BlockLabel(inst.Addr))
		}
		w.printf("%s:\n", symbolize.Label(inst.Addr))
		w.snippets(inst.Before())
		w.line(inst.Text())
		w.snippets(inst.After())
		p.Stats.Instructions++
	}
	w.printf("\t.size %s, .-%s\n\n", fn.Name, fn.Name)
}

// trampolines emits one word per original word of r: a branch to the
// rewritten body at every function entry and a trap elsewhere.
func trampolines(w *writer, p *program.Program, r program.Region) {
	entries := make(map[uint64]*program.Function)
	for _, fn := range p.Functions {
		if r.Contains(fn.Start) && !fn.Ignored && fn.Disassembled() {
			entries[fn.Start] = fn
		}
	}
	w.printf("\t.section .armrw%s, \"ax\", @progbits\n", r.Name)
	w.line("\t.align 12")
	w.printf("%s:\n", TrampolineLabel(r.Name))
	for addr := r.Base; addr < r.Base+r.Size; addr += 4 {
		if fn, ok := entries[addr]; ok {
			w.printf("\tb %s // %s\n", symbolize.Label(addr), fn.Name)
			continue
		}
		w.line("\tbrk #0x1")
	}
	w.line("")
}
