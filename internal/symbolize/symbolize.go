// Package symbolize rewrites numeric operands and data words into labels
// so the emitted assembly survives relocation of code and data.
package symbolize

import (
	"fmt"
	"strings"

	"github.com/apex/log"

	"armrw/internal/disasm"
	"armrw/internal/program"
	"armrw/internal/resolve"
)

// Label returns the local label of an original address.
func Label(addr uint64) string { return fmt.Sprintf(".LC%x", addr) }

// Symbolizer runs the symbolization passes over one Program. Every
// instruction it rewrites is recorded in Program.Symbolized, so running it
// again changes nothing.
type Symbolizer struct {
	p *program.Program
	r *resolve.Resolver
}

// New returns a Symbolizer using r for value queries.
func New(p *program.Program, r *resolve.Resolver) *Symbolizer {
	return &Symbolizer{p: p, r: r}
}

// Run symbolizes text, then data.
func (s *Symbolizer) Run() {
	s.Text()
	s.Data()
}

// Text symbolizes code: relocations against .text, indirect branches,
// page-relative global accesses, adr and literal loads.
func (s *Symbolizer) Text() {
	s.textRelocations()
	for _, fn := range s.p.Funcs() {
		if fn.Ignored || fn.Nexts == nil {
			continue
		}
		s.switches(fn)
		s.memAccesses(fn)
	}
}

func (s *Symbolizer) logger(fn *program.Function, addr uint64) *log.Entry {
	return log.WithFields(log.Fields{"func": fn.Name, "addr": fmt.Sprintf("%#x", addr)})
}

// labelled reports whether addr has a .LC label in the output: an
// instruction of a rewritten function or a data cell.
func (s *Symbolizer) labelled(addr uint64) bool {
	if sec := s.p.SectionOf(addr); sec != nil {
		return true
	}
	fn := s.p.FunctionOf(addr)
	if fn == nil || fn.Ignored {
		return false
	}
	_, ok := fn.InstructionAt(addr)
	return ok
}

func (s *Symbolizer) textRelocations() {
	for _, rel := range s.p.Relocations[".text"] {
		fn := s.p.FunctionOf(rel.Offset)
		if fn == nil || fn.Ignored || !fn.Disassembled() {
			continue
		}
		// A relocation overrides whatever the CFG builder inferred.
		inst, ok := fn.InstructionOf(rel.Offset)
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rel.Name, "@")
		if name == "" {
			continue
		}
		if rel.Value == 0 {
			name += "@PLT"
		}
		if bi := disasm.DecodeBranch(inst.Raw, inst.Addr); bi != nil || disasm.IsCall(inst.Raw) {
			inst.Operands = name
		} else if i := strings.LastIndex(inst.Operands, "#0x"); i >= 0 {
			end := i + 3
			for end < len(inst.Operands) && isHex(inst.Operands[end]) {
				end++
			}
			inst.Operands = inst.Operands[:i] + name + inst.Operands[end:]
		} else {
			s.logger(fn, inst.Addr).Warnf("relocation %s: no operand to rewrite in %s %s", rel.Name, inst.Mnemonic, inst.Operands)
			continue
		}
		s.p.Symbolized[inst.Addr] = true
	}
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f'
}

// switches resolves every indirect branch of fn. Recovered tables become
// CFG edges and symbolic table entries; function-pointer slots become
// labels. Anything else marks the function as a potential crash site.
func (s *Symbolizer) switches(fn *program.Function) {
	for _, idx := range fn.PossibleSwitches {
		br := fn.Instructions[idx]
		if s.p.Symbolized[br.Addr] {
			continue
		}
		s.p.Symbolized[br.Addr] = true

		b, err := s.r.Branch(fn, idx)
		if err == nil && b.Jumptable == nil {
			err = s.pointerSlot(b.Slot, b.SlotSize)
		}
		if err != nil {
			fn.PotentialCrash = true
			s.p.Stats.SwitchesAbandoned++
			s.logger(fn, br.Addr).WithError(err).Warn("indirect branch left unresolved; potential crash at run time")
			continue
		}
		if b.Jumptable == nil {
			s.p.Stats.PointerTables++
			continue
		}
		s.applyJumptable(fn, idx, b.Jumptable)
		s.p.Stats.SwitchesRecovered++
	}
}

func (s *Symbolizer) pointerSlot(slot uint64, size int) error {
	sec := s.p.SectionOf(slot)
	if sec == nil || size != 8 {
		return fmt.Errorf("%w: pointer slot 0x%x is not an 8-byte data word", resolve.ErrNoResolution, slot)
	}
	if c := sec.Cell(slot); c.Symbolic() && !c.Ignored && c.Size == 8 {
		return nil
	}
	if !sec.Replaceable(slot, 8) {
		return fmt.Errorf("%w: pointer slot 0x%x overlaps a symbolized data word", resolve.ErrNoResolution, slot)
	}
	v, err := sec.ReadAt(slot, 8, false)
	if err != nil {
		return fmt.Errorf("%w: %w", resolve.ErrNoResolution, err)
	}
	if !s.labelled(uint64(v)) {
		return fmt.Errorf("%w: pointer slot 0x%x holds unlabelled 0x%x", resolve.ErrNoResolution, slot, v)
	}
	sec.Replace(slot, 8, Label(uint64(v)))
	return nil
}

func (s *Symbolizer) applyJumptable(fn *program.Function, idx int, jt *program.Jumptable) {
	fn.AddJumptable(jt)
	seen := make(map[int]bool)
	for _, c := range jt.Cases {
		ci := fn.AddrToIdx[c]
		if !seen[ci] {
			fn.AddEdge(idx, ci)
			seen[ci] = true
		}
	}
	WriteTable(s.p.SectionOf(jt.TableAddr), jt)
}

// WriteTable renders every entry of jt as a label difference scaled by
// its shift.
func WriteTable(sec *program.Section, jt *program.Jumptable) {
	for i, c := range jt.Cases {
		entry := jt.TableAddr + uint64(i*jt.EntrySize)
		sec.Replace(entry, jt.EntrySize, fmt.Sprintf("(%s-%s)/%d", Label(c), Label(jt.BaseCase), 1<<jt.Shift))
	}
}

func (s *Symbolizer) memAccesses(fn *program.Function) {
	for idx, inst := range fn.Instructions {
		if s.p.Symbolized[inst.Addr] || inst.Mnemonic == "" {
			continue
		}
		raw := inst.Raw
		if _, _, ok := disasm.Adrp(raw, inst.Addr); ok {
			s.globalAccess(fn, idx)
			continue
		}
		if _, target, ok := disasm.Adr(raw, inst.Addr); ok {
			s.literal(fn, inst, target)
			continue
		}
		if _, target, _, ok := disasm.LdrLiteral(raw, inst.Addr); ok {
			s.literal(fn, inst, target)
		}
	}
}

func (s *Symbolizer) literal(fn *program.Function, inst *program.Instruction, target uint64) {
	if !s.labelled(target) {
		s.logger(fn, inst.Addr).Warnf("literal target 0x%x has no label", target)
		return
	}
	if inst.ReplaceTarget(target, Label(target)) {
		s.p.Symbolized[inst.Addr] = true
		s.p.Stats.LiteralsSymbolized++
	}
}

func (s *Symbolizer) globalAccess(fn *program.Function, idx int) {
	inst := fn.Instructions[idx]
	s.p.Symbolized[inst.Addr] = true

	acc, err := s.r.GlobalAccess(fn, idx)
	if err != nil {
		s.p.Stats.GlobalsAmbiguous++
		s.logger(fn, inst.Addr).WithError(err).Warn("global access left unrewritten")
		if acc != nil && s.labelled(acc.Page) {
			inst.ReplaceTarget(acc.Page, Label(acc.Page))
		}
		return
	}
	s.p.Stats.GlobalsFixed++

	if len(acc.Users) == 0 {
		diff := int64(acc.Section.Base) - int64(acc.Page)
		op, mag := '-', diff
		if diff <= 0 {
			op, mag = '+', -diff
		}
		inst.Mnemonic = "ldr"
		inst.Operands = fmt.Sprintf("%s, =(%s_start %c 0x%x)", disasm.RegName(acc.Reg), acc.Section.Name, op, mag)
		return
	}

	orig := fmt.Sprintf("%s %s", inst.Mnemonic, inst.Operands)
	inst.Mnemonic, inst.Operands = "", ""
	inst.Comment = orig + " (resolved at each use)"
	for _, u := range acc.Users {
		s.rewriteUse(u)
	}
}

// rewriteUse materializes the full address at one use of a page.
func (s *Symbolizer) rewriteUse(u resolve.Use) {
	inst := u.Fn.Instructions[u.Idx]
	if s.p.Symbolized[inst.Addr] {
		return
	}
	s.p.Symbolized[inst.Addr] = true

	value := Label(u.Addr)
	if u.Import != "" {
		value = u.Import
	}

	switch u.Kind {
	case resolve.UseAdd:
		rd, _, _, _, _ := disasm.AddSubImm(inst.Raw)
		inst.Mnemonic = "ldr"
		inst.Operands = fmt.Sprintf("%s, =%s", disasm.RegName(rd), value)
	case resolve.UseLoad:
		m, _ := disasm.MemImm(inst.Raw)
		rt, _, _ := strings.Cut(inst.Operands, ", [")
		mn := inst.Mnemonic
		inst.Mnemonic = "ldr"
		inst.Operands = fmt.Sprintf("%s, =%s", disasm.RegName(m.Rt), value)
		if u.Import == "" {
			inst.InsertAfter(program.Snippet{Code: fmt.Sprintf("\t%s %s, [%s]", mn, rt, disasm.RegName(m.Rt))})
		}
	case resolve.UseStore:
		m, _ := disasm.MemImm(inst.Raw)
		rt, _, _ := strings.Cut(inst.Operands, ", [")
		mn := inst.Mnemonic
		inst.Mnemonic = "ldr"
		inst.Operands = fmt.Sprintf("%s, =%s", disasm.RegName(m.Rn), value)
		inst.InsertAfter(program.Snippet{Code: fmt.Sprintf("\t%s %s, [%s]", mn, rt, disasm.RegName(m.Rn))})
	}
}
