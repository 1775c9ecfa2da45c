package resolve

import (
	"fmt"
	"maps"

	"github.com/bits-and-blooms/bitset"

	"armrw/internal/disasm"
	"armrw/internal/program"
)

// UseKind classifies how a page-relative pointer is consumed.
type UseKind uint8

const (
	UseAdd   UseKind = iota // add rd, rn, #lo
	UseLoad                 // ldr rt, [rn, #off]
	UseStore                // str rt, [rn, #off]
)

func (k UseKind) String() string {
	switch k {
	case UseAdd:
		return "add"
	case UseLoad:
		return "load"
	case UseStore:
		return "store"
	}
	return fmt.Sprintf("use(%d)", uint8(k))
}

// Use is an instruction completing a page-relative address.
type Use struct {
	Fn     *program.Function
	Idx    int
	Kind   UseKind
	Addr   uint64 // page plus the instruction's offset
	Import string // symbol whose GOT slot or PLT stub is at Addr
}

// Access describes an adrp and what its page was used for.
type Access struct {
	Idx        int
	Reg        int
	Page       uint64
	Candidates []*program.Section
	// Section is the single section the page belongs to, when known.
	Section *program.Section
	// Users is filled when the page alone does not identify a section.
	Users []Use
}

// Candidates returns the data sections an adrp page may refer to: those
// starting on the same page or containing it.
func (r *Resolver) Candidates(page uint64) []*program.Section {
	var out []*program.Section
	for _, s := range r.p.SortedSections() {
		if s.Base>>12 == page>>12 || s.Contains(page) {
			out = append(out, s)
		}
	}
	return out
}

// GlobalAccess resolves the adrp at idx. With exactly one candidate data
// section, and the page outside code, the section is the answer. Otherwise
// a forward walk collects the instructions completing the address; each
// must land on a labelled address.
func (r *Resolver) GlobalAccess(fn *program.Function, idx int) (*Access, error) {
	inst := fn.Instructions[idx]
	rd, page, ok := disasm.Adrp(inst.Raw, inst.Addr)
	if !ok {
		return nil, fmt.Errorf("resolve: %s at 0x%x is not adrp", fn.Name, inst.Addr)
	}
	acc := &Access{Idx: idx, Reg: rd, Page: page, Candidates: r.Candidates(page)}
	if len(acc.Candidates) == 1 && !r.p.InCode(page) {
		acc.Section = acc.Candidates[0]
		return acc, nil
	}

	users, escape, escaped := r.users(fn, idx, rd, page)
	acc.Users = users
	if escaped {
		return acc, fmt.Errorf("%w: %s at 0x%x: page register escapes at 0x%x", ErrAmbiguousSection, fn.Name, inst.Addr, escape)
	}
	if len(acc.Users) == 0 {
		return acc, fmt.Errorf("%w: %s at 0x%x: page 0x%x has %d candidates and no users", ErrAmbiguousSection, fn.Name, inst.Addr, page, len(acc.Candidates))
	}
	var sec *program.Section
	for i := range acc.Users {
		u := &acc.Users[i]
		u.Import = r.importAt(u.Addr)
		if u.Import != "" {
			continue
		}
		s := r.p.SectionOf(u.Addr)
		if s == nil && !r.isInstruction(u.Addr) {
			return acc, fmt.Errorf("%w: %s at 0x%x: use at 0x%x reaches unlabelled 0x%x", ErrAmbiguousSection, fn.Name, inst.Addr, u.Fn.Instructions[u.Idx].Addr, u.Addr)
		}
		if s != nil && (sec == nil || sec == s) {
			sec = s
		}
	}
	acc.Section = sec
	return acc, nil
}

func (r *Resolver) isInstruction(addr uint64) bool {
	fn := r.p.FunctionOf(addr)
	if fn == nil || fn.Ignored {
		return false
	}
	_, ok := fn.InstructionAt(addr)
	return ok
}

// importAt names the import whose GOT slot, symbol value or PLT stub is
// addr.
func (r *Resolver) importAt(addr uint64) string {
	if name, ok := r.p.PLT[addr]; ok {
		return name
	}
	for _, rel := range r.p.Relocations[".dyn"] {
		if rel.Name == "" {
			continue
		}
		if rel.Offset == addr || (rel.Value != 0 && rel.Value == addr) {
			return rel.Name
		}
	}
	return ""
}

type fwd struct {
	fn      *program.Function
	idx     int
	tracked disasm.RegSet
	slots   map[int64]bool
	crossed bool
}

// users walks forward from the adrp at idx tracking the page register
// through copies, frame-slot spills and reloads, and one tail jump. It
// stops at the first instruction reading the page in any other way and
// returns its address.
func (r *Resolver) users(fn *program.Function, idx, reg int, page uint64) ([]Use, uint64, bool) {
	visited := map[*program.Function]*bitset.BitSet{}
	seen := func(f *program.Function, i int) bool {
		b, ok := visited[f]
		if !ok {
			b = bitset.New(uint(len(f.Instructions)))
			visited[f] = b
		}
		if b.Test(uint(i)) {
			return true
		}
		b.Set(uint(i))
		return false
	}
	seen(fn, idx)

	var out []Use
	var work []fwd
	for _, s := range fn.Successors(idx) {
		work = append(work, fwd{fn: fn, idx: s, tracked: disasm.Regs(reg), slots: map[int64]bool{}})
	}
	for len(work) > 0 {
		w := work[len(work)-1]
		work = work[:len(work)-1]
		if w.tracked.Empty() && len(w.slots) == 0 {
			continue
		}
		if seen(w.fn, w.idx) {
			continue
		}
		inst := w.fn.Instructions[w.idx]
		raw := inst.Raw
		var gen disasm.RegSet
		slots := w.slots
		handled := false

		if m, ok := disasm.MemImm(raw); ok && !m.Writeback {
			switch {
			case !m.Load && isFrameBase(m.Rn) && w.tracked.Has(m.Rt):
				slots = maps.Clone(slots)
				slots[m.Offset] = true
				handled = true
			case m.Load && isFrameBase(m.Rn) && slots[m.Offset]:
				gen = gen.Add(m.Rt)
			case w.tracked.Has(m.Rn):
				kind := UseLoad
				if !m.Load {
					kind = UseStore
				}
				out = append(out, Use{Fn: w.fn, Idx: w.idx, Kind: kind, Addr: uint64(int64(page) + m.Offset)})
				handled = true
			}
		} else if rd, rn, imm, _, ok := disasm.AddSubImm(raw); ok && w.tracked.Has(rn) && rd != disasm.RegSP {
			out = append(out, Use{Fn: w.fn, Idx: w.idx, Kind: UseAdd, Addr: uint64(int64(page) + imm)})
			handled = true
		} else if rd, rm, ok := disasm.MovReg(raw); ok && w.tracked.Has(rm) {
			gen = gen.Add(rd)
			handled = true
		}
		if !handled && !inst.Reads.And(w.tracked).Empty() {
			return out, inst.Addr, true
		}

		tracked := w.tracked.Minus(inst.Writes)
		if disasm.IsCall(raw) {
			tracked = tracked.Minus(clobbered)
		}
		tracked = tracked.Union(gen)

		for _, s := range w.fn.Successors(w.idx) {
			work = append(work, fwd{fn: w.fn, idx: s, tracked: tracked, slots: slots, crossed: w.crossed})
		}
		if target, ok := disasm.IsBranchImm(raw, inst.Addr); ok && !w.crossed && !w.fn.Contains(target) {
			if g := r.p.FunctionOf(target); g != nil && g.Nexts != nil {
				if gi, ok := g.AddrToIdx[target]; ok {
					work = append(work, fwd{fn: g, idx: gi, tracked: tracked, slots: slots, crossed: true})
				}
			}
		}
	}
	return out, 0, false
}
