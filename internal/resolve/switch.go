package resolve

import (
	"fmt"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"armrw/internal/disasm"
	"armrw/internal/program"
	"armrw/internal/symexpr"
)

// Branch is the resolution of an indirect branch: either a jump table or
// a load from a constant function-pointer slot.
type Branch struct {
	Jumptable *program.Jumptable
	Slot      uint64
	SlotSize  int
}

func acceptBranch(e symexpr.Expr) bool {
	if _, ok := symexpr.MatchSwitch(e); ok {
		return true
	}
	_, _, ok := symexpr.MatchPointer(e)
	return ok
}

// Branch resolves the br instruction at idx.
func (r *Resolver) Branch(fn *program.Function, idx int) (Branch, error) {
	br := fn.Instructions[idx]
	reg, ok := disasm.BranchReg(br.Raw)
	if !ok {
		return Branch{}, fmt.Errorf("resolve: %s at 0x%x is not an indirect branch", fn.Name, br.Addr)
	}
	results, err := r.Value(fn, idx, reg, acceptBranch)
	if err != nil {
		return Branch{}, err
	}

	if addr, size, ok := symexpr.MatchPointer(results[0].Expr); ok {
		return Branch{Slot: addr, SlotSize: size}, nil
	}

	var sw symexpr.Switch
	var signed bool
	var trail []*program.Instruction
	for i, res := range results {
		s, ok := symexpr.MatchSwitch(res.Expr)
		if !ok {
			return Branch{}, fmt.Errorf("%w: %s at 0x%x: paths disagree on the idiom", ErrNoResolution, fn.Name, br.Addr)
		}
		s.Index = nil
		if i == 0 {
			sw, signed, trail = s, res.Signed, res.Trail
			continue
		}
		if s != sw {
			return Branch{}, fmt.Errorf("%w: %s at 0x%x: paths disagree on the table", ErrNoResolution, fn.Name, br.Addr)
		}
	}

	count, err := r.CaseCount(fn, idx)
	if err != nil {
		return Branch{}, err
	}

	jt := &program.Jumptable{
		BranchAddr: br.Addr,
		TableAddr:  sw.Table,
		EntrySize:  sw.EntrySize,
		Signed:     sw.Signed || signed,
		BaseCase:   sw.Base,
		Shift:      sw.Shift,
	}
	for _, inst := range trail {
		if _, _, _, _, _, ok := disasm.AddExtReg(inst.Raw); ok {
			jt.IndexAddr = inst.Addr
			break
		}
		if _, _, _, _, _, ok := disasm.AddShiftedReg(inst.Raw); ok {
			jt.IndexAddr = inst.Addr
			break
		}
	}

	sec := r.p.SectionOf(sw.Table)
	if sec == nil || !sec.Loaded() {
		return Branch{}, fmt.Errorf("%w: %s at 0x%x: table 0x%x is in no data section", ErrNoResolution, fn.Name, br.Addr, sw.Table)
	}
	for i := 0; i < count; i++ {
		entry := sw.Table + uint64(i*sw.EntrySize)
		if !sec.Contains(entry) {
			return Branch{}, fmt.Errorf("%w: %s at 0x%x: table entry 0x%x outside %s", ErrNoResolution, fn.Name, br.Addr, entry, sec.Name)
		}
		v, err := symexpr.Eval(sw.Case(i, jt.Signed), sec.ReadAt)
		if err != nil {
			return Branch{}, fmt.Errorf("%w: %s at 0x%x: %w", ErrNoResolution, fn.Name, br.Addr, err)
		}
		target := uint64(v)
		if _, ok := fn.InstructionAt(target); !ok {
			return Branch{}, fmt.Errorf("%w: %s at 0x%x: case %d -> 0x%x is outside the function", ErrNoResolution, fn.Name, br.Addr, i, target)
		}
		jt.Cases = append(jt.Cases, target)
	}
	return Branch{Jumptable: jt}, nil
}

// caseCount derives the number of cases from a bounds check
// "cmp wN, #imm" followed by b.cond to the default case.
func caseCount(imm uint64, cond uint32) (int, bool) {
	switch cond {
	case disasm.CondHI, disasm.CondLS, disasm.CondGT, disasm.CondLE:
		return int(imm) + 1, true
	case disasm.CondHS, disasm.CondLO, disasm.CondGE, disasm.CondLT:
		return int(imm), true
	}
	return 0, false
}

// CaseCount scans backwards from the br at idx for the bounds check
// guarding it. In AllPredecessors mode every path must agree.
func (r *Resolver) CaseCount(fn *program.Function, idx int) (int, error) {
	type scan struct {
		pos   int
		steps int
	}
	// The scan tracks no value, so each instruction is expanded once.
	seen := bitset.New(uint(len(fn.Instructions)))
	seen.Set(uint(idx))

	var counts []int
	work := []scan{{pos: idx}}
	for len(work) > 0 {
		s := work[len(work)-1]
		work = work[:len(work)-1]

		prevs := fn.Prevs[s.pos]
		if r.opts.Mode == FirstPredecessor && len(prevs) > 1 {
			prevs = prevs[:1]
		}
		for _, prev := range prevs {
			if s.steps+1 > r.opts.RetryBudget {
				continue
			}
			if n, ok := boundsCheck(fn, prev); ok {
				counts = append(counts, n)
				continue
			}
			if seen.Test(uint(prev)) {
				continue
			}
			seen.Set(uint(prev))
			work = append(work, scan{pos: prev, steps: s.steps + 1})
		}
	}

	br := fn.Instructions[idx]
	if len(counts) == 0 {
		return 0, fmt.Errorf("%w: %s at 0x%x: no bounds check", ErrNoResolution, fn.Name, br.Addr)
	}
	slices.Sort(counts)
	counts = slices.Compact(counts)
	if len(counts) > 1 {
		return 0, fmt.Errorf("%w: %s at 0x%x: %v", ErrCaseCountMismatch, fn.Name, br.Addr, counts)
	}
	return counts[0], nil
}

// boundsCheck matches a cmp at i followed directly by a conditional branch.
func boundsCheck(fn *program.Function, i int) (int, bool) {
	_, imm, ok := disasm.CmpImm(fn.Instructions[i].Raw)
	if !ok || i+1 >= len(fn.Instructions) {
		return 0, false
	}
	cond, ok := disasm.CondCode(fn.Instructions[i+1].Raw)
	if !ok {
		return 0, false
	}
	return caseCount(imm, cond)
}
