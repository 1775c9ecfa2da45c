package fixup

import (
	"fmt"
	"strings"

	"github.com/apex/log"

	"armrw/internal/disasm"
	"armrw/internal/program"
	"armrw/internal/symbolize"
)

// PoolReach is the reach of an ldr literal in instructions. A pool is
// forced once half of it has been emitted without one.
const PoolReach = 1 << 18

// maxShift bounds jump-table scaling; alignment beyond 64 KiB per case is
// not worth emitting.
const maxShift = 16

// Run applies every fixup and closes the program to further
// instrumentation. The program must be sealed; running twice panics.
func Run(p *program.Program) {
	if p.Stage() != program.StageSealed {
		panic(fmt.Sprintf("fixup: run in stage %s", p.Stage()))
	}
	JumpTables(p)
	ShortBranches(p)
	LiteralPools(p)
	p.Finalize()
}

func rewritten(p *program.Program) []*program.Function {
	var out []*program.Function
	for _, fn := range p.Funcs() {
		if !fn.Ignored && fn.Disassembled() {
			out = append(out, fn)
		}
	}
	return out
}

// ShortBranches replaces every conditional branch whose target drifted out
// of range with a trampoline pair. The limit is half the encodable range,
// leaving room for literal pool data the layout does not count.
func ShortBranches(p *program.Program) int {
	fixed := make(map[uint64]bool)
	total := 0
	for {
		l := Count(p)
		n := 0
		for _, fn := range rewritten(p) {
			for _, inst := range fn.Instructions {
				if fixed[inst.Addr] {
					continue
				}
				bi := disasm.DecodeBranch(inst.Raw, inst.Addr)
				if bi == nil || !bi.Cond {
					continue
				}
				target := symbolize.Label(bi.Target)
				if !strings.HasSuffix(inst.Operands, target) {
					continue
				}
				d, ok := l.Distance(inst.Addr, bi.Target)
				if !ok || d <= bi.Range()/2 {
					continue
				}
				trampoline(inst, bi, target)
				fixed[inst.Addr] = true
				n++
			}
		}
		total += n
		if n == 0 {
			break
		}
	}
	p.Stats.ShortBranchesFixed += total
	return total
}

// trampoline redirects the branch to a local label that long-branches to
// the original target. The not-taken path skips over it.
func trampoline(inst *program.Instruction, bi *disasm.BranchInfo, target string) {
	prefix := ".condb"
	if bi.Kind == disasm.BranchTB {
		prefix = ".tbz"
	}
	taken := fmt.Sprintf("%s_%x_true", prefix, inst.Addr)
	notTaken := fmt.Sprintf("%s_%x_false", prefix, inst.Addr)
	inst.Operands = strings.TrimSuffix(inst.Operands, target) + taken
	inst.InsertAfterAt(0, program.Snippet{
		Code:    fmt.Sprintf("\tb %s\n%s:\n\tb %s\n%s:", notTaken, taken, target, notTaken),
		ForInst: inst.String(),
	})
	log.WithFields(log.Fields{"addr": fmt.Sprintf("%#x", inst.Addr), "target": target}).Debug("short branch trampoline")
}

// JumpTables widens the scale of every recovered table whose entries no
// longer reach their cases.
func JumpTables(p *program.Program) int {
	n := 0
	for _, fn := range rewritten(p) {
		for _, jt := range fn.Jumptables {
			if widen(p, fn, jt) {
				n++
			}
		}
	}
	p.Stats.JumpTablesWidened += n
	return n
}

// entryLimit is the largest entry magnitude that survives sign extension.
func entryLimit(size int) int64 {
	return int64(0x7f) << (8 * (size - 1))
}

func widen(p *program.Program, fn *program.Function, jt *program.Jumptable) bool {
	ctx := log.WithFields(log.Fields{"func": fn.Name, "addr": fmt.Sprintf("%#x", jt.BranchAddr)})
	l := Count(p)
	base, ok := l.Label(jt.BaseCase)
	if !ok {
		return false
	}
	far := 0
	cases := make(map[uint64]bool)
	for _, c := range jt.Cases {
		pos, ok := l.Label(c)
		if !ok {
			continue
		}
		far = max(far, abs(pos-base))
		cases[c] = true
	}

	bytes := int64(far) * 4
	fits := func(shift int) bool {
		slack := int64(len(cases)+1) << shift
		if shift == jt.Shift {
			slack = 0
		}
		return (bytes+slack)>>shift <= entryLimit(jt.EntrySize)
	}
	shift := jt.Shift
	for !fits(shift) && shift < maxShift {
		shift++
	}
	if shift == jt.Shift {
		return false
	}
	if !fits(shift) {
		ctx.Warnf("jump table at 0x%x cannot be widened enough", jt.TableAddr)
	}

	idx, ok := fn.InstructionAt(jt.IndexAddr)
	if !ok {
		ctx.Warn("jump table has no index instruction")
		return false
	}
	rd, rn, rm, ext, _, ok := disasm.AddExtReg(idx.Raw)
	if !ok {
		ctx.Warnf("index instruction %s cannot be rescaled", idx)
		return false
	}

	jt.Shift = shift
	for c := range cases {
		if inst, ok := fn.InstructionAt(c); ok {
			inst.Align = max(inst.Align, shift)
		}
	}
	if inst, ok := fn.InstructionAt(jt.BaseCase); ok {
		inst.Align = max(inst.Align, shift)
	}

	w := disasm.RegName32(rm)
	kind := "uxt"
	if jt.Signed || ext.Signed() {
		kind = "sxt"
	}
	switch jt.EntrySize {
	case 1:
		idx.InsertBefore(program.Snippet{Code: fmt.Sprintf("\t%sb %s, %s", kind, w, w), ForInst: idx.String()})
	case 2:
		idx.InsertBefore(program.Snippet{Code: fmt.Sprintf("\t%sh %s, %s", kind, w, w), ForInst: idx.String()})
	}
	amount := shift
	if shift > 4 {
		idx.InsertBefore(program.Snippet{Code: fmt.Sprintf("\tlsl %s, %s, #%d", w, w, shift-2), ForInst: idx.String()})
		amount = 2
	}
	idx.Operands = fmt.Sprintf("%s, %s, %s, %sw #%d", disasm.RegName(rd), disasm.RegName(rn), w, kind, amount)

	symbolize.WriteTable(p.SectionOf(jt.TableAddr), jt)
	ctx.Debugf("jump table at 0x%x widened to shift %d", jt.TableAddr, shift)
	return true
}

// LiteralPools places an .ltorg behind an instruction that never falls
// through once half a pool reach has been emitted without one. Positions
// inside a jump table's case range are skipped.
func LiteralPools(p *program.Program) int {
	n := 0
	since := 0
	for _, fn := range rewritten(p) {
		for _, inst := range fn.Instructions {
			since += inst.InstrumentationLength(true)
			if inst.Mnemonic != "" {
				since++
			}
			if since <= PoolReach/2 || !noFallthrough(inst) || inCaseRange(fn, inst.Addr) {
				continue
			}
			inst.InsertAfter(program.Snippet{Code: "\t.ltorg", ForInst: inst.String()})
			since = 0
			n++
		}
	}
	p.Stats.LiteralPools += n
	return n
}

func noFallthrough(inst *program.Instruction) bool {
	if _, ok := disasm.BranchReg(inst.Raw); ok {
		return true
	}
	bi := disasm.DecodeBranch(inst.Raw, inst.Addr)
	return bi != nil && !bi.Cond
}

func inCaseRange(fn *program.Function, addr uint64) bool {
	for _, jt := range fn.Jumptables {
		if jt.Contains(addr) {
			return true
		}
	}
	return false
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
