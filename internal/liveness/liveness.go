// Package liveness computes, per instruction, the general-purpose
// registers that are dead on entry and therefore free for instrumentation.
package liveness

import (
	"fmt"
	"strings"

	"github.com/apex/log"

	"armrw/internal/cfg"
	"armrw/internal/disasm"
	"armrw/internal/program"
)

var (
	// Pool is the set of registers liveness reasons about: the
	// caller-saved x0..x18. Callee-saved registers, fp, lr and sp are
	// never handed out.
	Pool = disasm.RegRange(0, 18)
	// Args are read by every call and return.
	Args = disasm.RegRange(0, 7)
	// CallerSaved are clobbered by every call.
	CallerSaved = disasm.RegRange(0, 18).Add(30)
)

// Strategy selects the dataflow solver.
type Strategy string

const (
	// Single is one breadth-first sweep backwards from the exits.
	// Successors not yet computed count as fully used.
	Single Strategy = "single"
	// Fixpoint iterates until no used set changes.
	Fixpoint Strategy = "fixpoint"
)

// DefaultFixpointCap bounds the fixpoint solver.
const DefaultFixpointCap = 8192

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case Single, "":
		return Single, nil
	case Fixpoint:
		return Fixpoint, nil
	}
	return "", fmt.Errorf("liveness: unknown strategy %q", s)
}

// Options configures Analyze.
type Options struct {
	Strategy    Strategy
	FixpointCap int
	// Reserved registers are never reported free.
	Reserved disasm.RegSet
}

// Result holds per-instruction used and free sets.
type Result struct {
	Used       []disasm.RegSet
	Free       []disasm.RegSet
	Iterations int
	Converged  bool
}

// Transfer returns the registers instruction inst reads and writes as
// liveness sees them. An undecodable word reads the whole pool.
func Transfer(inst *program.Instruction) (reads, writes disasm.RegSet) {
	raw := inst.Raw
	reads, writes = inst.Reads, inst.Writes
	switch {
	case !inst.Decoded().Valid() && !disasm.IsTrap(raw):
		return Pool, 0
	case disasm.IsCall(raw):
		reads = reads.Union(Args)
		writes = writes.Union(CallerSaved)
	case isRet(raw):
		reads = reads.Union(Args)
	case isBR(raw):
		reads = reads.Union(Pool)
	}
	if isCompare(inst.Mnemonic) {
		reads = reads.Union(writes)
	}
	writes = writes.Minus(reads)
	return reads.And(Pool), writes
}

func isRet(raw uint32) bool {
	bi := disasm.DecodeBranch(raw, 0)
	return bi != nil && bi.IsRet
}

func isBR(raw uint32) bool {
	_, ok := disasm.BranchReg(raw)
	return ok
}

func isCompare(mn string) bool {
	return strings.HasPrefix(mn, "cmp") || strings.HasPrefix(mn, "cmn") ||
		strings.HasPrefix(mn, "tst") || strings.HasPrefix(mn, "ccmp") || strings.HasPrefix(mn, "ccmn")
}

type solver struct {
	fn       *program.Function
	reads    []disasm.RegSet
	writes   []disasm.RegSet
	used     []disasm.RegSet
	computed []bool
}

func newSolver(fn *program.Function) *solver {
	n := len(fn.Instructions)
	s := &solver{
		fn:       fn,
		reads:    make([]disasm.RegSet, n),
		writes:   make([]disasm.RegSet, n),
		used:     make([]disasm.RegSet, n),
		computed: make([]bool, n),
	}
	for i, inst := range fn.Instructions {
		s.reads[i], s.writes[i] = Transfer(inst)
	}
	return s
}

// step computes used(i) from the current successor sets. unknown is the
// value assumed for index successors not yet computed.
func (s *solver) step(i int, unknown disasm.RegSet) disasm.RegSet {
	used := s.reads[i]
	call := disasm.IsCall(s.fn.Instructions[i].Raw)
	for _, e := range s.fn.Nexts[i] {
		var live disasm.RegSet
		switch e.Kind {
		case program.EdgeIndex:
			if s.computed[e.Index] {
				live = s.used[e.Index]
			} else {
				live = unknown
			}
		case program.EdgeUndef:
			live = Pool
		case program.EdgeCall:
			if !call {
				live = Args // tail call into an import
			}
		case program.EdgeRet:
		}
		used = used.Union(live.Minus(s.writes[i]))
	}
	return used.And(Pool)
}

func (s *solver) exits() []int {
	var q []int
	for i := range s.fn.Instructions {
		if len(s.fn.Successors(i)) == 0 {
			q = append(q, i)
		}
	}
	return q
}

func (s *solver) single() {
	visited := make([]bool, len(s.used))
	queue := s.exits()
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if visited[i] {
			continue
		}
		visited[i] = true
		s.used[i] = s.step(i, Pool)
		s.computed[i] = true
		for _, p := range s.fn.Prevs[i] {
			if !visited[p] {
				queue = append(queue, p)
			}
		}
	}
	// Instructions that cannot reach an exit (endless loops).
	for i := range s.used {
		if !s.computed[i] {
			s.used[i] = Pool
			s.computed[i] = true
		}
	}
}

func (s *solver) fixpoint(limit int) (int, bool) {
	for i := range s.computed {
		s.computed[i] = true
	}
	for iter := 1; iter <= limit; iter++ {
		changed := false
		for i := len(s.used) - 1; i >= 0; i-- {
			u := s.step(i, 0)
			if u != s.used[i] {
				s.used[i] = u
				changed = true
			}
		}
		if !changed {
			return iter, true
		}
	}
	return limit, false
}

// Analyze computes liveness for a function whose CFG is built.
func Analyze(fn *program.Function, opts Options) Result {
	n := len(fn.Instructions)
	if len(fn.Nexts) != n || len(fn.Prevs) != n {
		panic(fmt.Sprintf("liveness: function %s has no CFG", fn.Name))
	}
	s := newSolver(fn)
	res := Result{Converged: true, Iterations: 1}

	switch opts.Strategy {
	case Fixpoint:
		limit := opts.FixpointCap
		if limit <= 0 {
			limit = DefaultFixpointCap
		}
		res.Iterations, res.Converged = s.fixpoint(limit)
		if !res.Converged {
			log.WithFields(log.Fields{"func": fn.Name, "iterations": limit}).Warn("liveness did not converge; no register is free")
			for i := range s.used {
				s.used[i] = Pool
			}
		}
	default:
		s.single()
	}

	res.Used = s.used
	res.Free = make([]disasm.RegSet, n)
	for i, u := range s.used {
		res.Free[i] = Pool.Minus(u).Minus(opts.Reserved)
	}
	return res
}

// AnalyzeProgram runs Analyze on every function with a CFG and stores the
// free sets under program.FreeRegistersKey and leaf status under
// program.IsLeafKey. Instructions unreachable from the entry are counted
// in p.Stats.
func AnalyzeProgram(p *program.Program, opts Options) {
	for _, fn := range p.Funcs() {
		if fn.Ignored || fn.Nexts == nil {
			continue
		}
		res := Analyze(fn, opts)
		fn.Analysis[program.FreeRegistersKey] = res.Free
		fn.Analysis[program.IsLeafKey] = isLeaf(fn)

		unreachable := len(fn.Instructions) - int(cfg.Reachable(fn).Count())
		p.Stats.UnreachableInstructions += unreachable
		log.WithFields(log.Fields{
			"func":        fn.Name,
			"iterations":  res.Iterations,
			"unreachable": unreachable,
		}).Debug("liveness")
	}
}

// isLeaf reports whether fn makes no call.
func isLeaf(fn *program.Function) bool {
	for _, inst := range fn.Instructions {
		if disasm.IsCall(inst.Raw) {
			return false
		}
	}
	return true
}
