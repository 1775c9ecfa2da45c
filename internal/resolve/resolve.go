// Package resolve recovers register values by emulating instructions
// backwards along the CFG. It recognizes switch tables, function-pointer
// slots and page-relative global pointers.
package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/bits-and-blooms/bitset"

	"armrw/internal/program"
	"armrw/internal/symexpr"
)

var (
	// ErrNoResolution is returned when no path produced an accepted value.
	ErrNoResolution = errors.New("resolve: register value not resolved")
	// ErrCaseCountMismatch is returned when paths disagree on the number
	// of switch cases.
	ErrCaseCountMismatch = errors.New("resolve: paths disagree on case count")
	// ErrAmbiguousSection is returned when a page-relative pointer cannot be
	// attributed to a single section.
	ErrAmbiguousSection = errors.New("resolve: global pointer section is ambiguous")
)

// Mode selects how predecessors are followed.
type Mode string

const (
	// FirstPredecessor follows only the first predecessor of each
	// instruction.
	FirstPredecessor Mode = "first"
	// AllPredecessors forks a path per predecessor.
	AllPredecessors Mode = "all"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case FirstPredecessor, "":
		return FirstPredecessor, nil
	case AllPredecessors:
		return AllPredecessors, nil
	}
	return "", fmt.Errorf("resolve: unknown mode %q", s)
}

// Default step budgets.
const (
	DefaultStepBudget  = 64
	DefaultRetryBudget = 512
)

// Options configures a Resolver.
type Options struct {
	Mode Mode
	// StepBudget bounds the instructions emulated along one path.
	StepBudget int
	// RetryBudget is the per-path bound of the second attempt, and of
	// the bounds-check scan.
	RetryBudget int
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = FirstPredecessor
	}
	if o.StepBudget <= 0 {
		o.StepBudget = DefaultStepBudget
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = DefaultRetryBudget
	}
	return o
}

// Resolver answers value queries over one Program.
type Resolver struct {
	p    *program.Program
	opts Options
}

// New returns a Resolver for p.
func New(p *program.Program, opts Options) *Resolver {
	return &Resolver{p: p, opts: opts.withDefaults()}
}

// Result is one resolved path.
type Result struct {
	Expr symexpr.Expr
	// Trail lists the instructions emulated, most recent first.
	Trail []*program.Instruction
	// Signed is set when the value passed through a sign-extending add.
	Signed bool
}

// path is one backward walk. Forks copy every field.
type path struct {
	fn      *program.Function
	pos     int
	expr    symexpr.Expr
	visited *bitset.BitSet
	steps   int
	crossed bool
	signed  bool
	trail   []*program.Instruction
}

func (p *path) fork(pos int) *path {
	q := *p
	q.pos = pos
	q.visited = p.visited.Clone()
	q.trail = append([]*program.Instruction(nil), p.trail...)
	return &q
}

// Accept decides whether a path's expression is a final answer.
type Accept func(symexpr.Expr) bool

// Resolved accepts expressions that no longer depend on any register.
func Resolved(e symexpr.Expr) bool { return symexpr.Regs(e).Empty() }

// Value resolves the content of register reg immediately before
// instruction idx of fn. It first walks with the step budget and, when no
// path is accepted, once more with the retry budget.
func (r *Resolver) Value(fn *program.Function, idx, reg int, accept Accept) ([]Result, error) {
	res, _ := r.walk(fn, idx, reg, accept, r.opts.StepBudget)
	if len(res) == 0 && r.opts.RetryBudget > r.opts.StepBudget {
		res, _ = r.walk(fn, idx, reg, accept, r.opts.RetryBudget)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: %s at 0x%x", ErrNoResolution, fn.Name, fn.Instructions[idx].Addr)
	}
	return res, nil
}

// forksPerStep bounds the paths one walk expands to budget*forksPerStep.
const forksPerStep = 16

// state identifies a path for deduplication. Two paths at the same
// instruction tracking the same expression continue identically.
type state struct {
	fn      *program.Function
	pos     int
	expr    string
	crossed bool
	signed  bool
}

// walk returns the accepted paths and the number of instructions emulated.
func (r *Resolver) walk(fn *program.Function, idx, reg int, accept Accept, budget int) ([]Result, int) {
	start := &path{
		fn:      fn,
		pos:     idx,
		expr:    symexpr.Reg{N: reg},
		visited: bitset.New(uint(len(fn.Instructions))),
	}
	start.visited.Set(uint(idx))

	var done []Result
	seen := make(map[state]bool)
	limit := budget * forksPerStep
	expanded := 0
	work := []*path{start}
	for len(work) > 0 {
		p := work[len(work)-1]
		work = work[:len(work)-1]

		for _, q := range r.predecessors(p, fn) {
			if q.visited.Test(uint(q.pos)) {
				continue // cycle
			}
			q.visited.Set(uint(q.pos))
			q.steps++
			if q.steps > budget {
				continue
			}
			if expanded >= limit {
				log.WithFields(log.Fields{
					"func": fn.Name,
					"addr": fmt.Sprintf("%#x", fn.Instructions[idx].Addr),
				}).Debugf("resolve: walk abandoned after %d steps", expanded)
				return done, expanded
			}
			expanded++
			inst := q.fn.Instructions[q.pos]
			expr, ok := emulate(q, inst)
			if !ok {
				log.WithFields(log.Fields{
					"func": q.fn.Name,
					"addr": fmt.Sprintf("%#x", inst.Addr),
				}).Debugf("resolve: cannot emulate %s %s", inst.Mnemonic, inst.Operands)
				continue
			}
			q.expr = symexpr.Simplify(expr)
			key := state{fn: q.fn, pos: q.pos, expr: q.expr.String(), crossed: q.crossed, signed: q.signed}
			if seen[key] {
				continue
			}
			seen[key] = true
			q.trail = append(q.trail, inst)
			if accept(q.expr) {
				done = append(done, Result{Expr: q.expr, Trail: q.trail, Signed: q.signed})
				continue
			}
			work = append(work, q)
		}
	}
	return done, expanded
}

// predecessors returns the forks of p one instruction earlier. At the
// entry of a function reached through a tail jump, the walk continues once
// in the jumping function, never in origin.
func (r *Resolver) predecessors(p *path, origin *program.Function) []*path {
	prevs := p.fn.Prevs[p.pos]
	if len(prevs) == 0 {
		if p.pos != 0 || p.crossed {
			return nil
		}
		var out []*path
		for _, from := range r.p.Xrefs[p.fn.Start] {
			g := r.p.FunctionOf(from)
			if g == nil || g == origin || g == p.fn || g.Prevs == nil {
				continue
			}
			gi, ok := g.AddrToIdx[from]
			if !ok {
				continue
			}
			q := &path{
				fn:      g,
				pos:     gi,
				expr:    p.expr,
				visited: bitset.New(uint(len(g.Instructions))),
				steps:   p.steps,
				crossed: true,
				signed:  p.signed,
				trail:   append([]*program.Instruction(nil), p.trail...),
			}
			q.visited.Set(uint(gi))
			// The branch itself has no effect; step over it.
			out = append(out, r.predecessors(q, origin)...)
			if r.opts.Mode == FirstPredecessor {
				break
			}
		}
		return out
	}
	if r.opts.Mode == FirstPredecessor {
		prevs = prevs[:1]
	}
	out := make([]*path, 0, len(prevs))
	for _, prev := range prevs {
		out = append(out, p.fork(prev))
	}
	return out
}
