package callgraph

import (
	"github.com/zboralski/lattice"

	"armrw/internal/cfg"
	"armrw/internal/program"
)

// CFG builds a lattice.CFGGraph of every disassembled function. Functions
// with a single block are kept.
func CFG(p *program.Program) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, fn := range p.Funcs() {
		if !fn.Disassembled() {
			continue
		}
		lcfg, _ := FuncCFG(p, fn)
		cg.Funcs = append(cg.Funcs, lcfg)
	}
	return cg
}

// FuncCFG maps the basic blocks of fn to a lattice.FuncCFG and returns it
// with its block count. Call sites are placed in the block holding them.
func FuncCFG(p *program.Program, fn *program.Function) (*lattice.FuncCFG, int) {
	blocks := cfg.Blocks(fn)
	edgeByIdx := make(map[int]string)
	for _, e := range Edges(p, fn) {
		if c := callee(e); c != "" {
			edgeByIdx[fn.AddrToIdx[e.FromPC]] = c
		}
	}

	lcfg := &lattice.FuncCFG{Name: fn.Name}
	for _, b := range blocks {
		lb := &lattice.BasicBlock{
			ID:    b.ID,
			Start: b.Start,
			End:   b.End,
			Term:  b.IsTerm,
		}
		for _, s := range b.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{BlockID: s.BlockID, Cond: s.Cond})
		}
		for idx := b.Start; idx < b.End; idx++ {
			if c, ok := edgeByIdx[idx]; ok {
				lb.Calls = append(lb.Calls, lattice.CallSite{Offset: idx, Callee: c})
			}
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg, len(blocks)
}
