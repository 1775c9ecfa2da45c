// Package callgraph exports recovered control flow as lattice graphs.
package callgraph

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/zboralski/lattice"

	"armrw/internal/disasm"
	"armrw/internal/program"
)

// SlotWindow bounds how far back the register feeding a blr is traced.
const SlotWindow = 8

// Lookup names function entries, import stubs and dynamic relocation
// slots of p.
func Lookup(p *program.Program) disasm.SymbolLookup {
	return func(addr uint64) (string, bool) {
		if fn, ok := p.Functions[addr]; ok {
			return fn.Name, true
		}
		if name, ok := p.ImportTarget(addr); ok {
			return name, true
		}
		return p.ImportAt(addr)
	}
}

// Edges extracts the call sites of fn: bl, blr and b leaving the function.
func Edges(p *program.Program, fn *program.Function) []disasm.CallEdge {
	insts := lo.Map(fn.Instructions, func(inst *program.Instruction, _ int) disasm.Inst {
		return inst.Decoded()
	})
	return disasm.ExtractCallEdges(insts, Lookup(p), fn.Contains, SlotWindow)
}

func callee(e disasm.CallEdge) string {
	switch {
	case e.TargetName != "":
		return e.TargetName
	case e.Via != "":
		return e.Via
	case e.Kind == "blr":
		return ""
	}
	return fmt.Sprintf("0x%x", e.TargetPC)
}

// CallGraph builds one node per function and one edge per named callee.
// A blr whose register source is unknown is dropped.
func CallGraph(p *program.Program) *lattice.Graph {
	g := &lattice.Graph{}
	for _, fn := range p.Funcs() {
		g.Nodes = append(g.Nodes, fn.Name)
		for _, e := range Edges(p, fn) {
			if c := callee(e); c != "" {
				g.Edges = append(g.Edges, lattice.Edge{Caller: fn.Name, Callee: c})
			}
		}
	}
	g.Dedup()
	return g
}
