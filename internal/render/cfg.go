package render

import (
	"fmt"
	"strings"

	"armrw/internal/cfg"
	"armrw/internal/disasm"
	"armrw/internal/program"
)

// maxOperands bounds the operand text of one instruction line.
const maxOperands = 48

// Options selects optional CFG annotations.
type Options struct {
	// Free prints the free registers at each block entry. It needs
	// liveness results on the function.
	Free bool
}

// CFGDOT renders the basic blocks of fn as DOT. The entry block is
// highlighted, conditional edges use T/F colors and edges leaving a
// recovered jump table are drawn as switch cases.
func CFGDOT(fn *program.Function, blocks []cfg.Block, t Theme, opts Options) string {
	if len(blocks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("digraph cfg {\n")
	b.WriteString("  rankdir=TB;\n")
	b.WriteString("  nodesep=0.3;\n")
	b.WriteString("  ranksep=0.4;\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  node [shape=rect, style=filled, fillcolor=%q, color=%q, penwidth=0.5, fontname=\"Courier,monospace\", fontsize=8, fontcolor=%q, margin=\"0.08,0.04\"];\n",
		t.NodeFill, t.NodeBorder, t.TextColor)
	b.WriteString("  edge [penwidth=0.7, arrowsize=0.5, arrowhead=vee];\n")
	b.WriteString("  labelloc=t;\n  labeljust=l;\n")
	fmt.Fprintf(&b, "  label=<<font face=\"Helvetica Neue,Helvetica\" point-size=\"9\" color=\"%s\">%s @ 0x%x</font>>;\n",
		t.TextColor, dotEscape(fn.Name), fn.Start)
	b.WriteByte('\n')

	for _, blk := range blocks {
		var lines []string
		if opts.Free {
			free := fn.FreeRegisters(blk.Start)
			text := "free: -"
			if !free.Empty() {
				text = "free: " + strings.Join(free.Names(), " ")
			}
			lines = append(lines, fmt.Sprintf("<font color=\"%s\">%s</font>", t.FreeText, dotEscape(text)))
		}
		var body []string
		for i := blk.Start; i < blk.End && i < len(fn.Instructions); i++ {
			inst := fn.Instructions[i]
			line := fmt.Sprintf("0x%x: %s %s", inst.Addr, inst.Mnemonic, truncLabel(inst.Operands, maxOperands))
			body = append(body, dotEscape(strings.TrimSpace(line)))
		}
		if len(body) > 12 {
			kept := append(body[:5:5], fmt.Sprintf("... (%d more)", len(body)-10))
			body = append(kept, body[len(body)-5:]...)
		}
		lines = append(lines, body...)

		label := strings.Join(lines, "<br align=\"left\"/>") + "<br align=\"left\"/>"
		attrs := ""
		if blk.IsEntry {
			attrs = fmt.Sprintf(", penwidth=1.5, color=%q", t.EntryBorder)
		}
		if blk.IsTerm {
			attrs += fmt.Sprintf(", fillcolor=%q", t.TermFill)
		}
		fmt.Fprintf(&b, "  bb%d [label=<%s>%s];\n", blk.ID, label, attrs)
	}
	b.WriteByte('\n')

	for _, blk := range blocks {
		last := fn.Instructions[blk.End-1]
		_, isBR := disasm.BranchReg(last.Raw)
		switchEdge := isBR && hasJumptable(fn, last.Addr)
		for _, s := range blk.Succs {
			from, to := fmt.Sprintf("bb%d", blk.ID), fmt.Sprintf("bb%d", s.BlockID)
			switch {
			case switchEdge:
				fmt.Fprintf(&b, "  %s -> %s [color=%q, style=dashed];\n", from, to, t.EdgeSwitch)
			case s.Cond == "T":
				fmt.Fprintf(&b, "  %s -> %s [color=%q, label=<<font point-size=\"7\" color=\"%s\">T</font>>];\n",
					from, to, t.EdgeTaken, t.EdgeTaken)
			case s.Cond == "F":
				fmt.Fprintf(&b, "  %s -> %s [color=%q, label=<<font point-size=\"7\" color=\"%s\">F</font>>];\n",
					from, to, t.EdgeFallthrough, t.EdgeFallthrough)
			default:
				fmt.Fprintf(&b, "  %s -> %s [color=%q];\n", from, to, t.EdgeDirect)
			}
		}
	}

	b.WriteString("}\n")
	return b.String()
}

func hasJumptable(fn *program.Function, br uint64) bool {
	for _, jt := range fn.Jumptables {
		if jt.BranchAddr == br {
			return true
		}
	}
	return false
}
