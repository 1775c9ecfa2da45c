package cfg

import (
	"sort"

	"github.com/bits-and-blooms/bitset"

	"armrw/internal/disasm"
	"armrw/internal/program"
)

// Block is a maximal run of instructions with a single entry point.
type Block struct {
	ID      int
	Start   int    // index into Function.Instructions (inclusive)
	End     int    // index into Function.Instructions (exclusive)
	Succs   []Succ // successor edges
	IsEntry bool
	IsTerm  bool // control leaves the function after the last instruction
}

// Succ describes a control-flow successor edge.
type Succ struct {
	BlockID int
	Cond    string // "" = unconditional, "T" = taken/true, "F" = fallthrough/false
}

// Blocks partitions a function whose Nexts are built into basic blocks.
// The algorithm:
//  1. Find block leaders: index 0, basic-block starts, edge targets other
//     than the fallthrough, instructions after a control transfer.
//  2. Partition instructions into blocks by leaders.
//  3. Compute successor edges from each block's last instruction.
func Blocks(fn *program.Function) []Block {
	n := len(fn.Instructions)
	if n == 0 || len(fn.Nexts) != n {
		return nil
	}

	// Pass 1: Identify block leaders.
	leaders := map[int]bool{0: true}
	for addr := range fn.BBStarts {
		if idx, ok := fn.AddrToIdx[addr]; ok {
			leaders[idx] = true
		}
	}
	for i := range fn.Instructions {
		if !plainFlow(fn, i) && i+1 < n {
			leaders[i+1] = true
		}
		for _, t := range fn.Successors(i) {
			if t != i+1 {
				leaders[t] = true
			}
		}
	}

	sorted := make([]int, 0, len(leaders))
	for idx := range leaders {
		sorted = append(sorted, idx)
	}
	sort.Ints(sorted)

	// Pass 2: Partition into blocks.
	blocks := make([]Block, len(sorted))
	leaderToBlock := make(map[int]int, len(sorted))
	for i, start := range sorted {
		end := n
		if i+1 < len(sorted) {
			end = sorted[i+1]
		}
		blocks[i] = Block{ID: i, Start: start, End: end, IsEntry: start == 0}
		leaderToBlock[start] = i
	}

	// Pass 3: Compute successors.
	for i := range blocks {
		blk := &blocks[i]
		last := blk.End - 1
		inst := fn.Instructions[last]
		conditional := false
		if bi := disasm.DecodeBranch(inst.Raw, inst.Addr); bi != nil && bi.Cond {
			conditional = true
		}
		for _, e := range fn.Nexts[last] {
			switch {
			case e.Kind == program.EdgeRet:
				blk.IsTerm = true
			case e.Kind == program.EdgeUndef && inst.LeavesFunction:
				blk.IsTerm = true
			case e.IsIndex():
				bid, ok := leaderToBlock[e.Index]
				if !ok {
					continue
				}
				cond := ""
				if conditional {
					cond = "T"
					if e.Index == last+1 {
						cond = "F"
					}
				}
				blk.Succs = append(blk.Succs, Succ{BlockID: bid, Cond: cond})
			}
		}
		if len(fn.Nexts[last]) == 0 {
			blk.IsTerm = true
		}
		if inst.LeavesFunction {
			blk.IsTerm = true
		}
	}

	return blocks
}

// plainFlow reports whether instruction i simply falls through to i+1.
// Calls count as plain flow.
func plainFlow(fn *program.Function, i int) bool {
	sawNext := false
	for _, e := range fn.Nexts[i] {
		switch {
		case e.Kind == program.EdgeCall:
		case e.IsIndex() && e.Index == i+1:
			sawNext = true
		default:
			return false
		}
	}
	return sawNext
}

// Reachable returns the instruction indices reachable from the entry
// along index edges.
func Reachable(fn *program.Function) *bitset.BitSet {
	seen := bitset.New(uint(len(fn.Instructions)))
	if len(fn.Instructions) == 0 || len(fn.Nexts) != len(fn.Instructions) {
		return seen
	}
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen.Test(uint(i)) {
			continue
		}
		seen.Set(uint(i))
		for _, t := range fn.Successors(i) {
			if !seen.Test(uint(t)) {
				stack = append(stack, t)
			}
		}
	}
	return seen
}
