package disasm

import (
	"fmt"
	"math/bits"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// RegSet is a set of general-purpose registers keyed by register number.
// Bits 0..30 are X0..X30 (a W view sets the same bit as its X parent),
// bit 31 is SP. Zero registers are never members.
type RegSet uint64

// RegSP is the register number used for the stack pointer.
const RegSP = 31

// Regs builds a set from register numbers.
func Regs(nums ...int) RegSet {
	var s RegSet
	for _, n := range nums {
		s = s.Add(n)
	}
	return s
}

// RegRange returns {Xlo..Xhi}.
func RegRange(lo, hi int) RegSet {
	var s RegSet
	for n := lo; n <= hi; n++ {
		s = s.Add(n)
	}
	return s
}

func (s RegSet) Add(n int) RegSet {
	if n < 0 || n > RegSP {
		return s
	}
	return s | 1<<uint(n)
}

func (s RegSet) Has(n int) bool {
	if n < 0 || n > RegSP {
		return false
	}
	return s&(1<<uint(n)) != 0
}

func (s RegSet) Union(o RegSet) RegSet { return s | o }
func (s RegSet) Minus(o RegSet) RegSet { return s &^ o }
func (s RegSet) And(o RegSet) RegSet   { return s & o }
func (s RegSet) Empty() bool           { return s == 0 }
func (s RegSet) Len() int              { return bits.OnesCount64(uint64(s)) }

// Nums lists the member register numbers in ascending order.
func (s RegSet) Nums() []int {
	var out []int
	for v := uint64(s); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}

// Names lists members as x0..x30/sp.
func (s RegSet) Names() []string {
	var out []string
	for _, n := range s.Nums() {
		out = append(out, RegName(n))
	}
	return out
}

func (s RegSet) String() string {
	return "{" + strings.Join(s.Names(), ",") + "}"
}

// RegName returns the 64-bit name of register n.
func RegName(n int) string {
	if n == RegSP {
		return "sp"
	}
	return fmt.Sprintf("x%d", n)
}

// RegName32 returns the 32-bit view name of register n.
func RegName32(n int) string {
	if n == RegSP {
		return "wsp"
	}
	return fmt.Sprintf("w%d", n)
}

// gpNum maps an arm64asm register to a general-purpose register number.
// sp selects how encoding 31 is read (SP for RegSP operands, zero otherwise).
func gpNum(r arm64asm.Reg, sp bool) (int, bool) {
	switch {
	case r >= arm64asm.W0 && r <= arm64asm.W30:
		return int(r - arm64asm.W0), true
	case r >= arm64asm.X0 && r <= arm64asm.X30:
		return int(r - arm64asm.X0), true
	case r == arm64asm.WZR || r == arm64asm.XZR:
		if sp {
			return RegSP, true
		}
	}
	return 0, false
}

// ParseReg parses x0..x30, w0..w30, sp, wsp, fp and lr into a register number.
func ParseReg(name string) (int, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "sp", "wsp":
		return RegSP, true
	case "fp":
		return 29, true
	case "lr":
		return 30, true
	}
	if len(name) < 2 || (name[0] != 'x' && name[0] != 'w') {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(name[1:], "%d", &n); err != nil || n < 0 || n > 30 {
		return 0, false
	}
	if fmt.Sprintf("%d", n) != name[1:] {
		return 0, false
	}
	return n, true
}

// argRegs returns the registers an argument names and, for writeback
// addressing modes, the base register it updates.
func argRegs(a arm64asm.Arg) (regs RegSet, writeback RegSet) {
	switch a := a.(type) {
	case arm64asm.Reg:
		if n, ok := gpNum(a, false); ok {
			regs = regs.Add(n)
		}
	case arm64asm.RegSP:
		if n, ok := gpNum(arm64asm.Reg(a), true); ok {
			regs = regs.Add(n)
		}
	case arm64asm.RegExtshiftAmount:
		// The register field is unexported; its name leads the rendering.
		name, _, _ := strings.Cut(a.String(), ",")
		if n, ok := ParseReg(name); ok && !strings.EqualFold(name, "sp") && !strings.EqualFold(name, "wsp") {
			regs = regs.Add(n)
		}
	case arm64asm.MemImmediate:
		if n, ok := gpNum(arm64asm.Reg(a.Base), true); ok {
			regs = regs.Add(n)
			if a.Mode == arm64asm.AddrPreIndex || a.Mode == arm64asm.AddrPostIndex || a.Mode == arm64asm.AddrPostReg {
				writeback = writeback.Add(n)
			}
		}
		if a.Mode == arm64asm.AddrPostReg {
			_, post, _ := strings.Cut(a.String(), "], ")
			if n, ok := ParseReg(post); ok {
				regs = regs.Add(n)
			}
		}
	case arm64asm.MemExtend:
		if n, ok := gpNum(arm64asm.Reg(a.Base), true); ok {
			regs = regs.Add(n)
		}
		if n, ok := gpNum(a.Index, false); ok {
			regs = regs.Add(n)
		}
	}
	return regs, writeback
}

// access computes the registers an instruction reads and writes.
func access(dec arm64asm.Inst) (reads, writes RegSet) {
	op := dec.Op
	name := op.String()

	// Number of leading arguments that are destinations.
	dests := 1
	readDest := false
	switch {
	case op == arm64asm.STXR || op == arm64asm.STLXR || op == arm64asm.STXRB ||
		op == arm64asm.STXRH || op == arm64asm.STLXRB || op == arm64asm.STLXRH ||
		op == arm64asm.STXP || op == arm64asm.STLXP:
		dests = 1
	case strings.HasPrefix(name, "ST"):
		dests = 0
	case op == arm64asm.CMP || op == arm64asm.CMN || op == arm64asm.TST ||
		op == arm64asm.CCMP || op == arm64asm.CCMN ||
		op == arm64asm.CBZ || op == arm64asm.CBNZ || op == arm64asm.TBZ || op == arm64asm.TBNZ ||
		op == arm64asm.BR || op == arm64asm.BLR || op == arm64asm.RET || op == arm64asm.MSR ||
		op == arm64asm.PRFM || op == arm64asm.PRFUM || op == arm64asm.B ||
		op == arm64asm.NOP || op == arm64asm.HINT || op == arm64asm.BRK || op == arm64asm.HLT ||
		op == arm64asm.DMB || op == arm64asm.DSB || op == arm64asm.ISB ||
		op == arm64asm.SYS || op == arm64asm.DC || op == arm64asm.IC || op == arm64asm.AT ||
		op == arm64asm.FCMP || op == arm64asm.FCMPE || op == arm64asm.FCCMP || op == arm64asm.FCCMPE:
		dests = 0
	case op == arm64asm.LDP || op == arm64asm.LDNP || op == arm64asm.LDPSW ||
		op == arm64asm.LDXP || op == arm64asm.LDAXP:
		dests = 2
	case op == arm64asm.MOVK || op == arm64asm.BFI || op == arm64asm.BFM || op == arm64asm.BFXIL:
		readDest = true
	}

	for i, a := range dec.Args {
		if a == nil {
			break
		}
		r, wb := argRegs(a)
		writes = writes.Union(wb)
		if i < dests {
			writes = writes.Union(r)
			if readDest {
				reads = reads.Union(r)
			}
			continue
		}
		reads = reads.Union(r)
	}

	switch op {
	case arm64asm.BL:
		writes = writes.Add(30)
	case arm64asm.BLR:
		writes = writes.Add(30)
	}
	return reads, writes
}
