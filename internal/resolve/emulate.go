package resolve

import (
	"armrw/internal/disasm"
	"armrw/internal/program"
	"armrw/internal/symexpr"
)

const fp = 29

// clobbered holds the registers a call may change.
var clobbered = disasm.RegRange(0, 18).Add(30)

func isFrameBase(r int) bool { return r == fp || r == disasm.RegSP }

// emulate applies inst backwards to p.expr. It reports false when inst
// overwrites a tracked register in a way the emulator does not model.
func emulate(p *path, inst *program.Instruction) (symexpr.Expr, bool) {
	e := p.expr
	raw := inst.Raw
	tracked := symexpr.Regs(e)

	// A spill to a frame slot the expression reloads from.
	if m, ok := disasm.MemImm(raw); ok && !m.Load && !m.Writeback && isFrameBase(m.Rn) {
		slot := symexpr.Simplify(symexpr.Add{X: symexpr.Reg{N: m.Rn}, Y: symexpr.Imm{V: m.Offset}})
		var v symexpr.Expr = symexpr.Reg{N: m.Rt}
		if m.Rt == 31 {
			v = symexpr.Imm{V: 0} // xzr
		}
		if out, ok := symexpr.ReplaceLoad(e, slot, v); ok {
			return out, true
		}
	}

	if disasm.IsCall(raw) && !tracked.And(clobbered).Empty() {
		return e, false
	}
	if tracked.And(inst.Writes).Empty() {
		return e, true
	}

	if rd, rn, imm, _, ok := disasm.AddSubImm(raw); ok {
		return symexpr.Substitute(e, rd, symexpr.Add{X: symexpr.Reg{N: rn}, Y: symexpr.Imm{V: imm}}), true
	}
	if rd, rn, rm, ext, amount, ok := disasm.AddExtReg(raw); ok {
		p.signed = p.signed || ext.Signed()
		v := symexpr.Add{X: symexpr.Reg{N: rn}, Y: symexpr.Shift{X: symexpr.Reg{N: rm}, Amount: amount}}
		return symexpr.Substitute(e, rd, v), true
	}
	if rd, rn, rm, shift, amount, ok := disasm.AddShiftedReg(raw); ok && shift == 0 {
		v := symexpr.Add{X: symexpr.Reg{N: rn}, Y: symexpr.Shift{X: symexpr.Reg{N: rm}, Amount: amount}}
		return symexpr.Substitute(e, rd, v), true
	}
	if rd, rm, ok := disasm.MovReg(raw); ok {
		if rm == 31 {
			return symexpr.Substitute(e, rd, symexpr.Imm{V: 0}), true
		}
		return symexpr.Substitute(e, rd, symexpr.Reg{N: rm}), true
	}
	if rd, page, ok := disasm.Adrp(raw, inst.Addr); ok {
		return symexpr.Substitute(e, rd, symexpr.Imm{V: int64(page)}), true
	}
	if rd, target, ok := disasm.Adr(raw, inst.Addr); ok {
		return symexpr.Substitute(e, rd, symexpr.Imm{V: int64(target)}), true
	}
	if rt, target, size, ok := disasm.LdrLiteral(raw, inst.Addr); ok {
		v := symexpr.Deref{Addr: symexpr.Imm{V: int64(target)}, Size: size, Signed: raw>>30 == 2}
		return symexpr.Substitute(e, rt, v), true
	}
	if m, ok := disasm.MemImm(raw); ok && m.Load {
		if m.Writeback && tracked.Has(m.Rn) {
			e = symexpr.Substitute(e, m.Rn, symexpr.Add{X: symexpr.Reg{N: m.Rn}, Y: symexpr.Imm{V: m.Offset}})
		}
		var addr symexpr.Expr = symexpr.Reg{N: m.Rn}
		if !m.Post {
			addr = symexpr.Add{X: addr, Y: symexpr.Imm{V: m.Offset}}
		}
		return symexpr.Substitute(e, m.Rt, symexpr.Deref{Addr: addr, Size: m.Size, Signed: m.Signed}), true
	}
	if m, ok := disasm.MemReg(raw); ok && m.Load {
		amount := 0
		if m.Scaled {
			for s := m.Size; s > 1; s >>= 1 {
				amount++
			}
		}
		addr := symexpr.Add{X: symexpr.Reg{N: m.Rn}, Y: symexpr.Shift{X: symexpr.Reg{N: m.Rm}, Amount: amount}}
		return symexpr.Substitute(e, m.Rt, symexpr.Deref{Addr: addr, Size: m.Size, Signed: m.Signed}), true
	}
	return e, false
}
