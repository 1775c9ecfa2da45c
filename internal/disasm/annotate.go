package disasm

import "fmt"

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation. Receives the full Inst for access
// to both raw encoding and address.
type Annotator func(inst Inst) string

// TargetAnnotator names the destination of direct branches and calls.
func TargetAnnotator(lookup SymbolLookup) Annotator {
	return func(inst Inst) string {
		if lookup == nil {
			return ""
		}
		target, ok := isBL(inst.Raw, inst.Addr)
		if !ok {
			bi := DecodeBranch(inst.Raw, inst.Addr)
			if bi == nil || bi.IsRet {
				return ""
			}
			target = bi.Target
		}
		if name, found := lookup(target); found {
			return "-> " + name
		}
		return ""
	}
}

// PageContextAnnotator pre-computes the absolute addresses formed by
// ADRP followed by an ADD or a load/store off the same register, within
// a short window. ADR and literal loads are annotated directly.
func PageContextAnnotator(insts []Inst, lookup SymbolLookup) Annotator {
	anns := make(map[uint64]string)
	rt := NewRegTracker(8)

	name := func(addr uint64) string {
		if lookup != nil {
			if s, ok := lookup(addr); ok {
				return fmt.Sprintf("0x%x <%s>", addr, s)
			}
		}
		return fmt.Sprintf("0x%x", addr)
	}

	for _, inst := range insts {
		raw := inst.Raw
		switch {
		case isAdrp(raw):
			rd, page, _ := Adrp(raw, inst.Addr)
			rt.Tick()
			rt.DefineAddr(rd, page)
			anns[inst.Addr] = "page " + name(page)
			continue
		case isAdr(raw):
			_, target, _ := Adr(raw, inst.Addr)
			anns[inst.Addr] = name(target)
		}
		if _, target, _, ok := LdrLiteral(raw, inst.Addr); ok {
			anns[inst.Addr] = "=" + name(target)
		}
		if rd, rn, imm, _, ok := AddSubImm(raw); ok {
			if page, known := rt.Addr(rn); known {
				addr := uint64(int64(page) + imm)
				anns[inst.Addr] = name(addr)
				rt.Tick()
				rt.DefineAddr(rd, addr)
				continue
			}
		}
		if m, ok := MemImm(raw); ok && !m.Writeback {
			if page, known := rt.Addr(m.Rn); known {
				anns[inst.Addr] = "[" + name(uint64(int64(page)+m.Offset)) + "]"
			}
		}
		rt.Tick()
		for _, rd := range inst.Writes.Nums() {
			rt.Kill(rd)
		}
	}

	return func(inst Inst) string {
		return anns[inst.Addr]
	}
}

func isAdrp(raw uint32) bool { return raw&0x9F000000 == 0x90000000 }
func isAdr(raw uint32) bool  { return raw&0x9F000000 == 0x10000000 }
