package disasm

import "fmt"

// CallEdge represents a call site extracted from disassembly.
type CallEdge struct {
	FromPC     uint64 `json:"from_pc"`
	Kind       string `json:"kind"`                // "bl", "blr" or "b" (tail call)
	TargetPC   uint64 `json:"target_pc,omitempty"` // resolved VA for bl/b
	TargetName string `json:"target_name,omitempty"`
	Reg        string `json:"reg,omitempty"` // register for blr (e.g. "x16")
	Via        string `json:"via,omitempty"` // provenance: "[0x11fe8] printf", "[0x11fe8]", ""
}

// RegDef records the last definition of a register within the window.
type RegDef struct {
	Annotation string // e.g. "[0x11fe8] printf"
	Addr       uint64 // address value held, when HasAddr
	HasAddr    bool
	Age        int // instructions since definition
}

// RegTracker tracks last-def provenance for GP registers X0-X30.
// Definitions older than the window are expired.
type RegTracker struct {
	defs [31]RegDef // X0..X30
	w    int
}

// NewRegTracker creates a tracker with the given window size.
func NewRegTracker(w int) *RegTracker {
	return &RegTracker{w: w}
}

// Reset clears all tracked definitions. Call between functions.
func (rt *RegTracker) Reset() {
	for i := range rt.defs {
		rt.defs[i] = RegDef{}
	}
}

// Tick ages all definitions by 1 and expires those beyond the window.
func (rt *RegTracker) Tick() {
	for i := range rt.defs {
		if rt.defs[i].Annotation != "" || rt.defs[i].HasAddr {
			rt.defs[i].Age++
			if rt.defs[i].Age > rt.w {
				rt.defs[i] = RegDef{}
			}
		}
	}
}

// Define records that register rd was defined with the given annotation.
func (rt *RegTracker) Define(rd int, annotation string) {
	if rd < 0 || rd > 30 {
		return
	}
	rt.defs[rd] = RegDef{Annotation: annotation}
}

// DefineAddr records that register rd holds a known address.
func (rt *RegTracker) DefineAddr(rd int, addr uint64) {
	if rd < 0 || rd > 30 {
		return
	}
	rt.defs[rd] = RegDef{Addr: addr, HasAddr: true}
}

// Lookup returns the annotation for register rd, or "" if expired/unknown.
func (rt *RegTracker) Lookup(rd int) string {
	if rd < 0 || rd > 30 {
		return ""
	}
	return rt.defs[rd].Annotation
}

// Addr returns the address held by rd, if known.
func (rt *RegTracker) Addr(rd int) (uint64, bool) {
	if rd < 0 || rd > 30 {
		return 0, false
	}
	return rt.defs[rd].Addr, rt.defs[rd].HasAddr
}

// Kill clears the definition for a register (e.g. when overwritten by a
// non-annotated instruction).
func (rt *RegTracker) Kill(rd int) {
	if rd < 0 || rd > 30 {
		return
	}
	rt.defs[rd] = RegDef{}
}

// isBL detects ARM64 BL (branch with link) instructions.
// Encoding: 1 | 00101 | imm26
// Mask: 0xFC000000, Value: 0x94000000
// Returns the target address (sign-extended imm26 * 4 + PC).
func isBL(raw uint32, pc uint64) (target uint64, ok bool) {
	if raw&0xFC000000 != 0x94000000 {
		return 0, false
	}
	imm26 := int32(raw & 0x03FFFFFF)
	if imm26&(1<<25) != 0 {
		imm26 |= ^int32(0x03FFFFFF)
	}
	target = uint64(int64(pc) + int64(imm26)*4)
	return target, true
}

// isBLR detects ARM64 BLR (branch with link to register) instructions.
// Encoding: 1101011 | 0 | 0 | 01 | 11111 | 0000 | 0 | 0 | Rn | 00000
// Mask: 0xFFFFFC1F, Value: 0xD63F0000
// Returns the register number.
func isBLR(raw uint32) (rn int, ok bool) {
	if raw&0xFFFFFC1F != 0xD63F0000 {
		return 0, false
	}
	rn = int((raw >> 5) & 0x1F)
	return rn, true
}

// ExtractCallEdges scans instructions for BL, BLR and tail-call B sites.
// BLR targets are described by the memory slot the register was loaded
// from when an ADRP/LDR pair within the window w formed it; symbols names
// both direct targets and slots. inFunc reports whether a B target stays
// inside the current function (nil treats every B as local).
func ExtractCallEdges(insts []Inst, symbols SymbolLookup, inFunc func(uint64) bool, w int) []CallEdge {
	rt := NewRegTracker(w)
	var edges []CallEdge

	name := func(addr uint64) string {
		if symbols != nil {
			if s, ok := symbols(addr); ok {
				return s
			}
		}
		return ""
	}

	for _, inst := range insts {
		if target, ok := isBL(inst.Raw, inst.Addr); ok {
			edges = append(edges, CallEdge{
				FromPC:     inst.Addr,
				Kind:       "bl",
				TargetPC:   target,
				TargetName: name(target),
			})
			rt.Tick()
			rt.Kill(30)
			continue
		}

		if rn, ok := isBLR(inst.Raw); ok {
			edges = append(edges, CallEdge{
				FromPC: inst.Addr,
				Kind:   "blr",
				Reg:    fmt.Sprintf("x%d", rn),
				Via:    rt.Lookup(rn),
			})
			rt.Tick()
			rt.Kill(30)
			continue
		}

		if target, ok := IsBranchImm(inst.Raw, inst.Addr); ok && inFunc != nil && !inFunc(target) {
			edges = append(edges, CallEdge{
				FromPC:     inst.Addr,
				Kind:       "b",
				TargetPC:   target,
				TargetName: name(target),
			})
			rt.Tick()
			continue
		}

		if rd, page, ok := Adrp(inst.Raw, inst.Addr); ok {
			rt.Tick()
			rt.DefineAddr(rd, page)
			continue
		}

		if rd, rn, imm, _, ok := AddSubImm(inst.Raw); ok {
			if base, known := rt.Addr(rn); known {
				rt.Tick()
				rt.DefineAddr(rd, uint64(int64(base)+imm))
				continue
			}
		}

		// Slot load: LDR Xt, [Xn, #off] with Xn holding a known address.
		if m, ok := MemImm(inst.Raw); ok && m.Load && m.Size == 8 && !m.Writeback {
			if base, known := rt.Addr(m.Rn); known {
				slot := uint64(int64(base) + m.Offset)
				via := fmt.Sprintf("[0x%x]", slot)
				if s := name(slot); s != "" {
					via += " " + s
				}
				rt.Tick()
				rt.Define(m.Rt, via)
				continue
			}
		}

		rt.Tick()
		for _, rd := range inst.Writes.Nums() {
			rt.Kill(rd)
		}
	}

	return edges
}
