package disasm

import "testing"

func TestAddSubImm(t *testing.T) {
	tests := []struct {
		raw    uint32
		rd, rn int
		imm    int64
		wide   bool
	}{
		{0x91004020, 0, 1, 0x10, true},   // add x0, x1, #0x10
		{0xD1004020, 0, 1, -0x10, true},  // sub x0, x1, #0x10
		{0x91400421, 1, 1, 0x1000, true}, // add x1, x1, #1, lsl #12
		{0x110043E2, 2, 31, 0x10, false}, // add w2, wsp, #0x10
	}
	for _, tc := range tests {
		rd, rn, imm, wide, ok := AddSubImm(tc.raw)
		if !ok {
			t.Errorf("AddSubImm(0x%08x) did not match", tc.raw)
			continue
		}
		if rd != tc.rd || rn != tc.rn || imm != tc.imm || wide != tc.wide {
			t.Errorf("AddSubImm(0x%08x) = (%d, %d, %d, %v), want (%d, %d, %d, %v)",
				tc.raw, rd, rn, imm, wide, tc.rd, tc.rn, tc.imm, tc.wide)
		}
	}

	// ADDS (flag-setting) is excluded.
	if _, _, _, _, ok := AddSubImm(0xB1004020); ok {
		t.Error("AddSubImm matched adds")
	}
}

func TestCmpImm(t *testing.T) {
	rn, imm, ok := CmpImm(0x7100101F) // cmp w0, #4
	if !ok || rn != 0 || imm != 4 {
		t.Errorf("CmpImm = (%d, %d, %v), want (0, 4, true)", rn, imm, ok)
	}
	// subs w1, w0, #4 writes a register, not a compare.
	if _, _, ok := CmpImm(0x71001001); ok {
		t.Error("CmpImm matched subs with a destination")
	}
}

func TestAddExtReg(t *testing.T) {
	// add x1, x2, w1, sxtb #2
	rd, rn, rm, ext, amount, ok := AddExtReg(0x8B218841)
	if !ok {
		t.Fatal("AddExtReg did not match")
	}
	if rd != 1 || rn != 2 || rm != 1 || ext != SXTB || amount != 2 {
		t.Errorf("got rd=%d rn=%d rm=%d ext=%s amount=%d", rd, rn, rm, ext, amount)
	}
	if !ext.Signed() {
		t.Error("sxtb should be signed")
	}
}

func TestAdrpAdr(t *testing.T) {
	rd, page, ok := Adrp(0xB0000000, 0x1234) // adrp x0, +1 page (immlo=1)
	if !ok || rd != 0 || page != 0x2000 {
		t.Errorf("Adrp = (%d, 0x%x, %v), want (0, 0x2000, true)", rd, page, ok)
	}
	rd, page, ok = Adrp(0x90000023, 0x1234) // adrp x3, +4 pages (immhi=1)
	if !ok || rd != 3 || page != 0x5000 {
		t.Errorf("Adrp = (%d, 0x%x, %v), want (3, 0x5000, true)", rd, page, ok)
	}
	rd, target, ok := Adr(0x10000042, 0x1000) // adr x2, #+8
	if !ok || rd != 2 || target != 0x1008 {
		t.Errorf("Adr = (%d, 0x%x, %v), want (2, 0x1008, true)", rd, target, ok)
	}
	// Negative ADR: imm = -4 -> immlo=0, immhi=0x7FFFF.
	raw := uint32(0x10000000 | (0x7FFFF << 5) | 3)
	_, target, _ = Adr(raw, 0x1000)
	if target != 0xFFC {
		t.Errorf("negative Adr target = 0x%x, want 0xffc", target)
	}
}

func TestLdrLiteral(t *testing.T) {
	rt, target, size, ok := LdrLiteral(0x58000040, 0x1000) // ldr x0, #0x1008
	if !ok || rt != 0 || target != 0x1008 || size != 8 {
		t.Errorf("LdrLiteral = (%d, 0x%x, %d, %v)", rt, target, size, ok)
	}
	_, _, size, ok = LdrLiteral(0x18000040, 0x1000) // ldr w0, literal
	if !ok || size != 4 {
		t.Errorf("32-bit literal size = %d, ok=%v", size, ok)
	}
}

func TestMemImm(t *testing.T) {
	tests := []struct {
		name string
		raw  uint32
		want MemOp
	}{
		{"ldr x0, [x29, #16]", 0xF9400BA0, MemOp{Rt: 0, Rn: 29, Offset: 16, Size: 8, Load: true}},
		{"str x1, [x29, #16]", 0xF9000BA1, MemOp{Rt: 1, Rn: 29, Offset: 16, Size: 8}},
		{"ldrb w3, [x2, #5]", 0x39401443, MemOp{Rt: 3, Rn: 2, Offset: 5, Size: 1, Load: true}},
		{"ldrsw x0, [x1, #8]", 0xB9800820, MemOp{Rt: 0, Rn: 1, Offset: 8, Size: 4, Load: true, Signed: true}},
		{"ldr x0, [sp, #-16]!", 0xF85F0FE0, MemOp{Rt: 0, Rn: 31, Offset: -16, Size: 8, Load: true, Writeback: true}},
		{"ldur x0, [x1, #-8]", 0xF85F8020, MemOp{Rt: 0, Rn: 1, Offset: -8, Size: 8, Load: true}},
	}
	for _, tc := range tests {
		got, ok := MemImm(tc.raw)
		if !ok {
			t.Errorf("%s: no match", tc.name)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.name, got, tc.want)
		}
	}
	if _, ok := MemImm(0xF9800020); ok { // prfm
		t.Error("MemImm matched prfm")
	}
}

func TestMemReg(t *testing.T) {
	// ldrb w1, [x1, w0, uxtw]
	m, ok := MemReg(0x38604821)
	if !ok {
		t.Fatal("MemReg did not match")
	}
	if m.Rt != 1 || m.Rn != 1 || m.Rm != 0 || m.Size != 1 || !m.Load || m.Ext != UXTW || m.Scaled {
		t.Errorf("got %+v", m)
	}
}

func TestMovRegAndBranchReg(t *testing.T) {
	rd, rm, ok := MovReg(0xAA0103E0)
	if !ok || rd != 0 || rm != 1 {
		t.Errorf("MovReg = (%d, %d, %v)", rd, rm, ok)
	}
	rn, ok := BranchReg(0xD61F0020)
	if !ok || rn != 1 {
		t.Errorf("BranchReg = (%d, %v)", rn, ok)
	}
	if _, ok := BranchReg(0xD63F0020); ok {
		t.Error("BranchReg matched blr")
	}
}

func TestIsTrap(t *testing.T) {
	for _, raw := range []uint32{0xD4200000, 0xD4207D00, 0xD4400000, 0x00000000, 0x0000BEEF} {
		if !IsTrap(raw) {
			t.Errorf("IsTrap(0x%08x) = false", raw)
		}
	}
	for _, raw := range []uint32{0xD503201F, 0xD65F03C0, 0x94000001} {
		if IsTrap(raw) {
			t.Errorf("IsTrap(0x%08x) = true", raw)
		}
	}
}

func TestBranchRange(t *testing.T) {
	tests := []struct {
		raw  uint32
		kind BranchKind
		rng  int
	}{
		{0x36000080, BranchTB, 1 << 13},
		{0xB4000080, BranchCB, 1 << 18},
		{0x54000080, BranchCond, 1 << 18},
		{0x14000004, BranchB, 1 << 25},
	}
	for _, tc := range tests {
		bi := DecodeBranch(tc.raw, 0x1000)
		if bi == nil {
			t.Fatalf("0x%08x not a branch", tc.raw)
		}
		if bi.Kind != tc.kind || bi.Range() != tc.rng {
			t.Errorf("0x%08x: kind=%d range=%d, want kind=%d range=%d", tc.raw, bi.Kind, bi.Range(), tc.kind, tc.rng)
		}
	}
}
