package disasm

import "testing"

func TestDecodeBranch(t *testing.T) {
	tests := []struct {
		name   string
		raw    uint32
		pc     uint64
		kind   BranchKind
		target uint64
		cond   bool
		rng    int
	}{
		{"ret", 0xD65F03C0, 0x1000, BranchRet, 0, false, 0},
		{"ret x1", 0xD65F0020, 0x1000, BranchRet, 0, false, 0},
		{"b forward", 0x14000040, 0x1000, BranchB, 0x1100, false, 1 << 25},
		{"b backward", 0x17FFFFFC, 0x1000, BranchB, 0x0FF0, false, 1 << 25},
		{"b.eq", 0x54000100, 0x2000, BranchCond, 0x2020, true, 1 << 18},
		{"b.ne backward", 0x54FFFFC1, 0x2000, BranchCond, 0x1FF8, true, 1 << 18},
		{"cbz x0", 0xB4000200, 0x3000, BranchCB, 0x3040, true, 1 << 18},
		{"cbnz w3", 0x35000043, 0x3000, BranchCB, 0x3008, true, 1 << 18},
		{"tbz w0, #0", 0x36000080, 0x4000, BranchTB, 0x4010, true, 1 << 13},
		{"tbnz x5, #33 backward", 0xB70FFFE5, 0x4000, BranchTB, 0x3FFC, true, 1 << 13},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bi := DecodeBranch(tc.raw, tc.pc)
			if bi == nil {
				t.Fatalf("DecodeBranch(0x%08x) = nil", tc.raw)
			}
			if bi.Kind != tc.kind {
				t.Errorf("kind = %d, want %d", bi.Kind, tc.kind)
			}
			if bi.IsRet != (tc.kind == BranchRet) {
				t.Errorf("IsRet = %v", bi.IsRet)
			}
			if bi.Target != tc.target {
				t.Errorf("target = 0x%x, want 0x%x", bi.Target, tc.target)
			}
			if bi.Cond != tc.cond {
				t.Errorf("cond = %v, want %v", bi.Cond, tc.cond)
			}
			if bi.Range() != tc.rng {
				t.Errorf("range = %d, want %d", bi.Range(), tc.rng)
			}
			if !IsBranchTerminator(tc.raw) {
				t.Error("should terminate a block")
			}
		})
	}
}

func TestDecodeBranchRejects(t *testing.T) {
	for name, raw := range map[string]uint32{
		"add": 0x8B020020, // add x0, x1, x2
		"bl":  0x94000100, // calls return to the next instruction
		"blr": 0xD63F0020,
		"br":  0xD61F0000, // resolved separately
	} {
		if bi := DecodeBranch(raw, 0x1000); bi != nil {
			t.Errorf("%s: DecodeBranch = %+v, want nil", name, bi)
		}
		if IsBranchTerminator(raw) {
			t.Errorf("%s should not terminate a block", name)
		}
	}
}

// The reach of each kind is the largest positive immediate plus one.
func TestBranchRangeMatchesField(t *testing.T) {
	for kind, bits := range map[BranchKind]int{BranchB: 26, BranchCond: 19, BranchCB: 19, BranchTB: 14} {
		bi := &BranchInfo{Kind: kind}
		hi := signExtend(uint32(1)<<(bits-1)-1, bits)
		if int(hi)+1 != bi.Range() {
			t.Errorf("kind %d: range %d, field max %d", kind, bi.Range(), hi)
		}
	}
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		val  uint32
		bits int
		want int32
	}{
		{0x04, 19, 4},
		{0x7FFFF, 19, -1},
		{0x3FFF, 14, -1},
		{0x2000, 14, -8192},
		{0x03FFFFFC, 26, -4},
	}
	for _, tc := range tests {
		got := signExtend(tc.val, tc.bits)
		if got != tc.want {
			t.Errorf("signExtend(0x%x, %d) = %d, want %d", tc.val, tc.bits, got, tc.want)
		}
	}
}
