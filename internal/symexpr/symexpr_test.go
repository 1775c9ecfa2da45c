package symexpr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armrw/internal/disasm"
)

func TestSimplify(t *testing.T) {
	tests := []struct {
		name string
		in   Expr
		want Expr
	}{
		{"fold", Add{Imm{0x1000}, Imm{0x20}}, Imm{0x1020}},
		{"zero", Add{Reg{1}, Imm{0}}, Reg{1}},
		{"imm right", Add{Imm{8}, Reg{1}}, Add{Reg{1}, Imm{8}}},
		{"nested", Add{Add{Reg{1}, Imm{8}}, Imm{8}}, Add{Reg{1}, Imm{16}}},
		{"shift imm", Shift{Imm{3}, 2}, Imm{12}},
		{"shift zero", Shift{Reg{2}, 0}, Reg{2}},
		{"shift shift", Shift{Shift{Reg{2}, 1}, 2}, Shift{Reg{2}, 3}},
		{"deref", Deref{Addr: Add{Imm{0x1000}, Imm{8}}, Size: 8}, Deref{Addr: Imm{0x1008}, Size: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Simplify(tt.in))
		})
	}
}

func TestSubstituteAndRegs(t *testing.T) {
	// x0 = x1 + (x0 << 2)
	e := Add{Reg{1}, Shift{Reg{0}, 2}}
	assert.Equal(t, disasm.Regs(0, 1), Regs(e))

	e2 := Substitute(e, 1, Imm{0x2000})
	assert.Equal(t, disasm.Regs(0), Regs(e2))
	assert.Equal(t, "(0x2000 + (x0 << 2))", e2.String())
}

// gccSwitch is the expression the resolver builds for
//
//	adrp x1, table; add x1, x1, :lo12:table
//	ldrb w0, [x1, w0, uxtw]
//	adr  x1, base
//	add  x0, x1, w0, sxtb #2
func gccSwitch() Expr {
	load := Deref{Addr: Add{Add{Imm{0x4000}, Imm{0x80}}, Reg{0}}, Size: 1}
	return Add{Imm{0x1040}, Shift{load, 2}}
}

func TestMatchSwitch(t *testing.T) {
	sw, ok := MatchSwitch(gccSwitch())
	require.True(t, ok)
	assert.Equal(t, uint64(0x1040), sw.Base)
	assert.Equal(t, uint64(0x4080), sw.Table)
	assert.Equal(t, 1, sw.EntrySize)
	assert.Equal(t, 2, sw.Shift)
	assert.Equal(t, Reg{0}, sw.Index)
}

func TestMatchSwitchHalfwordsNoShift(t *testing.T) {
	// ldrsh x9, [x8, x9, lsl #1]; add x9, x8, x9
	load := Deref{Addr: Add{Imm{0x4000}, Shift{Reg{9}, 1}}, Size: 2, Signed: true}
	sw, ok := MatchSwitch(Add{load, Imm{0x4000}})
	require.True(t, ok)
	assert.Equal(t, uint64(0x4000), sw.Base)
	assert.Equal(t, 2, sw.EntrySize)
	assert.True(t, sw.Signed)
	assert.Equal(t, 0, sw.Shift)
}

func TestMatchSwitchRejects(t *testing.T) {
	for _, e := range []Expr{
		Reg{0},
		Imm{0x1000},
		Add{Reg{1}, Imm{4}},
		// Scale does not match the entry width.
		Add{Deref{Addr: Add{Imm{0x4000}, Shift{Reg{9}, 3}}, Size: 2}, Imm{0x4000}},
		// No index register.
		Add{Deref{Addr: Add{Imm{0x4000}, Imm{4}}, Size: 1}, Imm{0x1000}},
	} {
		_, ok := MatchSwitch(e)
		assert.False(t, ok, "%s", e)
	}
}

func TestMatchPointer(t *testing.T) {
	addr, size, ok := MatchPointer(Deref{Addr: Add{Imm{0x10000}, Imm{0x18}}, Size: 8})
	require.True(t, ok)
	assert.Equal(t, uint64(0x10018), addr)
	assert.Equal(t, 8, size)

	_, _, ok = MatchPointer(Deref{Addr: Reg{3}, Size: 8})
	assert.False(t, ok)
}

func TestEval(t *testing.T) {
	mem := map[uint64]int64{0x4081: -2}
	read := func(addr uint64, size int, signed bool) (int64, error) {
		v, ok := mem[addr]
		if !ok {
			return 0, errors.New("unmapped")
		}
		return v, nil
	}
	e := Substitute(gccSwitch(), 0, Imm{1})
	v, err := Eval(e, read)
	require.NoError(t, err)
	assert.Equal(t, int64(0x1040-8), v)

	_, err = Eval(gccSwitch(), read)
	assert.Error(t, err)

	sw, ok := MatchSwitch(gccSwitch())
	require.True(t, ok)
	v, err = Eval(sw.Case(1, true), read)
	require.NoError(t, err)
	assert.Equal(t, int64(0x1040-8), v)

	_, err = Eval(sw.Case(2, true), read)
	assert.Error(t, err)
}

func TestReplaceLoad(t *testing.T) {
	slot := Add{Reg{29}, Imm{28}}
	e := Add{Deref{Addr: Add{Imm{0x4000}, Deref{Addr: slot, Size: 4, Signed: true}}, Size: 1}, Imm{0x1000}}
	got, ok := ReplaceLoad(e, slot, Reg{1})
	require.True(t, ok)
	assert.Equal(t, disasm.Regs(1), Regs(got))

	_, ok = ReplaceLoad(e, Add{Reg{29}, Imm{16}}, Reg{1})
	assert.False(t, ok)
}
