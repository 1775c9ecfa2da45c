package program

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(ws ...uint32) []byte {
	b := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return b
}

func TestAddFunctionRenamesDuplicates(t *testing.T) {
	p := New("a.out")
	p.AddFunction(NewFunction("helper", 0x1000, words(0xD65F03C0), elf.STB_LOCAL))
	p.AddFunction(NewFunction("helper", 0x2000, words(0xD65F03C0), elf.STB_LOCAL))

	assert.Equal(t, "helper", p.Functions[0x1000].Name)
	assert.Equal(t, "helper_2000", p.Functions[0x2000].Name)

	fns := p.Funcs()
	require.Len(t, fns, 2)
	assert.Equal(t, uint64(0x1000), fns[0].Start)
}

func TestDisassembleTwicePanics(t *testing.T) {
	fn := NewFunction("f", 0x1000, words(0xD503201F, 0xD65F03C0), elf.STB_GLOBAL)
	fn.Disassemble()
	require.Len(t, fn.Instructions, 2)
	assert.Equal(t, 1, fn.AddrToIdx[0x1004])
	assert.Equal(t, "ret", fn.Instructions[1].Mnemonic)
	assert.True(t, fn.BBStarts[0x1000])

	assert.Panics(t, fn.Disassemble)
}

func TestSectionReadReplace(t *testing.T) {
	s := NewSection(".rodata", 0x4000, 16, []byte{0x01, 0x02, 0xFF, 0xFF}, 8, "a")
	s.Load()

	v, err := s.ReadAt(0x4000, 2, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0x0201), v)

	v, err = s.ReadAt(0x4002, 2, true)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)

	// zero padded tail
	v, err = s.ReadAt(0x4008, 8, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	s.Replace(0x4000, 4, ".LC1234")
	_, err = s.ReadAt(0x4000, 1, false)
	assert.True(t, errors.Is(err, ErrUnreadable))
	_, err = s.ReadAt(0x4002, 1, false)
	assert.True(t, errors.Is(err, ErrUnreadable), "absorbed cell must be unreadable")

	var emitted, total int
	s.EachCell(func(addr uint64, c *Cell) {
		emitted++
		total += c.Size
	})
	assert.Equal(t, 13, emitted)
	assert.Equal(t, 16, total)
	assert.Equal(t, ".word .LC1234", s.Cell(0x4000).Directive())
	assert.Equal(t, ".byte 0x0", s.Cell(0x4004).Directive())
}

func TestSectionReplaceOverlap(t *testing.T) {
	s := NewSection(".data", 0x4000, 32, nil, 8, "aw")
	s.Load()
	s.Replace(0x4008, 8, ".LC1000")

	assert.False(t, s.Replaceable(0x400c, 8), "inside a symbolic cell")
	assert.False(t, s.Replaceable(0x4004, 8), "covers a symbolic cell")
	assert.False(t, s.Replaceable(0x4008, 4), "splits a symbolic cell")
	assert.False(t, s.Replaceable(0x401c, 8), "overruns the section")
	assert.True(t, s.Replaceable(0x4008, 8))
	assert.True(t, s.Replaceable(0x4010, 8))

	assert.Panics(t, func() { s.Replace(0x400c, 8, ".LC2000") })
	assert.Panics(t, func() { s.Replace(0x4004, 8, ".LC2000") })
	assert.Equal(t, ".quad .LC1000", s.Cell(0x4008).Directive())

	s.Replace(0x4008, 8, ".LC2000")
	assert.Equal(t, ".quad .LC2000", s.Cell(0x4008).Directive())
}

func TestGapOf(t *testing.T) {
	p := New("a.out")
	p.CodeSections = []Region{
		{Name: ".text", Base: 0x1000, Size: 0x100},
		{Name: ".text.hot", Base: 0x8000, Size: 0x100},
	}
	r, ok := p.GapOf(0x1008, 0x1010)
	require.True(t, ok)
	assert.Equal(t, ".text", r.Name)

	_, ok = p.GapOf(0x1008, 0x8000)
	assert.False(t, ok)
	_, ok = p.GapOf(0x1010, 0x1010)
	assert.False(t, ok)
}

func TestSectionAssertions(t *testing.T) {
	s := NewSection(".data", 0x4000, 4, nil, 1, "aw")
	assert.Equal(t, 12, s.Align)
	s.Load()
	assert.Panics(t, s.Load)
	assert.Panics(t, func() { _, _ = s.ReadAt(0x5000, 1, false) })
	assert.Panics(t, func() { s.Replace(0x4002, 4, "x") })
}

func TestInstrumentationWindow(t *testing.T) {
	p := New("a.out")
	fn := NewFunction("f", 0x1000, words(0xD65F03C0), elf.STB_GLOBAL)
	p.AddFunction(fn)
	fn.Disassemble()
	sec := NewSection(".data", 0x4000, 8, nil, 8, "aw")
	p.AddSection(sec)
	sec.Load()

	inst := fn.Instructions[0]
	inst.InsertBefore(Code("\tnop"))
	inst.InsertBeforeAt(0, Code("\tmov x9, x9"))
	sec.Cell(0x4000).InsertAfter(Code(".quad 0"))

	p.Seal()
	inst.InsertAfter(Code("\tnop"))
	p.Finalize()

	assert.Panics(t, func() { inst.InsertAfter(Code("\tnop")) })
	assert.Panics(t, func() { sec.Cell(0x4000).InsertBefore(Code(".byte 0")) })
	assert.Panics(t, p.Seal)

	require.Len(t, inst.Before(), 2)
	assert.Equal(t, "\tmov x9, x9", inst.Before()[0].Code)
	assert.Equal(t, 3, inst.InstrumentationLength(true))
	assert.Equal(t, 2, inst.InstrumentationLength(false))
}

func TestSnippetInstructions(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{"\tnop", 1},
		{".tbz_10_false:\n\tb .LC14\n.tbz_10_true:\n\tb .LC40", 2},
		{"// comment\n# note\n.ltorg", 0},
		{"\tstp x0, x1, [sp, #-16]!\n\n\tbl cov_hit\n\tldp x0, x1, [sp], #16", 3},
		{"local_label:", 0},
	}
	for _, tc := range tests {
		if got := Code(tc.code).Instructions(); got != tc.want {
			t.Errorf("Instructions(%q) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestAddJumptableAnnotatesCases(t *testing.T) {
	fn := NewFunction("sw", 0x1000, words(0xD503201F, 0xD503201F, 0xD503201F, 0xD61F0020), elf.STB_GLOBAL)
	fn.Disassemble()
	fn.AddJumptable(&Jumptable{
		BranchAddr: 0x100c,
		BaseCase:   0x1000,
		EntrySize:  1,
		Cases:      []uint64{0x1004, 0x1008, 0x1004},
	})

	assert.True(t, fn.BBStarts[0x1004])
	assert.True(t, fn.BBStarts[0x1008])
	assert.Equal(t, "Case [0,2] of switch at 0x100c", fn.Instructions[1].Comment)
	assert.Equal(t, "\tnop // Case [1] of switch at 0x100c", fn.Instructions[2].Text())

	jt := fn.Jumptables[0]
	assert.Equal(t, uint64(0x1004), jt.FirstCase())
	assert.Equal(t, uint64(0x1008), jt.LastCase())
	assert.True(t, jt.Contains(0x1006))
}

func TestImportTarget(t *testing.T) {
	p := New("a.out")
	p.PLTBase = 0x600
	p.AddPLT([]Relocation{{Name: "puts"}, {Name: "exit"}})
	name, ok := p.ImportTarget(0x630)
	require.True(t, ok)
	assert.Equal(t, "exit", name)

	// .plt.got stub: adrp x16, 0x10000; ldr x17, [x16, #24]; br x17
	p.GOTPLT = Region{Name: ".plt.got", Base: 0x700, Size: 16, Bytes: words(0x90000090, 0xF9400E11, 0xD61F0220, 0xD503201F)}
	p.AddRelocations(".dyn", []Relocation{{Offset: 0x10018, Name: "__cxa_finalize", Type: elf.R_AARCH64_GLOB_DAT}})
	slot, ok := p.GOTPLTSlot(0x700)
	require.True(t, ok)
	assert.Equal(t, uint64(0x10018), slot)

	name, ok = p.ImportTarget(0x700)
	require.True(t, ok)
	assert.Equal(t, "__cxa_finalize@PLT", name)

	_, ok = p.ImportTarget(0x9999)
	assert.False(t, ok)
}

func TestFreeRegisters(t *testing.T) {
	fn := NewFunction("f", 0x1000, words(0xD65F03C0), elf.STB_GLOBAL)
	assert.True(t, fn.FreeRegisters(0).Empty())
}
