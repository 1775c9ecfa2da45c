package symbolize

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armrw/internal/cfg"
	"armrw/internal/program"
	"armrw/internal/resolve"
)

const (
	nop = 0xD503201F
	ret = 0xD65F03C0
)

func newProgram() *program.Program {
	p := program.New("test")
	p.CodeSections = []program.Region{{Name: ".text", Base: 0x1000, Size: 0x2000}}
	return p
}

func addFunc(p *program.Program, name string, start uint64, raws ...uint32) *program.Function {
	b := make([]byte, 4*len(raws))
	for i, r := range raws {
		binary.LittleEndian.PutUint32(b[4*i:], r)
	}
	fn := program.NewFunction(name, start, b, elf.STB_GLOBAL)
	p.AddFunction(fn)
	fn.Disassemble()
	return fn
}

func addSection(p *program.Program, name string, base, size uint64, at map[uint64][]byte) *program.Section {
	buf := make([]byte, size)
	for addr, b := range at {
		copy(buf[addr-base:], b)
	}
	s := program.NewSection(name, base, size, buf, 16, "aw")
	p.AddSection(s)
	s.Load()
	return s
}

func quad(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func run(t *testing.T, p *program.Program) {
	t.Helper()
	New(p, resolve.New(p, resolve.Options{})).Run()
}

// snapshot renders every instruction and emitted cell.
func snapshot(p *program.Program) string {
	var b strings.Builder
	for _, fn := range p.Funcs() {
		for _, inst := range fn.Instructions {
			b.WriteString(inst.Text())
			for _, s := range inst.After() {
				b.WriteString(s.String())
			}
			b.WriteByte('\n')
		}
	}
	for _, sec := range p.SortedSections() {
		sec.EachCell(func(addr uint64, c *program.Cell) {
			fmt.Fprintf(&b, "%x %s\n", addr, c.Directive())
		})
	}
	return b.String()
}

// switchProgram is a five-case GCC switch over a byte table at 0x4080.
func switchProgram(t *testing.T) (*program.Program, *program.Function) {
	t.Helper()
	p := newProgram()
	addSection(p, ".rodata", 0x4000, 0x100, map[uint64][]byte{0x4080: {0, 2, 4, 6, 8}})
	raws := []uint32{
		0x7100101F, // cmp w0, #4
		0x54000228, // b.hi 0x1048
		0xF0000001, // adrp x1, 0x4000
		0x91020021, // add x1, x1, #0x80
		0x38604820, // ldrb w0, [x1, w0, uxtw]
		0x10000061, // adr x1, 0x1020
		0x8B208820, // add x0, x1, w0, sxtb #2
		0xD61F0000, // br x0
	}
	for range 5 {
		raws = append(raws, nop, ret)
	}
	raws = append(raws, ret)
	fn := addFunc(p, "sw", 0x1000, raws...)
	require.NoError(t, cfg.Build(p))
	return p, fn
}

func TestSwitch(t *testing.T) {
	p, fn := switchProgram(t)
	run(t, p)

	require.Len(t, fn.Jumptables, 1)
	assert.Equal(t, []int{8, 10, 12, 14, 16}, fn.Successors(7))
	assert.Contains(t, fn.Prevs[12], 7)
	assert.True(t, fn.BBStarts[0x1030])

	ro := p.Sections[".rodata"]
	assert.Equal(t, ".byte (.LC1020-.LC1020)/4", ro.Cell(0x4080).Directive())
	assert.Equal(t, ".byte (.LC1040-.LC1020)/4", ro.Cell(0x4084).Directive())
	assert.Equal(t, ".byte 0x0", ro.Cell(0x4085).Directive())

	assert.Equal(t, "\tldr x1, =(.rodata_start + 0x0)", fn.Instructions[2].Text())
	assert.Equal(t, "x1, .LC1020", fn.Instructions[5].Operands)
	assert.False(t, fn.PotentialCrash)

	assert.Equal(t, 1, p.Stats.SwitchesRecovered)
	assert.Equal(t, 1, p.Stats.GlobalsFixed)
	assert.Equal(t, 1, p.Stats.LiteralsSymbolized)
}

func TestIdempotent(t *testing.T) {
	p, fn := switchProgram(t)
	run(t, p)
	first, stats := snapshot(p), p.Stats

	run(t, p)
	assert.Equal(t, first, snapshot(p))
	assert.Equal(t, stats, p.Stats)
	assert.Len(t, fn.Jumptables, 1)
}

func TestGlobalUses(t *testing.T) {
	p := newProgram()
	addSection(p, ".data", 0x5000, 0x10, nil)
	addSection(p, ".bss", 0x5010, 0x20, nil)
	fn := addFunc(p, "g", 0x1000,
		0x90000020, // adrp x0, 0x5000
		0xAA0003E2, // mov x2, x0
		0x91006000, // add x0, x0, #0x18
		0xF9400443, // ldr x3, [x2, #8]
		ret,
	)
	require.NoError(t, cfg.Build(p))
	run(t, p)

	assert.Equal(t, "\t // adrp x0, #0x5000 (resolved at each use)", fn.Instructions[0].Text())
	assert.Equal(t, "\tldr x0, =.LC5018", fn.Instructions[2].Text())
	assert.Equal(t, "\tldr x3, =.LC5008", fn.Instructions[3].Text())
	require.Len(t, fn.Instructions[3].After(), 1)
	assert.Equal(t, "\tldr x3, [x3]", fn.Instructions[3].After()[0].Code)
	assert.Equal(t, 1, p.Stats.GlobalsFixed)
}

func TestGlobalStore(t *testing.T) {
	p := newProgram()
	addSection(p, ".data", 0x5000, 0x10, nil)
	addSection(p, ".bss", 0x5010, 0x20, nil)
	fn := addFunc(p, "g", 0x1000,
		0x90000020, // adrp x0, 0x5000
		0xF9000C01, // str x1, [x0, #0x18]
		ret,
	)
	require.NoError(t, cfg.Build(p))
	run(t, p)

	assert.Equal(t, "\tldr x0, =.LC5018", fn.Instructions[1].Text())
	require.Len(t, fn.Instructions[1].After(), 1)
	assert.Equal(t, "\tstr x1, [x0]", fn.Instructions[1].After()[0].Code)
}

func TestGlobalAmbiguous(t *testing.T) {
	p := newProgram()
	addSection(p, ".data", 0x5000, 0x10, nil)
	addSection(p, ".bss", 0x5010, 0x20, nil)
	fn := addFunc(p, "g", 0x1000,
		0x90000020, // adrp x0, 0x5000
		0x8B020001, // add x1, x0, x2
		ret,
	)
	require.NoError(t, cfg.Build(p))
	run(t, p)

	assert.Equal(t, "x0, .LC5000", fn.Instructions[0].Operands)
	assert.Equal(t, 1, p.Stats.GlobalsAmbiguous)
	assert.Zero(t, p.Stats.GlobalsFixed)
}

func TestPointerSlot(t *testing.T) {
	p := newProgram()
	data := addSection(p, ".data", 0x4000, 0x40, map[uint64][]byte{0x4018: quad(0x1008)})
	fn := addFunc(p, "ptr", 0x1000,
		0xF0000001, // adrp x1, 0x4000
		0xF9400C20, // ldr x0, [x1, #0x18]
		0xD61F0000, // br x0
	)
	require.NoError(t, cfg.Build(p))
	run(t, p)

	assert.Equal(t, ".quad .LC1008", data.Cell(0x4018).Directive())
	assert.Equal(t, 1, p.Stats.PointerTables)
	assert.False(t, fn.PotentialCrash)
	assert.Equal(t, "\tldr x1, =(.data_start + 0x0)", fn.Instructions[0].Text())
}

func TestPointerSlotOverlapsSymbolizedData(t *testing.T) {
	for _, tt := range []struct {
		name string
		at   uint64
		size int
	}{
		{"absorbed", 0x4014, 8},
		{"narrower head", 0x4018, 4},
	} {
		t.Run(tt.name, func(t *testing.T) {
			p := newProgram()
			data := addSection(p, ".data", 0x4000, 0x40, map[uint64][]byte{0x4018: quad(0x1008)})
			data.Replace(tt.at, tt.size, ".LCfeed")
			fn := addFunc(p, "ptr", 0x1000,
				0xF0000001, // adrp x1, 0x4000
				0xF9400C20, // ldr x0, [x1, #0x18]
				0xD61F0000, // br x0
			)
			require.NoError(t, cfg.Build(p))
			run(t, p)

			assert.True(t, fn.PotentialCrash)
			assert.Zero(t, p.Stats.PointerTables)
			assert.Equal(t, tt.size, data.Cell(tt.at).Size)
		})
	}
}

func TestUnresolvedBranch(t *testing.T) {
	p := newProgram()
	fn := addFunc(p, "dyn", 0x1000,
		0xAA0103E0, // mov x0, x1
		0xD61F0000, // br x0
	)
	require.NoError(t, cfg.Build(p))
	run(t, p)

	assert.True(t, fn.PotentialCrash)
	assert.Equal(t, 1, p.Stats.SwitchesAbandoned)
	assert.Empty(t, fn.Successors(1))
}

func TestDataRelocations(t *testing.T) {
	p := newProgram()
	addFunc(p, "f", 0x1000, nop, ret)
	p.Ignored[0x2000] = true
	data := addSection(p, ".data", 0x5000, 0x28, nil)
	p.AddRelocations(".dyn", []program.Relocation{
		{Offset: 0x5000, Type: elf.R_AARCH64_RELATIVE, Addend: 0x1004},
		{Offset: 0x5008, Type: elf.R_AARCH64_GLOB_DAT, Name: "stdout"},
		{Offset: 0x5010, Type: elf.R_AARCH64_ABS64, Value: 0x5000, Addend: 8},
		{Offset: 0x5018, Type: elf.R_AARCH64_COPY, Name: "environ"},
		{Offset: 0x5020, Type: elf.R_AARCH64_RELATIVE, Addend: 0x2000},
	})
	require.NoError(t, cfg.Build(p))
	run(t, p)

	assert.Equal(t, ".quad .LC1004", data.Cell(0x5000).Directive())
	assert.Equal(t, ".quad stdout", data.Cell(0x5008).Directive())
	assert.Equal(t, ".quad .LC5008", data.Cell(0x5010).Directive())
	assert.False(t, data.Cell(0x5018).Symbolic())
	assert.False(t, data.Cell(0x5020).Symbolic())
	assert.Equal(t, 3, p.Stats.DataRelocations)
}

func TestTextRelocation(t *testing.T) {
	p := newProgram()
	fn := addFunc(p, "f", 0x1000,
		0x94000002, // bl 0x1008
		ret,
		ret,
	)
	p.AddRelocations(".text", []program.Relocation{
		{Offset: 0x1000, Type: elf.R_AARCH64_CALL26, Name: "puts@GLIBC_2.17"},
	})
	require.NoError(t, cfg.Build(p))
	run(t, p)

	assert.Equal(t, "puts@PLT", fn.Instructions[0].Operands)
}
