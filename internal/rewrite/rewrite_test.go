package rewrite

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/apex/log/handlers/memory"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armrw/internal/cfg"
	"armrw/internal/disasm"
	"armrw/internal/elfx/elfxtest"
	"armrw/internal/liveness"
	"armrw/internal/program"
	"armrw/internal/resolve"
)

const (
	nop = 0xD503201F
	ret = 0xD65F03C0
)

func words(raws ...uint32) []byte {
	b := make([]byte, 4*len(raws))
	for i, r := range raws {
		binary.LittleEndian.PutUint32(b[4*i:], r)
	}
	return b
}

// switchBinary holds a five-case switch "sw" at 0x1000 over a byte table
// at 0x4080, and "main" at 0x104c calling it.
func switchBinary(mainCall uint32) *elfxtest.Builder {
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
	raws = append(raws, ret, mainCall, ret)

	table := make([]byte, 0x100)
	copy(table[0x80:], []byte{0, 2, 4, 6, 8})
	return &elfxtest.Builder{
		Sections: []elfxtest.Section{
			{Name: ".text", Addr: 0x1000, Flags: elf.SHF_EXECINSTR, Data: words(raws...), Align: 4},
			{Name: ".rodata", Addr: 0x4000, Data: table, Align: 8},
		},
		Symbols: []elfxtest.Symbol{
			{Name: "sw", Value: 0x1000, Size: 0x4c, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: ".text"},
			{Name: "main", Value: 0x104c, Size: 8, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: ".text"},
		},
	}
}

const callSw = 0x97FFFFED // bl 0x1000

// marker sets a free register at the first case of sw.
type marker struct {
	reg string
	err error
}

func (m *marker) Name() string { return "marker" }

func (m *marker) Instrument(p *program.Program) error {
	if m.err != nil {
		return m.err
	}
	fn := p.Functions[0x1000]
	free := fn.FreeRegisters(8)
	if free.Empty() {
		return errors.New("no free register at case 0")
	}
	m.reg = disasm.RegName(free.Nums()[0])
	fn.Instructions[8].InsertBefore(program.Code(fmt.Sprintf("\tmov %s, #0x1", m.reg)))
	fn.SetInstrumented()
	return nil
}

func TestRun(t *testing.T) {
	m := &marker{}
	var out bytes.Buffer
	p, err := New(DefaultConfig(), m).Run(switchBinary(callSw).Write(t), &out)
	require.NoError(t, err)
	s := out.String()

	assert.Equal(t, program.StageFinal, p.Stage())
	assert.Equal(t, 1, p.Stats.SwitchesRecovered)
	assert.Equal(t, 2, p.Stats.FunctionsRewritten)

	assert.Contains(t, s, "\tbl .LC1000\n")
	assert.Contains(t, s, "\tldr x1, =(.rodata_start + 0x0)\n")
	assert.Contains(t, s, ".byte (.LC1040-.LC1020)/4\n")
	assert.Contains(t, s, ".LC1020:\n\tmov "+m.reg+", #0x1\n\tnop")
	assert.Contains(t, s, "\t.section .armrw.text, \"ax\", @progbits\n")

	// x1 and x0 feed the indirect branch.
	fn := p.Functions[0x1000]
	assert.False(t, fn.FreeRegisters(6).Has(1))
	assert.False(t, fn.FreeRegisters(7).Has(0))
}

func TestRunLogsEveryPhase(t *testing.T) {
	h := memory.New()
	log.SetHandler(h)
	log.SetLevel(log.DebugLevel)
	t.Cleanup(func() {
		log.SetHandler(discard.Default)
		log.SetLevel(log.InfoLevel)
	})

	var out bytes.Buffer
	_, err := New(DefaultConfig()).Run(switchBinary(callSw).Write(t), &out)
	require.NoError(t, err)

	var phases []string
	for _, e := range h.Entries {
		if e.Message == "phase done" {
			phases = append(phases, e.Fields.Get("phase").(string))
		}
	}
	assert.Equal(t, []string{"load", "cfg", "symbolize", "liveness", "instrument", "fixup", "emit"}, phases)
}

func TestRunNoTrampolines(t *testing.T) {
	conf := DefaultConfig()
	conf.EmitTrampolines = false
	var out bytes.Buffer
	_, err := New(conf).Run(switchBinary(callSw).Write(t), &out)
	require.NoError(t, err)
	assert.NotContains(t, out.String(), ".armrw.text")
}

func TestRunUnresolvedTarget(t *testing.T) {
	var out bytes.Buffer
	_, err := New(DefaultConfig()).Run(switchBinary(0x94001FED).Write(t), &out) // bl 0x9000
	require.Error(t, err)
	assert.ErrorIs(t, err, cfg.ErrUnresolvedTarget)
	assert.Contains(t, err.Error(), "main")
	assert.Zero(t, out.Len())
}

func TestRunPluginError(t *testing.T) {
	boom := errors.New("boom")
	var out bytes.Buffer
	_, err := New(DefaultConfig(), &marker{err: boom}).Run(switchBinary(callSw).Write(t), &out)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "instrument: marker")
	assert.Zero(t, out.Len())
}

func TestRunMissingFile(t *testing.T) {
	_, err := New(DefaultConfig()).Analyze("/nonexistent/a.out")
	assert.ErrorContains(t, err, "rewrite: load")
}

func TestConfigFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	got, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), got)

	v.Set(KeyLiveness, "fixpoint")
	v.Set(KeyResolveMode, "all")
	v.Set(KeyStepBudget, 9)
	v.Set(KeyTrampolines, false)
	v.Set(KeyIgnore, []string{"helper"})
	v.Set(KeyReserve, []string{"w18", "x16"})
	got, err = FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, liveness.Fixpoint, got.LivenessStrategy)
	assert.Equal(t, resolve.AllPredecessors, got.ResolveMode)
	assert.Equal(t, 9, got.StepBudget)
	assert.False(t, got.EmitTrampolines)
	assert.Equal(t, []string{"helper"}, got.IgnoreFuncs)
	assert.Equal(t, []string{"helper"}, got.loaderOptions().Ignore)
	assert.Equal(t, disasm.Regs(16, 18), got.livenessOptions().Reserved)
}

func TestConfigFromViperInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set(KeyLiveness, "sometimes")
	v.Set(KeyResolveMode, "random")
	v.Set(KeyReserve, []string{"x18", "q0"})
	_, err := FromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"q0"`)
	assert.Contains(t, err.Error(), `"sometimes"`)
	assert.Contains(t, err.Error(), `"random"`)
}
