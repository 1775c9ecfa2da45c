package emit

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armrw/internal/cfg"
	"armrw/internal/program"
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

// sample lays out .text at 0x1000:
//
//	0x1000 main      nop; b.eq 0x1000; ret
//	0x100c           four bytes of padding
//	0x1010 frame_dummy (ignored)
//	0x1014 _ZN3foo3barEv
func sample(t *testing.T) *program.Program {
	t.Helper()
	text := words(nop, 0x54FFFFE0, ret, 0xDEADBEEF, nop, ret)
	p := program.New("a.out")
	p.PIE = true
	p.Needed = []string{"libc.so.6", "libm.so.6"}
	p.CodeSections = []program.Region{{Name: ".text", Base: 0x1000, Size: uint64(len(text)), Bytes: text}}

	for _, f := range []struct {
		name  string
		start uint64
		size  int
		bind  elf.SymBind
	}{
		{"main", 0x1000, 12, elf.STB_LOCAL},
		{"frame_dummy", 0x1010, 4, elf.STB_LOCAL},
		{"_ZN3foo3barEv", 0x1014, 4, elf.STB_GLOBAL},
	} {
		off := f.start - 0x1000
		fn := program.NewFunction(f.name, f.start, text[off:off+uint64(f.size)], f.bind)
		p.AddFunction(fn)
		if f.name == "frame_dummy" {
			fn.Ignored = true
			continue
		}
		fn.Disassemble()
	}
	require.NoError(t, cfg.Build(p))

	ro := program.NewSection(".rodata", 0x2000, 4, []byte{1, 2, 3, 4}, 16, "a")
	p.AddSection(ro)
	ro.Load()
	ro.Replace(0x2000, 2, ".LC1000")
	ro.AddGlobal(0x2002, "table_2002", 2)
	bss := program.NewSection(".bss", 0x3000, 2, nil, 16, "aw")
	bss.NoBits = true
	p.AddSection(bss)
	bss.Load()
	return p
}

func TestWrite(t *testing.T) {
	p := sample(t)
	fn := p.Functions[0x1000]
	fn.Instructions[0].InsertBefore(program.Code("\tmov x9, x9"))
	fn.Instructions[0].InsertAfter(program.Code("\tmov x10, x10"))
	fn.Instructions[2].Align = 3

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, p, Options{}))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "// armrw: input=a.out pie=true stripped=false\n"))
	assert.Contains(t, out, "// armrw: link -lc\n// armrw: link -lm\n")

	assert.Contains(t, out, strings.Join([]string{
		"\t.section .rodata, \"a\"",
		"\t.align 12",
		".rodata_start:",
		".LC2000:",
		"\t.hword .LC1000",
		"\t.type table_2002, @object",
		"\t.globl table_2002",
		"\t.size table_2002, 2",
		"table_2002:",
		".LC2002:",
		"\t.byte 0x3",
		".LC2003:",
		"\t.byte 0x4",
	}, "\n"))
	assert.Contains(t, out, "\t.section .bss, \"aw\", @nobits\n")

	assert.Contains(t, out, strings.Join([]string{
		"\t.align 2",
		"\t.globl main",
		"\t.type main, @function",
		"main:",
		".L1000:",
		".LC1000:",
		"\tmov x9, x9",
		"\tnop",
		"\tmov x10, x10",
		".LC1004:",
		"\tb.eq .LC1000",
		"\t.align 3",
		".LC1008:",
		"\tret",
		"\t.size main, .-main",
	}, "\n"))

	assert.Contains(t, out, "\t.byte 0xef, 0xbe, 0xad, 0xde\n// frame_dummy: compiler-inserted, carried as raw bytes\n.LC1010:\n\t.byte 0x1f, 0x20, 0x03, 0xd5\n")
	assert.Contains(t, out, "// foo::bar()\n_ZN3foo3barEv:\n")
	assert.NotContains(t, out, ".armrw.text")

	assert.Equal(t, 2, p.Stats.FunctionsRewritten)
	assert.Equal(t, 1, p.Stats.FunctionsIgnored)
	assert.Equal(t, 4, p.Stats.Instructions)
}

func TestWriteTrampolines(t *testing.T) {
	p := sample(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, p, Options{Trampolines: true}))
	out := buf.String()

	i := strings.Index(out, "\t.section .armrw.text, \"ax\", @progbits\n")
	require.GreaterOrEqual(t, i, 0)
	tramp := strings.Split(strings.TrimSpace(out[i:]), "\n")
	assert.Equal(t, []string{
		".section .armrw.text, \"ax\", @progbits",
		"\t.align 12",
		TrampolineLabel(".text") + ":",
		"\tb .LC1000 // main",
		"\tbrk #0x1",
		"\tbrk #0x1",
		"\tbrk #0x1",
		"\tbrk #0x1",
		"\tb .LC1014 // _ZN3foo3barEv",
	}, tramp)
}

func TestLinkFlag(t *testing.T) {
	tests := []struct{ in, want string }{
		{"libc.so.6", "-lc"},
		{"libstdc++.so.6", "-lstdc++"},
		{"libfoo.so", "-lfoo"},
		{"ld-linux-aarch64.so.1", "ld-linux-aarch64.so.1"},
		{"libweird", "libweird"},
	}
	for _, tt := range tests {
		if got := LinkFlag(tt.in); got != tt.want {
			t.Errorf("LinkFlag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
