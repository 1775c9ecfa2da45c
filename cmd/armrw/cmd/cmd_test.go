package cmd

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armrw/internal/elfx/elfxtest"
)

func binaryPath(t *testing.T) string {
	t.Helper()
	text := make([]byte, 8)
	binary.LittleEndian.PutUint32(text, 0xD2800000)   // mov x0, #0
	binary.LittleEndian.PutUint32(text[4:], 0xD65F03C0) // ret
	b := &elfxtest.Builder{
		Sections: []elfxtest.Section{
			{Name: ".text", Addr: 0x1000, Flags: elf.SHF_EXECINSTR, Data: text, Align: 4},
			{Name: ".data", Addr: 0x2000, Flags: elf.SHF_WRITE, Data: make([]byte, 8), Align: 8},
		},
		Symbols: []elfxtest.Symbol{
			{Name: "main", Value: 0x1000, Size: 8, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: ".text"},
		},
	}
	return b.Write(t)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRewriteCommand(t *testing.T) {
	dir := t.TempDir()
	asm := filepath.Join(dir, "prog.s")
	stats := filepath.Join(dir, "stats.json")
	_, err := run(t, "rewrite", "--stats", stats, binaryPath(t), asm)
	require.NoError(t, err)

	b, err := os.ReadFile(asm)
	require.NoError(t, err)
	assert.Contains(t, string(b), "main:")
	assert.FileExists(t, stats)
}

func TestRewriteCommandBadConfig(t *testing.T) {
	_, err := run(t, "rewrite", "--stats=", "--resolve-mode", "random", binaryPath(t), filepath.Join(t.TempDir(), "x.s"))
	assert.ErrorContains(t, err, `"random"`)
	_, err = run(t, "rewrite", "--stats=", "--resolve-mode", "first", binaryPath(t), filepath.Join(t.TempDir(), "x.s"))
	assert.NoError(t, err)
}

func TestDisasmCommand(t *testing.T) {
	out, err := run(t, "disasm", "--func", "main", binaryPath(t))
	require.NoError(t, err)
	assert.Contains(t, out, "main @ 0x1000")
	assert.Contains(t, out, "; <main>")
	assert.Contains(t, out, "ret")

	_, err = run(t, "disasm", "--func", "nope", binaryPath(t))
	assert.ErrorContains(t, err, `"nope"`)
}

func TestCfgCommand(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "cfg", "--func", "main", "--out", dir, binaryPath(t))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "cfg", "main.dot"))
	assert.FileExists(t, filepath.Join(dir, "cfg_all.dot"))
	assert.FileExists(t, filepath.Join(dir, "callgraph.dot"))
}

func TestLivenessCommand(t *testing.T) {
	out, err := run(t, "liveness", "--func", "main", binaryPath(t))
	require.NoError(t, err)
	assert.Contains(t, out, "0x1000")
	assert.Contains(t, out, "0x1004")
	assert.Contains(t, out, "free")
}

func TestLivenessCommandRegister(t *testing.T) {
	out, err := run(t, "liveness", "--func", "main", "--reg", "w0", binaryPath(t))
	require.NoError(t, err)
	assert.Contains(t, out, "# x0 w0\n")
	// x0 is free before mov x0, #0 and read by ret.
	assert.Contains(t, out, "0x1000")
	assert.NotContains(t, out, "0x1004")

	_, err = run(t, "liveness", "--func", "main", "--reg", "q0", binaryPath(t))
	assert.ErrorContains(t, err, `unknown register "q0"`)
	_, err = run(t, "liveness", "--func", "main", "--reg=", binaryPath(t))
	require.NoError(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "armrw dev\n", out)
}
