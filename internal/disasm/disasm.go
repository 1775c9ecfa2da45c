// Package disasm provides ARM64 disassembly for ELF code sections.
package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Inst is a decoded ARM64 instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Raw      uint32
	Size     int // always 4 for ARM64
	Op       arm64asm.Op
	Mnemonic string
	Operands string // GNU syntax, PC-relative targets rendered as absolute #0x...
	Text     string // full disassembly line
	Reads    RegSet
	Writes   RegSet
}

// Valid reports whether the decoder recognized the encoding.
func (i Inst) Valid() bool { return i.Op != 0 }

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Options controls disassembly behavior.
type Options struct {
	BaseAddr uint64       // VA of the first byte in Data
	MaxSteps int          // maximum instructions to decode; 0 = 10M
	Symbols  SymbolLookup // optional symbol resolver
}

const defaultMaxSteps = 10_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Disassemble decodes ARM64 instructions from a byte region.
// Returns decoded instructions up to MaxSteps or end of data.
func Disassemble(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	n := len(data) / 4
	if n > maxSteps {
		n = maxSteps
	}

	result := make([]Inst, 0, n)
	for i := 0; i < n; i++ {
		off := i * 4
		raw := binary.LittleEndian.Uint32(data[off : off+4])
		result = append(result, Decode(raw, opts.BaseAddr+uint64(off)))
	}
	return result
}

// Decode decodes one instruction word at pc. Undecodable words come back as
// an .inst directive carrying the raw encoding so they reassemble unchanged.
func Decode(raw uint32, pc uint64) Inst {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], raw)

	inst := Inst{Addr: pc, Raw: raw, Size: 4}
	dec, err := arm64asm.Decode(buf[:])
	if err != nil {
		inst.Mnemonic = ".inst"
		inst.Operands = fmt.Sprintf("0x%08x", raw)
		inst.Text = inst.Mnemonic + " " + inst.Operands
		return inst
	}

	inst.Op = dec.Op
	inst.Mnemonic, inst.Operands = gnuText(dec, pc)
	inst.Text = inst.Mnemonic
	if inst.Operands != "" {
		inst.Text += " " + inst.Operands
	}
	inst.Reads, inst.Writes = access(dec)
	return inst
}

// gnuText renders mnemonic and operands the way GNU as accepts them.
// arm64asm prints PC-relative operands as ".+0x..", which no assembler
// accepts, so those are resolved to absolute addresses here.
func gnuText(dec arm64asm.Inst, pc uint64) (mnemonic, operands string) {
	mnemonic = strings.ToLower(dec.Op.String())
	var args []string
	for _, a := range dec.Args {
		if a == nil {
			break
		}
		switch a := a.(type) {
		case arm64asm.PCRel:
			base := pc
			if dec.Op == arm64asm.ADRP {
				base &^= 0xfff
			}
			args = append(args, fmt.Sprintf("#0x%x", uint64(int64(base)+int64(a))))
		case arm64asm.Cond:
			if dec.Op == arm64asm.B {
				mnemonic = "b." + strings.ToLower(a.String())
				continue
			}
			args = append(args, strings.ToLower(a.String()))
		default:
			args = append(args, strings.ToLower(a.String()))
		}
	}
	if dec.Op == arm64asm.RET {
		if r, ok := dec.Args[0].(arm64asm.Reg); ok && r == arm64asm.X30 {
			return "ret", ""
		}
	}
	return mnemonic, strings.Join(args, ", ")
}

// Format renders a slice of instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
// Annotators are checked in order; first non-empty result is used.
func Format(insts []Inst, lookup SymbolLookup, annotators ...Annotator) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%08x  ", inst.Addr)
		fmt.Fprintf(&b, "%02x %02x %02x %02x  ",
			byte(inst.Raw), byte(inst.Raw>>8), byte(inst.Raw>>16), byte(inst.Raw>>24))
		b.WriteString(inst.Text)
		commented := false
		if lookup != nil {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "  ; <%s>", name)
				commented = true
			}
		}
		if !commented {
			for _, ann := range annotators {
				if s := ann(inst); s != "" {
					fmt.Fprintf(&b, "  ; %s", s)
					break
				}
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
